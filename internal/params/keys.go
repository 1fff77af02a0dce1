package params

// Names of the numeric tunables read by the built-in stages and the stitcher.
const (
	RegistrationResol    = "RegistrationResol"
	CompositingResol     = "CompositingResol"
	PanoConfidenceThresh = "PanoConfidenceThresh"
	MaxFeatures          = "MaxFeatures"
	RangeWidth           = "RangeWidth"
	MatchRatio           = "MatchRatio"
	InterpolationFlags   = "interpolationFlags"
	Mode                 = "mode"
)

// Defaults of the numeric tunables.
const (
	DefaultRegistrationResol    = 0.6
	DefaultCompositingResol     = -1.0
	DefaultPanoConfidenceThresh = 1.0
	DefaultMaxFeatures          = 2000
	DefaultRangeWidth           = 5
	DefaultMatchRatio           = 0.7
)
