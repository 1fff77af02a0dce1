package stitcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"panostitch/internal/events"
	"panostitch/internal/imageio"
	"panostitch/internal/instrument"
	"panostitch/internal/introspect"
	"panostitch/internal/pano"
	"panostitch/internal/params"
	"panostitch/internal/registry"
)

// State is the coarse lifecycle of a Stitcher.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateSucceeded
	StatePartiallySucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StatePartiallySucceeded:
		return "partially_succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Strategy is the resolved value of the mode parameter.
type Strategy int

const (
	StrategyAll Strategy = iota
	StrategyIncremental
	StrategyMerge
)

// ErrUnknownMode is reported when the mode parameter names no strategy.
var ErrUnknownMode = errors.New("unknown stitching mode")

// ParseStrategy maps a mode name onto a strategy.
func ParseStrategy(mode string) (Strategy, error) {
	switch strings.ToUpper(mode) {
	case registry.ModeScans, registry.ModePanorama:
		return StrategyAll, nil
	case registry.ModeIncremental:
		return StrategyIncremental, nil
	case registry.ModeMerge:
		return StrategyMerge, nil
	}
	return 0, fmt.Errorf("%q: %w", mode, ErrUnknownMode)
}

type stageSet struct {
	finder    *instrument.FeatureExtractor
	matcher   *instrument.Matcher
	estimator *instrument.Estimator
	adjuster  *instrument.BundleAdjuster
	warper    *instrument.Warper
	seams     *instrument.SeamFinder
	exposure  *instrument.ExposureCompensator
	blender   *instrument.Blender

	registrationResol float64
	compositingResol  float64
	confThresh        float64
	mode              string
	strategy          Strategy
}

// Stitcher drives the panorama pipeline over its image set. A run executes
// on the calling goroutine; concurrent Stitch calls are serialised.
type Stitcher struct {
	reg    *registry.Registry
	params *params.Parameters
	bus    *events.Bus
	model  *introspect.Model
	loader *imageio.Loader
	log    *slog.Logger

	paramsFile   string
	matchWorkers int

	mu     sync.Mutex
	images []*pano.Image
	stages stageSet

	runMu      sync.Mutex
	state      atomic.Int32
	lastStatus atomic.Int32

	probeMu  sync.Mutex
	dots     map[string]int
	progress float64
}

// Option customises a Stitcher.
type Option func(*Stitcher)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Stitcher) { s.log = logger }
}

// WithParameters seeds the parameter store; unset names keep the registry
// defaults.
func WithParameters(p *params.Parameters) Option {
	return func(s *Stitcher) { s.params.Merge(p) }
}

func WithBus(bus *events.Bus) Option {
	return func(s *Stitcher) { s.bus = bus }
}

// WithParamsFile loads a parameters file at construction when it exists.
func WithParamsFile(path string) Option {
	return func(s *Stitcher) { s.paramsFile = path }
}

func WithLoader(l *imageio.Loader) Option {
	return func(s *Stitcher) { s.loader = l }
}

// WithMatchWorkers bounds the goroutines used for pairwise matching. One
// keeps matching on the calling goroutine.
func WithMatchWorkers(n int) Option {
	return func(s *Stitcher) { s.matchWorkers = n }
}

// New builds a Stitcher over reg, or the built-in registry when reg is nil.
func New(reg *registry.Registry, opts ...Option) *Stitcher {
	if reg == nil {
		reg = registry.Default()
	}
	s := &Stitcher{
		reg:          reg,
		bus:          events.NewBus(),
		model:        introspect.NewModel(),
		log:          slog.Default(),
		matchWorkers: runtime.NumCPU(),
		dots:         make(map[string]int),
	}
	s.params = reg.Defaults()
	for _, opt := range opts {
		opt(s)
	}
	s.params = withLogger(s.params, s.log)
	if s.loader == nil {
		s.loader = imageio.NewLoader(0, nil, s.log)
	}
	if s.paramsFile != "" {
		if err := s.params.Load(s.paramsFile); err == nil {
			s.log.Info("loaded parameters", "path", s.paramsFile)
		} else if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("ignoring parameters file", "path", s.paramsFile, "error", err)
		}
	}
	s.configure()
	return s
}

func withLogger(p *params.Parameters, logger *slog.Logger) *params.Parameters {
	out := params.New(params.WithLogger(logger))
	out.Merge(p)
	return out
}

func (s *Stitcher) Bus() *events.Bus            { return s.bus }
func (s *Stitcher) Model() *introspect.Model    { return s.model }
func (s *Stitcher) Registry() *registry.Registry { return s.reg }

// State reports the lifecycle state.
func (s *Stitcher) State() State {
	return State(s.state.Load())
}

// LastStatus is the status of the most recent failed registration of the
// last run, or StatusOK.
func (s *Stitcher) LastStatus() pano.Status {
	return pano.Status(s.lastStatus.Load())
}

// Schema describes every tunable.
func (s *Stitcher) Schema() []registry.ConfigItem {
	return s.reg.Schema()
}

// Parameters returns a copy of the current parameters.
func (s *Stitcher) Parameters() *params.Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// Configure merges p (which may be nil) into the parameters and rebuilds
// every stage. Unknown option names fall back to the category default.
func (s *Stitcher) Configure(p *params.Parameters) {
	s.mu.Lock()
	s.params.Merge(p)
	s.mu.Unlock()
	s.configure()
	s.status("configured", 1000)
}

func (s *Stitcher) configure() {
	prev := s.State()
	s.state.Store(int32(StateConfiguring))
	defer s.state.Store(int32(prev))

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.params
	w := instrument.Wrapper{Probe: s, Recorder: s.model}
	s.stages = stageSet{
		finder:            w.FeatureExtractor(build[pano.FeatureExtractor](s, p, registry.FeaturesFinder)),
		matcher:           w.Matcher(build[pano.Matcher](s, p, registry.FeaturesMatcher)),
		estimator:         w.Estimator(build[pano.Estimator](s, p, registry.Estimator)),
		adjuster:          w.BundleAdjuster(build[pano.BundleAdjuster](s, p, registry.BundleAdjuster)),
		warper:            w.Warper(build[pano.Warper](s, p, registry.Warper)),
		seams:             w.SeamFinder(build[pano.SeamFinder](s, p, registry.SeamFinder)),
		exposure:          w.ExposureCompensator(build[pano.ExposureCompensator](s, p, registry.ExposureCompensator)),
		blender:           w.Blender(build[pano.Blender](s, p, registry.Blender)),
		registrationResol: params.Get(p, params.RegistrationResol, params.DefaultRegistrationResol),
		compositingResol:  params.Get(p, params.CompositingResol, params.DefaultCompositingResol),
		confThresh:        params.Get(p, params.PanoConfidenceThresh, params.DefaultPanoConfidenceThresh),
	}
	s.stages.mode, s.stages.strategy = s.resolveMode(p)
}

// resolveMode reads the mode parameter. An unrecognised mode reverts to the
// registry default.
func (s *Stitcher) resolveMode(p *params.Parameters) (string, Strategy) {
	def := s.reg.DefaultOption(registry.Mode)
	mode := params.Get(p, params.Mode, def)
	strategy, err := ParseStrategy(mode)
	if err == nil {
		return mode, strategy
	}
	s.log.Warn("unknown stitching mode, using default",
		"option", mode, "default", def, "error", registry.ErrUnknownOption)
	strategy, err = ParseStrategy(def)
	if err != nil {
		s.log.Error("default stitching mode has no strategy", "default", def, "error", err)
	}
	return def, strategy
}

func build[T any](s *Stitcher, p *params.Parameters, cat registry.Category) T {
	def := s.reg.DefaultOption(cat)
	option := params.Get(p, string(cat), def)
	stage, fallback, err := registry.CreateOrDefault[T](s.reg, cat, option, p)
	if fallback {
		s.log.Warn("unknown stage option, using default",
			"category", cat, "option", option, "default", def, "error", registry.ErrUnknownOption)
	}
	if err != nil {
		s.log.Error("cannot build stage", "category", cat, "option", option, "error", err)
	}
	return stage
}

// SetImages replaces the image set. Nil entries are kept as empty slots.
func (s *Stitcher) SetImages(images []*pano.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append([]*pano.Image(nil), images...)
}

// SetImageFiles decodes paths into the image set. A file that cannot be read
// leaves an empty slot so that every other image keeps its index.
func (s *Stitcher) SetImageFiles(ctx context.Context, paths []string) (skipped []int, err error) {
	images, skipped, err := s.loader.LoadAll(ctx, paths)
	if err != nil {
		return nil, err
	}
	s.SetImages(images)
	return skipped, nil
}

// AddImage appends img and returns its index.
func (s *Stitcher) AddImage(img *pano.Image) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, img)
	return len(s.images) - 1
}

// RemoveImage deletes the image at i; later images move down by one.
func (s *Stitcher) RemoveImage(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.images) {
		return false
	}
	s.images = append(s.images[:i:i], s.images[i+1:]...)
	return true
}

func (s *Stitcher) RemoveAllImages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = nil
}

// Image returns the image at i, or nil.
func (s *Stitcher) Image(i int) *pano.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.images) {
		return nil
	}
	return s.images[i]
}

func (s *Stitcher) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// Clean drops the image set and every artifact of the last run.
func (s *Stitcher) Clean() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.RemoveAllImages()
	s.model.Reset()
	s.lastStatus.Store(int32(pano.StatusOK))
	s.state.Store(int32(StateIdle))
}

// Components returns the index sets of the last run.
func (s *Stitcher) Components() [][]int {
	return s.model.IndexSets()
}

// StitchWith merges p into the parameters before running.
func (s *Stitcher) StitchWith(p *params.Parameters) []*pano.Image {
	if p != nil {
		s.mu.Lock()
		s.params.Merge(p)
		s.mu.Unlock()
	}
	return s.Stitch()
}

// Stitch runs the configured strategy over the current image set and
// returns one panorama per component. It always ends with a result event
// followed by progress 1.
func (s *Stitcher) Stitch() []*pano.Image {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.model.Reset()
	s.lastStatus.Store(int32(pano.StatusOK))
	s.resetProbe()

	s.mu.Lock()
	var items []work
	for i, img := range s.images {
		if !img.Empty() {
			items = append(items, work{index: i, img: img})
		}
	}
	s.mu.Unlock()

	if len(items) == 0 {
		s.status("please provide images", -1)
		s.finish(StateFailed, nil)
		return nil
	}

	s.status("preparing images", -1)
	s.configure()
	s.mu.Lock()
	st := s.stages
	s.mu.Unlock()

	s.state.Store(int32(StateRunning))
	s.status("stitching", -1)
	s.log.Info("stitch started", "mode", st.mode, "images", len(items))

	r := &run{s: s, st: st, feats: make(map[int]pano.ImageFeatures)}
	r.scale = pano.ScaleFor(maxArea(items), st.registrationResol)

	var results []result
	switch st.strategy {
	case StrategyAll:
		if res, status := r.stitchAll(items, band{0, 1}); status.OK() {
			results = []result{res}
		}
	case StrategyIncremental:
		results = r.stitchIncremental(items, band{0, 1})
	case StrategyMerge:
		results = r.mergeStitch(items, band{0, 1})
	}

	outputs := make([]*pano.Image, 0, len(results))
	labels := make([]string, 0, len(results))
	covered := 0
	for _, res := range results {
		s.model.Commit(res.indices, res.cams, res.pano, res.origin, res.art)
		outputs = append(outputs, res.pano)
		labels = append(labels, oneBased(res.indices))
		covered += len(res.indices)
	}

	switch {
	case len(results) == 0:
		s.status("stitching failed: "+s.LastStatus().String(), -1)
		s.log.Warn("stitch failed", "status", s.LastStatus())
		s.finish(StateFailed, outputs)
	case len(results) == 1 && covered == len(items):
		s.status("stitched: "+labels[0], -1)
		s.log.Info("stitch complete", "components", s.model.IndexSets())
		s.finish(StateSucceeded, outputs)
	default:
		s.status("stitched: "+strings.Join(labels, "; "), -1)
		s.log.Info("stitch partially complete", "components", s.model.IndexSets(), "attempted", len(items))
		s.finish(StatePartiallySucceeded, outputs)
	}
	return outputs
}

func (s *Stitcher) finish(state State, outputs []*pano.Image) {
	s.state.Store(int32(state))
	s.bus.Result.Emit(outputs)
	s.emitProgress(1)
}

func (s *Stitcher) fail(status pano.Status) {
	s.lastStatus.Store(int32(status))
}

func oneBased(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx + 1)
	}
	return strings.Join(parts, ", ")
}

func (s *Stitcher) status(text string, timeout int) {
	s.bus.EmitStatus(text, timeout)
}

func (s *Stitcher) resetProbe() {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()
	s.dots = make(map[string]int)
	s.progress = 0
}

// Step implements instrument.Probe with a status line whose trailing dots
// rotate on every call.
func (s *Stitcher) Step(stage string) {
	s.probeMu.Lock()
	n := s.dots[stage]%3 + 1
	s.dots[stage]++
	s.probeMu.Unlock()
	s.bus.EmitStatus(stage+strings.Repeat(".", n), -1)
}

// emitProgress publishes v if it moves progress forward.
func (s *Stitcher) emitProgress(v float64) {
	if v > 1 {
		v = 1
	}
	s.probeMu.Lock()
	if v <= s.progress && v < 1 {
		s.probeMu.Unlock()
		return
	}
	s.progress = v
	s.probeMu.Unlock()
	s.bus.Progress.Emit(v)
}
