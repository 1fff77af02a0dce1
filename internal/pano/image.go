package pano

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Image is an interleaved 8-bit pixel buffer. Images handed to a Stitcher are
// treated as immutable; stages that change pixels work on clones.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewImage allocates a zeroed buffer.
func NewImage(width, height, channels int) *Image {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	if channels < 1 {
		channels = 1
	}
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

// NewMask allocates a single channel buffer filled with v.
func NewMask(width, height int, v uint8) *Image {
	m := NewImage(width, height, 1)
	if v != 0 {
		for i := range m.Pix {
			m.Pix[i] = v
		}
	}
	return m
}

func (m *Image) Empty() bool {
	return m == nil || m.Width == 0 || m.Height == 0
}

func (m *Image) Size() image.Point {
	if m == nil {
		return image.Point{}
	}
	return image.Pt(m.Width, m.Height)
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rectangle{Max: m.Size()}
}

func (m *Image) Area() int {
	if m == nil {
		return 0
	}
	return m.Width * m.Height
}

// Clone returns a deep copy; nil stays nil.
func (m *Image) Clone() *Image {
	if m == nil {
		return nil
	}
	out := &Image{Width: m.Width, Height: m.Height, Channels: m.Channels, Pix: make([]uint8, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

func (m *Image) offset(x, y int) int {
	return (y*m.Width + x) * m.Channels
}

// At returns channel c of pixel (x, y). Out of range reads return 0.
func (m *Image) At(x, y, c int) uint8 {
	if m == nil || x < 0 || y < 0 || x >= m.Width || y >= m.Height || c < 0 || c >= m.Channels {
		return 0
	}
	return m.Pix[m.offset(x, y)+c]
}

// Set writes channel c of pixel (x, y). Out of range writes are dropped.
func (m *Image) Set(x, y, c int, v uint8) {
	if m == nil || x < 0 || y < 0 || x >= m.Width || y >= m.Height || c < 0 || c >= m.Channels {
		return
	}
	m.Pix[m.offset(x, y)+c] = v
}

// Gray returns per-pixel luminance in [0, 255].
func (m *Image) Gray() []float32 {
	if m.Empty() {
		return nil
	}
	out := make([]float32, m.Width*m.Height)
	for i := range out {
		p := i * m.Channels
		if m.Channels < 3 {
			out[i] = float32(m.Pix[p])
			continue
		}
		out[i] = 0.299*float32(m.Pix[p]) + 0.587*float32(m.Pix[p+1]) + 0.114*float32(m.Pix[p+2])
	}
	return out
}

// FromImage converts a decoded image into a 3 channel buffer.
func FromImage(src image.Image) *Image {
	return convert(src, 3)
}

func convert(src image.Image, channels int) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy(), channels)
	switch s := src.(type) {
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			start := s.PixOffset(b.Min.X, b.Min.Y+y)
			row := s.Pix[start : start+out.Width]
			for x, v := range row {
				out.write(x, y, v, v, v, 255)
			}
		}
		return out
	case *image.NRGBA:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				p := s.PixOffset(b.Min.X+x, b.Min.Y+y)
				out.write(x, y, s.Pix[p], s.Pix[p+1], s.Pix[p+2], s.Pix[p+3])
			}
		}
		return out
	}
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.write(x, y, c.R, c.G, c.B, c.A)
		}
	}
	return out
}

func (m *Image) write(x, y int, r, g, b, a uint8) {
	i := m.offset(x, y)
	switch m.Channels {
	case 1:
		m.Pix[i] = uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
	case 3:
		m.Pix[i], m.Pix[i+1], m.Pix[i+2] = r, g, b
	default:
		m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3] = r, g, b, a
	}
}

// ToImage exposes the buffer as a standard library image for encoding.
func (m *Image) ToImage() image.Image {
	if m.Channels == 1 {
		g := image.NewGray(m.Bounds())
		copy(g.Pix, m.Pix)
		return g
	}
	out := image.NewNRGBA(m.Bounds())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			i := m.offset(x, y)
			p := y*out.Stride + x*4
			out.Pix[p], out.Pix[p+1], out.Pix[p+2] = m.Pix[i], m.Pix[i+1], m.Pix[i+2]
			out.Pix[p+3] = 255
			if m.Channels > 3 {
				out.Pix[p+3] = m.Pix[i+3]
			}
		}
	}
	return out
}

// Resize scales the image by factor with bilinear filtering. A factor of 1
// returns the receiver itself.
func Resize(m *Image, factor float64) *Image {
	if m.Empty() || factor <= 0 || factor == 1 {
		return m
	}
	w := int(float64(m.Width)*factor + 0.5)
	h := int(float64(m.Height)*factor + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	src := m.ToImage()
	var dst draw.Image
	if m.Channels == 1 {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return convert(dst, m.Channels)
}

// ScaleFor returns the factor that brings an image of the given area down to
// megapixels. Non-positive budgets and small images map to 1.
func ScaleFor(area int, megapixels float64) float64 {
	if megapixels <= 0 || area <= 0 {
		return 1
	}
	s := math.Sqrt(megapixels * 1e6 / float64(area))
	if s > 1 {
		return 1
	}
	return s
}
