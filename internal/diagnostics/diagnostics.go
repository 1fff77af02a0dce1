// Package diagnostics renders detected keypoints and pairwise matches on top
// of the input images so registration problems can be inspected by eye.
package diagnostics

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"panostitch/internal/introspect"
	"panostitch/internal/pano"
)

var (
	keypointColor = color.RGBA{R: 255, G: 64, B: 32, A: 255}
	outlierColor  = color.RGBA{R: 128, G: 128, B: 128, A: 160}
)

// KeypointPlot draws feats over img. Keypoints live in the coordinates of the
// image they were detected on, so img is resampled to feats.Size first.
func KeypointPlot(img *pano.Image, feats pano.ImageFeatures) (*plot.Plot, error) {
	if img.Empty() {
		return nil, fmt.Errorf("image %d: empty", feats.ImageIndex)
	}
	bg := fitTo(img, feats.Size)
	w, h := float64(bg.Width), float64(bg.Height)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Image %d - %d keypoints", feats.ImageIndex+1, len(feats.Keypoints))
	p.X.Min, p.X.Max = 0, w
	p.Y.Min, p.Y.Max = 0, h
	p.HideAxes()
	p.Add(plotter.NewImage(bg.ToImage(), 0, 0, w, h))

	if len(feats.Keypoints) > 0 {
		pts := make(plotter.XYs, len(feats.Keypoints))
		for i, kp := range feats.Keypoints {
			pts[i] = plotter.XY{X: kp.X, Y: h - kp.Y}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = keypointColor
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)
	}
	return p, nil
}

// MatchPlot places src and dst side by side and joins matched keypoints.
// Inliers are coloured per match, outliers are drawn grey.
func MatchPlot(src, dst *pano.Image, fs, fd pano.ImageFeatures, m pano.MatchesInfo) (*plot.Plot, error) {
	if src.Empty() || dst.Empty() {
		return nil, fmt.Errorf("matches %d->%d: empty image", m.SrcIndex, m.DstIndex)
	}
	a := fitTo(src, fs.Size)
	b := fitTo(dst, fd.Size)
	wa := float64(a.Width)
	h := float64(max(a.Height, b.Height))

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Matches %d -> %d - %d/%d inliers, confidence %.2f",
		m.SrcIndex+1, m.DstIndex+1, m.NumInliers(), len(m.Matches), m.Confidence)
	p.X.Min, p.X.Max = 0, wa+float64(b.Width)
	p.Y.Min, p.Y.Max = 0, h
	p.HideAxes()
	p.Add(plotter.NewImage(a.ToImage(), 0, h-float64(a.Height), wa, h))
	p.Add(plotter.NewImage(b.ToImage(), wa, h-float64(b.Height), wa+float64(b.Width), h))

	colors := palette(len(m.Matches))
	for i, d := range m.Matches {
		if d.QueryIdx < 0 || d.QueryIdx >= len(fs.Keypoints) || d.TrainIdx < 0 || d.TrainIdx >= len(fd.Keypoints) {
			continue
		}
		ks, kd := fs.Keypoints[d.QueryIdx], fd.Keypoints[d.TrainIdx]
		line, err := plotter.NewLine(plotter.XYs{
			{X: ks.X, Y: h - ks.Y},
			{X: wa + kd.X, Y: h - kd.Y},
		})
		if err != nil {
			return nil, err
		}
		line.Width = vg.Points(0.75)
		line.Color = outlierColor
		if i < len(m.InlierMask) && m.InlierMask[i] {
			line.Color = colors[i]
			line.Width = vg.Points(1)
		}
		p.Add(line)
	}
	return p, nil
}

// Render writes p as a PNG sized to the plotted pixel extent.
func Render(w io.Writer, p *plot.Plot) error {
	width := vg.Length(p.X.Max-p.X.Min) * vg.Inch / 96
	height := vg.Length(p.Y.Max-p.Y.Min)*vg.Inch/96 + vg.Points(24)
	wt, err := p.WriterTo(max(width, 2*vg.Inch), max(height, 2*vg.Inch), "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// DrawKeypoints renders KeypointPlot into path.
func DrawKeypoints(path string, img *pano.Image, feats pano.ImageFeatures) error {
	p, err := KeypointPlot(img, feats)
	if err != nil {
		return err
	}
	return save(path, p)
}

// DrawMatches renders MatchPlot into path.
func DrawMatches(path string, src, dst *pano.Image, fs, fd pano.ImageFeatures, m pano.MatchesInfo) error {
	p, err := MatchPlot(src, dst, fs, fd, m)
	if err != nil {
		return err
	}
	return save(path, p)
}

// Dump writes keypoint plots for every image with recorded features and match
// plots for every recorded pair with src < dst. images is indexed by the
// original image index. It returns the number of files written.
func Dump(dir string, model *introspect.Model, images []*pano.Image) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create diagnostics dir: %w", err)
	}
	at := func(i int) *pano.Image {
		if i < 0 || i >= len(images) {
			return nil
		}
		return images[i]
	}

	n := 0
	for i := range images {
		feats, ok := model.Features(i)
		if !ok || at(i).Empty() {
			continue
		}
		if err := DrawKeypoints(filepath.Join(dir, fmt.Sprintf("keypoints_%03d.png", i)), at(i), feats); err != nil {
			return n, err
		}
		n++
	}
	for _, k := range model.MatchPairs() {
		if k.Src >= k.Dst {
			continue
		}
		m, _ := model.Matches(k.Src, k.Dst)
		fs, ok1 := model.Features(k.Src)
		fd, ok2 := model.Features(k.Dst)
		if !ok1 || !ok2 || at(k.Src).Empty() || at(k.Dst).Empty() {
			continue
		}
		name := filepath.Join(dir, fmt.Sprintf("matches_%03d_%03d.png", k.Src, k.Dst))
		if err := DrawMatches(name, at(k.Src), at(k.Dst), fs, fd, m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func save(path string, p *plot.Plot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Render(f, p); err != nil {
		f.Close()
		return fmt.Errorf("render %s: %w", path, err)
	}
	return f.Close()
}

func fitTo(img *pano.Image, size image.Point) *pano.Image {
	if size.X <= 0 || size.X == img.Width {
		return img
	}
	return pano.Resize(img, float64(size.X)/float64(img.Width))
}

// palette spreads n hues around the colour wheel.
func palette(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		r, g, b := hslToRGB(float64(i)/float64(max(n, 1)), 0.8, 0.5)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
