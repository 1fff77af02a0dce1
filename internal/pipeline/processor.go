package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"panostitch/internal/diagnostics"
	"panostitch/internal/events"
	"panostitch/internal/fsutil"
	"panostitch/internal/imageio"
	"panostitch/internal/logging"
	"panostitch/internal/params"
	"panostitch/internal/pano"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
)

// ErrNoImages is reported when a job names no readable image.
var ErrNoImages = errors.New("no images to stitch")

// Stitching is the Processor that feeds jobs to a Stitcher.
type Stitching struct {
	s      *stitcher.Stitcher
	log    *slog.Logger
	format string
}

// NewStitching returns a processor writing panoramas as format ("png" when
// empty).
func NewStitching(s *stitcher.Stitcher, logger *slog.Logger, format string) *Stitching {
	if logger == nil {
		logger = slog.Default()
	}
	if format == "" {
		format = "png"
	}
	return &Stitching{s: s, log: logger, format: strings.TrimPrefix(format, ".")}
}

func (p *Stitching) Process(ctx context.Context, job Job) Result {
	res := Result{Job: job, State: stitcher.StateFailed.String()}

	paths, err := fsutil.ExpandInputs(job.Inputs)
	if err != nil {
		res.Error = fmt.Errorf("expand inputs: %w", err)
		return res
	}
	if len(paths) == 0 {
		res.Error = ErrNoImages
		return res
	}

	skipped, err := p.s.SetImageFiles(ctx, paths)
	if err != nil {
		res.Error = fmt.Errorf("load images: %w", err)
		return res
	}
	res.Skipped = skipped
	if len(skipped) == len(paths) {
		res.Error = ErrNoImages
		return res
	}

	var tracker events.Tracker
	defer tracker.Close()
	p.s.Bus().Status.SubscribeTracked(&tracker, func(m events.StatusMessage) {
		logging.LogStage(p.log, job.ID, m.Text)
	})

	p.s.StitchWith(overrides(job))

	state := p.s.State()
	res.State = state.String()
	if state == stitcher.StateFailed {
		res.Error = p.s.LastStatus().Err()
		if res.Error == nil {
			res.Error = pano.ErrStitchFailed
		}
	}

	format := job.Format
	if format == "" {
		format = p.format
	}
	for i, c := range p.s.Model().Components() {
		rec := storage.ComponentRecord{
			Position: i,
			Indices:  append([]int(nil), c.Indices...),
			Width:    c.Size().X,
			Height:   c.Size().Y,
		}
		if job.Output != "" && !c.Panorama.Empty() {
			rec.OutputPath = filepath.Join(job.Output, fmt.Sprintf("pano_%d.%s", i, strings.TrimPrefix(format, ".")))
			if err := imageio.Save(rec.OutputPath, c.Panorama); err != nil {
				res.Error = errors.Join(res.Error, err)
				rec.OutputPath = ""
			}
		}
		res.Components = append(res.Components, rec)
	}

	if job.Diagnostics != "" {
		images := make([]*pano.Image, p.s.ImageCount())
		for i := range images {
			images[i] = p.s.Image(i)
		}
		n, err := diagnostics.Dump(job.Diagnostics, p.s.Model(), images)
		if err != nil {
			p.log.Warn("diagnostics failed", "id", job.ID, "error", err)
		} else {
			p.log.Info("diagnostics written", "id", job.ID, "dir", job.Diagnostics, "files", n)
		}
	}
	return res
}

func overrides(job Job) *params.Parameters {
	if len(job.Params) == 0 && job.Mode == "" {
		return nil
	}
	p := params.New()
	for k, v := range job.Params {
		p.Set(k, v)
	}
	if job.Mode != "" {
		p.Set(params.Mode, job.Mode)
	}
	return p
}

func outputBytes(components []storage.ComponentRecord) int64 {
	var total int64
	for _, c := range components {
		if c.OutputPath == "" {
			continue
		}
		if info, err := os.Stat(c.OutputPath); err == nil {
			total += info.Size()
		}
	}
	return total
}
