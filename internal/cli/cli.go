package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"panostitch/internal/config"
	"panostitch/internal/params"
	"panostitch/internal/pipeline"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type serveOptions struct {
	Addr     string
	GRPCAddr string
	Watch    []string
	Mode     string
	Output   string
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// Root holds the collaborators shared by every command.
type Root struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	stitcher *stitcher.Stitcher
	pipeline pipelineClient
	prompter Prompter
	serveFn  serverFunc
}

func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, st *stitcher.Stitcher, pipe pipelineClient) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		stitcher: st,
		pipeline: pipe,
		prompter: surveyPrompter{},
		serveFn:  defaultServe,
	}
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return pipeline.Result{}, ctx.Err()
	default:
	}

	id, err := r.pipeline.Submit(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	r.log.Info("run queued", "id", id, "mode", job.Mode, "inputs", len(job.Inputs))

	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, pipeline.ErrStopped
			}
			if res.Job.ID != id {
				continue
			}
			return res, res.Error
		}
	}
}

// parseSets turns repeated key=value flags into parameter overrides.
// Numeric values keep their number type so they validate against the schema.
func parseSets(sets []string) (map[string]any, error) {
	out := make(map[string]any, len(sets))
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		out[key] = parseScalar(strings.TrimSpace(value))
	}
	return out, nil
}

func parseScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// loadOverrides merges a parameters file under the --set values.
func loadOverrides(path string, sets []string) (map[string]any, error) {
	merged := make(map[string]any)
	if path != "" {
		p := params.New()
		if err := p.Load(path); err != nil {
			return nil, err
		}
		for k, v := range p.Map() {
			merged[k] = v
		}
	}
	kv, err := parseSets(sets)
	if err != nil {
		return nil, err
	}
	for k, v := range kv {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

func printResult(w io.Writer, res pipeline.Result) {
	fmt.Fprintf(w, "run %s: %s in %s\n", res.Job.ID, res.State, res.Duration.Round(time.Millisecond))
	var total int64
	for _, c := range res.Components {
		fmt.Fprintf(w, "  %s  images %v  %dx%d\n", filepath.Base(c.OutputPath), oneBased(c.Indices), c.Width, c.Height)
		total += int64(c.Width) * int64(c.Height)
	}
	if len(res.Components) > 0 {
		fmt.Fprintf(w, "  %d panorama(s), %s pixels\n", len(res.Components), humanize.Comma(total))
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(w, "  skipped inputs %v\n", oneBased(res.Skipped))
	}
}

func oneBased(indices []int) []int {
	out := make([]int, len(indices))
	for i, v := range indices {
		out[i] = v + 1
	}
	return out
}

var errNoStitcher = errors.New("stitcher not configured")
