package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panostitch/internal/imageio"
	"panostitch/internal/pano"
	"panostitch/internal/params"
	"panostitch/internal/registry"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
	"panostitch/internal/synth"
)

type stubProcessor struct {
	mu    sync.Mutex
	jobs  []Job
	block chan struct{}
	fail  error
}

func (s *stubProcessor) Process(ctx context.Context, job Job) Result {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	if s.fail != nil {
		return Result{State: "failed", Error: s.fail}
	}
	return Result{State: "succeeded", Components: []storage.ComponentRecord{{Position: 0, Indices: []int{0, 1}}}}
}

func TestRunWaitsForOwnResult(t *testing.T) {
	proc := &stubProcessor{}
	p := New(context.Background(), 4, slog.Default(), nil, proc)
	defer p.Stop()

	res, err := p.Run(context.Background(), Job{Inputs: []string{"a.png", "b.png"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Job.ID)
	assert.Equal(t, "succeeded", res.State)
	assert.Equal(t, res.Job.ID, proc.jobs[0].ID)
}

func TestSubmitRecordsRunHistory(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	proc := &stubProcessor{fail: pano.ErrRegistrationFailed}
	p := New(context.Background(), 2, slog.Default(), store, proc)
	defer p.Stop()

	res, err := p.Run(context.Background(), Job{ID: "run-1", Mode: "SCANS", Inputs: []string{"x"}, Params: map[string]any{"MaxFeatures": 100}})
	require.NoError(t, err)
	require.ErrorIs(t, res.Error, pano.ErrRegistrationFailed)

	rec, err := store.Run("run-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, pano.ErrRegistrationFailed.Error(), rec.Error)
	assert.JSONEq(t, `{"MaxFeatures":100}`, rec.ParamsJSON)
	assert.NotNil(t, rec.StartedAt)
}

func TestSubmitQueueFull(t *testing.T) {
	proc := &stubProcessor{block: make(chan struct{})}
	p := New(context.Background(), 1, slog.Default(), nil, proc)
	defer p.Stop()
	defer close(proc.block)

	// the first job may already be picked up by the worker, so fill until
	// the queue rejects
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = p.Submit(Job{})
	}
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestRunHistoryFinalWhenRunReturns(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	p := New(context.Background(), 4, slog.Default(), store, &stubProcessor{})
	defer p.Stop()

	for i := 0; i < 100; i++ {
		res, err := p.Run(context.Background(), Job{Mode: "SCANS", Inputs: []string{"a.png", "b.png"}})
		require.NoError(t, err)
		rec, err := store.Run(res.Job.ID)
		require.NoError(t, err, "run %d", i)
		require.Equal(t, "succeeded", rec.Status, "run %d", i)
		require.NotNil(t, rec.CompletedAt, "run %d", i)
		require.Len(t, rec.Components, 1, "run %d", i)
	}
}

func TestSubmitQueueFullLeavesNoHistory(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	proc := &stubProcessor{block: make(chan struct{})}
	p := New(context.Background(), 1, slog.Default(), store, proc)
	defer p.Stop()
	defer close(proc.block)

	var (
		id  string
		ids []string
	)
	for i := 0; i < 3 && err == nil; i++ {
		id = fmt.Sprintf("job-%d", i)
		if _, err = p.Submit(Job{ID: id}); err == nil {
			ids = append(ids, id)
		}
	}
	require.ErrorIs(t, err, ErrQueueFull)

	_, err = store.Run(id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	for _, accepted := range ids {
		_, err := store.Run(accepted)
		assert.NoError(t, err, accepted)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), 1, slog.Default(), nil, &stubProcessor{})
	p.Stop()
	_, err := p.Submit(Job{})
	require.ErrorIs(t, err, ErrStopped)
	// Stop is idempotent
	p.Stop()
}

func TestRunHonoursContext(t *testing.T) {
	proc := &stubProcessor{block: make(chan struct{})}
	p := New(context.Background(), 1, slog.Default(), nil, proc)
	defer p.Stop()
	defer close(proc.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, Job{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type panicky struct{}

func (panicky) Process(context.Context, Job) Result { panic("boom") }

func TestProcessorPanicBecomesFailure(t *testing.T) {
	p := New(context.Background(), 1, slog.Default(), nil, panicky{})
	defer p.Stop()
	res, err := p.Run(context.Background(), Job{})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.State)
	assert.Error(t, res.Error)
}

func writeTiles(t *testing.T, dir string, offsets ...image.Point) []string {
	t.Helper()
	imgs := synth.Tiles(synth.Texture(420, 120, 4, 3), image.Pt(100, 80), offsets...)
	paths := make([]string, len(imgs))
	for i, img := range imgs {
		paths[i] = filepath.Join(dir, "tile_"+string(rune('a'+i))+".png")
		require.NoError(t, imageio.Save(paths[i], img))
	}
	return paths
}

func newProcessor(t *testing.T) *Stitching {
	t.Helper()
	p := params.New()
	p.Set(string(registry.BundleAdjuster), "NoBundleAdjuster")
	s := stitcher.New(registry.NewDefault(), stitcher.WithParameters(p), stitcher.WithMatchWorkers(2))
	return NewStitching(s, slog.Default(), "png")
}

func TestStitchingWritesPanoramas(t *testing.T) {
	in := t.TempDir()
	writeTiles(t, in, image.Pt(0, 0), image.Pt(60, 0), image.Pt(120, 10))
	out := filepath.Join(t.TempDir(), "out")
	diag := filepath.Join(t.TempDir(), "diag")

	proc := newProcessor(t)
	res := proc.Process(context.Background(), Job{ID: "j1", Inputs: []string{in}, Output: out, Mode: "SCANS", Diagnostics: diag})
	require.NoError(t, res.Error)
	assert.Equal(t, "succeeded", res.State)
	require.Len(t, res.Components, 1)
	assert.Equal(t, []int{0, 1, 2}, res.Components[0].Indices)

	loaded, err := imageio.NewLoader(1, nil, nil).Load(res.Components[0].OutputPath)
	require.NoError(t, err)
	assert.Equal(t, res.Components[0].Width, loaded.Width)
	assert.Positive(t, outputBytes(res.Components))

	entries, err := os.ReadDir(diag)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestStitchingKeepsIndicesOfMissingFiles(t *testing.T) {
	dir := t.TempDir()
	paths := writeTiles(t, dir, image.Pt(0, 0), image.Pt(60, 0))
	inputs := []string{paths[0], filepath.Join(dir, "missing.png"), paths[1]}

	res := newProcessor(t).Process(context.Background(), Job{ID: "j2", Inputs: inputs, Output: t.TempDir()})
	require.NoError(t, res.Error)
	assert.Equal(t, []int{1}, res.Skipped)
	require.Len(t, res.Components, 1)
	assert.Equal(t, []int{0, 2}, res.Components[0].Indices)
}

func TestStitchingUnknownModeUsesDefault(t *testing.T) {
	paths := writeTiles(t, t.TempDir(), image.Pt(0, 0), image.Pt(60, 0))

	res := newProcessor(t).Process(context.Background(), Job{ID: "j3", Inputs: paths, Mode: "SPHERICAL"})
	require.NoError(t, res.Error)
	assert.Equal(t, stitcher.StateSucceeded.String(), res.State)
	require.Len(t, res.Components, 1)
	assert.Equal(t, []int{0, 1}, res.Components[0].Indices)
}

func TestStitchingErrors(t *testing.T) {
	proc := newProcessor(t)

	res := proc.Process(context.Background(), Job{Inputs: []string{filepath.Join(t.TempDir(), "gone.png")}})
	assert.ErrorIs(t, res.Error, ErrNoImages)

	res = proc.Process(context.Background(), Job{Inputs: []string{t.TempDir()}})
	assert.ErrorIs(t, res.Error, ErrNoImages)

	paths := writeTiles(t, t.TempDir(), image.Pt(0, 0))
	res = proc.Process(context.Background(), Job{Inputs: paths, Mode: "SCANS"})
	assert.True(t, errors.Is(res.Error, pano.ErrNeedMoreImages), "err = %v", res.Error)
	assert.Equal(t, "failed", res.State)
}
