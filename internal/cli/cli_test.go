package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panostitch/internal/config"
	"panostitch/internal/pano"
	"panostitch/internal/params"
	"panostitch/internal/pipeline"
	"panostitch/internal/registry"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
)

func TestStitchDispatchesJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()
	paramsFile := filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(paramsFile, []byte(`{"blender":{"value":"NoBlender"},"MaxFeatures":{"value":100}}`), 0o644))

	out, err := run(t, root, "stitch", dir, "--mode", "merge", "--params", paramsFile,
		"--set", "MaxFeatures=500", "--set", "MatchRatio=0.7", "--diagnostics", filepath.Join(dir, "diag"))
	require.NoError(t, err)

	require.Len(t, fakePipe.jobs, 1)
	job := fakePipe.jobs[0]
	assert.Equal(t, "MERGE", job.Mode)
	assert.Equal(t, []string{dir}, job.Inputs)
	assert.Equal(t, root.cfg.Paths.DefaultOutput, job.Output)
	assert.Equal(t, filepath.Join(dir, "diag"), job.Diagnostics)
	want := map[string]any{"blender": "NoBlender", "MaxFeatures": int64(500), "MatchRatio": 0.7}
	if diff := cmp.Diff(want, job.Params); diff != "" {
		t.Fatalf("params (-want +got):\n%s", diff)
	}
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "images [1 2]")
}

func TestStitchRejectsBadArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	_, err := run(t, root, "stitch", t.TempDir(), "--set", "novalue")
	assert.Error(t, err)

	_, err = run(t, root, "stitch")
	assert.Error(t, err)

	assert.Empty(t, fakePipe.jobs)
}

func TestStitchForwardsUnknownMode(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	_, err := run(t, root, "stitch", t.TempDir(), "--mode", "sideways")
	require.NoError(t, err)
	require.Len(t, fakePipe.jobs, 1)
	assert.Equal(t, "SIDEWAYS", fakePipe.jobs[0].Mode)
}

func TestStitchReportsFailedRun(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.fail = pano.ErrNeedMoreImages

	out, err := run(t, root, "stitch", t.TempDir())
	assert.ErrorIs(t, err, pano.ErrNeedMoreImages)
	assert.Contains(t, out, "failed")
}

func TestEnqueueAndWaitHonoursContext(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.hold = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := root.enqueueAndWait(ctx, pipeline.Job{Inputs: []string{"x"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseSets(t *testing.T) {
	got, err := parseSets([]string{"a=1", "b = 2.5", "c=GFTTDetector", "d="})
	require.NoError(t, err)
	want := map[string]any{"a": int64(1), "b": 2.5, "c": "GFTTDetector", "d": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sets (-want +got):\n%s", diff)
	}
	_, err = parseSets([]string{"=3"})
	assert.Error(t, err)
}

func TestSchemaFormats(t *testing.T) {
	root, _ := newTestRoot(t)
	for _, format := range []string{"json", "yaml", "openapi"} {
		out, err := run(t, root, "schema", "--format", format)
		require.NoError(t, err, format)
		assert.Contains(t, out, "featuresFinder", format)
	}
	out, err := run(t, root, "schema", "--format", "openapi")
	require.NoError(t, err)
	assert.Contains(t, out, `"openapi": "3.0.3"`)

	_, err = run(t, root, "schema", "--format", "xml")
	assert.Error(t, err)
}

func TestParamsInitAndValidate(t *testing.T) {
	root, _ := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "nested", "configuration.json")

	out, err := run(t, root, "params", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = run(t, root, "params", "init", path)
	assert.Error(t, err, "init must not overwrite without --force")
	_, err = run(t, root, "params", "init", path, "--force")
	require.NoError(t, err)

	out, err = run(t, root, "params", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"MaxFeatures": {"value": 1}}`), 0o644))
	_, err = run(t, root, "params", "validate", bad)
	assert.Error(t, err)
}

func TestParamsShowUsesConfiguredPath(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := run(t, root, "params", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"mode"`)
	assert.Equal(t, root.cfg.Paths.ParamsFile, root.paramsPath(nil))
}

func TestParamsConfigurePromptsEverySchemaItem(t *testing.T) {
	root, _ := newTestRoot(t)
	prompter := &fakePrompter{inputs: map[string]string{params.MaxFeatures: "500"}}
	root.prompter = prompter
	path := filepath.Join(t.TempDir(), "configuration.json")

	_, err := run(t, root, "params", "configure", path)
	require.NoError(t, err)

	assert.Len(t, prompter.asked, len(root.stitcher.Schema()))

	p := params.New()
	require.NoError(t, p.Load(path))
	assert.Equal(t, int64(500), params.Get(p, params.MaxFeatures, int64(0)))
	assert.Equal(t, registry.ModeMerge, params.Get(p, params.Mode, ""))
	assert.Equal(t, int64(500), params.Get(root.stitcher.Parameters(), params.MaxFeatures, int64(0)))
}

func TestParamsConfigureStopsOnCancel(t *testing.T) {
	root, _ := newTestRoot(t)
	root.prompter = &fakePrompter{err: ErrCanceled}
	path := filepath.Join(t.TempDir(), "configuration.json")

	_, err := run(t, root, "params", "configure", path)
	assert.ErrorIs(t, err, ErrCanceled)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestParseNumberRespectsRange(t *testing.T) {
	item := registry.ConfigItem{Title: "MaxFeatures", Type: registry.TypeInt, Range: &registry.Range{Min: 16, Max: 100}}
	v, err := parseNumber(item, "32")
	require.NoError(t, err)
	assert.Equal(t, int64(32), v)
	_, err = parseNumber(item, "8")
	assert.Error(t, err)
	_, err = parseNumber(item, "3.5")
	assert.Error(t, err)

	item.Type = registry.TypeFloat
	v, err = parseNumber(item, "20.5")
	require.NoError(t, err)
	assert.Equal(t, 20.5, v)
}

func TestRunsListsHistory(t *testing.T) {
	root, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	root.store = store

	require.NoError(t, store.RecordRunQueued(storage.RunRecord{ID: "run-a", Mode: "SCANS", Status: "queued", Inputs: []string{"a", "b"}}))
	require.NoError(t, store.RecordRunResult("run-a", "succeeded", []storage.ComponentRecord{{Indices: []int{0, 1}, Width: 10, Height: 5}}, ""))

	out, err := run(t, root, "runs", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "run-a")
	assert.Contains(t, out, "succeeded")

	out, err = run(t, root, "runs", "run-a")
	require.NoError(t, err)
	assert.Contains(t, out, `"indices"`)

	_, err = run(t, root, "runs", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunsWithoutStore(t *testing.T) {
	root, _ := newTestRoot(t)
	_, err := run(t, root, "runs")
	assert.Error(t, err)
}

func TestServePassesOptions(t *testing.T) {
	root, _ := newTestRoot(t)
	var got serveOptions
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		got = opts
		return nil
	}
	watched := t.TempDir()
	_, err := run(t, root, "serve", "--addr", ":0", "--grpc-addr", "", "--watch", watched)
	require.NoError(t, err)

	want := serveOptions{Addr: ":0", Watch: []string{watched}, Mode: root.cfg.Watch.Mode, Output: root.cfg.Paths.DefaultOutput}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("serve options (-want +got):\n%s", diff)
	}
}

func TestDefaultServeNeedsRealPipeline(t *testing.T) {
	root, _ := newTestRoot(t)
	err := defaultServe(context.Background(), root, serveOptions{})
	assert.Error(t, err)
}

func TestWatchJobWritesPerDirectory(t *testing.T) {
	job := watchJob("/data/incoming/set1/", serveOptions{Output: "/out", Mode: "INCREMENTAL"})
	assert.Equal(t, []string{"/data/incoming/set1/"}, job.Inputs)
	assert.Equal(t, filepath.Join("/out", "set1"), job.Output)
	assert.Equal(t, "INCREMENTAL", job.Mode)
}

func TestConfigShowAndVersion(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := run(t, root, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "decode_workers:")

	out, err = run(t, root, "config", "show", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"decode_workers"`)

	out, err = run(t, root, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "panostitch v"+Version))
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	t.Setenv("PANOSTITCH_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := config.Load()
	require.NoError(t, err)
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "panostitch.db")
	cfg.Paths.ParamsFile = filepath.Join(tmp, "configuration.json")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	st := stitcher.New(registry.NewDefault(), stitcher.WithLogger(logger), stitcher.WithMatchWorkers(1))
	pipe := newFakePipeline()

	root := NewRoot(cfg, logger, nil, st, pipe)
	root.prompter = &fakePrompter{}
	return root, pipe
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

type fakePipeline struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	subs []chan pipeline.Result
	fail error
	hold bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{}
}

func (f *fakePipeline) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	f.jobs = append(f.jobs, job)
	if f.hold {
		return job.ID, nil
	}

	res := pipeline.Result{Job: job, State: stitcher.StateSucceeded.String()}
	if f.fail != nil {
		res.State = stitcher.StateFailed.String()
		res.Error = f.fail
	} else {
		res.Components = []storage.ComponentRecord{{
			Indices:    []int{0, 1},
			Width:      200,
			Height:     80,
			OutputPath: filepath.Join(job.Output, "pano_0.png"),
		}}
	}
	for _, ch := range f.subs {
		ch <- res
	}
	return job.ID, nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 4)
	f.subs = append(f.subs, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
	}
}

type fakePrompter struct {
	inputs map[string]string
	asked  []string
	err    error
}

func (f *fakePrompter) Select(message, help string, options []string, def string) (string, error) {
	f.asked = append(f.asked, message)
	if f.err != nil {
		return "", f.err
	}
	return options[len(options)-1], nil
}

func (f *fakePrompter) Input(message, help, def string, validate func(string) error) (string, error) {
	f.asked = append(f.asked, message)
	if f.err != nil {
		return "", f.err
	}
	answer := def
	if v, ok := f.inputs[message]; ok {
		answer = v
	}
	if validate != nil {
		if err := validate(answer); err != nil {
			return "", errors.Join(errors.New("fake prompter: invalid answer"), err)
		}
	}
	return answer, nil
}
