package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"panostitch/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.With("run", "r1").WithGroup("stage").Info("warped", "index", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked: %q", out)
	}
	if !strings.Contains(out, "[INFO] warped [run=r1 stage.index=3]") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	LogRunError(logger, "abc", time.Second, errors.New("boom"))

	name := filepath.Join(cfg.Logging.LogDir, "panostitch-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "run failed") {
		t.Fatalf("log file missing run line: %q", data)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Logging.LogDir, "panostitch-current.log")); err != nil {
		t.Fatalf("current symlink: %v", err)
	}
}

func TestRunHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "text")
	LogRunStart(logger, "r1", "SCANS", 3, "/tmp/out")
	LogRunComplete(logger, "r1", 2*time.Second, [][]int{{0, 1}, {2}}, 2048)
	LogStage(logger, "r1", "Warping..")
	out := buf.String()
	for _, want := range []string{"run started", "inputs=3", "run completed", "written=\"2.0 kB\"", "Warping.."} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}
