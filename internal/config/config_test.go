package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PANOSTITCH_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.ParamsFile != defaultParamsFile {
		t.Fatalf("params file = %q", cfg.Paths.ParamsFile)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Watch.Debounce.Duration != 2*time.Second {
		t.Fatalf("debounce = %v", cfg.Watch.Debounce)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"logging":{"level":"debug"},"watch":{"debounce":"500ms","mode":"INCREMENTAL"},"server":{"http_addr":":9999"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PANOSTITCH_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Server.HTTPAddr != ":9999" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Watch.Debounce.Duration != 500*time.Millisecond || cfg.Watch.Mode != "INCREMENTAL" {
		t.Fatalf("watch = %+v", cfg.Watch)
	}
	// untouched sections keep defaults
	if cfg.Server.GRPCAddr != ":9090" {
		t.Fatalf("grpc addr = %q", cfg.Server.GRPCAddr)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "storage:\n  driver: sqlite3\nwatch:\n  debounce: 3\nprocessing:\n  decode_workers: 2\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Storage.Driver != "sqlite3" || cfg.Processing.DecodeWorkers != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Watch.Debounce.Duration != 3*time.Second {
		t.Fatalf("debounce = %v", cfg.Watch.Debounce)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		data, err := Default().Marshal(format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		path := filepath.Join(t.TempDir(), "config."+format)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if cfg.Watch.Debounce != Default().Watch.Debounce {
			t.Fatalf("%s: debounce = %v", format, cfg.Watch.Debounce)
		}
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandUser("~/x/y")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/y") {
		t.Fatalf("got %q", got)
	}
}

func TestPathHonoursEnvironment(t *testing.T) {
	t.Setenv("PANOSTITCH_CONFIG", "/etc/panostitch.yaml")
	if got := Path(); got != "/etc/panostitch.yaml" {
		t.Fatalf("Path = %q", got)
	}
	t.Setenv("PANOSTITCH_CONFIG", "")
	if got := Path(); got != defaultConfigPath {
		t.Fatalf("Path = %q", got)
	}
}
