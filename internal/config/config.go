package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/panostitch/config.json"
	defaultParamsFile = "./configuration.json"
)

// Config holds process settings. Stitching tunables live in the parameters
// file named by Paths.ParamsFile.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Server     Server     `json:"server" yaml:"server"`
	Watch      Watch      `json:"watch" yaml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	DecodeWorkers int    `json:"decode_workers" yaml:"decode_workers"`
	MatchWorkers  int    `json:"match_workers" yaml:"match_workers"`
	TempDir       string `json:"temp_dir" yaml:"temp_dir"`
	OutputFormat  string `json:"output_format" yaml:"output_format"` // png, jpg, tiff, bmp
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input" yaml:"default_input"`
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
	ParamsFile    string `json:"params_file" yaml:"params_file"`
}

// Storage selects the SQLite driver: "sqlite" is the pure Go driver,
// "sqlite3" the cgo one.
type Storage struct {
	Driver string `json:"driver" yaml:"driver"`
}

// Server holds listen addresses for serve.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Watch configures directory watching.
type Watch struct {
	Debounce Duration `json:"debounce" yaml:"debounce"`
	Mode     string   `json:"mode" yaml:"mode"` // stitching mode used for watched runs; empty keeps the parameters file
}

// Duration decodes from a Go duration string or a number of seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case int:
		d.Duration = time.Duration(x) * time.Second
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Path is the configuration file Load reads.
func Path() string {
	if p := os.Getenv("PANOSTITCH_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads one configuration file. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			DecodeWorkers: runtime.NumCPU(),
			MatchWorkers:  runtime.NumCPU(),
			TempDir:       os.TempDir(),
			OutputFormat:  "png",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "panostitch.db"),
			ParamsFile:    defaultParamsFile,
		},
		Storage: Storage{Driver: "sqlite"},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			Debounce: Duration{2 * time.Second},
		},
	}
}

// Marshal renders cfg as YAML or JSON.
func (c *Config) Marshal(format string) ([]byte, error) {
	if strings.EqualFold(format, "yaml") || strings.EqualFold(format, "yml") {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "  ")
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

// ExpandUser resolves a leading ~ in path.
func ExpandUser(path string) (string, error) {
	return expandUser(path)
}
