// Package config loads run settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
	"github.com/bsaid97/go-spatial-overlay/pipeline"
)

// Isolation modes for workers.
const (
	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
)

// Duration is a time.Duration written in YAML as a string such as "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Workers   int    `yaml:"workers"`
	ChunkSize int    `yaml:"chunk_size"`
	IDField   string `yaml:"id_field"`
	Isolation string `yaml:"isolation"`

	ScratchDir  string `yaml:"scratch_dir"`
	KeepScratch bool   `yaml:"keep_scratch"`
	Overwrite   bool   `yaml:"overwrite"`

	ChunkTimeout Duration `yaml:"chunk_timeout"`
	RunTimeout   Duration `yaml:"run_timeout"`

	HistoryDB string `yaml:"history_db"`
	LogLevel  string `yaml:"log_level"`
	Listen    string `yaml:"listen"`

	// DataRoot and MongoAllow bound the references HTTP clients may name.
	DataRoot   string   `yaml:"data_root"`
	MongoAllow []string `yaml:"mongo_allow"`

	Engine EngineConfig `yaml:"engine"`
}

type EngineConfig struct {
	AreaMode      string  `yaml:"area_mode"`
	Precision     int     `yaml:"precision"`
	CellSize      float64 `yaml:"cell_size"`
	CoverageField string  `yaml:"coverage_field"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		IDField:    features.DefaultIDField,
		Isolation:  IsolationProcess,
		ScratchDir: filepath.Join(os.TempDir(), "go-spatial-overlay"),
		HistoryDB:  "overlay-history.db",
		LogLevel:   "info",
		Listen:     ":8080",
		Engine: EngineConfig{
			AreaMode:  engine.AreaPlanar,
			Precision: -1,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must not be negative")
	}
	if c.Isolation != IsolationProcess && c.Isolation != IsolationGoroutine {
		return fmt.Errorf("isolation must be %q or %q", IsolationProcess, IsolationGoroutine)
	}
	if c.Engine.AreaMode != engine.AreaPlanar && c.Engine.AreaMode != engine.AreaGeodesic {
		return fmt.Errorf("engine.area_mode must be %q or %q", engine.AreaPlanar, engine.AreaGeodesic)
	}
	if c.ChunkTimeout < 0 || c.RunTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Pipeline returns the controller settings.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Workers:      c.Workers,
		ChunkSize:    c.ChunkSize,
		IDField:      c.IDField,
		ScratchDir:   c.ScratchDir,
		KeepScratch:  c.KeepScratch,
		Overwrite:    c.Overwrite,
		ChunkTimeout: time.Duration(c.ChunkTimeout),
		RunTimeout:   time.Duration(c.RunTimeout),
	}
}

// EngineSettings returns the apportioner settings.
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		IDField:       c.IDField,
		AreaMode:      c.Engine.AreaMode,
		Precision:     precision(c.Engine.Precision),
		CellSize:      c.Engine.CellSize,
		CoverageField: c.Engine.CoverageField,
	}
}

func precision(n int) *int {
	if n < 0 {
		return nil
	}
	return engine.Decimals(n)
}
