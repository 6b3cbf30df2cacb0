// Package config loads the daemon configuration from YAML. Every section
// starts from its package defaults, so a key missing from the file keeps its
// default value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shiftecu/ecu"
	"shiftecu/modelstore"
	"shiftecu/publish"
	"shiftecu/recorder"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Storage  modelstore.Config `yaml:"storage"`
	Learning ecu.Config        `yaml:"learning"`
	Recorder recorder.Config   `yaml:"recorder"`
	Publish  publish.Config    `yaml:"publish"`
	Replay   ReplayConfig      `yaml:"replay"`
	Logging  LoggingConfig     `yaml:"logging"`

	// LoadedFrom is the file or directory the configuration came from.
	LoadedFrom string `yaml:"-"`
}

// ReplayConfig controls the JSONL telemetry replay loop.
type ReplayConfig struct {
	Input         string `yaml:"input"`          // JSONL file, "-" for stdin
	Realtime      bool   `yaml:"realtime"`       // sleep each frame's dt between samples
	StatusSeconds int    `yaml:"status_seconds"` // periodic status line, 0 disables
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"` // also write daily log files
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage:  modelstore.DefaultConfig(),
		Learning: ecu.DefaultConfig(),
		Recorder: recorder.DefaultConfig(),
		Publish:  publish.DefaultConfig(),
		Replay: ReplayConfig{
			Input:         "-",
			StatusSeconds: 5,
		},
		Logging: LoggingConfig{
			Dir:           "data/logs",
			RetentionDays: 7,
		},
	}
}

// Load reads a YAML file, or every *.yaml / *.yml file of a directory in
// name order, on top of the defaults.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config path: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no YAML files in config directory %s", path)
		}
	}

	cfg := Default()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	cfg.LoadedFrom = path
	return cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// validate rejects values that are wrong rather than merely out of range.
func (c *Config) validate() error {
	if c.Logging.RetentionDays < 0 {
		return fmt.Errorf("logging.retention_days must be >= 0, got %d", c.Logging.RetentionDays)
	}
	if c.Replay.StatusSeconds < 0 {
		return fmt.Errorf("replay.status_seconds must be >= 0, got %d", c.Replay.StatusSeconds)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "", modelstore.BackendFile, modelstore.BackendPebble:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", modelstore.BackendFile, modelstore.BackendPebble, c.Storage.Backend)
	}
	return nil
}

func (c *Config) normalize() {
	c.Storage.Normalize()
	c.Learning.Normalize()
	c.Recorder.Normalize()
	c.Publish.Normalize()
	if strings.TrimSpace(c.Replay.Input) == "" {
		c.Replay.Input = "-"
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 7
	}
}

// Print displays the configuration.
func (c *Config) Print() {
	if c.LoadedFrom != "" {
		fmt.Printf("Config: %s\n", c.LoadedFrom)
	}
	mode := "sync"
	if c.Storage.Async {
		mode = fmt.Sprintf("async, queue=%d", c.Storage.QueueSize)
	}
	fmt.Printf("Storage: %s backend in %s (%s)\n", c.Storage.Backend, c.Storage.Dir, mode)
	l := c.Learning
	fmt.Printf("Learning: rpm %.0f..%.0f throttle>=%.2f brake<=%.2f clutch<=%.2f speed>=%.1f tau=%.2fs coast_settle=%.1fs max_dt=%.2fs autosave=%ds\n",
		l.MinRPM, l.MaxRPM, l.MinThrottle, l.MaxBrake, l.MaxClutch, l.MinSpeed, l.AccelTauSeconds, l.CoastSettleSeconds, l.MaxDTSeconds, l.AutosaveSeconds)
	fmt.Printf("Gear curves: bin=%.0f rpm alpha=%.2f outlier=%.1fx after %d samples\n",
		l.Vehicle.Curve.BinSize, l.Vehicle.Curve.Alpha, l.Vehicle.Curve.OutlierFactor, l.Vehicle.Curve.OutlierMinCount)
	fmt.Printf("Shift: hysteresis=%.0f rpm scan=%.2f min_bins=%d min_coverage=%.2f\n",
		l.Shift.HysteresisRPM, l.Shift.ScanFraction, l.Shift.MinFilledBins, l.Shift.MinCoverage)
	if c.Recorder.Enabled {
		fmt.Printf("Recorder: %s (limit %d per gear)\n", c.Recorder.Path, c.Recorder.PerGearLimit)
	}
	if c.Publish.Enabled {
		fmt.Printf("Publish: %s:%d (topic: %s)\n", c.Publish.Broker, c.Publish.Port, c.Publish.Topic)
	}
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
}
