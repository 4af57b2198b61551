package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/peakalign/config.json"
	defaultWorkers    = 4
)

// Config holds user-editable settings for the precomputation service.
type Config struct {
	Server     Server     `json:"server"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Target     Target     `json:"target"`
	Search     Search     `json:"search"`
	Trigger    Trigger    `json:"trigger"`
}

// Server configures the HTTP API.
type Server struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns host:port for http.Server.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Processing captures worker pool and retry preferences.
type Processing struct {
	Workers       int `json:"workers"`
	MaxRetries    int `json:"max_retries"`
	RetentionDays int `json:"retention_days"` // failed job records older than this get purged
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures data locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	ImportDir    string `json:"import_dir"` // watched for dropped location files; empty disables the watcher
}

// Target is the fixed peak every observer location is aligned against.
type Target struct {
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	ElevM float64 `json:"elevation_m"`
}

// Search tunes the alignment search engine. Zero values fall back to the
// engine's defaults.
type Search struct {
	CoarseStepSeconds    int     `json:"coarse_step_seconds"`
	FineStepSeconds      int     `json:"fine_step_seconds"`
	MaxErrorDeg          float64 `json:"max_error_deg"`
	FeasibilityMarginDeg float64 `json:"feasibility_margin_deg"`
	ProviderRetries      int     `json:"provider_retries"`
}

// Trigger controls the periodic yearly generation pass.
type Trigger struct {
	Enabled            bool `json:"enabled"`
	YearsAhead         int  `json:"years_ahead"`
	CheckIntervalHours int  `json:"check_interval_hours"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("PEAKALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: Server{
			Host: "127.0.0.1",
			Port: 8745,
		},
		Processing: Processing{
			Workers:       defaultWorkers,
			MaxRetries:    3,
			RetentionDays: 30,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "peakalign.db"),
		},
		Target: Target{
			// Matterhorn summit; override per deployment.
			Name:  "Matterhorn",
			Lat:   45.9766,
			Lon:   7.6585,
			ElevM: 4478,
		},
		Trigger: Trigger{
			Enabled:            true,
			YearsAhead:         2,
			CheckIntervalHours: 24,
		},
	}
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
