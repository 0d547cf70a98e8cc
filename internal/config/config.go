package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/wavefront/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Matching   Matching   `json:"matching"`
	Estimation Estimation `json:"estimation"`
	Watch      Watch      `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures default data locations.
type Paths struct {
	ImageDir       string `json:"image_dir"`
	DatabasePath   string `json:"database_path"`
	CatalogPath    string `json:"catalog_path"`
	InstrumentFile string `json:"instrument_file"`
	AlgorithmFile  string `json:"algorithm_file"`
}

// Matching tunes target star selection.
type Matching struct {
	Filter             string  `json:"filter"`
	StarRadiusPixels   float64 `json:"star_radius_pixels"`
	SpacingCoefficient float64 `json:"spacing_coefficient"`
	MagMin             float64 `json:"mag_min"`
	MagMax             float64 `json:"mag_max"`
	DoDeblending       bool    `json:"do_deblending"`
	SkyFileSkipRows    int     `json:"sky_file_skip_rows"`
}

// Estimation tunes the wavefront solver loop.
type Estimation struct {
	PoissonSolver      string  `json:"poisson_solver"` // fft, exp
	CompensatorMode    string  `json:"compensator_mode"`
	NumTerms           int     `json:"num_terms"`
	ToleranceNm        float64 `json:"tolerance_nm"`
	MaxIterations      int     `json:"max_iterations"`
	FeedbackGain       float64 `json:"feedback_gain"`
	BoundaryIterations int     `json:"boundary_iterations"`
}

// Watch configures the visit directory watcher.
type Watch struct {
	Enabled    bool   `json:"enabled"`
	Dir        string `json:"dir"`
	DebounceMs int    `json:"debounce_ms"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("WAVEFRONT_CONFIG")
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
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			ImageDir:     ".",
			DatabasePath: filepath.Join(os.TempDir(), "wavefront.db"),
			CatalogPath:  filepath.Join(os.TempDir(), "bsc.db"),
		},
		Matching: Matching{
			Filter:             "r",
			StarRadiusPixels:   63,
			SpacingCoefficient: 2.5,
			MagMin:             0,
			MagMax:             99,
			DoDeblending:       true,
			SkyFileSkipRows:    1,
		},
		Estimation: Estimation{
			PoissonSolver:      "exp",
			CompensatorMode:    "paraxial",
			NumTerms:           22,
			ToleranceNm:        1.0,
			MaxIterations:      14,
			FeedbackGain:       0.6,
			BoundaryIterations: 3,
		},
		Watch: Watch{
			Enabled:    false,
			DebounceMs: 500,
		},
	}
}

// Validate rejects settings the pipeline cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Processing.ParallelJobs < 1:
		return fmt.Errorf("config: parallel_jobs %d < 1", c.Processing.ParallelJobs)
	case c.Matching.StarRadiusPixels <= 0:
		return fmt.Errorf("config: non-positive star_radius_pixels")
	case c.Matching.SpacingCoefficient <= 0:
		return fmt.Errorf("config: non-positive spacing_coefficient")
	case c.Estimation.NumTerms < 4 || c.Estimation.NumTerms > 22:
		return fmt.Errorf("config: num_terms %d outside [4, 22]", c.Estimation.NumTerms)
	case c.Watch.Enabled && c.Watch.Dir == "":
		return fmt.Errorf("config: watch enabled without a directory")
	}
	return nil
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
