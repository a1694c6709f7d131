// Package config holds the runtime configuration for the VisionEdge presence service.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultTargetWidth   = 640
	DefaultTargetHeight  = 480
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultReadTimeout   = 2 * time.Second
	DefaultMinDuration   = 2.0
	DefaultConfidence    = 0.5
	DefaultNMSThreshold  = 0.4
	DefaultAddr          = ":8080"
	DefaultLogLevel      = "info"
	DefaultOpenRetryWait = time.Second
	DefaultHookTimeout   = 5 * time.Second
)

// SeekUnit selects how seek values coming from the presentation layer are interpreted.
type SeekUnit string

const (
	// SeekPercent interprets seek values as 0-100.
	SeekPercent SeekUnit = "percent"
	// SeekFraction interprets seek values as 0.0-1.0.
	SeekFraction SeekUnit = "fraction"
	// SeekFrame interprets seek values as absolute frame indexes.
	SeekFrame SeekUnit = "frame"
)

// Duration is a time.Duration that reads and writes as a Go duration string ("10ms").
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}

	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds runtime configuration for the stream pipeline, aggregation and services.
// Fields may be loaded from a JSON file and overridden by command-line flags.
type Config struct {
	// Pipeline normalization
	TargetWidth  int `json:"target_width"`
	TargetHeight int `json:"target_height"`

	// Loop timing
	PollInterval Duration `json:"poll_interval"`
	ReadTimeout  Duration `json:"read_timeout"`

	// Aggregation
	MinDuration float64 `json:"min_duration"`

	// Seeking
	SeekUnit SeekUnit `json:"seek_unit"`

	// Network sources only
	OpenRetries    int      `json:"open_retries"`
	OpenRetryDelay Duration `json:"open_retry_delay"`

	// Detection engine
	ModelPath    string  `json:"model_path"`
	ModelConfig  string  `json:"model_config"`
	ClassNames   string  `json:"class_names"`
	Confidence   float64 `json:"confidence"`
	NMSThreshold float64 `json:"nms_threshold"`

	// Services
	Addr        string `json:"addr"`
	DBPath      string `json:"db_path"`
	SnapshotDir string `json:"snapshot_dir"`
	StaticDir   string `json:"static_dir"`

	// Interval hooks
	HooksDir    string   `json:"hooks_dir"`
	HookTimeout Duration `json:"hook_timeout"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		TargetWidth:    DefaultTargetWidth,
		TargetHeight:   DefaultTargetHeight,
		PollInterval:   Duration(DefaultPollInterval),
		ReadTimeout:    Duration(DefaultReadTimeout),
		MinDuration:    DefaultMinDuration,
		SeekUnit:       SeekPercent,
		OpenRetries:    0,
		OpenRetryDelay: Duration(DefaultOpenRetryWait),
		Confidence:     DefaultConfidence,
		NMSThreshold:   DefaultNMSThreshold,
		Addr:           DefaultAddr,
		DBPath:         DefaultDBPath(),
		SnapshotDir:    ".",
		HookTimeout:    Duration(DefaultHookTimeout),
		LogLevel:       DefaultLogLevel,
	}
}

// DefaultDBPath returns ~/.visionedge/visionedge.db, or a relative path when
// the home directory cannot be resolved.
func DefaultDBPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "visionedge.db"
	}
	return filepath.Join(homeDir, ".visionedge", "visionedge.db")
}

// Validate clamps/normalizes values to safe ranges.
func (c *Config) Validate() error {
	if c.TargetWidth <= 0 {
		c.TargetWidth = DefaultTargetWidth
	}
	if c.TargetHeight <= 0 {
		c.TargetHeight = DefaultTargetHeight
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.MinDuration < 0 {
		c.MinDuration = DefaultMinDuration
	}
	if c.OpenRetries < 0 {
		c.OpenRetries = 0
	}
	if c.OpenRetryDelay <= 0 {
		c.OpenRetryDelay = Duration(DefaultOpenRetryWait)
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		c.Confidence = DefaultConfidence
	}
	if c.NMSThreshold <= 0 || c.NMSThreshold > 1 {
		c.NMSThreshold = DefaultNMSThreshold
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "."
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = Duration(DefaultHookTimeout)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	switch SeekUnit(strings.ToLower(string(c.SeekUnit))) {
	case SeekPercent, "":
		c.SeekUnit = SeekPercent
	case SeekFraction:
		c.SeekUnit = SeekFraction
	case SeekFrame:
		c.SeekUnit = SeekFrame
	default:
		return fmt.Errorf("unknown seek unit %q", c.SeekUnit)
	}

	return nil
}

// Load attempts to read configuration from the given JSON file path. If the file does not
// exist it returns DefaultConfig(). On JSON error it returns defaults with the error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return DefaultConfig(), err
	}

	return cfg, nil
}

// Save writes the configuration as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
