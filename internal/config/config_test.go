package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.TargetWidth != 640 || cfg.TargetHeight != 480 {
		t.Errorf("target = %dx%d, want 640x480", cfg.TargetWidth, cfg.TargetHeight)
	}
	if cfg.PollInterval.Std() != 10*time.Millisecond {
		t.Errorf("PollInterval = %v, want 10ms", cfg.PollInterval.Std())
	}
	if cfg.MinDuration != 2.0 {
		t.Errorf("MinDuration = %v, want 2.0", cfg.MinDuration)
	}
	if cfg.SeekUnit != SeekPercent {
		t.Errorf("SeekUnit = %q, want %q", cfg.SeekUnit, SeekPercent)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name:   "zero target size falls back to defaults",
			mutate: func(c *Config) { c.TargetWidth, c.TargetHeight = 0, -1 },
			check: func(t *testing.T, c *Config) {
				if c.TargetWidth != DefaultTargetWidth || c.TargetHeight != DefaultTargetHeight {
					t.Errorf("target = %dx%d", c.TargetWidth, c.TargetHeight)
				}
			},
		},
		{
			name:   "negative min duration falls back",
			mutate: func(c *Config) { c.MinDuration = -3 },
			check: func(t *testing.T, c *Config) {
				if c.MinDuration != DefaultMinDuration {
					t.Errorf("MinDuration = %v", c.MinDuration)
				}
			},
		},
		{
			name:   "zero min duration is kept",
			mutate: func(c *Config) { c.MinDuration = 0 },
			check: func(t *testing.T, c *Config) {
				if c.MinDuration != 0 {
					t.Errorf("MinDuration = %v, want 0", c.MinDuration)
				}
			},
		},
		{
			name:   "seek unit is case insensitive",
			mutate: func(c *Config) { c.SeekUnit = "FRAME" },
			check: func(t *testing.T, c *Config) {
				if c.SeekUnit != SeekFrame {
					t.Errorf("SeekUnit = %q", c.SeekUnit)
				}
			},
		},
		{
			name:   "zero hook timeout falls back",
			mutate: func(c *Config) { c.HookTimeout = 0 },
			check: func(t *testing.T, c *Config) {
				if c.HookTimeout.Std() != DefaultHookTimeout {
					t.Errorf("HookTimeout = %v", c.HookTimeout.Std())
				}
			},
		},
		{
			name:    "unknown seek unit",
			mutate:  func(c *Config) { c.SeekUnit = "minutes" },
			wantErr: true,
		},
		{
			name:   "confidence out of range",
			mutate: func(c *Config) { c.Confidence = 1.5 },
			check: func(t *testing.T, c *Config) {
				if c.Confidence != DefaultConfidence {
					t.Errorf("Confidence = %v", c.Confidence)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
}

func TestLoad_ParsesDurationsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"poll_interval": "25ms",
		"read_timeout": "500ms",
		"min_duration": 1.5,
		"seek_unit": "fraction",
		"target_width": 320
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PollInterval.Std() != 25*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval.Std())
	}
	if cfg.ReadTimeout.Std() != 500*time.Millisecond {
		t.Errorf("ReadTimeout = %v", cfg.ReadTimeout.Std())
	}
	if cfg.MinDuration != 1.5 {
		t.Errorf("MinDuration = %v", cfg.MinDuration)
	}
	if cfg.SeekUnit != SeekFraction {
		t.Errorf("SeekUnit = %q", cfg.SeekUnit)
	}
	if cfg.TargetWidth != 320 || cfg.TargetHeight != DefaultTargetHeight {
		t.Errorf("target = %dx%d", cfg.TargetWidth, cfg.TargetHeight)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"poll_interval": "soon"}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if cfg == nil || cfg.PollInterval.Std() != DefaultPollInterval {
		t.Error("expected defaults to be returned alongside the error")
	}
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.MinDuration = 3.25
	cfg.PollInterval = Duration(40 * time.Millisecond)

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.MinDuration != 3.25 || loaded.PollInterval.Std() != 40*time.Millisecond {
		t.Errorf("loaded = %+v", loaded)
	}
}
