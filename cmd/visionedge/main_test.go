package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ayusman/visionedge/internal/config"
	"github.com/ayusman/visionedge/internal/store"
)

func newContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String(flagConfig, "", "")
	set.String(flagModel, "", "")
	set.Float64(flagMinDuration, 0, "")
	set.Int(flagWidth, 0, "")
	set.Duration(flagPollInterval, 0, "")
	if err := set.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"min_duration": 5, "target_width": 320, "model_path": "file.onnx"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newContext(t, "--config", path, "--min-duration", "1.5", "--poll-interval", "20ms")
	cfg, err := loadConfig(c)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.MinDuration != 1.5 {
		t.Errorf("MinDuration = %v, want 1.5 from flag", cfg.MinDuration)
	}
	if cfg.TargetWidth != 320 {
		t.Errorf("TargetWidth = %d, want 320 from file", cfg.TargetWidth)
	}
	if cfg.ModelPath != "file.onnx" {
		t.Errorf("ModelPath = %q, want file.onnx", cfg.ModelPath)
	}
	if cfg.PollInterval.Std() != 20*time.Millisecond {
		t.Errorf("PollInterval = %v, want 20ms", cfg.PollInterval.Std())
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(newContext(t))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.MinDuration != config.DefaultMinDuration || cfg.SeekUnit != config.SeekPercent {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestNewEngine_NoModel(t *testing.T) {
	if _, err := newEngine(config.DefaultConfig()); err == nil {
		t.Error("newEngine() without a model should fail")
	}
}

func TestRenderSessions(t *testing.T) {
	if got := renderSessions(nil); got != "No sessions recorded." {
		t.Errorf("renderSessions(nil) = %q", got)
	}

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	out := renderSessions([]*store.Session{
		{ID: "abc", Source: "file:yard.mp4", Status: store.SessionCompleted, StartedAt: started, EndedAt: &ended, Frames: 2700, MeasuredFPS: 30},
		{ID: "def", Source: "device:0", Status: store.SessionRunning, StartedAt: started},
	})

	for _, want := range []string{"abc", "file:yard.mp4", "completed", "1m30s", "2700", "30.0", "def", "running"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDashboardURL(t *testing.T) {
	tests := map[string]string{
		":8080":          "http://localhost:8080/",
		"127.0.0.1:9000": "http://127.0.0.1:9000/",
	}
	for addr, want := range tests {
		if got := dashboardURL(addr); got != want {
			t.Errorf("dashboardURL(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestNewHooks(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := zap.NewNop().Sugar()

	d, err := newHooks(cfg, logger)
	if err != nil || d != nil {
		t.Fatalf("newHooks() without dir = %v, %v; want nil, nil", d, err)
	}

	cfg.HooksDir = t.TempDir()
	d, err = newHooks(cfg, logger)
	if err != nil {
		t.Fatalf("newHooks() error = %v", err)
	}
	if d == nil {
		t.Fatal("newHooks() returned nil dispatcher")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
