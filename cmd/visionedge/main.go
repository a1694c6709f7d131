// Command visionedge watches a video stream, detects objects and reports how
// long each class stayed in view.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ayusman/visionedge/internal/config"
	"github.com/ayusman/visionedge/internal/detector"
	"github.com/ayusman/visionedge/internal/hook"
	"github.com/ayusman/visionedge/internal/logging"
)

const (
	// Global flags.
	flagConfig       = "config"
	flagLogLevel     = "log-level"
	flagLogFile      = "log-file"
	flagDB           = "db"
	flagModel        = "model"
	flagModelConfig  = "model-config"
	flagClasses      = "classes"
	flagConfidence   = "confidence"
	flagMinDuration  = "min-duration"
	flagWidth        = "width"
	flagHeight       = "height"
	flagSnapshotDir  = "snapshot-dir"
	flagOpenRetries  = "open-retries"
	flagPollInterval = "poll-interval"
	flagHooksDir     = "hooks-dir"

	// Command flags.
	flagAddr   = "addr"
	flagStatic = "static"
	flagTray   = "tray"
	flagSource = "source"
	flagFormat = "format"
	flagOutput = "output"
	flagSave   = "save"
	flagLimit  = "limit"
)

// env carries what Before resolved to the command actions.
type env struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
}

func main() {
	rt := &env{}

	app := &cli.App{
		Name:  "visionedge",
		Usage: "detect objects in a video stream and report how long each class was present",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{Name: flagLogLevel, Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: flagLogFile, Usage: "also write logs to rotated `FILE`"},
			&cli.StringFlag{Name: flagDB, Usage: "session database `PATH`"},
			&cli.StringFlag{Name: flagModel, Usage: "DNN weights, or a .py detection service script"},
			&cli.StringFlag{Name: flagModelConfig, Usage: "network description for darknet weights"},
			&cli.StringFlag{Name: flagClasses, Usage: "class names `FILE`, one per line"},
			&cli.Float64Flag{Name: flagConfidence, Usage: "minimum detection confidence (0-1)"},
			&cli.Float64Flag{Name: flagMinDuration, Usage: "minimum reported interval length in seconds"},
			&cli.IntFlag{Name: flagWidth, Usage: "pipeline frame width"},
			&cli.IntFlag{Name: flagHeight, Usage: "pipeline frame height"},
			&cli.StringFlag{Name: flagSnapshotDir, Usage: "directory for snapshots"},
			&cli.IntFlag{Name: flagOpenRetries, Usage: "open retries for network sources"},
			&cli.DurationFlag{Name: flagPollInterval, Usage: "pipeline tick interval"},
			&cli.StringFlag{Name: flagHooksDir, Usage: "run interval hooks found in `DIR`"},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			rt.cfg, rt.logger = cfg, logger
			return nil
		},
		After: func(c *cli.Context) error {
			if rt.logger != nil {
				rt.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(rt),
			processCommand(rt),
			reportCommand(rt),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(flagLogLevel) {
		cfg.LogLevel = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogFile) {
		cfg.LogFile = c.String(flagLogFile)
	}
	if c.IsSet(flagDB) {
		cfg.DBPath = c.String(flagDB)
	}
	if c.IsSet(flagModel) {
		cfg.ModelPath = c.String(flagModel)
	}
	if c.IsSet(flagModelConfig) {
		cfg.ModelConfig = c.String(flagModelConfig)
	}
	if c.IsSet(flagClasses) {
		cfg.ClassNames = c.String(flagClasses)
	}
	if c.IsSet(flagConfidence) {
		cfg.Confidence = c.Float64(flagConfidence)
	}
	if c.IsSet(flagMinDuration) {
		cfg.MinDuration = c.Float64(flagMinDuration)
	}
	if c.IsSet(flagWidth) {
		cfg.TargetWidth = c.Int(flagWidth)
	}
	if c.IsSet(flagHeight) {
		cfg.TargetHeight = c.Int(flagHeight)
	}
	if c.IsSet(flagSnapshotDir) {
		cfg.SnapshotDir = c.String(flagSnapshotDir)
	}
	if c.IsSet(flagOpenRetries) {
		cfg.OpenRetries = c.Int(flagOpenRetries)
	}
	if c.IsSet(flagPollInterval) {
		cfg.PollInterval = config.Duration(c.Duration(flagPollInterval))
	}
	if c.IsSet(flagHooksDir) {
		cfg.HooksDir = c.String(flagHooksDir)
	}
}

// newHooks discovers the hooks in cfg.HooksDir and starts a dispatcher for
// them. It returns nil when no hooks directory is configured. Invalid hooks
// are logged and skipped.
func newHooks(cfg *config.Config, logger *zap.SugaredLogger) (*hook.Dispatcher, error) {
	if cfg.HooksDir == "" {
		return nil, nil
	}

	manager := hook.NewManager(cfg.HooksDir)
	if err := manager.Discover(); err != nil {
		logger.Warnf("Skipped hooks in %s: %v", manager.Dir(), err)
	}
	hooks := manager.List()
	for _, h := range hooks {
		logger.Infof("Loaded hook %s %s (%v)", h.Manifest.Name, h.Manifest.Version, h.Manifest.Events)
	}
	if len(hooks) == 0 {
		logger.Warnf("No hooks found in %s", manager.Dir())
	}

	return hook.NewDispatcher(manager, hook.NewExecutor(cfg.HookTimeout.Std()), logger, 0), nil
}

// newEngine builds the detection engine described by cfg.
func newEngine(cfg *config.Config) (detector.Engine, error) {
	dc := detector.DefaultConfig()
	dc.ModelPath = cfg.ModelPath
	dc.ModelConfig = cfg.ModelConfig
	dc.MinConfidence = cfg.Confidence
	dc.NMSThreshold = cfg.NMSThreshold

	if cfg.ClassNames != "" {
		names, err := detector.LoadClassNames(cfg.ClassNames)
		if err != nil {
			return nil, err
		}
		dc.Classes = names
	}

	engine, err := detector.New(dc)
	if err != nil {
		return nil, fmt.Errorf("detection engine: %w", err)
	}
	return engine, nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.visionedge/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	for _, p := range []string{"web", "../web", "../../web"} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".visionedge", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
