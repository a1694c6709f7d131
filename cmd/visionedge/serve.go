package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/ayusman/visionedge/internal/app"
	"github.com/ayusman/visionedge/internal/metrics"
	"github.com/ayusman/visionedge/internal/server"
	"github.com/ayusman/visionedge/internal/store"
	"github.com/ayusman/visionedge/internal/tray"
)

func serveCommand(rt *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP dashboard and API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagAddr, Usage: "listen address"},
			&cli.StringFlag{Name: flagStatic, Usage: "static files directory"},
			&cli.StringFlag{Name: flagSource, Usage: "start a session on `SOURCE` right away"},
			&cli.BoolFlag{Name: flagTray, Usage: "show a system tray menu"},
		},
		Action: func(c *cli.Context) error {
			return serve(c, rt)
		},
	}
}

func serve(c *cli.Context, rt *env) (err error) {
	cfg, logger := rt.cfg, rt.logger
	if c.IsSet(flagAddr) {
		cfg.Addr = c.String(flagAddr)
	}
	if c.IsSet(flagStatic) {
		cfg.StaticDir = c.String(flagStatic)
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = findWebDir()
	}
	if cfg.StaticDir != "" {
		logger.Infof("Serving static files from: %s", cfg.StaticDir)
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		engine.Close()
		return fmt.Errorf("initialize store: %w", err)
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	hooks, err := newHooks(cfg, logger.Named("hooks"))
	if err != nil {
		engine.Close()
		return err
	}
	if hooks != nil {
		defer func() { err = multierr.Append(err, hooks.Close()) }()
	}

	m := metrics.New()
	a, err := app.New(app.Config{
		Settings: cfg,
		Engine:   engine,
		Store:    st,
		Metrics:  m,
		Hooks:    hooks,
		Logger:   logger.Named("app"),
	})
	if err != nil {
		engine.Close()
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	if src := c.String(flagSource); src != "" {
		if _, err := a.StartSession(src); err != nil {
			logger.Errorf("Failed to start session on %s: %v", src, err)
		}
	}

	srv := server.New(server.Config{
		StaticDir:  cfg.StaticDir,
		Controller: a,
		Metrics:    m,
		Logger:     logger.Named("server"),
	})

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !c.Bool(flagTray) {
		return srv.ListenAndServe(ctx, cfg.Addr)
	}

	// systray must own the main goroutine.
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, cfg.Addr)
	}()

	t := tray.New(a, c.String(flagSource), logger.Named("tray"))
	t.OnOpen(func() {
		if err := openBrowser(dashboardURL(cfg.Addr)); err != nil {
			logger.Warnf("Failed to open browser: %v", err)
		}
	})
	t.OnQuit(stop)
	go func() {
		<-ctx.Done()
		t.Quit()
	}()
	t.Run()

	stop()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dashboardURL turns a listen address into a browsable URL.
func dashboardURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
