package main

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/ayusman/visionedge/internal/app"
	"github.com/ayusman/visionedge/internal/capture"
	"github.com/ayusman/visionedge/internal/report"
	"github.com/ayusman/visionedge/internal/store"
)

func processCommand(rt *env) *cli.Command {
	return &cli.Command{
		Name:      "process",
		Usage:     "run detection over a source until it ends and print the presence report",
		ArgsUsage: "SOURCE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagFormat, Value: string(report.FormatText), Usage: "text, csv or json"},
			&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "write the report to `FILE`"},
			&cli.BoolFlag{Name: flagSave, Usage: "record the session in the database"},
		},
		Action: func(c *cli.Context) error {
			return process(c, rt)
		},
	}
}

func process(c *cli.Context, rt *env) (err error) {
	if c.NArg() != 1 {
		return cli.Exit("process needs exactly one SOURCE", 2)
	}
	cfg, logger := rt.cfg, rt.logger

	format, err := report.ParseFormat(c.String(flagFormat))
	if err != nil {
		return err
	}
	desc, err := capture.ParseDescriptor(c.Args().First())
	if err != nil {
		return err
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	var st *store.Store
	if c.Bool(flagSave) {
		if st, err = store.New(cfg.DBPath); err != nil {
			engine.Close()
			return err
		}
		defer func() { err = multierr.Append(err, st.Close()) }()
	}

	hooks, err := newHooks(cfg, logger.Named("hooks"))
	if err != nil {
		engine.Close()
		return err
	}
	if hooks != nil {
		defer func() { err = multierr.Append(err, hooks.Close()) }()
	}

	a, err := app.New(app.Config{
		Settings: cfg,
		Engine:   engine,
		Store:    st,
		Hooks:    hooks,
		Logger:   logger.Named("app"),
		// Files are stamped with their own frame clock so the report does
		// not depend on how fast detection ran.
		MediaTime: desc.Kind == capture.KindFile,
	})
	if err != nil {
		engine.Close()
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	if _, err := a.StartDescriptor(desc); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if done := a.Done(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			logger.Infof("Interrupted, finalizing session")
		}
	}
	if _, err := a.StopSession(); err != nil && !errors.Is(err, app.ErrNoSession) {
		logger.Warnf("Session finished with errors: %v", err)
	}

	result, ok := a.LastResult()
	if !ok {
		return errors.New("session produced no result")
	}

	var out io.Writer = c.App.Writer
	if path := c.String(flagOutput); path != "" {
		f, createErr := os.Create(path)
		if createErr != nil {
			return createErr
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		out = f
	}

	if err := report.Render(out, format, report.SessionMeta(result.Session), result.Report); err != nil {
		return err
	}
	if result.Session.Status == store.SessionFailed {
		return cli.Exit("stream failed: "+result.Session.Error, 1)
	}
	return nil
}
