package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/ayusman/visionedge/internal/report"
	"github.com/ayusman/visionedge/internal/store"
)

func reportCommand(rt *env) *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "list recorded sessions, or print the presence report of one",
		ArgsUsage: "[SESSION_ID]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagFormat, Value: string(report.FormatText), Usage: "text, csv or json"},
			&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "write the report to `FILE`"},
			&cli.IntFlag{Name: flagLimit, Value: 20, Usage: "sessions to list"},
		},
		Action: func(c *cli.Context) error {
			return history(c, rt)
		},
	}
}

func history(c *cli.Context, rt *env) (err error) {
	st, err := store.New(rt.cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	var out io.Writer = c.App.Writer
	if path := c.String(flagOutput); path != "" {
		f, createErr := os.Create(path)
		if createErr != nil {
			return createErr
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		out = f
	}

	if c.NArg() == 0 {
		sessions, err := st.Sessions().List(c.Int(flagLimit))
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, renderSessions(sessions)+"\n")
		return err
	}

	format, err := report.ParseFormat(c.String(flagFormat))
	if err != nil {
		return err
	}

	id := c.Args().First()
	sess, err := st.Sessions().GetByID(id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	rep, err := st.Intervals().Report(id)
	if err != nil {
		return err
	}

	return report.Render(out, format, report.SessionMeta(sess), rep)
}

// renderSessions formats the session history as a table.
func renderSessions(sessions []*store.Session) string {
	if len(sessions) == 0 {
		return "No sessions recorded."
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Source", "Status", "Started", "Length", "Frames", "FPS"})
	for _, s := range sessions {
		length := "-"
		if s.EndedAt != nil {
			length = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			s.ID,
			s.Source,
			s.Status,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			length,
			s.Frames,
			fmt.Sprintf("%.1f", s.MeasuredFPS),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	return t.Render()
}
