// Package report renders finalized presence reports as text tables, CSV or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ayusman/visionedge/internal/presence"
	"github.com/ayusman/visionedge/internal/store"
)

// Format selects the output encoding of a report.
type Format string

const (
	FormatText Format = "text"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat maps a user supplied name to a Format. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Meta describes where a report came from.
type Meta struct {
	SessionID   string     `json:"session_id,omitempty"`
	Source      string     `json:"source,omitempty"`
	MinDuration float64    `json:"min_duration"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Render writes r to w in the given format.
func Render(w io.Writer, f Format, meta Meta, r presence.Report) error {
	switch f {
	case FormatText:
		return renderText(w, meta, r)
	case FormatCSV:
		return renderCSV(w, r)
	case FormatJSON:
		return renderJSON(w, meta, r)
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
}

func renderText(w io.Writer, meta Meta, r presence.Report) error {
	var b strings.Builder

	b.WriteString("Object detection report\n")
	if meta.SessionID != "" {
		fmt.Fprintf(&b, "Session:      %s\n", meta.SessionID)
	}
	if meta.Source != "" {
		fmt.Fprintf(&b, "Source:       %s\n", meta.Source)
	}
	if !meta.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started:      %s\n", meta.StartedAt.Format(time.RFC3339))
	}
	if meta.EndedAt != nil {
		fmt.Fprintf(&b, "Ended:        %s\n", meta.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Min duration: %s\n\n", seconds(meta.MinDuration))

	if r.Len() == 0 {
		b.WriteString("No objects were present long enough to report.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Class", "From", "To", "Duration"})
	n := 0
	for _, class := range r.Classes() {
		for _, iv := range r[class] {
			n++
			t.AppendRow(table.Row{n, class, seconds(iv.Start), seconds(iv.End), seconds(iv.Duration())})
		}
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	b.WriteString(t.Render())
	b.WriteString("\n\n")

	s := table.NewWriter()
	s.AppendHeader(table.Row{"Class", "Intervals", "Total"})
	for _, class := range r.Classes() {
		s.AppendRow(table.Row{class, len(r[class]), seconds(r.Total(class))})
	}
	b.WriteString(s.Render())
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func renderCSV(w io.Writer, r presence.Report) error {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"class", "start_s", "end_s", "duration_s"})
	for _, class := range r.Classes() {
		for _, iv := range r[class] {
			t.AppendRow(table.Row{class, decimal(iv.Start), decimal(iv.End), decimal(iv.Duration())})
		}
	}

	_, err := io.WriteString(w, t.RenderCSV()+"\n")
	return err
}

type jsonInterval struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

type jsonClass struct {
	Class     string         `json:"class"`
	Total     float64        `json:"total"`
	Intervals []jsonInterval `json:"intervals"`
}

func renderJSON(w io.Writer, meta Meta, r presence.Report) error {
	doc := struct {
		Meta
		Classes []jsonClass `json:"classes"`
	}{Meta: meta, Classes: []jsonClass{}}

	for _, class := range r.Classes() {
		jc := jsonClass{Class: class, Total: r.Total(class)}
		for _, iv := range r[class] {
			jc.Intervals = append(jc.Intervals, jsonInterval{Start: iv.Start, End: iv.End, Duration: iv.Duration()})
		}
		doc.Classes = append(doc.Classes, jc)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func seconds(v float64) string {
	return fmt.Sprintf("%.2fs", v)
}

func decimal(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

// SessionMeta describes a persisted session for report headers.
func SessionMeta(s *store.Session) Meta {
	return Meta{
		SessionID:   s.ID,
		Source:      s.Source,
		MinDuration: s.MinDuration,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
}
