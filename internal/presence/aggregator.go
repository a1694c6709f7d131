// Package presence turns a time-ordered stream of per-frame detection events
// into per-class presence intervals.
package presence

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultMinDuration is the minimum interval length in seconds kept by the aggregator.
const DefaultMinDuration = 2.0

// ErrOrderingViolation is returned when an event is older than the previously ingested one.
var ErrOrderingViolation = errors.New("event timestamp precedes previous event")

// Event is the set of distinct classes present in one processed frame.
type Event struct {
	// Timestamp is seconds since stream start.
	Timestamp float64 `json:"timestamp"`
	// Classes holds each class at most once, sorted.
	Classes []string `json:"classes"`
}

// NewEvent builds an Event, collapsing duplicate classes to a single presence.
func NewEvent(timestamp float64, classes ...string) Event {
	seen := make(map[string]struct{}, len(classes))
	distinct := make([]string, 0, len(classes))
	for _, c := range classes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		distinct = append(distinct, c)
	}
	sort.Strings(distinct)

	return Event{Timestamp: timestamp, Classes: distinct}
}

// Interval is a closed span during which a class was continuously observed.
type Interval struct {
	Class string  `json:"class"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start in seconds.
func (iv Interval) Duration() float64 {
	return iv.End - iv.Start
}

// String formats the interval as "class [start, end]".
func (iv Interval) String() string {
	return fmt.Sprintf("%s [%.2fs, %.2fs]", iv.Class, iv.Start, iv.End)
}

// Report maps a class to its intervals, ordered by Start ascending.
type Report map[string][]Interval

// Classes returns the report's class names in sorted order.
func (r Report) Classes() []string {
	classes := make([]string, 0, len(r))
	for c := range r {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// Total returns the summed interval duration for a class.
func (r Report) Total(class string) float64 {
	var total float64
	for _, iv := range r[class] {
		total += iv.Duration()
	}
	return total
}

// Len returns the number of intervals across all classes.
func (r Report) Len() int {
	n := 0
	for _, ivs := range r {
		n += len(ivs)
	}
	return n
}

// openRun tracks a class during its current unbroken run.
type openRun struct {
	openSince float64
	lastSeen  float64
}

// Aggregator accumulates presence events into intervals.
//
// It is not safe for concurrent use; feed it from a single ordered event stream.
type Aggregator struct {
	minDuration float64
	open        map[string]*openRun
	closed      Report
	lastTS      float64
	started     bool
	onInterval  func(Interval)
}

// New creates an Aggregator that keeps intervals lasting at least minDuration seconds.
func New(minDuration float64) *Aggregator {
	return &Aggregator{
		minDuration: minDuration,
		open:        make(map[string]*openRun),
		closed:      make(Report),
	}
}

// MinDuration returns the configured minimum interval length.
func (a *Aggregator) MinDuration() float64 {
	return a.minDuration
}

// OnInterval registers a callback invoked each time an interval is emitted.
func (a *Aggregator) OnInterval(fn func(Interval)) {
	a.onInterval = fn
}

// Open returns the number of classes with a run in progress.
func (a *Aggregator) Open() int {
	return len(a.open)
}

// Ingest processes one event.
//
// Classes absent from the event close with end = the timestamp of the last
// event that contained them. A single absent event always ends the run.
func (a *Aggregator) Ingest(e Event) error {
	if a.started && e.Timestamp < a.lastTS {
		return fmt.Errorf("%w: %.3f < %.3f", ErrOrderingViolation, e.Timestamp, a.lastTS)
	}
	a.started = true
	a.lastTS = e.Timestamp

	present := make(map[string]struct{}, len(e.Classes))
	for _, c := range e.Classes {
		present[c] = struct{}{}
	}

	for class, run := range a.open {
		if _, ok := present[class]; ok {
			continue
		}
		a.close(class, run)
	}

	for class := range present {
		run, ok := a.open[class]
		if !ok {
			run = &openRun{openSince: e.Timestamp}
			a.open[class] = run
		}
		run.lastSeen = e.Timestamp
	}

	return nil
}

// Finalize closes every run still open, applies the minimum-duration filter,
// and returns the complete report. The aggregator is reset afterwards.
func (a *Aggregator) Finalize() Report {
	for class, run := range a.open {
		a.close(class, run)
	}

	report := a.closed
	for class := range report {
		ivs := report[class]
		sort.SliceStable(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	}

	a.open = make(map[string]*openRun)
	a.closed = make(Report)
	a.started = false
	a.lastTS = 0

	return report
}

func (a *Aggregator) close(class string, run *openRun) {
	delete(a.open, class)

	iv := Interval{Class: class, Start: run.openSince, End: run.lastSeen}
	if iv.Duration() < a.minDuration {
		return
	}

	a.closed[class] = append(a.closed[class], iv)
	if a.onInterval != nil {
		a.onInterval(iv)
	}
}
