package stream

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Controller.
type State string

const (
	// StateStopped means no source is held.
	StateStopped State = "stopped"
	// StateRunning means a source is open and frames may be processed.
	StateRunning State = "running"
)

// Status is a point-in-time snapshot of the controller for presentation.
type Status struct {
	State           State         `json:"state"`
	Source          string        `json:"source,omitempty"`
	FramesProcessed int64         `json:"frames_processed"`
	Elapsed         time.Duration `json:"elapsed"`
	MeasuredFPS     float64       `json:"measured_fps"`
	Seekable        bool          `json:"seekable"`
	Position        *Position     `json:"position,omitempty"`
}

// Position is the playback position of a seekable source.
type Position struct {
	Frame       int           `json:"frame"`
	TotalFrames int           `json:"total_frames"`
	Current     time.Duration `json:"current"`
	Total       time.Duration `json:"total"`
}

// Fraction returns the position as a value in [0,1].
func (p Position) Fraction() float64 {
	if p.TotalFrames <= 0 {
		return 0
	}
	f := float64(p.Frame) / float64(p.TotalFrames)
	if f > 1 {
		return 1
	}
	return f
}

// String renders the position as "mm:ss / mm:ss".
func (p Position) String() string {
	return FormatClock(p.Current) + " / " + FormatClock(p.Total)
}

// FormatClock formats d as zero-padded minutes and seconds. Minutes are not
// wrapped into hours.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
