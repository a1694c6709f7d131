package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/visionedge/internal/detector"
	"github.com/ayusman/visionedge/internal/stream"
)

// subscriberBuffer is the per-subscriber queue length. Updates beyond it are
// dropped for that subscriber.
const subscriberBuffer = 8

// LiveStatus is the continuously updated view of the running session.
type LiveStatus struct {
	SessionID   string               `json:"session_id,omitempty"`
	Stream      stream.Status        `json:"stream"`
	Sequence    uint64               `json:"sequence"`
	Timestamp   float64              `json:"timestamp"`
	Position    string               `json:"position,omitempty"`
	Classes     []string             `json:"classes"`
	Detections  []detector.Detection `json:"detections"`
	OpenClasses int                  `json:"open_classes"`
}

// Status returns the latest live status.
func (a *App) Status() LiveStatus {
	a.mu.RLock()
	live, running := a.live, a.current != nil
	a.mu.RUnlock()

	if running {
		live.Stream = a.ctrl.Status()
		if live.Stream.Position != nil {
			live.Position = live.Stream.Position.String()
		}
	}
	if live.Classes == nil {
		live.Classes = []string{}
	}
	if live.Detections == nil {
		live.Detections = []detector.Detection{}
	}
	return live
}

// Subscribe registers for live status updates. The returned function
// unsubscribes and must be called. Slow subscribers miss updates rather than
// stall the pipeline.
func (a *App) Subscribe() (<-chan LiveStatus, func()) {
	ch := make(chan LiveStatus, subscriberBuffer)

	a.mu.Lock()
	a.subscribers[ch] = struct{}{}
	a.metrics.LiveClients.Add(1)
	a.mu.Unlock()

	var once bool
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if once {
			return
		}
		once = true
		a.metrics.LiveClients.Add(-1)
		if _, ok := a.subscribers[ch]; ok {
			delete(a.subscribers, ch)
			close(ch)
		}
	}
}

func (a *App) broadcastLocked(live LiveStatus) {
	for ch := range a.subscribers {
		select {
		case ch <- live:
		default:
		}
	}
}

// LatestJPEG encodes the most recent rendered frame. seq identifies the frame
// so callers can skip frames they have already sent.
func (a *App) LatestJPEG() (data []byte, seq uint64, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.latest.Empty() {
		return nil, 0, ErrNoFrame
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, a.latest)
	if err != nil {
		return nil, 0, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory released by Close.
	data = append([]byte(nil), buf.GetBytes()...)
	return data, a.latestSeq, nil
}

// Snapshot writes the most recent rendered frame to
// <SnapshotDir>/snapshot_YYYYMMDD_HHMMSS.mmm.jpg and returns the path.
func (a *App) Snapshot() (string, error) {
	dir := a.settings.SnapshotDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.latest.Empty() {
		return "", ErrNoFrame
	}
	path := snapshotPath(dir, a.clock.Now())
	if ok := gocv.IMWrite(path, a.latest); !ok {
		return "", errors.New("failed to write snapshot " + path)
	}

	a.logger.Infof("Snapshot saved: %s", path)
	return path, nil
}

// snapshotPath names a snapshot taken at now. A numeric suffix keeps two
// snapshots of the same millisecond apart.
func snapshotPath(dir string, now time.Time) string {
	stamp := now.Format("20060102_150405.000")
	path := filepath.Join(dir, "snapshot_"+stamp+".jpg")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("snapshot_%s_%d.jpg", stamp, i))
	}
}
