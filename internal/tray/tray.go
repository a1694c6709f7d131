// Package tray provides a system tray interface for the VisionEdge presence service.
package tray

import (
	"strings"
	"sync"

	"github.com/getlantern/systray"
	"go.uber.org/zap"

	"github.com/ayusman/visionedge/internal/app"
	"github.com/ayusman/visionedge/internal/store"
	"github.com/ayusman/visionedge/internal/stream"
)

// defaultSource is used when neither a source was configured nor one was
// remembered from a previous run.
const defaultSource = "0"

// Controller is the session surface the tray drives. *app.App implements it.
type Controller interface {
	StartSession(source string) (*store.Session, error)
	StopSession() (*app.SessionResult, error)
	Snapshot() (string, error)
	Running() bool
	LastSource() string
	Subscribe() (<-chan app.LiveStatus, func())
}

// Tray represents the system tray application.
type Tray struct {
	ctrl   Controller
	source string
	logger *zap.SugaredLogger

	onOpen func()
	onQuit func()
	mu     sync.RWMutex

	// Menu items stored for later updates
	menuToggle *systray.MenuItem
	menuStatus *systray.MenuItem
}

// New creates a Tray driving ctrl. source is the stream opened by the start
// item; empty means the last used source.
func New(ctrl Controller, source string, logger *zap.SugaredLogger) *Tray {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tray{ctrl: ctrl, source: source, logger: logger}
}

// OnOpen sets the callback for the "Open Dashboard" menu item.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// onReady sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("VisionEdge")
	systray.SetTooltip("VisionEdge object presence")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.ctrl.Running()), "Start or stop detection")
	systray.AddSeparator()
	t.menuStatus = systray.AddMenuItem("Idle", "Objects in view")
	t.menuStatus.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuSnapshot := systray.AddMenuItem("Take Snapshot", "Save the current frame")
	menuOpen := systray.AddMenuItem("Open Dashboard...", "Open the dashboard in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit VisionEdge")

	updates, unsubscribe := t.ctrl.Subscribe()
	go t.watch(updates)

	// Handle menu item clicks in a separate goroutine
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuSnapshot.ClickedCh:
				t.handleSnapshot()
			case <-menuOpen.ClickedCh:
				t.handleOpen()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

// watch mirrors live session status into the menu until updates is closed.
func (t *Tray) watch(updates <-chan app.LiveStatus) {
	for live := range updates {
		t.SetStatus(live)
	}
}

// handleToggle starts a session when idle and stops the running one otherwise.
func (t *Tray) handleToggle() {
	if t.ctrl.Running() {
		if _, err := t.ctrl.StopSession(); err != nil {
			t.logger.Warnf("Stopping session: %v", err)
		}
	} else {
		source := t.startSource()
		if _, err := t.ctrl.StartSession(source); err != nil {
			t.logger.Errorf("Failed to start session on %s: %v", source, err)
			t.setStatusTitle("Error: " + err.Error())
		}
	}

	t.setToggleTitle(toggleTitle(t.ctrl.Running()))
}

// startSource picks the configured source, then the remembered one.
func (t *Tray) startSource() string {
	if t.source != "" {
		return t.source
	}
	if last := t.ctrl.LastSource(); last != "" {
		return last
	}
	return defaultSource
}

func (t *Tray) handleSnapshot() {
	path, err := t.ctrl.Snapshot()
	if err != nil {
		t.logger.Warnf("Snapshot failed: %v", err)
		return
	}
	t.logger.Infof("Snapshot saved to %s", path)
}

func (t *Tray) handleOpen() {
	t.mu.RLock()
	callback := t.onOpen
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetStatus updates the menu from a live status update.
func (t *Tray) SetStatus(live app.LiveStatus) {
	t.setToggleTitle(toggleTitle(live.Stream.State == stream.StateRunning))
	t.setStatusTitle(StatusText(live))
}

// StatusText renders the one-line tray summary of a live status.
func StatusText(live app.LiveStatus) string {
	if live.Stream.State != stream.StateRunning {
		return "Idle"
	}
	seen := "nothing"
	if len(live.Classes) > 0 {
		seen = strings.Join(live.Classes, ", ")
	}
	if live.Position != "" {
		return "Seen: " + seen + " (" + live.Position + ")"
	}
	return "Seen: " + seen
}

func toggleTitle(running bool) string {
	if running {
		return "■ Stop Detection"
	}
	return "▶ Start Detection"
}

func (t *Tray) setToggleTitle(title string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(title)
	}
}

func (t *Tray) setStatusTitle(title string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.menuStatus != nil {
		t.menuStatus.SetTitle(title)
	}
}

// Quit closes the tray, making Run return.
func (t *Tray) Quit() {
	systray.Quit()
}
