// Package app runs detection sessions: it drives the stream controller from
// a periodic loop, aggregates presence intervals and persists the results.
package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/visionedge/internal/capture"
	"github.com/ayusman/visionedge/internal/config"
	"github.com/ayusman/visionedge/internal/detector"
	"github.com/ayusman/visionedge/internal/hook"
	"github.com/ayusman/visionedge/internal/metrics"
	"github.com/ayusman/visionedge/internal/presence"
	"github.com/ayusman/visionedge/internal/store"
	"github.com/ayusman/visionedge/internal/stream"
)

var (
	// ErrNoSession is returned when an operation needs an active session.
	ErrNoSession = errors.New("no active session")

	// ErrNoFrame is returned by Snapshot before any frame has been rendered.
	ErrNoFrame = errors.New("no frame rendered yet")

	// ErrSeekUnavailable is returned when seeking would reorder event timestamps.
	ErrSeekUnavailable = errors.New("seek is unavailable with media timestamps")

	// ErrNoStore is returned by history lookups when persistence is disabled.
	ErrNoStore = errors.New("session history is not persisted")
)

// Config holds configuration options for the application.
type Config struct {
	// Settings supplies pipeline resolution, timing and thresholds.
	Settings *config.Config

	// Engine runs detection. Required.
	Engine detector.Engine

	// Opener opens frame sources. Defaults to capture.OpenVideoSource.
	Opener capture.Opener

	// Store persists sessions and intervals. Optional.
	Store *store.Store

	// Metrics receives pipeline counters. Optional.
	Metrics *metrics.Metrics

	// Hooks receives interval and session_end events. Optional.
	Hooks *hook.Dispatcher

	// MediaTime stamps events with the source's frame clock.
	MediaTime bool

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// SessionResult is the outcome of a finished session.
type SessionResult struct {
	Session *store.Session
	Report  presence.Report
	// Err combines errors met while finishing (persistence, aggregation).
	Err error
}

// session is the state of the running session, owned by its pipeline goroutine
// until done is closed.
type session struct {
	record *store.Session
	agg    *presence.Aggregator
	stopCh chan struct{}
	done   chan struct{}
	result *SessionResult
	aggErr error
}

// App is the main application that orchestrates detection sessions.
type App struct {
	config   Config
	settings *config.Config
	ctrl     *stream.Controller
	clock    clock.Clock
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	// lifecycle serializes StartSession and StopSession.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	current     *session
	last        *SessionResult
	live        LiveStatus
	latest      gocv.Mat
	latestSeq   uint64 // counts frames across sessions
	subscribers map[chan LiveStatus]struct{}
}

// New creates a new App instance with the given configuration.
func New(cfg Config) (*App, error) {
	if cfg.Engine == nil {
		return nil, errors.New("detection engine is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = config.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	s := cfg.Settings
	ctrl := stream.NewController(cfg.Opener, cfg.Engine, stream.Options{
		Width:          s.TargetWidth,
		Height:         s.TargetHeight,
		ReadTimeout:    s.ReadTimeout.Std(),
		OpenRetries:    s.OpenRetries,
		OpenRetryDelay: s.OpenRetryDelay.Std(),
		MediaTime:      cfg.MediaTime,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger.Named("stream"),
	})

	return &App{
		config:      cfg,
		settings:    s,
		ctrl:        ctrl,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		live:        LiveStatus{Stream: stream.Status{State: stream.StateStopped}},
		latest:      gocv.NewMat(),
		subscribers: make(map[chan LiveStatus]struct{}),
	}, nil
}

// StartSession opens source and starts a new detection session. A running
// session is stopped and finalized first.
func (a *App) StartSession(source string) (*store.Session, error) {
	desc, err := capture.ParseDescriptor(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
	}
	return a.StartDescriptor(desc)
}

// StartDescriptor is StartSession for an already parsed descriptor.
func (a *App) StartDescriptor(desc capture.Descriptor) (*store.Session, error) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if _, err := a.stopLocked(); err != nil && !errors.Is(err, ErrNoSession) {
		a.logger.Warnf("Previous session finished with errors: %v", err)
	}

	if err := a.ctrl.Start(desc); err != nil {
		return nil, err
	}

	rec := &store.Session{
		ID:          uuid.NewString(),
		Source:      desc.String(),
		Status:      store.SessionRunning,
		MinDuration: a.settings.MinDuration,
		StartedAt:   a.clock.Now(),
	}

	sess := &session{
		record: rec,
		agg:    presence.New(a.settings.MinDuration),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	sess.agg.OnInterval(func(iv presence.Interval) {
		a.metrics.ObserveInterval(iv.Class)
		a.logger.Debugf("Interval closed: %s", iv)
		a.dispatch(&hook.Request{
			Event:     hook.EventInterval,
			SessionID: rec.ID,
			Source:    rec.Source,
			Interval:  &iv,
			Duration:  iv.Duration(),
		})
	})

	if st := a.config.Store; st != nil {
		if err := st.Sessions().Create(rec); err != nil {
			a.logger.Errorf("Failed to record session %s: %v", rec.ID, err)
		}
		if err := st.Settings().Set(store.SettingLastSource, sourceText(desc)); err != nil {
			a.logger.Warnf("Failed to remember source: %v", err)
		}
	}

	a.mu.Lock()
	a.current = sess
	a.live = LiveStatus{
		SessionID: rec.ID,
		Stream:    a.ctrl.Status(),
	}
	a.mu.Unlock()

	a.metrics.SessionsStarted.Add(1)
	a.metrics.SetRunning(true)

	go a.runPipeline(sess)

	a.logger.Infof("Session %s started on %s", rec.ID, desc)
	return rec, nil
}

// StopSession stops the running session and returns its finalized result.
func (a *App) StopSession() (*SessionResult, error) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	return a.stopLocked()
}

func (a *App) stopLocked() (*SessionResult, error) {
	a.mu.RLock()
	sess := a.current
	a.mu.RUnlock()

	if sess == nil {
		return nil, ErrNoSession
	}

	select {
	case <-sess.stopCh:
	default:
		close(sess.stopCh)
	}
	<-sess.done

	return sess.result, sess.result.Err
}

// Done returns a channel closed when the running session finishes, or nil
// when there is no session.
func (a *App) Done() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.current == nil {
		return nil
	}
	return a.current.done
}

// LastResult returns the result of the most recently finished session.
func (a *App) LastResult() (*SessionResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.last != nil
}

// Seek repositions the running source. value is interpreted according to the
// configured seek unit.
func (a *App) Seek(value float64) error {
	if !a.Running() {
		return ErrNoSession
	}
	if a.config.MediaTime {
		return ErrSeekUnavailable
	}

	var err error
	switch a.settings.SeekUnit {
	case config.SeekFraction:
		err = a.ctrl.Seek(value)
	case config.SeekFrame:
		err = a.ctrl.SeekFrame(int(value))
	default:
		err = a.ctrl.Seek(value / 100)
	}
	if err != nil {
		return err
	}

	a.logger.Debugf("Seek to %v (%s)", value, a.settings.SeekUnit)
	return nil
}

// Running reports whether a session is active.
func (a *App) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current != nil
}

// Controller returns the stream controller.
func (a *App) Controller() *stream.Controller {
	return a.ctrl
}

// Metrics returns the metrics sink.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Settings returns the active configuration.
func (a *App) Settings() *config.Config {
	return a.settings
}

// Sessions lists persisted sessions, newest first.
func (a *App) Sessions(limit int) ([]*store.Session, error) {
	if a.config.Store == nil {
		return nil, ErrNoStore
	}
	return a.config.Store.Sessions().List(limit)
}

// Session returns a persisted session and its intervals.
func (a *App) Session(id string) (*store.Session, presence.Report, error) {
	if a.config.Store == nil {
		if last, ok := a.LastResult(); ok && last.Session.ID == id {
			return last.Session, last.Report, nil
		}
		return nil, nil, ErrNoStore
	}

	sess, err := a.config.Store.Sessions().GetByID(id)
	if err != nil {
		return nil, nil, err
	}
	report, err := a.config.Store.Intervals().Report(id)
	if err != nil {
		return nil, nil, err
	}
	return sess, report, nil
}

// LastSource returns the source text of the most recently started session.
func (a *App) LastSource() string {
	if a.config.Store == nil {
		return ""
	}
	v, err := a.config.Store.Settings().Get(store.SettingLastSource)
	if err != nil {
		return ""
	}
	return v
}

// Close stops any running session and releases the controller and engine.
func (a *App) Close() error {
	if _, err := a.StopSession(); err != nil && !errors.Is(err, ErrNoSession) {
		a.logger.Warnf("Session finished with errors: %v", err)
	}

	a.mu.Lock()
	a.latest.Close()
	a.latest = gocv.NewMat()
	for ch := range a.subscribers {
		close(ch)
		delete(a.subscribers, ch)
	}
	a.mu.Unlock()

	return a.ctrl.Close()
}

// dispatch hands req to the hook dispatcher, if any.
func (a *App) dispatch(req *hook.Request) {
	if a.config.Hooks != nil {
		a.config.Hooks.Dispatch(req)
	}
}

// sourceText renders desc in the form ParseDescriptor accepts.
func sourceText(desc capture.Descriptor) string {
	switch desc.Kind {
	case capture.KindDevice:
		return fmt.Sprintf("%d", desc.Device)
	case capture.KindFile:
		return desc.Path
	default:
		return desc.URL
	}
}
