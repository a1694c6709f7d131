// Package stream drives a frame source through the detection engine and
// tracks playback state and throughput.
package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/visionedge/internal/capture"
	"github.com/ayusman/visionedge/internal/detector"
	"github.com/ayusman/visionedge/internal/presence"
)

var (
	// ErrNotRunning is returned when an operation needs a running stream.
	ErrNotRunning = errors.New("stream is not running")

	// ErrNotSeekable is returned when seeking a live source or a file without
	// usable frame count and frame rate metadata.
	ErrNotSeekable = errors.New("source is not seekable")

	// ErrReadTimeout is returned when a frame read exceeds the read timeout.
	ErrReadTimeout = fmt.Errorf("%w: read timed out", capture.ErrNoFrame)

	// ErrDetectionFailed wraps failures and malformed output of the detection engine.
	ErrDetectionFailed = errors.New("detection failed")
)

// Options configures a Controller.
type Options struct {
	// Width and Height are the pipeline resolution frames are resized to.
	// Zero keeps the native size.
	Width  int
	Height int

	// ReadTimeout bounds a single frame read. Zero disables the bound.
	ReadTimeout time.Duration

	// OpenRetries is the number of extra open attempts for network sources.
	OpenRetries    int
	OpenRetryDelay time.Duration

	// MediaTime stamps events with the source's own frame clock
	// (frame index / native fps) instead of elapsed time since Start.
	// Only honoured for sources that report a frame rate.
	MediaTime bool

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Result is the outcome of one processed frame.
type Result struct {
	Sequence   uint64
	Timestamp  float64
	Detections []detector.Detection
	Event      presence.Event
	// Frame is the rendered frame. The caller owns it and must close it.
	Frame gocv.Mat
}

// Close releases the rendered frame.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	return r.Frame.Close()
}

// Controller owns a single frame source and runs frames through an engine.
// All methods are safe for concurrent use.
//
// The source is only touched by one reader goroutine at a time. A read that
// outlives ReadTimeout stays pending and is collected by the next
// ProcessNext, so a stalled device never accumulates readers and Stop never
// waits for it.
type Controller struct {
	open   capture.Opener
	engine detector.Engine
	opts   Options
	clock  clock.Clock
	logger *zap.SugaredLogger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	source    capture.Source
	desc      capture.Descriptor
	props     capture.Properties
	pending   *pendingRead
	seekTo    int
	gen       uint64
	seq       uint64
	frames    int64
	startedAt time.Time
}

// pendingRead is a frame read running on its own goroutine. done is closed
// once the fields are set.
type pendingRead struct {
	done  chan struct{}
	frame *gocv.Mat
	props capture.Properties
	err   error
}

// NewController creates a stopped controller.
func NewController(open capture.Opener, engine detector.Engine, opts Options) *Controller {
	if open == nil {
		open = capture.OpenVideoSource
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Controller{
		open:   open,
		engine: engine,
		opts:   opts,
		clock:  clk,
		logger: logger,
		state:  StateStopped,
		seekTo: -1,
	}
}

// Start opens desc, releasing any previously held source first. Counters
// and the elapsed origin are reset on success.
func (c *Controller) Start(desc capture.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	prev := c.detachLocked()
	c.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			c.logger.Warnf("Error closing previous source: %v", err)
		}
	}

	src, err := c.openWithRetry(desc)
	if err != nil {
		return err
	}
	srcDesc, props := src.Descriptor(), src.Properties()

	c.mu.Lock()
	c.source = src
	c.desc = srcDesc
	c.props = props
	c.seekTo = -1
	c.state = StateRunning
	c.gen++
	c.seq = 0
	c.frames = 0
	c.startedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Infof("Stream started: %s", desc)
	return nil
}

func (c *Controller) openWithRetry(desc capture.Descriptor) (capture.Source, error) {
	attempts := 1
	if desc.Kind == capture.KindNetwork && c.opts.OpenRetries > 0 {
		attempts += c.opts.OpenRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.logger.Infof("Retrying %s (%d/%d): %v", desc, i, c.opts.OpenRetries, lastErr)
			if c.opts.OpenRetryDelay > 0 {
				c.clock.Sleep(c.opts.OpenRetryDelay)
			}
		}

		src, err := c.open(desc)
		if err == nil {
			return src, nil
		}
		lastErr = err
	}

	if errors.Is(lastErr, capture.ErrSourceUnavailable) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, lastErr)
}

// ProcessNext reads one frame, normalizes it and runs detection on it.
//
// A missing frame is reported as capture.ErrNoFrame (or ErrEndOfStream /
// ErrReadTimeout, both of which match it) and leaves counters unchanged.
// If Stop is called while the frame is in flight, the frame is discarded
// and ErrNotRunning is returned.
func (c *Controller) ProcessNext(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil, ErrNotRunning
	}
	p, gen := c.readLocked(), c.gen
	c.mu.Unlock()

	if err := c.await(ctx, p); err != nil {
		if c.stale(gen) {
			return nil, ErrNotRunning
		}
		return nil, err
	}

	c.mu.Lock()
	if c.pending != p {
		stale := c.gen != gen || c.state != StateRunning
		c.mu.Unlock()
		if stale {
			return nil, ErrNotRunning
		}
		return nil, capture.ErrNoFrame
	}
	c.pending = nil
	frame, props, err := p.frame, p.props, p.err
	if c.seekTo < 0 {
		c.props = props
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	defer frame.Close()

	normalized, resized := c.normalize(frame)
	if resized {
		defer normalized.Close()
	}

	res, err := c.engine.Detect(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}
	if res == nil {
		return nil, fmt.Errorf("%w: engine returned no result", ErrDetectionFailed)
	}
	for _, d := range res.Detections {
		if err := d.Validate(); err != nil {
			res.Close()
			return nil, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateRunning {
		c.mu.Unlock()
		res.Close()
		return nil, ErrNotRunning
	}
	c.frames++
	c.seq++
	seq := c.seq
	ts := c.clock.Since(c.startedAt).Seconds()
	c.mu.Unlock()

	if c.opts.MediaTime && props.FPS > 0 {
		ts = float64(max(props.Frame-1, 0)) / props.FPS
	}

	return &Result{
		Sequence:   seq,
		Timestamp:  ts,
		Detections: res.Detections,
		Event:      presence.NewEvent(ts, detector.ClassSet(res.Detections)...),
		Frame:      res.Annotated,
	}, nil
}

// readLocked returns the pending read, starting one if none is in flight.
func (c *Controller) readLocked() *pendingRead {
	if c.pending != nil {
		return c.pending
	}

	p := &pendingRead{done: make(chan struct{})}
	c.pending = p
	seekTo := c.seekTo
	c.seekTo = -1
	go c.runRead(p, c.source, seekTo)
	return p
}

// runRead performs one read on src. When the controller let go of the read
// in the meantime, the frame is dropped and src is closed here.
func (c *Controller) runRead(p *pendingRead, src capture.Source, seekTo int) {
	if seekTo >= 0 {
		if err := src.SeekFrame(seekTo); err != nil {
			c.logger.Warnf("Deferred seek to frame %d failed: %v", seekTo, err)
		}
	}
	frame, err := src.ReadFrame()
	props := src.Properties()

	c.mu.Lock()
	abandoned := c.pending != p
	if !abandoned {
		p.frame, p.props, p.err = frame, props, err
	}
	close(p.done)
	c.mu.Unlock()

	if !abandoned {
		return
	}
	if frame != nil {
		frame.Close()
	}
	if err := src.Close(); err != nil {
		c.logger.Warnf("Error closing %s after stop: %v", src.Descriptor(), err)
	}
}

// await waits for p, bounded by ReadTimeout when set.
func (c *Controller) await(ctx context.Context, p *pendingRead) error {
	var expired <-chan time.Time
	if c.opts.ReadTimeout > 0 {
		timer := c.clock.Timer(c.opts.ReadTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.done:
		return nil
	case <-expired:
		return ErrReadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalize resizes frame to the pipeline resolution. The returned bool
// reports whether a new Mat was allocated.
func (c *Controller) normalize(frame *gocv.Mat) (*gocv.Mat, bool) {
	w, h := c.opts.Width, c.opts.Height
	if w <= 0 || h <= 0 || (frame.Cols() == w && frame.Rows() == h) {
		return frame, false
	}

	dst := gocv.NewMat()
	gocv.Resize(*frame, &dst, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
	return &dst, true
}

func (c *Controller) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen || c.state != StateRunning
}

// Seek repositions a file source to fraction of its length. fraction is
// clamped to [0,1]. Throughput counters are not affected.
func (c *Controller) Seek(fraction float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	props, err := c.seekableLocked()
	if err != nil {
		return err
	}

	if math.IsNaN(fraction) {
		fraction = 0
	}
	fraction = math.Max(0, math.Min(1, fraction))

	return c.seekLocked(int(math.Round(fraction * float64(props.FrameCount))))
}

// SeekFrame repositions a file source to an absolute frame index, clamped
// to [0, total frames].
func (c *Controller) SeekFrame(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	props, err := c.seekableLocked()
	if err != nil {
		return err
	}

	return c.seekLocked(max(0, min(index, props.FrameCount)))
}

// seekLocked repositions the source now, or hands the target to the next
// read when one is in flight.
func (c *Controller) seekLocked(index int) error {
	if c.pending != nil {
		c.seekTo = index
		c.props.Frame = index
		return nil
	}

	if err := c.source.SeekFrame(index); err != nil {
		return err
	}
	c.props = c.source.Properties()
	return nil
}

func (c *Controller) seekableLocked() (capture.Properties, error) {
	if c.state != StateRunning {
		return capture.Properties{}, ErrNotRunning
	}
	if c.desc.Kind != capture.KindFile || !c.props.Seekable() {
		return capture.Properties{}, ErrNotSeekable
	}
	return c.props, nil
}

// CurrentPosition returns the playback position of a seekable source.
func (c *Controller) CurrentPosition() (Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.positionLocked()
}

func (c *Controller) positionLocked() (Position, bool) {
	props, err := c.seekableLocked()
	if err != nil {
		return Position{}, false
	}
	return Position{
		Frame:       props.Frame,
		TotalFrames: props.FrameCount,
		Current:     secondsToDuration(float64(props.Frame) / props.FPS),
		Total:       secondsToDuration(float64(props.FrameCount) / props.FPS),
	}, true
}

// Stop releases the source. Stopping a stopped controller is a no-op.
// A read still in flight keeps the source until it returns and closes it
// then, so Stop does not wait for a stalled device.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	desc := c.desc
	src := c.detachLocked()
	c.mu.Unlock()

	var err error
	if src != nil {
		err = src.Close()
	}
	c.logger.Infof("Stream stopped: %s", desc)
	return err
}

// detachLocked marks the controller stopped and returns the source the
// caller must close, or nil when there is none or a pending read owns it.
func (c *Controller) detachLocked() capture.Source {
	src := c.source
	c.source = nil
	c.props = capture.Properties{}
	c.seekTo = -1
	c.state = StateStopped
	c.gen++

	if c.pending != nil {
		c.pending = nil
		return nil
	}
	return src
}

// Close stops the stream and releases the engine.
func (c *Controller) Close() error {
	return multierr.Combine(c.Stop(), c.engine.Close())
}

// Status returns a snapshot of the controller state. It never touches the
// source, so it stays responsive while a read is stalled.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return Status{State: StateStopped}
	}

	elapsed := c.clock.Since(c.startedAt)
	st := Status{
		State:           c.state,
		Source:          c.desc.String(),
		FramesProcessed: c.frames,
		Elapsed:         elapsed,
		MeasuredFPS:     measuredFPS(c.frames, elapsed),
	}
	if pos, ok := c.positionLocked(); ok {
		st.Seekable = true
		st.Position = &pos
	}
	return st
}

// MeasuredFPS returns frames processed per second since Start.
func (c *Controller) MeasuredFPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return 0
	}
	return measuredFPS(c.frames, c.clock.Since(c.startedAt))
}

// Running reports whether a source is held.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

// Descriptor returns the descriptor of the current source.
func (c *Controller) Descriptor() (capture.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return capture.Descriptor{}, false
	}
	return c.desc, true
}

func measuredFPS(frames int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(frames) / elapsed.Seconds()
}
