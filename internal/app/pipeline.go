package app

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/ayusman/visionedge/internal/capture"
	"github.com/ayusman/visionedge/internal/detector"
	"github.com/ayusman/visionedge/internal/hook"
	"github.com/ayusman/visionedge/internal/store"
	"github.com/ayusman/visionedge/internal/stream"
)

// runPipeline is the periodic loop of one session. Every tick it asks the
// controller for one frame and feeds the resulting event to the aggregator,
// so events reach the aggregator in read order.
//
// The loop ends when the session is stopped, the file source is exhausted,
// or the source fails unrecoverably. It then finalizes the session.
func (a *App) runPipeline(sess *session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sess.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := a.clock.Ticker(a.settings.PollInterval.Std())
	defer ticker.Stop()

	status, cause := store.SessionCompleted, error(nil)

loop:
	for {
		select {
		case <-sess.stopCh:
			break loop
		case <-ticker.C:
		}

		begin := a.clock.Now()
		res, err := a.ctrl.ProcessNext(ctx)
		if err != nil {
			done, failure := a.handleFrameError(err)
			if failure != nil {
				status, cause = store.SessionFailed, failure
			}
			if done {
				break loop
			}
			continue
		}

		a.metrics.ObserveFrame(a.clock.Since(begin), len(res.Detections))

		if err := sess.agg.Ingest(res.Event); err != nil {
			a.metrics.AggregationErrors.Add(1)
			a.logger.Errorf("Dropping event at %.3fs: %v", res.Event.Timestamp, err)
			sess.aggErr = multierr.Append(sess.aggErr, err)
		}

		a.publishFrame(sess, res)
	}

	a.finish(sess, status, cause)
}

// handleFrameError classifies a ProcessNext failure. done reports whether the
// session should end; failure is set when it ends abnormally.
func (a *App) handleFrameError(err error) (done bool, failure error) {
	switch {
	case errors.Is(err, capture.ErrEndOfStream):
		a.logger.Infof("End of stream reached")
		return true, nil
	case errors.Is(err, stream.ErrNotRunning):
		return true, nil
	case errors.Is(err, context.Canceled):
		return true, nil
	case errors.Is(err, capture.ErrNoFrame):
		a.metrics.FramesMissed.Add(1)
		a.logger.Debugf("No frame: %v", err)
		return false, nil
	case errors.Is(err, stream.ErrDetectionFailed):
		a.metrics.DetectionErrors.Add(1)
		a.logger.Warnf("Error detecting objects: %v", err)
		return false, nil
	default:
		a.metrics.ReadErrors.Add(1)
		a.logger.Errorf("Error reading frame: %v", err)
		return true, err
	}
}

// publishFrame keeps the rendered frame for video clients and snapshots and
// fans the live status out to subscribers. It takes ownership of res.
func (a *App) publishFrame(sess *session, res *stream.Result) {
	st := a.ctrl.Status()
	a.metrics.SetMeasuredFPS(st.MeasuredFPS)

	live := LiveStatus{
		SessionID:   sess.record.ID,
		Stream:      st,
		Timestamp:   res.Timestamp,
		Sequence:    res.Sequence,
		Classes:     res.Event.Classes,
		Detections:  detectionsOrEmpty(res.Detections),
		OpenClasses: sess.agg.Open(),
	}
	if st.Position != nil {
		live.Position = st.Position.String()
	}

	a.mu.Lock()
	a.latest.Close()
	a.latest = res.Frame
	a.latestSeq++
	a.live = live
	a.broadcastLocked(live)
	a.mu.Unlock()
}

// finish stops the stream, finalizes the aggregator and persists the session.
func (a *App) finish(sess *session, status store.SessionStatus, cause error) {
	st := a.ctrl.Status()
	stopErr := a.ctrl.Stop()

	report := sess.agg.Finalize()

	now := a.clock.Now()
	rec := sess.record
	rec.Status = status
	rec.Frames = st.FramesProcessed
	rec.MeasuredFPS = st.MeasuredFPS
	rec.EndedAt = &now

	errs := multierr.Combine(cause, sess.aggErr, stopErr)
	if errs != nil {
		rec.Error = errs.Error()
	}

	if s := a.config.Store; s != nil {
		if err := s.Sessions().Finish(rec); err != nil {
			a.logger.Errorf("Failed to finish session %s: %v", rec.ID, err)
			errs = multierr.Append(errs, err)
		}
		if err := s.Intervals().SaveReport(rec.ID, report); err != nil {
			a.logger.Errorf("Failed to save intervals of session %s: %v", rec.ID, err)
			errs = multierr.Append(errs, err)
		}
	}

	result := &SessionResult{Session: rec, Report: report, Err: errs}
	sess.result = result

	a.mu.Lock()
	a.current = nil
	a.last = result
	a.live = LiveStatus{SessionID: rec.ID, Stream: stream.Status{State: stream.StateStopped}}
	a.broadcastLocked(a.live)
	a.mu.Unlock()

	a.metrics.SetRunning(false)
	a.dispatch(&hook.Request{
		Event:     hook.EventSessionEnd,
		SessionID: rec.ID,
		Source:    rec.Source,
		Report:    report,
	})
	close(sess.done)

	a.logger.Infof("Session %s %s: %d frames, %d intervals", rec.ID, status, rec.Frames, report.Len())
}

// detectionsOrEmpty keeps JSON output stable for frames without detections.
func detectionsOrEmpty(d []detector.Detection) []detector.Detection {
	if d == nil {
		return []detector.Detection{}
	}
	return d
}
