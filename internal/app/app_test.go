package app

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gocv.io/x/gocv"

	"github.com/ayusman/visionedge/internal/capture"
	"github.com/ayusman/visionedge/internal/config"
	"github.com/ayusman/visionedge/internal/detector"
	"github.com/ayusman/visionedge/internal/hook"
	"github.com/ayusman/visionedge/internal/presence"
	"github.com/ayusman/visionedge/internal/store"
	"github.com/ayusman/visionedge/internal/stream"
	"github.com/ayusman/visionedge/internal/testutil"
)

func newFrames(t *testing.T, n int) []*gocv.Mat {
	t.Helper()
	frames := testutil.Sequence(n, 64, 48)
	t.Cleanup(func() { testutil.CloseAll(frames) })
	return frames
}

func testSettings(t *testing.T) *config.Config {
	t.Helper()
	s := config.DefaultConfig()
	s.PollInterval = config.Duration(time.Millisecond)
	s.TargetWidth = 64
	s.TargetHeight = 48
	s.SnapshotDir = t.TempDir()
	s.DBPath = filepath.Join(t.TempDir(), "test.db")
	return s
}

type harness struct {
	app   *App
	src   *capture.MockSource
	det   *detector.MockDetector
	store *store.Store
}

func newHarness(t *testing.T, src *capture.MockSource, mediaTime bool, withStore bool) *harness {
	t.Helper()

	settings := testSettings(t)
	h := &harness{src: src, det: detector.NewMockDetector()}

	if withStore {
		st, err := store.New(settings.DBPath)
		if err != nil {
			t.Fatalf("store.New() error = %v", err)
		}
		t.Cleanup(func() { st.Close() })
		h.store = st
	}

	a, err := New(Config{
		Settings:  settings,
		Engine:    h.det,
		Opener:    src.Opener(),
		Store:     h.store,
		MediaTime: mediaTime,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	h.app = a
	return h
}

func waitDone(t *testing.T, a *App) {
	t.Helper()
	done := a.Done()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sightings(classes ...string) []detector.Detection {
	dets := make([]detector.Detection, len(classes))
	for i, c := range classes {
		dets[i] = detector.Sighting(c)
	}
	return dets
}

func TestNew_RequiresEngine(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without engine should fail")
	}
}

func TestApp_SessionRunsToEndOfStream(t *testing.T) {
	src := capture.NewMockSource(capture.File("yard.mp4"), newFrames(t, 4), 1, false)
	h := newHarness(t, src, true, true)
	h.det.SetScript([][]detector.Detection{
		sightings("A"),
		sightings("A"),
		sightings("A"),
		nil,
	})

	rec, err := h.app.StartSession("yard.mp4")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if rec.Source != "file:yard.mp4" || rec.MinDuration != 2 {
		t.Errorf("session record = %+v", rec)
	}

	waitDone(t, h.app)

	result, ok := h.app.LastResult()
	if !ok {
		t.Fatal("LastResult() ok = false")
	}
	if result.Err != nil {
		t.Errorf("result.Err = %v", result.Err)
	}
	want := presence.Report{"A": {{Class: "A", Start: 0, End: 2}}}
	if diff := cmp.Diff(want, result.Report); diff != "" {
		t.Errorf("Report mismatch (-want +got):\n%s", diff)
	}
	if result.Session.Status != store.SessionCompleted || result.Session.Frames != 4 {
		t.Errorf("session = %+v", result.Session)
	}
	if h.app.Running() {
		t.Error("Running() = true after end of stream")
	}

	sess, report, err := h.app.Session(rec.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if sess.Status != store.SessionCompleted || sess.EndedAt == nil {
		t.Errorf("persisted session = %+v", sess)
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("persisted report mismatch (-want +got):\n%s", diff)
	}

	if got := h.app.LastSource(); got != "yard.mp4" {
		t.Errorf("LastSource() = %q, want yard.mp4", got)
	}
	if got := h.app.Metrics().FramesProcessed.Load(); got != 4 {
		t.Errorf("FramesProcessed metric = %d, want 4", got)
	}
}

func TestApp_ShortRunsAreDropped(t *testing.T) {
	src := capture.NewMockSource(capture.File("clip.mp4"), newFrames(t, 5), 1, false)
	h := newHarness(t, src, true, false)
	h.app.Settings().MinDuration = 1.5
	h.det.SetScript([][]detector.Detection{
		sightings("A"),
		sightings("A"),
		nil,
		sightings("A"),
		sightings("A"),
	})

	if _, err := h.app.StartSession("clip.mp4"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitDone(t, h.app)

	result, _ := h.app.LastResult()
	if diff := cmp.Diff(presence.Report{}, result.Report, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Report mismatch (-want +got):\n%s", diff)
	}
}

func TestApp_StopSession(t *testing.T) {
	src := capture.NewMockSource(capture.Device(0), newFrames(t, 2), 0, true)
	h := newHarness(t, src, false, true)
	h.det.SetDetections(sightings("person"))

	rec, err := h.app.StartSession("0")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if !h.app.Running() {
		t.Fatal("Running() = false after StartSession()")
	}

	waitFor(t, func() bool { return h.app.Status().Sequence >= 3 })

	st := h.app.Status()
	if st.SessionID != rec.ID || st.Stream.State != stream.StateRunning {
		t.Errorf("Status() = %+v", st)
	}
	if diff := cmp.Diff([]string{"person"}, st.Classes); diff != "" {
		t.Errorf("Status().Classes mismatch (-want +got):\n%s", diff)
	}
	if st.OpenClasses != 1 {
		t.Errorf("OpenClasses = %d, want 1", st.OpenClasses)
	}

	result, err := h.app.StopSession()
	if err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if result.Session.Status != store.SessionCompleted || result.Session.Frames < 3 {
		t.Errorf("result session = %+v", result.Session)
	}
	if len(result.Report["person"]) > 1 {
		t.Errorf("continuous presence split into %d intervals", len(result.Report["person"]))
	}
	if src.Closes() != 1 {
		t.Errorf("source closed %d times, want 1", src.Closes())
	}
	if h.app.Status().Stream.State != stream.StateStopped {
		t.Error("Status() should report stopped")
	}

	if _, err := h.app.StopSession(); !errors.Is(err, ErrNoSession) {
		t.Errorf("second StopSession() error = %v, want ErrNoSession", err)
	}
}

func TestApp_StartReplacesRunningSession(t *testing.T) {
	src := capture.NewMockSource(capture.Device(0), newFrames(t, 1), 0, true)
	h := newHarness(t, src, false, true)

	first, err := h.app.StartSession("0")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	second, err := h.app.StartSession("1")
	if err != nil {
		t.Fatalf("second StartSession() error = %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("sessions should get distinct ids")
	}

	prev, err := h.store.Sessions().GetByID(first.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if prev.Status != store.SessionCompleted {
		t.Errorf("replaced session status = %q, want completed", prev.Status)
	}

	sessions, err := h.app.Sessions(0)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("Sessions() returned %d, want 2", len(sessions))
	}
}

func TestApp_StartFailure(t *testing.T) {
	src := capture.NewMockSource(capture.Device(0), nil, 0, false)
	src.SetOpenError(capture.ErrSourceUnavailable)
	h := newHarness(t, src, false, false)

	if _, err := h.app.StartSession("0"); !errors.Is(err, capture.ErrSourceUnavailable) {
		t.Errorf("StartSession() error = %v, want ErrSourceUnavailable", err)
	}
	if h.app.Running() {
		t.Error("Running() = true after failed start")
	}

	if _, err := h.app.StartSession("  "); !errors.Is(err, capture.ErrSourceUnavailable) {
		t.Errorf("StartSession(blank) error = %v, want ErrSourceUnavailable", err)
	}
}

func TestApp_ReadFailureFailsSession(t *testing.T) {
	src := capture.NewMockSource(capture.Device(0), newFrames(t, 1), 0, true)
	h := newHarness(t, src, false, true)

	rec, err := h.app.StartSession("0")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, func() bool { return h.app.Status().Sequence >= 1 })

	// Closing the source underneath the controller makes reads fail hard.
	src.Close()
	waitDone(t, h.app)

	sess, _, err := h.app.Session(rec.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if sess.Status != store.SessionFailed || sess.Error == "" {
		t.Errorf("session = %+v, want failed with error", sess)
	}
}

func TestApp_Seek(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		h := newHarness(t, capture.NewMockSource(capture.File("a.mp4"), nil, 25, false), false, false)
		if err := h.app.Seek(50); !errors.Is(err, ErrNoSession) {
			t.Errorf("Seek() error = %v, want ErrNoSession", err)
		}
	})

	t.Run("file source", func(t *testing.T) {
		src := capture.NewMockSource(capture.File("a.mp4"), newFrames(t, 100), 25, true)
		h := newHarness(t, src, false, false)
		h.app.StartSession("a.mp4")

		if err := h.app.Seek(50); err != nil {
			t.Errorf("Seek() error = %v", err)
		}
	})

	t.Run("live source", func(t *testing.T) {
		src := capture.NewMockSource(capture.Device(0), newFrames(t, 1), 25, true)
		h := newHarness(t, src, false, false)
		h.app.StartSession("0")

		if err := h.app.Seek(50); !errors.Is(err, stream.ErrNotSeekable) {
			t.Errorf("Seek() error = %v, want ErrNotSeekable", err)
		}
	})

	t.Run("media timestamps", func(t *testing.T) {
		src := capture.NewMockSource(capture.File("a.mp4"), newFrames(t, 100), 25, true)
		h := newHarness(t, src, true, false)
		h.app.StartSession("a.mp4")

		if err := h.app.Seek(50); !errors.Is(err, ErrSeekUnavailable) {
			t.Errorf("Seek() error = %v, want ErrSeekUnavailable", err)
		}
	})
}

func TestApp_Subscribe(t *testing.T) {
	src := capture.NewMockSource(capture.Device(0), newFrames(t, 1), 0, true)
	h := newHarness(t, src, false, false)
	h.det.SetDetections(sightings("cat"))

	updates, unsubscribe := h.app.Subscribe()
	defer unsubscribe()

	rec, _ := h.app.StartSession("0")

	select {
	case live := <-updates:
		if live.SessionID != rec.ID {
			t.Errorf("update SessionID = %q, want %q", live.SessionID, rec.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no live update received")
	}

	if got := h.app.Metrics().LiveClients.Load(); got != 1 {
		t.Errorf("LiveClients = %d, want 1", got)
	}
	unsubscribe()
	unsubscribe()
	if got := h.app.Metrics().LiveClients.Load(); got != 0 {
		t.Errorf("LiveClients after unsubscribe = %d, want 0", got)
	}
}

func TestApp_SnapshotAndJPEG(t *testing.T) {
	src := capture.NewMockSource(capture.File("a.mp4"), newFrames(t, 2), 10, false)
	h := newHarness(t, src, true, false)

	if _, err := h.app.Snapshot(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Snapshot() before frames error = %v, want ErrNoFrame", err)
	}
	if _, _, err := h.app.LatestJPEG(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("LatestJPEG() before frames error = %v, want ErrNoFrame", err)
	}

	h.app.StartSession("a.mp4")
	waitDone(t, h.app)

	path, err := h.app.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "snapshot_") || filepath.Ext(path) != ".jpg" {
		t.Errorf("snapshot path = %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}

	again, err := h.app.Snapshot()
	if err != nil {
		t.Fatalf("second Snapshot() error = %v", err)
	}
	if again == path {
		t.Errorf("second snapshot overwrote %q", path)
	}

	data, seq, err := h.app.LatestJPEG()
	if err != nil {
		t.Fatalf("LatestJPEG() error = %v", err)
	}
	if seq != 2 {
		t.Errorf("LatestJPEG() seq = %d, want 2", seq)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("LatestJPEG() did not return a JPEG")
	}
}

func TestSnapshotPath(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)

	first := snapshotPath(dir, now)
	if want := filepath.Join(dir, "snapshot_20260314_150926.535.jpg"); first != want {
		t.Fatalf("snapshotPath() = %q, want %q", first, want)
	}
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	second := snapshotPath(dir, now)
	if want := filepath.Join(dir, "snapshot_20260314_150926.535_1.jpg"); second != want {
		t.Errorf("snapshotPath() after collision = %q, want %q", second, want)
	}
}

func TestApp_FrameSequenceSpansSessions(t *testing.T) {
	src := capture.NewMockSource(capture.File("a.mp4"), newFrames(t, 2), 10, false)
	h := newHarness(t, src, true, false)

	h.app.StartSession("a.mp4")
	waitDone(t, h.app)
	_, first, err := h.app.LatestJPEG()
	if err != nil {
		t.Fatalf("LatestJPEG() error = %v", err)
	}

	h.app.StartSession("a.mp4")
	waitDone(t, h.app)
	_, second, err := h.app.LatestJPEG()
	if err != nil {
		t.Fatalf("LatestJPEG() error = %v", err)
	}

	// A viewer that saw frame 2 of the first session must not skip frame 2
	// of the next one.
	if first != 2 || second != 4 {
		t.Errorf("frame sequence = %d then %d, want 2 then 4", first, second)
	}
}

func TestApp_DetectionErrorsAreCounted(t *testing.T) {
	src := capture.NewMockSource(capture.File("a.mp4"), newFrames(t, 3), 10, false)
	h := newHarness(t, src, true, false)
	h.det.SetError(errors.New("model crashed"))

	h.app.StartSession("a.mp4")
	waitDone(t, h.app)

	if got := h.app.Metrics().DetectionErrors.Load(); got != 3 {
		t.Errorf("DetectionErrors = %d, want 3", got)
	}
	result, _ := h.app.LastResult()
	if result.Session.Status != store.SessionCompleted {
		t.Errorf("status = %q, want completed", result.Session.Status)
	}
}

func TestApp_SessionWithoutStore(t *testing.T) {
	src := capture.NewMockSource(capture.File("a.mp4"), newFrames(t, 1), 10, false)
	h := newHarness(t, src, true, false)

	if _, err := h.app.Sessions(0); !errors.Is(err, ErrNoStore) {
		t.Errorf("Sessions() error = %v, want ErrNoStore", err)
	}

	rec, _ := h.app.StartSession("a.mp4")
	waitDone(t, h.app)

	if _, _, err := h.app.Session(rec.ID); err != nil {
		t.Errorf("Session() for last result error = %v", err)
	}
	if _, _, err := h.app.Session("other"); !errors.Is(err, ErrNoStore) {
		t.Errorf("Session(other) error = %v, want ErrNoStore", err)
	}
}

func TestApp_HooksReceiveIntervalsAndSessionEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("hook scripts need a POSIX shell")
	}

	logPath := filepath.Join(t.TempDir(), "events.log")
	hookDir := filepath.Join(t.TempDir(), "recorder")
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name":"recorder","executable":"run.sh","events":["interval","session_end"]}`
	script := "#!/bin/sh\ncat >> \"" + logPath + "\"\necho >> \"" + logPath + "\"\necho '{\"success\":true}'\n"
	os.WriteFile(filepath.Join(hookDir, hook.ManifestFile), []byte(manifest), 0o644)
	os.WriteFile(filepath.Join(hookDir, "run.sh"), []byte(script), 0o755)

	manager := hook.NewManager(filepath.Dir(hookDir))
	if err := manager.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	hooks := hook.NewDispatcher(manager, hook.NewExecutor(5*time.Second), nil, 0)

	det := detector.NewMockDetector()
	det.SetScript([][]detector.Detection{sightings("A"), sightings("A"), sightings("A"), nil})
	src := capture.NewMockSource(capture.File("yard.mp4"), newFrames(t, 4), 1, false)

	a, err := New(Config{
		Settings:  testSettings(t),
		Engine:    det,
		Opener:    src.Opener(),
		Hooks:     hooks,
		MediaTime: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if _, err := a.StartSession("yard.mp4"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitDone(t, a)
	hooks.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read hook log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("hook ran %d times, want 2:\n%s", len(lines), data)
	}

	var got []hook.Request
	for _, line := range lines {
		var req hook.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		got = append(got, req)
	}

	iv := presence.Interval{Class: "A", Start: 0, End: 2}
	want := []hook.Request{
		{Event: hook.EventInterval, SessionID: got[0].SessionID, Source: "file:yard.mp4", Interval: &iv, Duration: 2},
		{Event: hook.EventSessionEnd, SessionID: got[0].SessionID, Source: "file:yard.mp4", Report: presence.Report{"A": {iv}}},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("hook requests mismatch (-want +got):\n%s", diff)
	}
}

// stalledSource never delivers a frame until released, holding its lock
// for the whole read like a stuck capture device.
type stalledSource struct {
	release chan struct{}
	mu      sync.Mutex
	open    bool
}

func (s *stalledSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *stalledSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *stalledSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	<-s.release
	return nil, capture.ErrNoFrame
}

func (s *stalledSource) SeekFrame(int) error { return nil }
func (s *stalledSource) Properties() capture.Properties { return capture.Properties{} }
func (s *stalledSource) Descriptor() capture.Descriptor { return capture.Device(0) }

func (s *stalledSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func TestApp_StopSessionWithStalledDevice(t *testing.T) {
	src := &stalledSource{release: make(chan struct{})}
	defer close(src.release)

	settings := testSettings(t)
	settings.ReadTimeout = config.Duration(20 * time.Millisecond)
	a, err := New(Config{
		Settings: settings,
		Engine:   detector.NewMockDetector(),
		Opener: func(capture.Descriptor) (capture.Source, error) {
			src.Open()
			return src, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if _, err := a.StartSession("0"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	// Let a few read deadlines pass.
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		_, err := a.StopSession()
		stopped <- err
	}()

	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("StopSession() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StopSession() blocked on a stalled device")
	}
	if st := a.Status(); st.Stream.State != stream.StateStopped {
		t.Errorf("Status().Stream.State = %q, want stopped", st.Stream.State)
	}
}
