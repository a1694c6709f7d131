package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ayusman/visionedge/internal/app"
	"github.com/ayusman/visionedge/internal/capture"
	"github.com/ayusman/visionedge/internal/config"
	"github.com/ayusman/visionedge/internal/detector"
	"github.com/ayusman/visionedge/internal/metrics"
	"github.com/ayusman/visionedge/internal/presence"
	"github.com/ayusman/visionedge/internal/server"
	"github.com/ayusman/visionedge/internal/store"
	"github.com/ayusman/visionedge/internal/testutil"
)

// writeClip encodes an 8-frame, 4 FPS clip and returns its path.
func writeClip(t *testing.T) string {
	t.Helper()

	frames := testutil.Sequence(8, 160, 120)
	defer testutil.CloseAll(frames)

	path := filepath.Join(t.TempDir(), "yard.avi")
	if err := testutil.WriteClip(path, frames, 4); err != nil {
		t.Fatalf("WriteClip() error = %v", err)
	}
	return path
}

func repeat(dets []detector.Detection, n int) [][]detector.Detection {
	script := make([][]detector.Detection, n)
	for i := range script {
		script[i] = dets
	}
	return script
}

func newApp(t *testing.T, s *store.Store, engine detector.Engine) *app.App {
	t.Helper()

	settings := config.DefaultConfig()
	settings.PollInterval = config.Duration(time.Millisecond)
	settings.TargetWidth, settings.TargetHeight = 160, 120
	settings.MinDuration = 0.5
	settings.SnapshotDir = t.TempDir()

	a, err := app.New(app.Config{
		Settings:  settings,
		Engine:    engine,
		Store:     s,
		Metrics:   metrics.New(),
		MediaTime: true,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestE2E_ClipSessionWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	clip := writeClip(t)

	s, err := store.New(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	// person for the first second, a car for the second one
	det := detector.NewMockDetector()
	script := append(
		repeat([]detector.Detection{detector.Sighting("person")}, 4),
		repeat([]detector.Detection{detector.Sighting("car")}, 4)...,
	)
	det.SetScript(script)

	application := newApp(t, s, det)
	ts := httptest.NewServer(server.New(server.Config{Controller: application, Metrics: application.Metrics()}))
	defer ts.Close()
	client := ts.Client()

	var sessionID string

	t.Run("StartSession", func(t *testing.T) {
		resp, err := client.Post(ts.URL+"/api/session/start", "application/json",
			strings.NewReader(`{"source": "`+clip+`"}`))
		if err != nil {
			t.Fatalf("start error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
		}
		var body struct {
			Session store.Session `json:"session"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		sessionID = body.Session.ID
	})

	t.Run("RunsToEndOfClip", func(t *testing.T) {
		done := application.Done()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("session did not reach end of clip")
		}
	})

	t.Run("ReportsIntervals", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/sessions/" + sessionID)
		if err != nil {
			t.Fatalf("get session error = %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			Session   store.Session   `json:"session"`
			Intervals presence.Report `json:"intervals"`
		}
		json.NewDecoder(resp.Body).Decode(&body)

		if body.Session.Status != store.SessionCompleted || body.Session.Frames != 8 {
			t.Errorf("session = %+v", body.Session)
		}

		want := presence.Report{
			"person": {{Class: "person", Start: 0, End: 0.75}},
			"car":    {{Class: "car", Start: 1, End: 1.75}},
		}
		if diff := cmp.Diff(want, body.Intervals, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("intervals mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("SnapshotOfLastFrame", func(t *testing.T) {
		path, err := application.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if filepath.Ext(path) != ".jpg" {
			t.Errorf("snapshot path = %q", path)
		}
	})

	t.Run("APIStillWorks", func(t *testing.T) {
		resp, _ := client.Get(ts.URL + "/api/health")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("health check failed after session")
		}
		resp.Body.Close()
	})
}

func TestE2E_SeekFileSource(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	clip := writeClip(t)

	det := detector.NewMockDetector()
	ctrl := newApp(t, nil, det).Controller()
	defer ctrl.Stop()

	if err := ctrl.Start(mustParse(t, clip)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pos, ok := ctrl.CurrentPosition()
	if !ok {
		t.Fatal("CurrentPosition() ok = false for a file")
	}
	if pos.TotalFrames != 8 || pos.Total != 2*time.Second {
		t.Errorf("position = %+v, want 8 frames / 2s", pos)
	}

	if err := ctrl.Seek(0.5); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	pos, _ = ctrl.CurrentPosition()
	if pos.Frame != 4 {
		t.Errorf("frame after Seek(0.5) = %d, want 4", pos.Frame)
	}
	if pos.String() != "00:01 / 00:02" {
		t.Errorf("position text = %q", pos.String())
	}
}

func mustParse(t *testing.T, source string) capture.Descriptor {
	t.Helper()
	d, err := capture.ParseDescriptor(source)
	if err != nil {
		t.Fatalf("ParseDescriptor(%q) error = %v", source, err)
	}
	return d
}
