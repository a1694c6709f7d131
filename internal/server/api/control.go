package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ayusman/visionedge/internal/presence"
	"github.com/ayusman/visionedge/internal/store"
)

// ControlHandler handles session lifecycle requests under /api/session/.
type ControlHandler struct {
	ctrl   Controller
	logger *zap.SugaredLogger
}

// NewControlHandler creates a ControlHandler driving ctrl.
func NewControlHandler(ctrl Controller, logger *zap.SugaredLogger) *ControlHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ControlHandler{ctrl: ctrl, logger: logger}
}

// ServeHTTP routes /api/session/{start,stop,seek,snapshot}. All actions are POST.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/session"), "/")
	switch action {
	case "start":
		h.start(w, r)
	case "stop":
		h.stop(w, r)
	case "seek":
		h.seek(w, r)
	case "snapshot":
		h.snapshot(w, r)
	default:
		writeError(w, http.StatusNotFound, "Unknown session action")
	}
}

type startRequest struct {
	Source string `json:"source"`
}

type seekRequest struct {
	Value *float64 `json:"value"`
}

type sessionResponse struct {
	Session   *store.Session  `json:"session"`
	Intervals presence.Report `json:"intervals,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type snapshotResponse struct {
	Path string `json:"path"`
}

// start handles POST /api/session/start.
func (h *ControlHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeError(w, http.StatusBadRequest, "Source is required")
		return
	}

	sess, err := h.ctrl.StartSession(req.Source)
	if err != nil {
		h.logger.Warnf("Failed to start session on %q: %v", req.Source, err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

// stop handles POST /api/session/stop and returns the finalized intervals.
func (h *ControlHandler) stop(w http.ResponseWriter, r *http.Request) {
	result, err := h.ctrl.StopSession()
	if result == nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := sessionResponse{
		Session:   result.Session,
		Intervals: result.Report,
	}
	if err != nil {
		// The session did end; only its bookkeeping failed.
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// seek handles POST /api/session/seek.
func (h *ControlHandler) seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "Value is required")
		return
	}

	if err := h.ctrl.Seek(*req.Value); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// snapshot handles POST /api/session/snapshot.
func (h *ControlHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	path, err := h.ctrl.Snapshot()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, snapshotResponse{Path: path})
}
