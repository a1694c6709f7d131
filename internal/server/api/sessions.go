package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/visionedge/internal/report"
	"github.com/ayusman/visionedge/internal/store"
)

// defaultListLimit caps GET /api/sessions without an explicit limit.
const defaultListLimit = 50

// SessionsHandler serves the recorded session history.
type SessionsHandler struct {
	ctrl Controller
}

// NewSessionsHandler creates a SessionsHandler reading history from ctrl.
func NewSessionsHandler(ctrl Controller) *SessionsHandler {
	return &SessionsHandler{ctrl: ctrl}
}

// ServeHTTP routes /api/sessions, /api/sessions/{id} and
// /api/sessions/{id}/report.
func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions")
	path = strings.Trim(path, "/")

	if path == "" {
		h.list(w, r)
		return
	}

	id, rest, _ := strings.Cut(path, "/")
	switch rest {
	case "":
		h.get(w, r, id)
	case "report":
		h.report(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

type listSessionsResponse struct {
	Sessions []*store.Session `json:"sessions"`
}

// list handles GET /api/sessions?limit=N, newest first.
func (h *SessionsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.ctrl.Sessions(limit)
	if err != nil {
		writeError(w, statusFor(err), "Failed to list sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}

	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

// get handles GET /api/sessions/{id}.
func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	sess, rep, err := h.ctrl.Session(id)
	if err != nil {
		writeError(w, statusFor(err), "Session not available: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Intervals: rep})
}

// report handles GET /api/sessions/{id}/report?format=text|csv|json.
func (h *SessionsHandler) report(w http.ResponseWriter, r *http.Request, id string) {
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, rep, err := h.ctrl.Session(id)
	if err != nil {
		writeError(w, statusFor(err), "Session not available: "+err.Error())
		return
	}

	var buf bytes.Buffer
	if err := report.Render(&buf, format, report.SessionMeta(sess), rep); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render report")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
