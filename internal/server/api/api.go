// Package api provides HTTP API handlers for the VisionEdge presence service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayusman/visionedge/internal/app"
	"github.com/ayusman/visionedge/internal/capture"
	"github.com/ayusman/visionedge/internal/presence"
	"github.com/ayusman/visionedge/internal/store"
	"github.com/ayusman/visionedge/internal/stream"
)

// Controller is the session surface driven by the API. *app.App implements it.
type Controller interface {
	StartSession(source string) (*store.Session, error)
	StopSession() (*app.SessionResult, error)
	Seek(value float64) error
	Snapshot() (string, error)
	Status() app.LiveStatus
	Sessions(limit int) ([]*store.Session, error)
	Session(id string) (*store.Session, presence.Report, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, capture.ErrSourceUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrNoSession),
		errors.Is(err, app.ErrSeekUnavailable),
		errors.Is(err, app.ErrNoFrame),
		errors.Is(err, stream.ErrNotSeekable),
		errors.Is(err, stream.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
