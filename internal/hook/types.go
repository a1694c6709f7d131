// Package hook runs external executables when presence intervals close or
// sessions end.
package hook

import (
	"encoding/json"

	"github.com/ayusman/visionedge/internal/presence"
)

// Event names a hook can subscribe to.
const (
	EventInterval   = "interval"
	EventSessionEnd = "session_end"
)

// ManifestFile is the manifest name looked up in each hook directory.
const ManifestFile = "hook.json"

// Manifest describes a hook's metadata and subscriptions.
type Manifest struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Executable  string          `json:"executable"`
	Events      []string        `json:"events"`
	Classes     []string        `json:"classes,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// Request is written as JSON to a hook's stdin.
type Request struct {
	Event     string             `json:"event"`
	SessionID string             `json:"session_id"`
	Source    string             `json:"source"`
	Interval  *presence.Interval `json:"interval,omitempty"`
	Duration  float64            `json:"duration,omitempty"`
	Report    presence.Report    `json:"report,omitempty"`
	Config    json.RawMessage    `json:"config,omitempty"`
}

// Response is read as JSON from a hook's stdout.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hook is a discovered hook with its manifest and location.
type Hook struct {
	Manifest   Manifest
	Path       string
	Executable string
}

// Wants reports whether the hook subscribes to req. Interval events are
// further filtered by the manifest's class list when it is non-empty.
func (h *Hook) Wants(req *Request) bool {
	subscribed := false
	for _, e := range h.Manifest.Events {
		if e == req.Event {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}

	if req.Interval == nil || len(h.Manifest.Classes) == 0 {
		return true
	}
	for _, c := range h.Manifest.Classes {
		if c == req.Interval.Class {
			return true
		}
	}
	return false
}
