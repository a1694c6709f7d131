// Package main provides a hook that forwards closed presence intervals and
// session summaries to an HTTP endpoint as JSON.
//
// Build it next to its manifest:
//
//	go build -o hooks/webhook-notify/webhook-notify ./hooks/webhook-notify
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Request is the input written by the hook executor.
type Request struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Source    string          `json:"source"`
	Interval  json.RawMessage `json:"interval,omitempty"`
	Duration  float64         `json:"duration,omitempty"`
	Report    json.RawMessage `json:"report,omitempty"`
	Config    json.RawMessage `json:"config"`
}

// Response is the output read by the hook executor.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Config is the manifest config block.
type Config struct {
	URL string `json:"url"`
	// MinDuration skips intervals shorter than this many seconds.
	MinDuration float64 `json:"min_duration"`
}

// payload is the body posted to the endpoint.
type payload struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Source    string          `json:"source"`
	Interval  json.RawMessage `json:"interval,omitempty"`
	Duration  float64         `json:"duration,omitempty"`
	Report    json.RawMessage `json:"report,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

func main() {
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeErrorResponse(fmt.Sprintf("failed to decode request: %v", err))
		return
	}

	var cfg Config
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeErrorResponse(fmt.Sprintf("failed to parse config: %v", err))
			return
		}
	}
	if cfg.URL == "" {
		writeErrorResponse("config.url is required")
		return
	}

	if req.Event == "interval" && req.Duration < cfg.MinDuration {
		writeSuccessResponse(fmt.Sprintf(`{"skipped":true,"duration":%g}`, req.Duration))
		return
	}

	status, err := post(cfg.URL, payload{
		Event:     req.Event,
		SessionID: req.SessionID,
		Source:    req.Source,
		Interval:  req.Interval,
		Duration:  req.Duration,
		Report:    req.Report,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		writeErrorResponse(err.Error())
		return
	}

	writeSuccessResponse(fmt.Sprintf(`{"status":%d}`, status))
}

// post sends p to url and returns the response status code.
func post(url string, p payload) (int, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("post %s: unexpected status %s", url, resp.Status)
	}
	return resp.StatusCode, nil
}

func writeSuccessResponse(data string) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: true, Data: json.RawMessage(data)})
}

func writeErrorResponse(errMsg string) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: false, Error: errMsg})
}
