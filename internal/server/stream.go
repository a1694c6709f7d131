package server

import (
	"fmt"
	"net/http"
	"time"
)

// defaultFrameInterval paces the MJPEG stream at roughly 15 FPS.
const defaultFrameInterval = 66 * time.Millisecond

// FrameSource provides the most recent rendered frame as JPEG.
type FrameSource interface {
	LatestJPEG() (data []byte, seq uint64, err error)
}

// VideoHandler serves rendered frames as an MJPEG stream.
type VideoHandler struct {
	frames   FrameSource
	interval time.Duration
}

// NewVideoHandler creates a VideoHandler polling frames every interval.
func NewVideoHandler(frames FrameSource, interval time.Duration) *VideoHandler {
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	return &VideoHandler{frames: frames, interval: interval}
}

// ServeHTTP streams MJPEG frames to connected clients. A frame is sent only
// once; clients see nothing new while no session is producing frames.
func (h *VideoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flush(w)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		data, seq, err := h.frames.LatestJPEG()
		if err == nil && seq != lastSeq {
			if err := writePart(w, data); err != nil {
				return
			}
			flush(w)
			lastSeq = seq
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writePart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
