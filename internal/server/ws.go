package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ayusman/visionedge/internal/app"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// LiveSource publishes live session status.
type LiveSource interface {
	Status() app.LiveStatus
	Subscribe() (<-chan app.LiveStatus, func())
}

// LiveHandler pushes live session status to WebSocket clients. Each client
// receives the current status on connect and every update afterwards.
type LiveHandler struct {
	source LiveSource
	logger *zap.SugaredLogger
}

// NewLiveHandler creates a new LiveHandler over source.
func NewLiveHandler(source LiveSource, logger *zap.SugaredLogger) *LiveHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LiveHandler{source: source, logger: logger}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	// Clients only listen; reading detects when they go away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.send(conn, h.source.Status()); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case live, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := h.send(conn, live); err != nil {
				h.logger.Debugf("live client dropped: %v", err)
				return
			}
		}
	}
}

func (h *LiveHandler) send(conn *websocket.Conn, live app.LiveStatus) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(live)
}
