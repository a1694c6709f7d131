// Package server provides the HTTP server for the VisionEdge presence service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/visionedge/internal/app"
	"github.com/ayusman/visionedge/internal/metrics"
	"github.com/ayusman/visionedge/internal/server/api"
)

// shutdownTimeout bounds graceful shutdown of open connections.
const shutdownTimeout = 5 * time.Second

// Controller is everything the HTTP layer needs from the application.
// *app.App implements it.
type Controller interface {
	api.Controller
	LatestJPEG() ([]byte, uint64, error)
	Subscribe() (<-chan app.LiveStatus, func())
}

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Controller Controller
	Metrics    *metrics.Metrics
	Logger     *zap.SugaredLogger

	// FrameInterval is how often the video stream polls for a new frame.
	FrameInterval time.Duration
}

// Server represents the HTTP server for the VisionEdge application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	logger *zap.SugaredLogger
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = defaultFrameInterval
	}

	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		logger: config.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if ctrl := s.config.Controller; ctrl != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
		s.mux.Handle("/api/session/", api.NewControlHandler(ctrl, s.logger.Named("api")))

		sessions := api.NewSessionsHandler(ctrl)
		s.mux.Handle("/api/sessions", sessions)
		s.mux.Handle("/api/sessions/", sessions)

		s.mux.Handle("/api/video", NewVideoHandler(ctrl, s.config.FrameInterval))
		s.mux.Handle("/api/live", NewLiveHandler(ctrl, s.logger.Named("live")))
	}

	if s.config.Metrics != nil {
		s.mux.Handle("/metrics", s.config.Metrics.Handler())
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	writeJSON(w, response)
}

// handleStatus handles GET requests to /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.config.Controller.Status())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Infof("Listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
