// Package server exposes the host's monitoring surface: Prometheus
// metrics, JSON status endpoints and the websocket tunnel-event feed.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/logging"
	"github.com/KapTmaN/pulseaudio/modules/tunnelsource"
)

// HTTPServer serves the monitoring API for one loaded tunnel source.
type HTTPServer struct {
	server    *http.Server
	core      *graph.Core
	module    *tunnelsource.Module
	logger    *zerolog.Logger
	startTime time.Time
}

// New creates the monitoring server bound to the given address.
func New(addr string, core *graph.Core, m *tunnelsource.Module) *HTTPServer {
	h := &HTTPServer{
		core:      core,
		module:    m,
		logger:    logging.GetComponentLogger("http"),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/sources", h.handleSources)
	mux.HandleFunc("/events", h.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return h
}

// Start begins serving in the background.
func (h *HTTPServer) Start() {
	h.logger.Info().Str("addr", h.server.Addr).Msg("starting monitoring server")
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error().Err(err).Msg("monitoring server error")
		}
	}()
}

// Stop gracefully shuts the server down.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info().Msg("stopping monitoring server")
	return h.server.Shutdown(ctx)
}

// Handler returns the server's root handler; used by tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chunks, bytes := h.module.Source().PostStats()
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"tunnel": map[string]interface{}{
			"source":          h.module.Source().Name(),
			"linked":          h.module.Source().IsLinked(),
			"chunks_posted":   chunks,
			"bytes_posted":    bytes,
			"unload_requests": h.module.UnloadRequests(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode health response")
	}
}

func (h *HTTPServer) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sources := h.core.Sources()
	infos := make([]map[string]interface{}, 0, len(sources))
	for _, s := range sources {
		chunks, bytes := s.PostStats()
		infos = append(infos, map[string]interface{}{
			"name":          s.Name(),
			"spec":          s.Spec().String(),
			"channel_map":   s.Map().String(),
			"linked":        s.IsLinked(),
			"latency_usec":  s.GetLatency(),
			"chunks_posted": chunks,
			"bytes_posted":  bytes,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"total":     len(infos),
		"timestamp": time.Now().UTC(),
		"sources":   infos,
	}); err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode sources response")
	}
}

// handleEvents upgrades the connection and subscribes it to the tunnel
// event broadcaster until the client goes away.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to accept events websocket")
		return
	}

	connectionID := uuid.New().String()
	logger := h.logger.With().Str("connectionID", connectionID).Logger()

	h.module.Events().Subscribe(connectionID, conn, r.Context(), &logger)
	defer h.module.Events().Unsubscribe(connectionID)

	// The feed is one-way; reading only serves close detection.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
