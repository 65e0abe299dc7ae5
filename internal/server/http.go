package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prbodas/pillow-endpoint/internal/config"
	"github.com/prbodas/pillow-endpoint/internal/convo"
	"github.com/prbodas/pillow-endpoint/internal/metrics"
	"github.com/prbodas/pillow-endpoint/internal/playback"
)

// StatsSource reports conversation statistics
type StatsSource interface {
	GetStats() convo.Stats
}

// StatusServer provides local HTTP endpoints for monitoring the client
type StatusServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	stats    StatsSource
	players  []playback.Player
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// Server state
	startTime time.Time
	addr      string
	mu        sync.RWMutex
}

// NewStatusServer creates a new status server. gatherer backs /metrics and
// is usually prometheus.DefaultGatherer.
func NewStatusServer(cfg config.MetricsConfig, logger *slog.Logger, appConfig *config.Config,
	stats StatsSource, players []playback.Player, m *metrics.Metrics, gatherer prometheus.Gatherer) *StatusServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &StatusServer{
		logger:    logger,
		config:    appConfig,
		stats:     stats,
		players:   players,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *StatusServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *StatusServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *StatusServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background
func (h *StatusServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.addr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Info("Starting status server",
		slog.String("address", h.addr),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Status server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *StatusServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.addr
}

// Stop gracefully stops the HTTP server
func (h *StatusServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping status server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	players := make([]string, 0, len(h.players))
	for _, p := range h.players {
		players = append(players, p.String())
	}

	playbackStatus := "ready"
	if len(players) == 0 {
		playbackStatus = "save_only"
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"components": map[string]any{
			"voice_server": map[string]any{
				"base_url": h.config.Server.BaseURL,
			},
			"playback": map[string]any{
				"status":  playbackStatus,
				"players": players,
			},
		},
	})
}

// handleStats implements the /stats endpoint
func (h *StatusServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"uptime":       time.Since(h.startTime).String(),
		"timestamp":    time.Now().UTC(),
		"conversation": h.stats.GetStats(),
	})
}

// handleConfig implements the /config endpoint
func (h *StatusServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// System prompt is omitted
	writeJSON(w, map[string]any{
		"server": map[string]any{
			"base_url":  h.config.Server.BaseURL,
			"session":   h.config.Server.Session,
			"voice":     h.config.Server.Voice,
			"llm_model": h.config.Server.LLMModel,
			"return":    h.config.Server.Return,
		},
		"capture": map[string]any{
			"mode":        h.config.Capture.Mode,
			"recorder":    h.config.Capture.Recorder,
			"sample_rate": h.config.Capture.SampleRate,
			"channels":    h.config.Capture.Channels,
			"block_size":  h.config.Capture.BlockSize,
		},
		"vad": map[string]any{
			"start_threshold":     h.config.VAD.StartThreshold,
			"stop_threshold":      h.config.VAD.StopThreshold,
			"min_speech_ms":       h.config.VAD.MinSpeechMs,
			"trailing_silence_ms": h.config.VAD.TrailingSilenceMs,
			"max_seconds":         h.config.VAD.MaxSeconds,
		},
		"playback": map[string]any{
			"enabled": h.config.Playback.Enabled,
			"stream":  h.config.Playback.Stream,
			"player":  h.config.Playback.Player,
			"pi_mode": h.config.Playback.PiMode,
		},
		"demux": map[string]any{
			"strategy":         h.config.Demux.Strategy,
			"max_buffer_bytes": h.config.Demux.MaxBufferBytes,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *StatusServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "pillow voice client",
		"endpoints": map[string]string{
			"GET /":        "API documentation",
			"GET /health":  "Client health check",
			"GET /stats":   "Conversation statistics",
			"GET /config":  "Effective configuration",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
