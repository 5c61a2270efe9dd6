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

	"github.com/skypro1111/micapture/internal/capture"
	"github.com/skypro1111/micapture/internal/config"
	"github.com/skypro1111/micapture/internal/metrics"
)

// historySize bounds the completed recordings kept for /recordings
const historySize = 20

// HTTPServer provides the recording control surface plus monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	session  *capture.Session
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time

	// completions arrive through the session dispatcher
	mu      sync.RWMutex
	history []RecordingSummary
}

// RecordingSummary is the JSON view of a finished recording
type RecordingSummary struct {
	Path            string    `json:"path,omitempty"`
	Device          string    `json:"device"`
	Outcome         string    `json:"outcome"`
	DataLength      int       `json:"data_length"`
	Chunks          uint64    `json:"chunks"`
	DurationSeconds float64   `json:"duration_seconds"`
	ElapsedSeconds  float64   `json:"elapsed_seconds"`
	FinishedAt      time.Time `json:"finished_at"`
	Error           string    `json:"error,omitempty"`
}

// RecordingStatus is the JSON view of the session
type RecordingStatus struct {
	State          capture.State     `json:"state"`
	Recording      bool              `json:"recording"`
	Device         string            `json:"device"`
	Format         string            `json:"format"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	CapturedBytes  int64             `json:"captured_bytes"`
	OutputPath     string            `json:"output_path,omitempty"`
	LastResult     *RecordingSummary `json:"last_result,omitempty"`
}

func summarize(result capture.Result) RecordingSummary {
	s := RecordingSummary{
		Path:            result.Path,
		Device:          result.Device,
		Outcome:         metrics.Outcome(result),
		DataLength:      result.DataLength,
		Chunks:          result.Chunks,
		DurationSeconds: result.Duration.Seconds(),
		ElapsedSeconds:  result.Elapsed.Seconds(),
		FinishedAt:      result.FinishedAt,
	}
	switch {
	case result.Err != nil:
		s.Error = result.Err.Error()
	case result.Interrupted != nil:
		s.Error = result.Interrupted.Error()
	}
	return s
}

// NewHTTPServer creates a new HTTP API server for session
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	session *capture.Session, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		session:   session,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	session.OnCompleted(h.recordCompletion)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, used directly by tests
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Recording control
	mux.HandleFunc("/recording", h.withMetrics("/recording", h.handleStatus))
	mux.HandleFunc("/recording/start", h.withMetrics("/recording/start", h.handleStart))
	mux.HandleFunc("/recording/stop", h.withMetrics("/recording/stop", h.handleStop))
	mux.HandleFunc("/recording/file", h.withMetrics("/recording/file", h.handleFile))
	mux.HandleFunc("/recordings", h.withMetrics("/recordings", h.handleHistory))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
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

// ListenAndServe blocks until the server stops
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) recordCompletion(result capture.Result) {
	summary := summarize(result)

	h.mu.Lock()
	h.history = append(h.history, summary)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	h.mu.Unlock()

	h.logger.Debug("Recording completion received",
		slog.String("outcome", summary.Outcome),
		slog.String("path", summary.Path),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error":  err.Error(),
		"status": status,
	})
}

// statusFor maps session errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrIllegalState):
		return http.StatusConflict
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPServer) status() RecordingStatus {
	status := RecordingStatus{
		State:          h.session.State(),
		Device:         h.session.Device().Name(),
		Format:         h.session.Format().String(),
		ElapsedSeconds: h.session.ElapsedSeconds(),
		CapturedBytes:  h.session.CapturedBytes(),
	}
	status.Recording = status.State == capture.StateRecording

	if path, err := h.session.CurrentOutputPath(); err == nil {
		status.OutputPath = path
	}
	if result, ok := h.session.LastResult(); ok {
		summary := summarize(result)
		status.LastResult = &summary
	}
	return status
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "micapture",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"capture": map[string]any{
				"state":  h.session.State(),
				"device": h.session.Device().Name(),
			},
		},
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device": map[string]any{
			"backend":      h.config.Device.Backend,
			"name":         h.config.Device.Name,
			"bind_address": h.config.Device.BindAddress,
			"udp_port":     h.config.Device.UDPPort,
			"framing":      h.config.Device.Framing,
		},
		"audio": map[string]any{
			"sample_rate":      h.config.Audio.SampleRate,
			"channels":         h.config.Audio.Channels,
			"bit_depth":        h.config.Audio.BitDepth,
			"chunk_size":       h.config.Audio.ChunkSize,
			"tick_interval_ms": h.config.Audio.TickIntervalMs,
			"header_layout":    h.config.Audio.Layout().String(),
		},
		"output": map[string]any{
			"path": h.config.Output.Path,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleStatus implements GET /recording
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.status())
}

// handleStart implements POST /recording/start
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.session.Start(); err != nil {
		h.logger.Warn("Start request rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, h.status())
}

// handleStop implements POST /recording/stop
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.session.Stop(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, h.status())
}

// handleFile implements GET /recording/file, serving the finalized WAV
func (h *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, err := h.session.CurrentOutputPath()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}

// handleHistory implements GET /recordings
func (h *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	recordings := make([]RecordingSummary, len(h.history))
	copy(recordings, h.history)
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total":      len(recordings),
		"timestamp":  time.Now().UTC(),
		"recordings": recordings,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "micapture recorder",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /config":           "Get recorder configuration",
			"GET /recording":        "Current recording state",
			"POST /recording/start": "Start recording from the input device",
			"POST /recording/stop":  "Stop recording and finalize the WAV file",
			"GET /recording/file":   "Download the last finalized recording",
			"GET /recordings":       "Recently finished recordings",
			"GET /metrics":          "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
