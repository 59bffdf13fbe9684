package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bezaspace/finvoice/internal/audio"
	"github.com/bezaspace/finvoice/internal/config"
	"github.com/bezaspace/finvoice/internal/metrics"
	"github.com/bezaspace/finvoice/internal/relay"
	"github.com/bezaspace/finvoice/internal/session"
	"github.com/bezaspace/finvoice/internal/store"
	"github.com/bezaspace/finvoice/internal/upstream"
)

// Server hosts the voice WebSocket endpoint, the finance REST surface,
// and the monitoring endpoints on one listener.
type Server struct {
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry   *session.Registry
	store      *store.Store
	dialer     upstream.Dialer
	normalizer *audio.Normalizer
	relayCfg   relay.Config

	upgrader       websocket.Upgrader
	maxMessageSize int64
	startTime      time.Time
}

// Deps bundles the collaborators the server wires into each session.
type Deps struct {
	Registry   *session.Registry
	Store      *store.Store
	Dialer     upstream.Dialer
	Normalizer *audio.Normalizer
	RelayCfg   relay.Config
	Metrics    *metrics.Metrics
}

// New creates the combined HTTP/WebSocket server.
func New(cfg *config.ServerConfig, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		logger:         logger,
		metrics:        deps.Metrics,
		registry:       deps.Registry,
		store:          deps.Store,
		dialer:         deps.Dialer,
		normalizer:     deps.Normalizer,
		relayCfg:       deps.RelayCfg,
		maxMessageSize: cfg.MaxMessageSize,
		startTime:      time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The mobile client connects from app webviews and dev
			// tooling with assorted Origin headers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:      mux,
		ReadTimeout:  0, // WebSocket sessions are long-lived
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Live voice relay
	mux.HandleFunc("/ws/voice", s.handleVoice)

	// Finance REST surface
	mux.HandleFunc("/transactions", s.withMetrics("/transactions", s.handleTransactions))
	mux.HandleFunc("/budgets", s.withMetrics("/budgets", s.handleBudgets))
	mux.HandleFunc("/goals", s.withMetrics("/goals", s.handleGoals))

	// Monitoring
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	mux.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions))
	mux.HandleFunc("/stats", s.withMetrics("/stats", s.handleStats))
	mux.Handle("/metrics", promhttp.Handler())
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		s.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			s.metrics.RecordHTTPError(r.Method, endpoint, errorType)
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

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	return s.server.Shutdown(ctx)
}

// apiResponse is the envelope for all REST responses.
type apiResponse struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(apiResponse{Message: message, Data: data}); err != nil {
		s.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// handleTransactions implements GET/POST /transactions
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListTransactions(r.Context())
		if err != nil {
			s.logger.Error("List transactions failed", slog.String("error", err.Error()))
			s.writeJSON(w, http.StatusInternalServerError, "failed to list transactions", nil)
			return
		}
		s.writeJSON(w, http.StatusOK, "transactions retrieved", list)

	case http.MethodPost:
		var t store.Transaction
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			s.writeJSON(w, http.StatusBadRequest, "invalid transaction payload", nil)
			return
		}

		created, err := s.store.CreateTransaction(r.Context(), t)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		s.writeJSON(w, http.StatusCreated, "transaction created", created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBudgets implements GET/POST /budgets
func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListBudgets(r.Context())
		if err != nil {
			s.logger.Error("List budgets failed", slog.String("error", err.Error()))
			s.writeJSON(w, http.StatusInternalServerError, "failed to list budgets", nil)
			return
		}
		s.writeJSON(w, http.StatusOK, "budgets retrieved", list)

	case http.MethodPost:
		var b store.Budget
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			s.writeJSON(w, http.StatusBadRequest, "invalid budget payload", nil)
			return
		}

		created, err := s.store.CreateBudget(r.Context(), b)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		s.writeJSON(w, http.StatusCreated, "budget created", created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGoals implements GET/POST /goals
func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListGoals(r.Context())
		if err != nil {
			s.logger.Error("List goals failed", slog.String("error", err.Error()))
			s.writeJSON(w, http.StatusInternalServerError, "failed to list goals", nil)
			return
		}
		s.writeJSON(w, http.StatusOK, "goals retrieved", list)

	case http.MethodPost:
		var g store.Goal
		if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
			s.writeJSON(w, http.StatusBadRequest, "invalid goal payload", nil)
			return
		}

		created, err := s.store.CreateGoal(r.Context(), g)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		s.writeJSON(w, http.StatusCreated, "goal created", created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth implements the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"components": map[string]any{
			"relay": map[string]any{
				"status":          "running",
				"active_sessions": s.registry.Count(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStats implements the /stats endpoint
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	byState := make(map[string]int)
	for _, sess := range s.registry.All() {
		byState[string(sess.State())]++
	}

	stats := map[string]any{
		"timestamp":         time.Now().UTC(),
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"active_sessions":   s.registry.Count(),
		"sessions_by_state": byState,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// sessionSummary is the /sessions listing entry.
type sessionSummary struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	CreatedAt     string `json:"created_at"`
	LastActivity  string `json:"last_activity"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// handleSessions implements the /sessions monitoring endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := s.registry.All()
	summaries := make([]sessionSummary, 0, len(sessions))

	for _, sess := range sessions {
		summaries = append(summaries, sessionSummary{
			SessionID:     sess.ID,
			State:         string(sess.State()),
			CreatedAt:     sess.CreatedAt().UTC().Format(time.RFC3339),
			LastActivity:  sess.LastActivity().UTC().Format(time.RFC3339),
			UptimeSeconds: int64(sess.Uptime().Seconds()),
		})
	}

	response := map[string]any{
		"total_sessions": len(summaries),
		"timestamp":      time.Now().UTC(),
		"sessions":       summaries,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
