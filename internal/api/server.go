package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/tools"
)

const (
	maxBodyBytes     = 16 << 20
	maxLogsPerBatch  = 10000
	decodeRequestTTL = 60 * time.Second
)

// Server represents the API server
type Server struct {
	router  *mux.Router
	decoder *tools.LogDecoder
	workers int
	address string
	server  *http.Server
	logger  zerolog.Logger
}

// DecodeRequest is the body of POST /api/v1/decode
type DecodeRequest struct {
	Logs                 []models.Log `json:"logs"`
	SkipSignatureService bool         `json:"skip_signature_service"`
	UseReplica           bool         `json:"use_replica"`
}

// DecodeResponse carries one result per requested log, in request order
type DecodeResponse struct {
	Results []models.DecodeResult `json:"results"`
}

// NewServer creates a new API server
func NewServer(address string, decoder *tools.LogDecoder, workers int, logger zerolog.Logger) *Server {
	server := &Server{
		router:  mux.NewRouter(),
		decoder: decoder,
		workers: workers,
		address: address,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()

	return server
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/decode", s.handleDecode).Methods("POST", "OPTIONS")
}

// handleHealth returns the health status of the service
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var stages []string
	for _, stage := range s.decoder.Stages() {
		stages = append(stages, stage.Name())
	}

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "logdecoder",
		"stages":    stages,
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleDecode decodes a batch of logs
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var request DecodeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&request); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(request.Logs) > maxLogsPerBatch {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("At most %d logs per request", maxLogsPerBatch), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), decodeRequestTTL)
	defer cancel()

	results, err := s.decoder.DecodeBatchParallel(ctx, tools.BatchRequest{
		Logs:                 request.Logs,
		Options:              models.Options{UseReplica: request.UseReplica},
		SkipSignatureService: request.SkipSignatureService,
	}, s.workers)
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "Decoding was interrupted", err)
		return
	}
	if results == nil {
		results = []models.DecodeResult{}
	}

	s.writeJSON(w, http.StatusOK, DecodeResponse{Results: results})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeErrorResponse writes an error response in a consistent format
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	}
	if err != nil {
		// details stay in the logs
		s.logger.Warn().Err(err).Int("status", statusCode).Msg(message)
	}
	s.writeJSON(w, statusCode, response)
}

// recoveryMiddleware catches panics and returns proper JSON error responses
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error().Str("method", r.Method).Str("path", r.URL.Path).Interface("panic", err).Msg("panic while serving request")
				if w.Header().Get("Content-Type") == "" {
					s.writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", fmt.Errorf("panic: %v", err))
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
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
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      decodeRequestTTL + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("address", s.address).Msg("starting log decoder API server")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down log decoder API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	return nil
}
