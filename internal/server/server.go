// Package server exposes the feed's health, metrics and market state over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FeedReader is the read side of a running feed.
type FeedReader interface {
	ATH() decimal.Decimal
	History() []types.Bar
	Stats() types.ConnectionStats
	IsPolling() bool
	Failures() int
	ValidationErrors() uint64
}

// ATHResponse is the body of GET /api/v1/ath.
type ATHResponse struct {
	Symbol string          `json:"symbol"`
	ATH    decimal.Decimal `json:"ath"`
	Bars   int             `json:"bars"`
}

// HistoryResponse is the body of GET /api/v1/history.
type HistoryResponse struct {
	Symbol string      `json:"symbol"`
	Bars   []types.Bar `json:"bars"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Connection       types.ConnectionStats `json:"connection"`
	Polling          bool                  `json:"polling"`
	StreamFailures   int                   `json:"stream_failures"`
	ValidationErrors uint64                `json:"validation_errors"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the HTTP surface of one feed.
type Server struct {
	symbol   string
	feed     FeedReader
	registry *prometheus.Registry
	log      *logger.Logger

	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
}

// New builds the router. A nil registry serves an empty /metrics.
func New(symbol string, feed FeedReader, registry *prometheus.Registry, log *logger.Logger) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{ //nolint:exhaustruct // listener and http server set by Start
		symbol:   symbol,
		feed:     feed,
		registry: registry,
		log:      log.Named("server"),
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet) //nolint:exhaustruct // defaults

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/ath", s.handleATH).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	// Subrouters do not inherit the parent's handler.
	s.router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	api.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on address and serves in the background.
// An empty address picks a random port.
func (s *Server) Start(address string) error {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeListenFailed, err, "failed to listen on %s", address)
	}

	s.listener = listener
	s.httpServer = &http.Server{ //nolint:exhaustruct // defaults
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("HTTP server listening", zap.String("address", listener.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Address returns the bound address, empty before Start.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.feed.Stats()
	status := http.StatusOK

	// Healthy while either transport is live.
	if stats.State != types.ConnectionStateConnected && !s.feed.IsPolling() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"state":   stats.State,
		"polling": s.feed.IsPolling(),
	})
}

func (s *Server) handleATH(w http.ResponseWriter, _ *http.Request) {
	history := s.feed.History()

	writeJSON(w, http.StatusOK, ATHResponse{
		Symbol: s.symbol,
		ATH:    s.feed.ATH(),
		Bars:   len(history),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	bars := s.feed.History()

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})

			return
		}

		if limit < len(bars) {
			bars = bars[len(bars)-limit:]
		}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Symbol: s.symbol, Bars: bars})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Connection:       s.feed.Stats(),
		Polling:          s.feed.IsPolling(),
		StreamFailures:   s.feed.Failures(),
		ValidationErrors: s.feed.ValidationErrors(),
	})
}

func handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
