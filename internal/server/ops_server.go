// Package server provides the HTTP operations endpoint of a shard node:
// Prometheus metrics, health probes and a small read-only admin API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/health"
	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/table"
)

// StatsFunc reports the number of keys and value bytes held locally.
type StatsFunc func() (keys int, bytes int64)

// TableLister lists registered tables.
type TableLister interface {
	Tables(ctx context.Context) ([]table.TableInfo, error)
}

// MemberLister lists known cluster peers.
type MemberLister interface {
	Members() []string
}

// OpsServerConfig holds configuration for the operations server
type OpsServerConfig struct {
	Port          int
	MetricsPath   string
	StatsInterval time.Duration
	// Gatherer serves /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

// OpsServer serves metrics, health and admin endpoints over HTTP
type OpsServer struct {
	router     *mux.Router
	httpServer *http.Server
	cfg        OpsServerConfig
	metrics    *metrics.Metrics
	health     *health.HealthChecker
	stats      StatsFunc
	tables     TableLister
	members    MemberLister
	logger     *zap.Logger
	stopChan   chan struct{}
}

// Option configures optional collaborators of the server.
type Option func(*OpsServer)

// WithHealth exposes /health/live, /health/ready and /health/checks.
func WithHealth(h *health.HealthChecker) Option {
	return func(s *OpsServer) { s.health = h }
}

// WithStats feeds store statistics into the store gauges.
func WithStats(fn StatsFunc) Option {
	return func(s *OpsServer) { s.stats = fn }
}

// WithTables exposes GET /v1/tables.
func WithTables(t TableLister) Option {
	return func(s *OpsServer) { s.tables = t }
}

// WithMembers exposes GET /v1/members.
func WithMembers(m MemberLister) Option {
	return func(s *OpsServer) { s.members = m }
}

// NewOpsServer creates a new operations server. m may be nil.
func NewOpsServer(cfg *OpsServerConfig, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *OpsServer {
	c := *cfg
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	s := &OpsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", c.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		cfg:      c,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *OpsServer) setupRoutes() {
	if s.cfg.Gatherer != nil {
		s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	} else {
		s.router.Handle(s.cfg.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	if s.health != nil {
		s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/checks", s.health.ChecksHandler).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.tables != nil {
		v1.HandleFunc("/tables", s.listTables).Methods(http.MethodGet)
	}
	if s.members != nil {
		v1.HandleFunc("/members", s.listMembers).Methods(http.MethodGet)
	}
}

// Handler returns the router for testing purposes.
func (s *OpsServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the stats collector
func (s *OpsServer) Start() error {
	s.logger.Info("Starting ops server", zap.String("addr", s.httpServer.Addr))

	go s.collectStats()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the ops server
func (s *OpsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ops server")

	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	return nil
}

func (s *OpsServer) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.tables.Tables(r.Context())
	if err != nil {
		s.logger.Error("Failed to list tables", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

func (s *OpsServer) listMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": s.members.Members()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// collectStats periodically refreshes runtime and store gauges
func (s *OpsServer) collectStats() {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	s.updateStats()
	for {
		select {
		case <-ticker.C:
			s.updateStats()
		case <-s.stopChan:
			return
		}
	}
}

func (s *OpsServer) updateStats() {
	if s.metrics == nil {
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine())

	if s.stats != nil {
		keys, bytes := s.stats()
		s.metrics.UpdateStoreStats(keys, bytes)
	}
}
