package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/scaledb/internal/model"
)

// Check result states.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc probes one dependency. A non-nil error marks the check failed.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID        string
	Interval      time.Duration
	Timeout       time.Duration
	MaxGoroutines int
	MaxHeapBytes  uint64
}

// HealthChecker performs health checks for a shard node
type HealthChecker struct {
	cfg         HealthCheckConfig
	logger      *zap.Logger
	keyCount    func() int
	mu          sync.RWMutex
	probes      []check
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// NewHealthChecker creates a new health checker with the runtime checks
// registered.
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	c := *cfg
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxGoroutines <= 0 {
		c.MaxGoroutines = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &HealthChecker{
		cfg:         c,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
	h.AddCheck("goroutines", h.checkGoroutines, false)
	h.AddCheck("memory", h.checkMemory, false)
	return h
}

// AddCheck registers a probe. A failing critical probe makes the node not
// ready; a failing non-critical one only degrades it.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, check{name: name, fn: fn, critical: critical})
}

// SetKeyCounter installs the source of the key count reported in status.
func (h *HealthChecker) SetKeyCounter(fn func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keyCount = fn
}

// Start runs the checks periodically until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every registered check once and updates the node status.
func (h *HealthChecker) RunChecks(ctx context.Context) {
	h.mu.RLock()
	probes := append([]check(nil), h.probes...)
	h.mu.RUnlock()

	// Probes may block on the network, so they run without the lock held.
	results := make([]CheckResult, len(probes))
	for i, p := range probes {
		results[i] = h.run(ctx, p)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy := true
	allReady := true
	for i, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if probes[i].critical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}

	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) run(ctx context.Context, p check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	result := CheckResult{Name: p.name, Status: StatusHealthy, Message: "ok", Timestamp: time.Now()}
	if err := p.fn(ctx); err != nil {
		result.Status = StatusWarning
		if p.critical {
			result.Status = StatusCritical
		}
		result.Message = err.Error()
		h.logger.Warn("Health check failed",
			zap.String("check", p.name),
			zap.Bool("critical", p.critical),
			zap.Error(err))
	}
	return result
}

func (h *HealthChecker) checkGoroutines(context.Context) error {
	if n := runtime.NumGoroutine(); n > h.cfg.MaxGoroutines {
		return fmt.Errorf("%d goroutines exceeds %d", n, h.cfg.MaxGoroutines)
	}
	return nil
}

func (h *HealthChecker) checkMemory(context.Context) error {
	if h.cfg.MaxHeapBytes == 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > h.cfg.MaxHeapBytes {
		return fmt.Errorf("heap %d bytes exceeds %d", ms.HeapAlloc, h.cfg.MaxHeapBytes)
	}
	return nil
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	st := model.HealthStatus{
		NodeID:    h.cfg.NodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
	if h.keyCount != nil {
		st.Keys = h.keyCount()
	}
	return st
}

// GetChecks returns a copy of all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"keys":   status.Keys,
	})
}

// ChecksHandler reports every check result.
func (h *HealthChecker) ChecksHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, true, h.GetChecks())
}

func writeProbe(w http.ResponseWriter, ok bool, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
