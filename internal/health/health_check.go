package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the overall state of the scout
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check result levels
const (
	LevelHealthy  = "healthy"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// StorePinger is the part of the store a health check needs
type StorePinger interface {
	Ping(ctx context.Context) error
}

// QueueReporter exposes the committer queue
type QueueReporter interface {
	QueueDepth() int
	QueueLimit() int
}

// HealthChecker performs health checks for the scout
type HealthChecker struct {
	scoutID     string
	logDir      string
	store       StorePinger
	queue       QueueReporter
	interval    time.Duration
	timeout     time.Duration
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	status      Status
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	ScoutID string
	// LogDir is the transaction log directory; empty skips the check
	LogDir   string
	Store    StorePinger
	Queue    QueueReporter
	Interval time.Duration
	Timeout  time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HealthChecker{
		scoutID:     cfg.ScoutID,
		logDir:      cfg.LogDir,
		store:       cfg.Store,
		queue:       cfg.Queue,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      StatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
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

// RunChecks runs every check once and updates the overall status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	checks := []func(context.Context) CheckResult{
		h.checkStoreReachable,
		h.checkCommitterQueue,
		h.checkTxnLogWritable,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check(ctx))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != LevelHealthy {
			allHealthy = false
			if result.Status == LevelCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = StatusHealthy
	case allReady:
		h.status = StatusDegraded
	default:
		h.status = StatusUnhealthy
	}

	// Liveness: the checker itself still runs
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkStoreReachable pings the store. An unreachable store degrades the
// scout; it keeps serving cached reads and queues commits.
func (h *HealthChecker) checkStoreReachable(ctx context.Context) CheckResult {
	result := CheckResult{Name: "store_reachable", Timestamp: time.Now()}
	if h.store == nil {
		result.Status = LevelHealthy
		result.Message = "No store configured"
		return result
	}
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		result.Status = LevelWarning
		result.Message = fmt.Sprintf("Store unreachable: %v", err)
		return result
	}
	result.Status = LevelHealthy
	result.Message = "Store is reachable"
	return result
}

// checkCommitterQueue checks how full the committer queue is
func (h *HealthChecker) checkCommitterQueue(context.Context) CheckResult {
	result := CheckResult{Name: "committer_queue", Timestamp: time.Now()}
	if h.queue == nil || h.queue.QueueLimit() <= 0 {
		result.Status = LevelHealthy
		result.Message = "No committer queue"
		return result
	}
	depth, limit := h.queue.QueueDepth(), h.queue.QueueLimit()
	usagePercent := float64(depth) / float64(limit) * 100

	switch {
	case depth >= limit:
		result.Status = LevelCritical
		result.Message = fmt.Sprintf("Committer queue full: %d/%d", depth, limit)
	case usagePercent > 80:
		result.Status = LevelWarning
		result.Message = fmt.Sprintf("Committer queue usage high: %.2f%% (%d/%d)", usagePercent, depth, limit)
	default:
		result.Status = LevelHealthy
		result.Message = fmt.Sprintf("Committer queue usage: %.2f%% (%d/%d)", usagePercent, depth, limit)
	}
	return result
}

// checkTxnLogWritable checks that the transaction log directory accepts writes
func (h *HealthChecker) checkTxnLogWritable(context.Context) CheckResult {
	result := CheckResult{Name: "txn_log_writable", Timestamp: time.Now()}
	if h.logDir == "" {
		result.Status = LevelHealthy
		result.Message = "Transaction log disabled"
		return result
	}

	info, err := os.Stat(h.logDir)
	if err != nil {
		result.Status = LevelCritical
		result.Message = fmt.Sprintf("Transaction log directory not accessible: %v", err)
		return result
	}
	if !info.IsDir() {
		result.Status = LevelCritical
		result.Message = "Transaction log path is not a directory"
		return result
	}

	testFile := filepath.Join(h.logDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		result.Status = LevelCritical
		result.Message = fmt.Sprintf("Cannot write to transaction log directory: %v", err)
		return result
	}
	f.Close()
	os.Remove(testFile)

	result.Status = LevelHealthy
	result.Message = "Transaction log directory is accessible and writable"
	return result
}

// IsLive returns whether the scout is live
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the scout can serve transactions
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current overall status
func (h *HealthChecker) GetStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns all check results
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
	status := h.status
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":  live,
		"scout_id": h.scoutID,
		"status":   status,
		"checks":   checks,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.status
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status,
	})
}
