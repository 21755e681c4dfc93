package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthMonitor runs health checks of the backends a run depends on
type HealthMonitor struct {
	logger    *logrus.Logger
	config    *HealthConfig
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	status    *SystemStatus
	observers []HealthObserver
}

// HealthConfig configures health monitoring
type HealthConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	CheckInterval time.Duration `json:"check_interval" mapstructure:"check_interval"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
}

// HealthCheck defines a health check
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) HealthResult
	Critical() bool
	Timeout() time.Duration
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// SystemStatus is the outcome of the latest round of checks
type SystemStatus struct {
	OverallStatus  HealthStatus            `json:"overall_status"`
	CheckResults   map[string]HealthResult `json:"check_results"`
	CriticalIssues []string                `json:"critical_issues"`
	LastCheck      time.Time               `json:"last_check"`
	StartTime      time.Time               `json:"start_time"`
	Uptime         time.Duration           `json:"uptime"`
}

// HealthObserver is notified of every check result
type HealthObserver interface {
	OnCheck(name string, result HealthResult)
}

// BasicHealthCheck turns a function into a health check
type BasicHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
	critical  bool
	timeout   time.Duration
}

// NewBasicHealthCheck creates a check that is healthy when fn returns nil.
func NewBasicHealthCheck(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) error) *BasicHealthCheck {
	return &BasicHealthCheck{name: name, checkFunc: fn, critical: critical, timeout: timeout}
}

func (c *BasicHealthCheck) Name() string           { return c.name }
func (c *BasicHealthCheck) Critical() bool         { return c.critical }
func (c *BasicHealthCheck) Timeout() time.Duration { return c.timeout }

func (c *BasicHealthCheck) Check(ctx context.Context) HealthResult {
	if err := c.checkFunc(ctx); err != nil {
		return HealthResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return HealthResult{Status: StatusHealthy}
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(config *HealthConfig, logger *logrus.Logger) *HealthMonitor {
	if config == nil {
		config = DefaultHealthConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &HealthMonitor{
		logger: logger,
		config: config,
		checks: make(map[string]HealthCheck),
		status: &SystemStatus{
			OverallStatus: StatusUnknown,
			CheckResults:  make(map[string]HealthResult),
			StartTime:     time.Now(),
		},
	}
}

// DefaultHealthConfig returns periodic checks every 30 seconds.
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		Enabled:       true,
		CheckInterval: 30 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Start runs the checks periodically until ctx is done.
func (hm *HealthMonitor) Start(ctx context.Context) {
	if !hm.config.Enabled || hm.config.CheckInterval <= 0 {
		hm.logger.Debug("Periodic health checks disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(hm.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.RunChecks(ctx)
			}
		}
	}()
}

// RegisterCheck registers a new health check
func (hm *HealthMonitor) RegisterCheck(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checks[check.Name()] = check
	hm.logger.WithField("check", check.Name()).Debug("Registered health check")
}

// RegisterObserver registers a health observer
func (hm *HealthMonitor) RegisterObserver(observer HealthObserver) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.observers = append(hm.observers, observer)
}

// GetStatus returns a copy of the latest status
func (hm *HealthMonitor) GetStatus() *SystemStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := *hm.status
	status.Uptime = time.Since(hm.status.StartTime)
	status.CheckResults = make(map[string]HealthResult, len(hm.status.CheckResults))
	for k, v := range hm.status.CheckResults {
		status.CheckResults[k] = v
	}
	status.CriticalIssues = append([]string(nil), hm.status.CriticalIssues...)
	return &status
}

// RunCheck runs a specific health check manually
func (hm *HealthMonitor) RunCheck(ctx context.Context, checkName string) (HealthResult, error) {
	hm.mu.RLock()
	check, exists := hm.checks[checkName]
	hm.mu.RUnlock()

	if !exists {
		return HealthResult{}, fmt.Errorf("health check '%s' not found", checkName)
	}
	return hm.executeCheck(ctx, check), nil
}

// RunChecks executes every registered check concurrently and returns the new status.
func (hm *HealthMonitor) RunChecks(ctx context.Context) *SystemStatus {
	hm.mu.RLock()
	checks := make(map[string]HealthCheck, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	observers := append([]HealthObserver(nil), hm.observers...)
	hm.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]HealthResult, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			result := hm.executeCheck(ctx, check)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	var critical []string
	overall := StatusHealthy
	for name, result := range results {
		if result.Status == StatusHealthy {
			continue
		}
		if checks[name].Critical() {
			critical = append(critical, name)
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
		hm.logger.WithFields(logrus.Fields{
			"check":    name,
			"critical": checks[name].Critical(),
			"message":  result.Message,
		}).Warn("Health check failed")
	}
	sort.Strings(critical)

	hm.mu.Lock()
	hm.status.OverallStatus = overall
	hm.status.CheckResults = results
	hm.status.CriticalIssues = critical
	hm.status.LastCheck = time.Now()
	hm.mu.Unlock()

	for _, observer := range observers {
		for name, result := range results {
			observer.OnCheck(name, result)
		}
	}
	return hm.GetStatus()
}

// ServeHTTP runs the checks and reports them as JSON, with 503 when a critical
// check fails.
func (hm *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := hm.RunChecks(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.OverallStatus == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (hm *HealthMonitor) executeCheck(ctx context.Context, check HealthCheck) HealthResult {
	start := time.Now()

	timeout := check.Timeout()
	if timeout <= 0 {
		timeout = hm.config.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultHealthConfig().Timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := check.Check(checkCtx)
	result.Duration = time.Since(start)
	result.Timestamp = time.Now()
	return result
}
