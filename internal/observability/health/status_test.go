package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	results map[string]HealthStatus
}

func (r *recorder) OnCheck(name string, result HealthResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]HealthStatus)
	}
	r.results[name] = result.Status
}

func ok(ctx context.Context) error { return nil }

func failing(ctx context.Context) error { return errors.New("connection refused") }

func TestRunChecksOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		checks   []HealthCheck
		want     HealthStatus
		critical []string
	}{
		{
			name:   "all healthy",
			checks: []HealthCheck{NewBasicHealthCheck("sqlite", true, 0, ok), NewBasicHealthCheck("file", true, 0, ok)},
			want:   StatusHealthy,
		},
		{
			name:   "non critical failure",
			checks: []HealthCheck{NewBasicHealthCheck("sqlite", true, 0, ok), NewBasicHealthCheck("redis", false, 0, failing)},
			want:   StatusDegraded,
		},
		{
			name: "critical failure",
			checks: []HealthCheck{
				NewBasicHealthCheck("s3", true, 0, failing),
				NewBasicHealthCheck("redis", false, 0, failing),
				NewBasicHealthCheck("file", true, 0, ok),
			},
			want:     StatusUnhealthy,
			critical: []string{"s3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor(nil, nil)
			assert.Equal(t, StatusUnknown, hm.GetStatus().OverallStatus)
			for _, c := range tt.checks {
				hm.RegisterCheck(c)
			}

			status := hm.RunChecks(context.Background())
			assert.Equal(t, tt.want, status.OverallStatus)
			assert.Equal(t, tt.critical, status.CriticalIssues)
			assert.Len(t, status.CheckResults, len(tt.checks))
			assert.False(t, status.LastCheck.IsZero())
		})
	}
}

func TestObserversSeeEveryCheck(t *testing.T) {
	hm := NewHealthMonitor(nil, nil)
	hm.RegisterCheck(NewBasicHealthCheck("sqlite", true, 0, ok))
	hm.RegisterCheck(NewBasicHealthCheck("redis", true, 0, failing))

	rec := &recorder{}
	hm.RegisterObserver(rec)
	hm.RunChecks(context.Background())

	assert.Equal(t, map[string]HealthStatus{"sqlite": StatusHealthy, "redis": StatusUnhealthy}, rec.results)
}

func TestCheckTimeout(t *testing.T) {
	hm := NewHealthMonitor(&HealthConfig{Timeout: time.Hour}, nil)
	hm.RegisterCheck(NewBasicHealthCheck("slow", true, 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	result, err := hm.RunCheck(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "deadline exceeded")

	_, err = hm.RunCheck(context.Background(), "missing")
	assert.Error(t, err)
}

func TestServeHTTP(t *testing.T) {
	hm := NewHealthMonitor(nil, nil)
	down := false
	hm.RegisterCheck(NewBasicHealthCheck("sqlite", true, 0, func(ctx context.Context) error {
		if down {
			return errors.New("database is locked")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	hm.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.OverallStatus)

	down = true
	rec = httptest.NewRecorder()
	hm.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, []string{"sqlite"}, status.CriticalIssues)
}

func TestStartDisabled(t *testing.T) {
	hm := NewHealthMonitor(&HealthConfig{Enabled: false}, nil)
	hm.RegisterCheck(NewBasicHealthCheck("sqlite", true, 0, ok))
	hm.Start(context.Background())
	assert.Equal(t, StatusUnknown, hm.GetStatus().OverallStatus)
}
