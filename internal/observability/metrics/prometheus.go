package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/pkg/constants"
)

// Run statuses used as label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// PipelineMetrics collects the metrics of synthesis runs on a private registry.
type PipelineMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	config   *Config

	mu     sync.Mutex
	server *http.Server
	health http.Handler

	runsTotal           *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	gridResolution      prometheus.Gauge
	usableStates        prometheus.Gauge
	activeStates        prometheus.Gauge
	emptyRowsTotal      prometheus.Counter
	truncatedTotal      prometheus.Counter
	trajectoriesTotal   prometheus.Counter
	epsilonSpentTotal   *prometheus.CounterVec
	experimentJobsTotal *prometheus.CounterVec

	sinks *SinkMetrics
}

// Config configures the metrics endpoint.
type Config struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Address   string `json:"address" mapstructure:"address"`
	Path      string `json:"path" mapstructure:"path"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

// DefaultConfig returns a disabled endpoint with the default path and namespace.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Address:   ":9090",
		Path:      constants.MetricsPath,
		Namespace: constants.MetricsNamespace,
	}
}

// NewPipelineMetrics creates and registers the pipeline metrics.
func NewPipelineMetrics(config *Config, logger *logrus.Logger) (*PipelineMetrics, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	pm := &PipelineMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}
	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return pm, nil
}

// Registry exposes the private registry.
func (pm *PipelineMetrics) Registry() *prometheus.Registry { return pm.registry }

// Router returns a router serving the metrics and a liveness endpoint.
func (pm *PipelineMetrics) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle(pm.config.Path, promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)
	router.HandleFunc(constants.HealthPath, pm.serveHealth).Methods(http.MethodGet)
	return router
}

// SetHealthHandler replaces the liveness response of the health endpoint. It may be
// called while the server is running.
func (pm *PipelineMetrics) SetHealthHandler(h http.Handler) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.health = h
}

func (pm *PipelineMetrics) serveHealth(w http.ResponseWriter, r *http.Request) {
	pm.mu.Lock()
	h := pm.health
	pm.mu.Unlock()

	if h != nil {
		h.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Start serves the router in the background when the endpoint is enabled.
func (pm *PipelineMetrics) Start(ctx context.Context) error {
	if !pm.config.Enabled {
		pm.logger.Debug("Metrics endpoint disabled")
		return nil
	}

	pm.mu.Lock()
	pm.server = &http.Server{
		Addr:              pm.config.Address,
		Handler:           pm.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := pm.server
	pm.mu.Unlock()

	pm.logger.WithFields(logrus.Fields{
		"address": pm.config.Address,
		"path":    pm.config.Path,
	}).Info("Starting metrics server")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pm.logger.WithError(err).Error("Metrics server error")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pm.Stop(shutdownCtx)
	}()
	return nil
}

// Stop shuts the server down.
func (pm *PipelineMetrics) Stop(ctx context.Context) error {
	pm.mu.Lock()
	srv := pm.server
	pm.server = nil
	pm.mu.Unlock()

	if srv == nil {
		return nil
	}
	pm.logger.Info("Stopping metrics server")
	return srv.Shutdown(ctx)
}

// Sinks returns the sink metrics, or nil on a nil receiver.
func (pm *PipelineMetrics) Sinks() *SinkMetrics {
	if pm == nil {
		return nil
	}
	return pm.sinks
}

// RecordRun counts a finished run.
func (pm *PipelineMetrics) RecordRun(status string) {
	pm.runsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func (pm *PipelineMetrics) ObserveStage(stage string, d time.Duration) {
	pm.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetGrid records the shape of the latest grid.
func (pm *PipelineMetrics) SetGrid(resolution, usable, active int) {
	pm.gridResolution.Set(float64(resolution))
	pm.usableStates.Set(float64(usable))
	pm.activeStates.Set(float64(active))
}

// AddEmptyRows counts model rows replaced by a transition to end.
func (pm *PipelineMetrics) AddEmptyRows(n int) { pm.emptyRowsTotal.Add(float64(n)) }

// AddTruncated counts trajectories cut at the maximum length.
func (pm *PipelineMetrics) AddTruncated(n int) { pm.truncatedTotal.Add(float64(n)) }

// AddGenerated counts synthetic trajectories.
func (pm *PipelineMetrics) AddGenerated(n int) { pm.trajectoriesTotal.Add(float64(n)) }

// AddEpsilon records privacy budget spent for a purpose.
func (pm *PipelineMetrics) AddEpsilon(purpose string, epsilon float64) {
	pm.epsilonSpentTotal.WithLabelValues(purpose).Add(epsilon)
}

// RecordExperimentJob counts a finished experiment job.
func (pm *PipelineMetrics) RecordExperimentJob(dataset, status string) {
	pm.experimentJobsTotal.WithLabelValues(dataset, status).Inc()
}

func (pm *PipelineMetrics) initializeMetrics() {
	ns := pm.config.Namespace

	pm.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Total number of synthesis runs",
		},
		[]string{"status"},
	)

	pm.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"stage"},
	)

	pm.gridResolution = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "grid_resolution",
		Help:      "Level-1 resolution K of the latest run",
	})

	pm.usableStates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "usable_states",
		Help:      "Usable cell states of the latest run",
	})

	pm.activeStates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "active_states",
		Help:      "States with traffic in the latest model, start and end included",
	})

	pm.emptyRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "empty_model_rows_total",
		Help:      "Model rows with no surviving transitions",
	})

	pm.truncatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "truncated_trajectories_total",
		Help:      "Generated trajectories cut at the maximum length",
	})

	pm.trajectoriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "trajectories_generated_total",
		Help:      "Synthetic trajectories produced",
	})

	pm.epsilonSpentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "epsilon_spent_total",
			Help:      "Privacy budget consumed by purpose",
		},
		[]string{"purpose"},
	)

	pm.experimentJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "experiment_jobs_total",
			Help:      "Experiment jobs by dataset and status",
		},
		[]string{"dataset", "status"},
	)

	pm.sinks = newSinkMetrics(ns)
}

func (pm *PipelineMetrics) registerMetrics() error {
	collectors := []prometheus.Collector{
		pm.runsTotal,
		pm.stageDuration,
		pm.gridResolution,
		pm.usableStates,
		pm.activeStates,
		pm.emptyRowsTotal,
		pm.truncatedTotal,
		pm.trajectoriesTotal,
		pm.epsilonSpentTotal,
		pm.experimentJobsTotal,
	}
	collectors = append(collectors, pm.sinks.collectors()...)
	for _, c := range collectors {
		if err := pm.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
