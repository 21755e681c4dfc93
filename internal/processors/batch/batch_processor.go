package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/export"
	"github.com/inferloop/privtrace/internal/generators"
	"github.com/inferloop/privtrace/internal/observability/metrics"
	"github.com/inferloop/privtrace/internal/pipeline"
	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/internal/storage"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
)

// Processor runs an experiment grid of datasets, folds and epsilons over a pool of
// workers. Every job is an independent synthesis run.
type Processor struct {
	logger  *logrus.Logger
	config  *Config
	params  privacy.Parameters
	metrics *metrics.PipelineMetrics
	sinks   *storage.MultiSink
	engine  *export.ExportEngine

	logsMu      sync.Mutex
	runtimeLogs map[string]*export.RuntimeLog
}

// Config contains experiment configuration
type Config struct {
	Datasets      []string      `json:"datasets" mapstructure:"datasets"`
	Folds         int           `json:"folds" mapstructure:"folds"`
	Epsilons      []float64     `json:"epsilons" mapstructure:"epsilons"`
	Trajectories  int           `json:"trajectories" mapstructure:"trajectories"`
	InputDir      string        `json:"input_dir" mapstructure:"input_dir"`
	OutputDir     string        `json:"output_dir" mapstructure:"output_dir"`
	MaxWorkers    int           `json:"max_workers" mapstructure:"max_workers"`
	JobTimeout    time.Duration `json:"job_timeout" mapstructure:"job_timeout"`
	RuntimeLog    string        `json:"runtime_log" mapstructure:"runtime_log"`
	OutputFormat  string        `json:"output_format" mapstructure:"output_format"`
	UseCalibrated bool          `json:"use_calibrated" mapstructure:"use_calibrated"`
}

// Job is one cell of the experiment grid.
type Job struct {
	ID          string     `json:"id"`
	Index       int        `json:"index"`
	Dataset     string     `json:"dataset"`
	Fold        int        `json:"fold"`
	Epsilon     float64    `json:"epsilon"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	Status      JobStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// JobStatus represents job status
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Result represents the result of an experiment job
type Result struct {
	JobID       string          `json:"job_id"`
	Job         *Job            `json:"job"`
	Status      JobStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	Stats       *pipeline.Stats `json:"stats,omitempty"`
	Runtime     time.Duration   `json:"runtime"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Summary aggregates the results of an experiment.
type Summary struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
	Results   []*Result     `json:"results"`
}

// DefaultConfig returns the default experiment configuration
func DefaultConfig() *Config {
	return &Config{
		Datasets:     append([]string(nil), constants.DefaultExperimentDatasets...),
		Folds:        constants.DefaultExperimentFolds,
		Epsilons:     []float64{constants.DefaultExperimentEpsilon},
		Trajectories: constants.DefaultExperimentTrajectories,
		InputDir:     "data",
		OutputDir:    "output",
		MaxWorkers:   constants.DefaultExperimentWorkers,
		JobTimeout:   constants.DefaultJobTimeout,
		RuntimeLog:   constants.DefaultRuntimeLogPattern,
		OutputFormat: constants.OutputFormatDat,
	}
}

// Validate checks the experiment configuration
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()
	ve.Message = "invalid experiment configuration"

	if len(c.Datasets) == 0 {
		ve.Add("datasets", errors.CodeMissingField, "at least one dataset is required", c.Datasets)
	}
	if c.Folds < 1 {
		ve.Add("folds", errors.CodeOutOfRange, "must be positive", c.Folds)
	}
	if len(c.Epsilons) == 0 {
		ve.Add("epsilons", errors.CodeMissingField, "at least one epsilon is required", c.Epsilons)
	}
	for _, eps := range c.Epsilons {
		if !(eps > 0) {
			ve.Add("epsilons", errors.CodeOutOfRange, "must be positive", eps)
		}
	}
	if c.Trajectories == 0 || c.Trajectories < -1 {
		ve.Add("trajectories", errors.CodeOutOfRange, "must be positive, or -1 for the input size", c.Trajectories)
	}
	if c.MaxWorkers < 1 {
		ve.Add("max_workers", errors.CodeOutOfRange, "must be positive", c.MaxWorkers)
	}
	if c.JobTimeout <= 0 {
		ve.Add("job_timeout", errors.CodeOutOfRange, "must be positive", c.JobTimeout)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// NewProcessor creates an experiment processor. params is the template every job
// starts from; sinks and metrics are optional.
func NewProcessor(config *Config, params privacy.Parameters, sinks *storage.MultiSink, m *metrics.PipelineMetrics, logger *logrus.Logger) (*Processor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Processor{
		logger:      logger,
		config:      config,
		params:      params,
		metrics:     m,
		sinks:       sinks,
		engine:      export.NewExportEngine(logger),
		runtimeLogs: make(map[string]*export.RuntimeLog),
	}, nil
}

// PlanJobs expands the grid in dataset, fold, epsilon order. Folds are numbered
// from 1.
func (p *Processor) PlanJobs() []*Job {
	jobs := make([]*Job, 0, len(p.config.Datasets)*p.config.Folds*len(p.config.Epsilons))
	for _, dataset := range p.config.Datasets {
		for fold := 1; fold <= p.config.Folds; fold++ {
			for _, eps := range p.config.Epsilons {
				jobs = append(jobs, &Job{
					ID:         uuid.New().String(),
					Index:      len(jobs),
					Dataset:    dataset,
					Fold:       fold,
					Epsilon:    eps,
					InputPath:  filepath.Join(p.config.InputDir, InputFileName(dataset, fold)),
					OutputPath: filepath.Join(p.config.OutputDir, OutputFileName(dataset, eps, fold, p.config.OutputFormat)),
					Status:     StatusPending,
				})
			}
		}
	}
	return jobs
}

// InputFileName is the dataset file of a fold.
func InputFileName(dataset string, fold int) string {
	return fmt.Sprintf("%s_%d.dat", dataset, fold)
}

// OutputFileName is the synthetic output file of a fold at one epsilon.
func OutputFileName(dataset string, epsilon float64, fold int, format string) string {
	if format == "" {
		format = constants.OutputFormatDat
	}
	return fmt.Sprintf("%s_e%.1f_%02d_output.%s", dataset, epsilon, fold, format)
}

// Run executes every job of the grid and blocks until all results are in. A failing
// job never stops the others; cancelling ctx marks the jobs not yet started as
// cancelled.
func (p *Processor) Run(ctx context.Context) (*Summary, error) {
	jobs := p.PlanJobs()
	start := time.Now()

	p.logger.WithFields(logrus.Fields{
		"jobs":     len(jobs),
		"workers":  p.config.MaxWorkers,
		"datasets": p.config.Datasets,
		"epsilons": p.config.Epsilons,
	}).Info("Starting experiment")

	jobQueue := make(chan *Job)
	resultQueue := make(chan *Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < p.config.MaxWorkers && i < len(jobs); i++ {
		worker := NewWorker(i, p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Start(ctx, jobQueue, resultQueue)
		}()
	}

	go func() {
		defer close(jobQueue)
		for _, job := range jobs {
			select {
			case jobQueue <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultQueue)
	}()

	summary := &Summary{Total: len(jobs)}
	seen := make(map[string]bool, len(jobs))
	for result := range resultQueue {
		seen[result.JobID] = true
		summary.add(result)
	}

	// Jobs never handed to a worker
	for _, job := range jobs {
		if seen[job.ID] {
			continue
		}
		job.Status = StatusCancelled
		job.Error = context.Canceled.Error()
		summary.add(&Result{JobID: job.ID, Job: job, Status: StatusCancelled, Error: job.Error, CompletedAt: time.Now()})
	}

	summary.Duration = time.Since(start)
	p.logger.WithFields(logrus.Fields{
		"completed": summary.Completed,
		"failed":    summary.Failed,
		"cancelled": summary.Cancelled,
		"duration":  summary.Duration,
	}).Info("Experiment finished")

	if err := ctx.Err(); err != nil {
		return summary, errors.WrapError(err, errors.ErrorTypeJob, errors.CodeJobCancelled, "experiment cancelled")
	}
	return summary, nil
}

func (s *Summary) add(r *Result) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusCompleted:
		s.Completed++
	case StatusCancelled:
		s.Cancelled++
	default:
		s.Failed++
	}
}

// jobParameters derives the parameters of a job from the template.
func (p *Processor) jobParameters(job *Job) privacy.Parameters {
	params := p.params
	params.TotalEpsilon = job.Epsilon
	params.TrajectoriesToGenerate = p.config.Trajectories
	if p.config.UseCalibrated {
		if c, ok := privacy.CalibrationConstant(job.Dataset); ok {
			params.SizingMode = privacy.SizingModePaper
			params.Level1Constant = c
		}
	}
	if params.Seed != 0 {
		params.Seed = generators.StreamSeed(params.Seed, generators.StageExperiment, job.Index)
	}
	return params
}

func (p *Processor) runtimeLog(job *Job) *export.RuntimeLog {
	name := export.RuntimeLogName(p.config.RuntimeLog, job.Dataset, job.Epsilon)

	p.logsMu.Lock()
	defer p.logsMu.Unlock()

	rl, ok := p.runtimeLogs[name]
	if !ok {
		rl = export.NewRuntimeLog(filepath.Join(p.config.OutputDir, name))
		p.runtimeLogs[name] = rl
	}
	return rl
}
