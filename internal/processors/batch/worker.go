package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/export"
	"github.com/inferloop/privtrace/internal/pipeline"
	"github.com/inferloop/privtrace/internal/storage/implementations/file"
	"github.com/inferloop/privtrace/pkg/errors"
)

// Worker represents an experiment worker
type Worker struct {
	id        int
	logger    *logrus.Entry
	processor *Processor
}

// NewWorker creates a new experiment worker
func NewWorker(id int, processor *Processor) *Worker {
	return &Worker{
		id:        id,
		logger:    processor.logger.WithField("worker_id", id),
		processor: processor,
	}
}

// Start processes jobs until the queue is closed or ctx is done
func (w *Worker) Start(ctx context.Context, jobQueue <-chan *Job, resultQueue chan<- *Result) {
	w.logger.Debug("Worker started")
	defer w.logger.Debug("Worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobQueue:
			if !ok {
				return
			}
			resultQueue <- w.processJob(ctx, job)
		}
	}
}

// processJob processes a single job
func (w *Worker) processJob(ctx context.Context, job *Job) *Result {
	startTime := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &startTime

	log := w.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"dataset": job.Dataset,
		"fold":    job.Fold,
		"epsilon": job.Epsilon,
	})
	log.Info("Processing job")

	jobCtx, cancel := context.WithTimeout(ctx, w.processor.config.JobTimeout)
	defer cancel()

	stats, err := w.executeJob(jobCtx, job)
	runtime := time.Since(startTime)
	completed := time.Now()
	job.CompletedAt = &completed

	result := &Result{
		JobID:       job.ID,
		Job:         job,
		Stats:       stats,
		Runtime:     runtime,
		CompletedAt: completed,
	}

	switch {
	case err == nil:
		job.Status = StatusCompleted
		log.WithField("runtime", runtime).Info("Job completed")
	case ctx.Err() != nil:
		job.Status = StatusCancelled
		job.Error = err.Error()
		log.WithError(err).Warn("Job cancelled")
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
		log.WithError(err).Error("Job failed")
	}
	result.Status = job.Status
	result.Error = job.Error

	if w.processor.metrics != nil {
		w.processor.metrics.RecordExperimentJob(job.Dataset, string(job.Status))
	}
	return result
}

// executeJob runs one synthesis and writes its output and runtime row. A panic is
// reported as a job failure.
func (w *Worker) executeJob(ctx context.Context, job *Job) (stats *pipeline.Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewAppError(errors.ErrorTypeJob, errors.CodeJobFailed, fmt.Sprintf("job panicked: %v", r))
		}
	}()

	set, err := file.ReadDatFile(job.InputPath)
	if err != nil {
		return nil, err
	}

	synth, err := pipeline.NewSynthesizer(w.processor.jobParameters(job), nil, w.processor.metrics, w.processor.logger)
	if err != nil {
		return nil, err
	}

	res, err := synth.Run(ctx, set)
	if err != nil {
		return nil, err
	}
	stats = &res.Stats

	format, ok := export.FormatFromPath(job.OutputPath)
	if !ok {
		format = export.FormatDat
	}
	if err := w.processor.engine.ExportToFile(ctx, res.Trajectories, format, job.OutputPath,
		export.CompressionNone, export.ExportOptions{IncludeHeaders: true}); err != nil {
		return stats, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write job output")
	}

	if w.processor.sinks != nil {
		if err := w.processor.sinks.WriteTrajectories(ctx, res.Stats.RunID, res.Trajectories); err != nil {
			return stats, err
		}
	}

	runtime := time.Since(*job.StartedAt)
	if err := w.processor.runtimeLog(job).Append(export.RuntimeEntry{
		RunID:   res.Stats.RunID,
		Dataset: job.Dataset,
		Fold:    job.Fold,
		Epsilon: job.Epsilon,
		Runtime: runtime,
	}); err != nil {
		return stats, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to append runtime log")
	}

	return stats, nil
}
