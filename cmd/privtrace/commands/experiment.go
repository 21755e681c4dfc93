package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inferloop/privtrace/internal/processors/batch"
	"github.com/inferloop/privtrace/internal/storage"
	"github.com/inferloop/privtrace/pkg/errors"
)

type experimentOptions struct {
	Datasets      []string
	Folds         int
	Epsilons      []float64
	Trajectories  int
	InputDir      string
	OutputDir     string
	Workers       int
	Format        string
	UseCalibrated bool
	Seed          int64
	InsecureNoise bool
}

// NewExperimentCmd creates the experiment command
func NewExperimentCmd(g *GlobalOptions) *cobra.Command {
	opts := &experimentOptions{}

	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Run the synthesis over every dataset, fold and epsilon",
		Long: `Run one independent synthesis per dataset, fold and epsilon. Fold f of dataset
D is read from <input-dir>/D_f.dat and written to
<output-dir>/D_e<eps>_<ff>_output.<format>. The runtime of every job is
appended to a runtime log per dataset and epsilon in the output directory.

A failing job is reported and does not stop the others.`,
		Example: `  # Defaults: PORTO and GEOLIFE, 5 folds, epsilon 10, 3000 trajectories
  privtrace experiment --input-dir data --output-dir out

  # Sweep epsilon on one dataset with 8 workers
  privtrace experiment --datasets PORTO --epsilons 0.5,1,2 --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd, g, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Datasets, "datasets", nil, "datasets to run")
	cmd.Flags().IntVar(&opts.Folds, "folds", 0, "folds per dataset, numbered from 1")
	cmd.Flags().Float64SliceVar(&opts.Epsilons, "epsilons", nil, "total epsilon of each run")
	cmd.Flags().IntVarP(&opts.Trajectories, "trajectories", "n", 0, "trajectories generated per run (-1 for the input size)")
	cmd.Flags().StringVar(&opts.InputDir, "input-dir", "", "directory of the fold files")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "directory of the outputs and runtime logs")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "concurrent jobs")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "", "output format (dat, csv, json)")
	cmd.Flags().BoolVar(&opts.UseCalibrated, "calibrated", false, "use paper sizing with the published constant of each known dataset")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "base seed; each job derives its own")
	cmd.Flags().BoolVar(&opts.InsecureNoise, "insecure-noise", false, "use seeded floating point Laplace noise instead of the secure sampler")

	return cmd
}

func (o *experimentOptions) apply(cmd *cobra.Command, cfg *batch.Config) {
	fs := cmd.Flags()
	if fs.Changed("datasets") {
		cfg.Datasets = o.Datasets
	}
	if fs.Changed("folds") {
		cfg.Folds = o.Folds
	}
	if fs.Changed("epsilons") {
		cfg.Epsilons = o.Epsilons
	}
	if fs.Changed("trajectories") {
		cfg.Trajectories = o.Trajectories
	}
	if fs.Changed("input-dir") {
		cfg.InputDir = o.InputDir
	}
	if fs.Changed("output-dir") {
		cfg.OutputDir = o.OutputDir
	}
	if fs.Changed("workers") {
		cfg.MaxWorkers = o.Workers
	}
	if fs.Changed("format") {
		cfg.OutputFormat = strings.ToLower(o.Format)
	}
	if fs.Changed("calibrated") {
		cfg.UseCalibrated = o.UseCalibrated
	}
}

func runExperiment(cmd *cobra.Command, g *GlobalOptions, opts *experimentOptions) error {
	ctx := cmd.Context()

	s, err := g.open(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	expCfg := s.config.Experiment
	opts.apply(cmd, &expCfg)

	if cmd.Flags().Changed("seed") {
		s.config.Privacy.Seed = opts.Seed
	}
	if cmd.Flags().Changed("insecure-noise") {
		s.config.Privacy.SecureNoise = !opts.InsecureNoise
	}

	// Epsilon, trajectory count and calibration are set per job.
	params := s.config.Privacy

	printc(s.out, "Datasets:", strings.Join(expCfg.Datasets, ","))
	printc(s.out, "Folds:", expCfg.Folds)
	printc(s.out, "Epsilons:", formatFloats(expCfg.Epsilons))
	printc(s.out, "Trajectories per run:", expCfg.Trajectories)
	printc(s.out, "Input directory:", expCfg.InputDir)
	printc(s.out, "Output directory:", expCfg.OutputDir)
	printc(s.out, "Workers:", expCfg.MaxWorkers)

	var sinks *storage.MultiSink
	if len(s.config.Storage) > 0 {
		sinks, err = s.openSinks(ctx, s.config.Storage)
		if err != nil {
			return err
		}
		defer sinks.Close()
	}

	processor, err := batch.NewProcessor(&expCfg, params, sinks, s.metrics, s.logger)
	if err != nil {
		return err
	}

	summary, runErr := processor.Run(ctx)
	if summary != nil {
		printSummary(s.out, summary)
	}
	if runErr != nil {
		return runErr
	}
	if summary.Failed > 0 {
		return errors.NewAppError(errors.ErrorTypeJob, errors.CodeJobFailed,
			fmt.Sprintf("%d of %d experiment jobs failed", summary.Failed, summary.Total))
	}
	return nil
}

func printSummary(w io.Writer, summary *batch.Summary) {
	for _, r := range summary.Results {
		if r.Status == batch.StatusCompleted {
			continue
		}
		printc(w, fmt.Sprintf("%s fold %d e%.1f:", r.Job.Dataset, r.Job.Fold, r.Job.Epsilon), r.Status, r.Error)
	}
	printc(w, "Jobs:", summary.Total)
	printc(w, "Completed:", summary.Completed)
	printc(w, "Failed:", summary.Failed)
	printc(w, "Cancelled:", summary.Cancelled)
	printc(w, "Duration:", summary.Duration.Round(time.Millisecond))
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
