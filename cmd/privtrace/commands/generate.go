package commands

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/inferloop/privtrace/cmd/privtrace/config"
	"github.com/inferloop/privtrace/internal/export"
	"github.com/inferloop/privtrace/internal/pipeline"
	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/internal/storage/implementations/file"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
)

type generateOptions struct {
	privacyFlags

	Input     string
	Output    string
	Format    string
	Precision int
	Compress  bool
	Sinks     []string
	ShowStats bool
}

// privacyFlags are the parameter overrides shared by generate and inspect.
type privacyFlags struct {
	Dataset          string
	Epsilon          float64
	Partition        []float64
	SizingMode       string
	Level1Constant   float64
	Level2Constant   float64
	FilterMultiplier float64
	FallbackGrid     bool
	Trajectories     int
	MaxLength        int
	Workers          int
	Seed             int64
	InsecureNoise    bool
}

// NewGenerateCmd creates the generate command
func NewGenerateCmd(g *GlobalOptions) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate synthetic trajectories from a dataset",
		Long: `Build a differentially private mobility model from a trajectory dataset and
sample synthetic trajectories from it. The whole run spends --epsilon.`,
		Example: `  # Generate 3000 trajectories at epsilon 1
  privtrace generate --input data/PORTO_1.dat --output out/porto.dat --epsilon 1 --trajectories 3000

  # Paper sizing with the published calibration of the dataset
  privtrace generate -i data/GEOLIFE_2.dat --sizing-mode paper -o out/geolife.csv

  # Also store the run in SQLite
  privtrace generate -i data/PORTO_1.dat -o out/porto.dat --sink sqlite:out/runs.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "input dataset (.dat or .dat.gz)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "-", "output file (- for stdout)")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "", "output format (dat, csv, json); default from the output extension")
	cmd.Flags().IntVar(&opts.Precision, "precision", 0, "decimals of written coordinates (0 for exact)")
	cmd.Flags().BoolVar(&opts.Compress, "compress", false, "gzip the output file")
	cmd.Flags().StringArrayVar(&opts.Sinks, "sink", nil, "additional sink as type:target (file:DIR, sqlite:PATH, redis:ADDR, s3:BUCKET)")
	cmd.Flags().BoolVar(&opts.ShowStats, "stats", true, "print run statistics")
	opts.privacyFlags.register(cmd.Flags())

	cmd.MarkFlagRequired("input")

	return cmd
}

func (p *privacyFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&p.Dataset, "dataset", "", "dataset name for calibration (default from the input file name)")
	fs.Float64VarP(&p.Epsilon, "epsilon", "e", constants.DefaultTotalEpsilon, "total privacy budget of the run")
	fs.Float64SliceVar(&p.Partition, "partition", nil, "epsilon shares for density,structure,transition")
	fs.StringVar(&p.SizingMode, "sizing-mode", "", "level-1 grid sizing (paper, repository)")
	fs.Float64Var(&p.Level1Constant, "level1-constant", 0, "level-1 sizing constant c")
	fs.Float64Var(&p.Level2Constant, "level2-constant", constants.DefaultLevel2Constant, "level-2 sizing constant")
	fs.Float64Var(&p.FilterMultiplier, "filter-multiplier", 0, "filter threshold in Laplace scales (0 uses the tolerance rule)")
	fs.BoolVar(&p.FallbackGrid, "fallback-grid", false, "use a 2x2 grid when the noisy mass is too small")
	fs.IntVarP(&p.Trajectories, "trajectories", "n", constants.DefaultTrajectoryCount, "number of trajectories to generate (-1 for the input size)")
	fs.IntVar(&p.MaxLength, "max-length", constants.DefaultMaxGeneratedLength, "maximum generated trajectory length")
	fs.IntVar(&p.Workers, "workers", constants.DefaultGenerationWorkers, "generation workers")
	fs.Int64Var(&p.Seed, "seed", 0, "random seed (0 for a time based seed)")
	fs.BoolVar(&p.InsecureNoise, "insecure-noise", false, "use seeded floating point Laplace noise instead of the secure sampler")
}

// apply overrides the configured parameters with the flags set on the command line.
func (p *privacyFlags) apply(fs *pflag.FlagSet, cfg *config.CLIConfig) error {
	params := &cfg.Privacy
	if fs.Changed("epsilon") {
		params.TotalEpsilon = p.Epsilon
	}
	if fs.Changed("partition") {
		partition, err := privacy.PartitionFromSlice(p.Partition)
		if err != nil {
			return err
		}
		params.Partition = partition
	}
	if fs.Changed("sizing-mode") {
		params.SizingMode = privacy.SizingMode(strings.ToLower(p.SizingMode))
	}
	if fs.Changed("level1-constant") {
		params.Level1Constant = p.Level1Constant
	}
	if fs.Changed("level2-constant") {
		params.Level2Constant = p.Level2Constant
	}
	if fs.Changed("filter-multiplier") {
		params.FilterMultiplier = p.FilterMultiplier
	}
	if fs.Changed("fallback-grid") {
		params.FallbackMinimumGrid = p.FallbackGrid
	}
	if fs.Changed("trajectories") {
		params.TrajectoriesToGenerate = p.Trajectories
	}
	if fs.Changed("max-length") {
		params.MaxGeneratedLength = p.MaxLength
	}
	if fs.Changed("workers") {
		params.GenerationWorkers = p.Workers
	}
	if fs.Changed("seed") {
		params.Seed = p.Seed
	}
	if fs.Changed("insecure-noise") {
		params.SecureNoise = !p.InsecureNoise
	}
	return nil
}

func (p *privacyFlags) dataset(input string) string {
	if p.Dataset != "" {
		return p.Dataset
	}
	return datasetName(input)
}

func runGenerate(cmd *cobra.Command, g *GlobalOptions, opts *generateOptions) error {
	ctx := cmd.Context()

	s, err := g.open(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	// Keep stdout clean when the trajectories go there.
	if opts.Output == "-" {
		s.out = cmd.ErrOrStderr()
	}

	if err := opts.apply(cmd.Flags(), s.config); err != nil {
		return err
	}
	dataset := opts.dataset(opts.Input)
	params, err := s.config.ToParameters(dataset)
	if err != nil {
		return err
	}

	format, err := opts.outputFormat(s.config)
	if err != nil {
		return err
	}

	sinkConfigs := s.config.Storage
	for _, entry := range opts.Sinks {
		sc, err := parseSink(entry)
		if err != nil {
			return err
		}
		sinkConfigs = append(sinkConfigs, sc)
	}

	printParameters(s.out, dataset, opts.Input, params)

	set, err := file.ReadDatFile(opts.Input)
	if err != nil {
		return err
	}

	synth, err := pipeline.NewSynthesizer(params, nil, s.metrics, s.logger)
	if err != nil {
		return err
	}
	result, err := synth.Run(ctx, set)
	if err != nil {
		return err
	}

	engine := export.NewExportEngine(s.logger)
	exportOpts := export.ExportOptions{
		IncludeHeaders: true,
		Precision:      s.config.Output.Precision,
	}
	if cmd.Flags().Changed("precision") {
		exportOpts.Precision = opts.Precision
	}

	if opts.Output == "-" {
		if err := engine.ExportTrajectories(ctx, result.Trajectories, format, cmd.OutOrStdout(), exportOpts); err != nil {
			return err
		}
	} else {
		compression := export.CompressionNone
		if opts.Compress || s.config.Output.Compression {
			compression = export.CompressionGzip
		}
		if err := engine.ExportToFile(ctx, result.Trajectories, format, opts.Output, compression, exportOpts); err != nil {
			return err
		}
	}

	if len(sinkConfigs) > 0 {
		sinks, err := s.openSinks(ctx, sinkConfigs)
		if err != nil {
			return err
		}
		defer sinks.Close()

		if err := sinks.WriteTrajectories(ctx, result.Stats.RunID, result.Trajectories); err != nil {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":       result.Stats.RunID,
		"output":       opts.Output,
		"trajectories": len(result.Trajectories),
	}).Info("Generation completed")

	if opts.ShowStats {
		printStats(s.out, result.Stats)
	}
	return nil
}

// outputFormat resolves the format from --format, the output extension and the
// config, in that order.
func (o *generateOptions) outputFormat(cfg *config.CLIConfig) (export.ExportFormat, error) {
	name := o.Format
	if name == "" && o.Output != "-" {
		if f, ok := export.FormatFromPath(o.Output); ok {
			return f, nil
		}
	}
	if name == "" {
		name = cfg.Output.Format
	}

	format := export.ExportFormat(strings.ToLower(name))
	switch format {
	case export.FormatDat, export.FormatCSV, export.FormatJSON:
		return format, nil
	}
	return "", errors.NewValidationError(errors.CodeInvalidFormat,
		fmt.Sprintf("unsupported output format %q", name))
}

// parseSink turns type:target into a storage configuration.
func parseSink(entry string) (interfaces.StorageConfig, error) {
	kind, target, ok := strings.Cut(entry, ":")
	if !ok || kind == "" {
		return interfaces.StorageConfig{}, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("sink %q is not type:target", entry))
	}

	sc := interfaces.StorageConfig{Type: strings.ToLower(kind)}
	switch sc.Type {
	case constants.StorageTypeS3:
		sc.Database = target
	default:
		sc.ConnectionString = target
	}
	return sc, nil
}
