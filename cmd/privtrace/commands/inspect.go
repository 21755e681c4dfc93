package commands

import (
	"github.com/spf13/cobra"

	"github.com/inferloop/privtrace/internal/pipeline"
	"github.com/inferloop/privtrace/internal/storage/implementations/file"
)

type inspectOptions struct {
	privacyFlags

	Input string
}

// NewInspectCmd creates the inspect command
func NewInspectCmd(g *GlobalOptions) *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Build the private grid and model of a dataset and print their shape",
		Long: `Run discretization and model building without generating trajectories, and
print the level-1 resolution, the level-2 resolution histogram, the number of
usable and active states, the filter threshold and row statistics.

Inspection spends the privacy budget of the grid and model releases.`,
		Example: `  privtrace inspect --input data/PORTO_1.dat --epsilon 1 --insecure-noise --seed 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "input dataset (.dat or .dat.gz)")
	opts.privacyFlags.register(cmd.Flags())
	cmd.MarkFlagRequired("input")

	return cmd
}

func runInspect(cmd *cobra.Command, g *GlobalOptions, opts *inspectOptions) error {
	ctx := cmd.Context()

	s, err := g.open(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	if err := opts.apply(cmd.Flags(), s.config); err != nil {
		return err
	}
	dataset := opts.dataset(opts.Input)
	params, err := s.config.ToParameters(dataset)
	if err != nil {
		return err
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
	result, err := synth.BuildModel(ctx, set)
	if err != nil {
		return err
	}

	printInspection(s.out, result)
	return nil
}
