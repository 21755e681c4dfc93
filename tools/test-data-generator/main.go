// Command test-data-generator writes random-walk fold files in the layout the
// experiment command reads: <output>/<DATASET>_<fold>.dat.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/export"
	"github.com/inferloop/privtrace/internal/generators"
	"github.com/inferloop/privtrace/internal/generators/walk"
	"github.com/inferloop/privtrace/pkg/errors"
)

// Config describes the datasets to generate.
type Config struct {
	Datasets  []string    `json:"datasets"`
	Folds     int         `json:"folds"`
	OutputDir string      `json:"output_dir"`
	Seed      int64       `json:"seed"`
	Precision int         `json:"precision"`
	Walk      walk.Config `json:"walk"`
}

// Generator writes the fold files of a Config.
type Generator struct {
	config *Config
	logger *logrus.Logger
	engine *export.ExportEngine
}

func main() {
	var (
		configFile = flag.String("config", "", "JSON configuration file")
		datasets   = flag.String("datasets", "SYNTH", "comma separated dataset names")
		folds      = flag.Int("folds", 5, "folds per dataset")
		count      = flag.Int("trajectories", 1000, "trajectories per fold")
		hotspots   = flag.Int("hotspots", 8, "density hotspots, 0 for uniform starts")
		output     = flag.String("output", "data", "output directory")
		seed       = flag.Int64("seed", 1, "random seed")
		verbose    = flag.Bool("verbose", false, "enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var config *Config
	if *configFile != "" {
		var err error
		config, err = loadConfig(*configFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load config")
		}
	} else {
		config = getDefaultConfig()
		config.Datasets = strings.Split(*datasets, ",")
		config.Folds = *folds
		config.Walk.Count = *count
		config.Walk.Hotspots = *hotspots
		config.OutputDir = *output
		config.Seed = *seed
	}

	generator := NewGenerator(config, logger)

	logger.WithFields(logrus.Fields{
		"datasets":     config.Datasets,
		"folds":        config.Folds,
		"trajectories": config.Walk.Count,
		"output_dir":   config.OutputDir,
	}).Info("Starting test data generation")

	paths, err := generator.Generate(context.Background())
	if err != nil {
		logger.WithError(err).Fatal("Failed to generate test data")
	}

	logger.WithField("files", len(paths)).Info("Test data generation completed")
}

// NewGenerator creates a generator.
func NewGenerator(config *Config, logger *logrus.Logger) *Generator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Generator{
		config: config,
		logger: logger,
		engine: export.NewExportEngine(logger),
	}
}

// Generate writes every fold of every dataset and returns the written paths.
// Fold f of the dataset at index d always draws from the same stream, so a
// fixed seed reproduces the files.
func (g *Generator) Generate(ctx context.Context) ([]string, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}

	var paths []string
	for d, dataset := range g.config.Datasets {
		for fold := 1; fold <= g.config.Folds; fold++ {
			if err := ctx.Err(); err != nil {
				return paths, err
			}

			rng := generators.Stream(g.config.Seed, generators.StageTestData, d*g.config.Folds+fold-1)
			set, err := walk.Generate(rng, g.config.Walk)
			if err != nil {
				return paths, err
			}

			path := filepath.Join(g.config.OutputDir, fmt.Sprintf("%s_%d.dat", dataset, fold))
			if err := g.engine.ExportToFile(ctx, set, export.FormatDat, path, export.CompressionNone,
				export.ExportOptions{Precision: g.config.Precision}); err != nil {
				return paths, err
			}

			g.logger.WithFields(logrus.Fields{
				"dataset": dataset,
				"fold":    fold,
				"points":  set.PointCount(),
			}).Debug("Wrote fold")
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (g *Generator) validate() error {
	if len(g.config.Datasets) == 0 {
		return errors.NewValidationError(errors.CodeMissingField, "at least one dataset is required")
	}
	for _, dataset := range g.config.Datasets {
		if dataset == "" || strings.ContainsAny(dataset, `/\`) {
			return errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("invalid dataset name %q", dataset))
		}
	}
	if g.config.Folds < 1 {
		return errors.NewValidationError(errors.CodeOutOfRange, "folds must be at least 1")
	}
	return g.config.Walk.Validate()
}

func loadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	config := getDefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfiguration,
			fmt.Sprintf("failed to parse %s: %v", filename, err))
	}
	return config, nil
}

func getDefaultConfig() *Config {
	w := walk.DefaultConfig()
	w.Hotspots = 8
	return &Config{
		Datasets:  []string{"SYNTH"},
		Folds:     5,
		OutputDir: "data",
		Seed:      1,
		Precision: 6,
		Walk:      w,
	}
}
