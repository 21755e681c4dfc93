package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/inferloop/privtrace/internal/observability/metrics"
	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/internal/processors/batch"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
)

// CLIConfig is the configuration shared by every command. It is read from
// $HOME/.privtrace.yaml (or --config) and PRIVTRACE_* environment variables.
type CLIConfig struct {
	LogLevel   string                     `mapstructure:"log_level"`
	LogFormat  string                     `mapstructure:"log_format"`
	Privacy    privacy.Parameters         `mapstructure:"privacy"`
	Output     OutputConfig               `mapstructure:"output"`
	Storage    []interfaces.StorageConfig `mapstructure:"storage"`
	Experiment batch.Config               `mapstructure:"experiment"`
	Metrics    metrics.Config             `mapstructure:"metrics"`
}

// OutputConfig controls how synthetic trajectories are written.
type OutputConfig struct {
	Format      string `mapstructure:"format"`
	Precision   int    `mapstructure:"precision"`
	Compression bool   `mapstructure:"compression"`
}

// LoadConfig reads the configuration. A missing default config file is not an error;
// a missing explicit one is.
func LoadConfig(cfgFile string) (*CLIConfig, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(constants.ConfigFileName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfiguration,
				"failed to read config file")
		}
	}

	config := &CLIConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfiguration,
			"failed to decode config")
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", constants.DefaultLogLevel)
	v.SetDefault("log_format", constants.DefaultLogFormat)

	p := privacy.DefaultParameters()
	v.SetDefault("privacy.total_epsilon", p.TotalEpsilon)
	v.SetDefault("privacy.epsilon_partition.density", p.Partition.Density)
	v.SetDefault("privacy.epsilon_partition.structure", p.Partition.Structure)
	v.SetDefault("privacy.epsilon_partition.transition", p.Partition.Transition)
	v.SetDefault("privacy.sizing_mode", string(p.SizingMode))
	v.SetDefault("privacy.level1_constant", p.Level1Constant)
	v.SetDefault("privacy.level2_constant", p.Level2Constant)
	v.SetDefault("privacy.population_density", p.PopulationDensity)
	v.SetDefault("privacy.population_normalizer", p.PopulationNormalizer)
	v.SetDefault("privacy.max_level1", p.MaxLevel1)
	v.SetDefault("privacy.max_level2", p.MaxLevel2)
	v.SetDefault("privacy.fallback_minimum_grid", p.FallbackMinimumGrid)
	v.SetDefault("privacy.min_cell_mass", p.MinCellMass)
	v.SetDefault("privacy.filter_multiplier", p.FilterMultiplier)
	v.SetDefault("privacy.filter_tolerance", p.FilterTolerance)
	v.SetDefault("privacy.trajectory_number_to_generate", p.TrajectoriesToGenerate)
	v.SetDefault("privacy.max_generated_length", p.MaxGeneratedLength)
	v.SetDefault("privacy.generation_workers", p.GenerationWorkers)
	v.SetDefault("privacy.seed", p.Seed)
	v.SetDefault("privacy.secure_noise", p.SecureNoise)

	v.SetDefault("output.format", constants.OutputFormatDat)
	v.SetDefault("output.precision", 0)
	v.SetDefault("output.compression", false)

	e := batch.DefaultConfig()
	v.SetDefault("experiment.datasets", e.Datasets)
	v.SetDefault("experiment.folds", e.Folds)
	v.SetDefault("experiment.epsilons", e.Epsilons)
	v.SetDefault("experiment.trajectories", e.Trajectories)
	v.SetDefault("experiment.input_dir", e.InputDir)
	v.SetDefault("experiment.output_dir", e.OutputDir)
	v.SetDefault("experiment.max_workers", e.MaxWorkers)
	v.SetDefault("experiment.job_timeout", e.JobTimeout)
	v.SetDefault("experiment.runtime_log", e.RuntimeLog)
	v.SetDefault("experiment.output_format", e.OutputFormat)
	v.SetDefault("experiment.use_calibrated", e.UseCalibrated)

	m := metrics.DefaultConfig()
	v.SetDefault("metrics.enabled", m.Enabled)
	v.SetDefault("metrics.address", m.Address)
	v.SetDefault("metrics.path", m.Path)
	v.SetDefault("metrics.namespace", m.Namespace)
}

// ToParameters returns the privacy parameters for a run over dataset. In paper sizing
// mode without an explicit constant, the published calibration of a known dataset is
// used.
func (c *CLIConfig) ToParameters(dataset string) (privacy.Parameters, error) {
	params := c.Privacy
	if params.SizingMode == privacy.SizingModePaper && params.Level1Constant <= 0 {
		constant, ok := privacy.CalibrationConstant(dataset)
		if !ok {
			return params, errors.NewConfigurationError(errors.CodeMissingCalibration,
				fmt.Sprintf("no calibration constant for dataset %q; set privacy.level1_constant", dataset))
		}
		params.Level1Constant = constant
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// MetricsConfig returns the metrics configuration with addr, when set, enabling the
// endpoint.
func (c *CLIConfig) MetricsConfig(addr string) *metrics.Config {
	m := c.Metrics
	if addr != "" {
		m.Enabled = true
		m.Address = addr
	}
	if m.Path == "" {
		m.Path = constants.MetricsPath
	}
	if m.Namespace == "" {
		m.Namespace = constants.MetricsNamespace
	}
	return &m
}
