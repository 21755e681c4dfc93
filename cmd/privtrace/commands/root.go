package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/privtrace/cmd/privtrace/config"
	"github.com/inferloop/privtrace/internal/observability/health"
	"github.com/inferloop/privtrace/internal/observability/metrics"
	"github.com/inferloop/privtrace/internal/storage"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/interfaces"
)

// GlobalOptions holds the persistent flags of the root command.
type GlobalOptions struct {
	ConfigFile  string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// NewRootCmd builds the privtrace command tree.
func NewRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:     constants.AppName,
		Short:   constants.AppDescription,
		Version: constants.AppVersion,
		Long: `privtrace builds a differentially private two-level grid and Markov mobility
model from a trajectory dataset and samples synthetic trajectories from it.

Configuration is read from $HOME/.privtrace.yaml or --config, and can be
overridden with PRIVTRACE_* environment variables and command flags.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default is $HOME/.privtrace.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json, text)")
	rootCmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", constants.DefaultMetricsAddr, "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(NewGenerateCmd(opts))
	rootCmd.AddCommand(NewExperimentCmd(opts))
	rootCmd.AddCommand(NewInspectCmd(opts))

	return rootCmd
}

// session is the state every command starts from.
type session struct {
	config  *config.CLIConfig
	logger  *logrus.Logger
	metrics *metrics.PipelineMetrics
	out     io.Writer
	stops   []context.CancelFunc
}

func (g *GlobalOptions) open(ctx context.Context, out io.Writer) (*session, error) {
	cfg, err := config.LoadConfig(g.ConfigFile)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.LogFormat = g.LogFormat
	}
	logger := SetupLogger(cfg.LogLevel, cfg.LogFormat)

	pm, err := metrics.NewPipelineMetrics(cfg.MetricsConfig(g.MetricsAddr), logger)
	if err != nil {
		return nil, err
	}
	if err := pm.Start(ctx); err != nil {
		return nil, err
	}

	return &session{config: cfg, logger: logger, metrics: pm, out: out}, nil
}

// openSinks connects the configured sinks, records their writes and reports their
// health on the metrics endpoint.
func (s *session) openSinks(ctx context.Context, configs []interfaces.StorageConfig) (*storage.MultiSink, error) {
	sinks, err := storage.NewFactory(s.logger).Open(ctx, configs)
	if err != nil {
		return nil, err
	}
	sinks.WithMetrics(s.metrics.Sinks())

	monitor := health.NewHealthMonitor(nil, s.logger)
	for _, check := range sinks.HealthChecks(0) {
		monitor.RegisterCheck(check)
	}
	monitor.RegisterObserver(storage.SinkHealthObserver{Metrics: s.metrics.Sinks()})
	monitor.RunChecks(ctx)

	monitorCtx, stop := context.WithCancel(ctx)
	s.stops = append(s.stops, stop)
	monitor.Start(monitorCtx)
	s.metrics.SetHealthHandler(monitor)

	return sinks, nil
}

func (s *session) close() {
	for _, stop := range s.stops {
		stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	defer cancel()
	if err := s.metrics.Stop(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to stop metrics server")
	}
}

// SetupLogger returns a logger at the given level and format. Unknown levels fall
// back to info.
func SetupLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == constants.LogFormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

// printc prints header left-aligned in a 40 character column followed by values.
func printc(w io.Writer, header string, values ...interface{}) {
	fmt.Fprintf(w, "%-40s", header)
	for _, v := range values {
		fmt.Fprintf(w, " %v", v)
	}
	fmt.Fprintln(w)
}

// datasetName derives the dataset of an input file, so that data/PORTO_3.dat is PORTO.
func datasetName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.LastIndexByte(name, '_'); i > 0 {
		if _, err := strconv.Atoi(name[i+1:]); err == nil {
			name = name[:i]
		}
	}
	return name
}
