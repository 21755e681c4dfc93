package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "privtrace"
	AppDescription = "Differentially private synthetic trajectory generator"
	AppVersion     = "0.1.0"

	// Environment
	EnvPrefix      = "PRIVTRACE"
	ConfigFileName = ".privtrace"

	// Default configuration values
	DefaultMetricsAddr     = ""
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultShutdownTimeout = 10 * time.Second

	// Privacy defaults
	DefaultTotalEpsilon       = 2.0
	DefaultDensityShare       = 0.2
	DefaultStructureShare     = 0.4
	DefaultTransitionShare    = 0.4
	PartitionTolerance        = 1e-9
	DefaultFilterTolerance    = 1.0
	DefaultMinCellMass        = 1.0
	DefaultTrajectoryCount    = -1 // same as the input dataset
	DefaultMaxGeneratedLength = 1000
	DefaultGenerationWorkers  = 1
	DefaultSecureNoise        = true
	RowSumTolerance           = 1e-9

	// Grid sizing defaults
	DefaultLevel1Constant       = 600.0
	DefaultLevel2Constant       = 200.0
	DefaultPopulationNormalizer = 2e7
	LegacyPopulationNormalizer  = 19 // (2 * 10) xor 7
	MaxLevel1Resolution         = 60
	MaxLevel2Resolution         = 60
	MinimumLevel1Resolution     = 2

	// Experiment defaults
	DefaultExperimentFolds        = 5
	DefaultExperimentEpsilon      = 10.0
	DefaultExperimentTrajectories = 3000
	DefaultExperimentWorkers      = 4
	DefaultJobTimeout             = 2 * time.Hour
	DefaultRuntimeLogPattern      = "PrivTrace_%s_e%.1f_runtime.txt"
)

// Literature calibration constants for the paper sizing mode
const (
	CalibrationBrinkhoff = 5000.0
	CalibrationPorto     = 1200.0
	CalibrationGeoLife   = 500.0
)

// Default experiment datasets
var DefaultExperimentDatasets = []string{"PORTO", "GEOLIFE"}

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Grid sizing modes
const (
	SizingModePaper      = "paper"
	SizingModeRepository = "repository"
)

// Storage backends
const (
	StorageTypeFile   = "file"
	StorageTypeRedis  = "redis"
	StorageTypeS3     = "s3"
	StorageTypeSQLite = "sqlite"
)

// Output formats
const (
	OutputFormatDat  = "dat"
	OutputFormatCSV  = "csv"
	OutputFormatJSON = "json"
)

// Metrics
const (
	MetricsNamespace = "privtrace"
	MetricsPath      = "/metrics"
	HealthPath       = "/healthz"
)
