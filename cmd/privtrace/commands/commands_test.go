package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/internal/storage/implementations/file"
	"github.com/inferloop/privtrace/internal/storage/implementations/sqlite"
	"github.com/inferloop/privtrace/internal/testutil"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
)

var smallGridFlags = []string{"--level1-constant", "10", "--level2-constant", "5", "--insecure-noise", "--seed", "7", "--epsilon", "10"}

func writeDataset(t *testing.T, path string, seed int64) {
	t.Helper()
	testutil.WriteDataset(t, path, testutil.Walks(t, 120, seed))
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestGenerateToFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "PORTO_1.dat")
	output := filepath.Join(dir, "out", "porto.dat")
	writeDataset(t, input, 1)

	args := append([]string{"generate", "-i", input, "-o", output, "-n", "20"}, smallGridFlags...)
	stdout, _, err := execute(t, args...)
	require.NoError(t, err)

	set, err := file.ReadDatFile(output)
	require.NoError(t, err)
	assert.Len(t, set, 20)

	assert.Contains(t, stdout, "Dataset:")
	assert.Contains(t, stdout, "PORTO")
	assert.Contains(t, stdout, "Level-1 resolution:")
	assert.Contains(t, stdout, "Generated:")

	// Headers are padded to a 40 character column.
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		require.GreaterOrEqual(t, len(line), 41, line)
		assert.Equal(t, byte(' '), line[40], line)
	}
}

func TestGenerateToStdout(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "GEOLIFE_2.dat")
	writeDataset(t, input, 2)

	args := append([]string{"generate", "-i", input, "-n", "15"}, smallGridFlags...)
	stdout, stderr, err := execute(t, args...)
	require.NoError(t, err)

	set, err := file.ParseDat(strings.NewReader(stdout))
	require.NoError(t, err)
	assert.Len(t, set, 15)
	assert.Contains(t, stderr, "Epsilon:")
}

func TestGenerateWithSink(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "PORTO_1.dat")
	dbPath := filepath.Join(dir, "runs.db")
	writeDataset(t, input, 3)

	args := append([]string{"generate", "-i", input, "-o", filepath.Join(dir, "out.json"), "-n", "10",
		"--sink", "sqlite:" + dbPath, "--stats=false"}, smallGridFlags...)
	_, _, err := execute(t, args...)
	require.NoError(t, err)

	store, err := sqlite.NewSQLiteStorage(&sqlite.SQLiteConfig{Path: dbPath}, logrus.New())
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	defer store.Close()

	runs, err := store.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	set, err := store.ReadTrajectories(context.Background(), runs[0])
	require.NoError(t, err)
	assert.Len(t, set, 10)

	testutil.AssertFileExists(t, filepath.Join(dir, "out.json"))
}

func TestGenerateErrors(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "MYDATA_1.dat")
	writeDataset(t, input, 4)

	_, _, err := execute(t, "generate")
	assert.Error(t, err, "input is required")

	_, _, err = execute(t, "generate", "-i", filepath.Join(dir, "missing.dat"), "--insecure-noise")
	assert.Error(t, err)

	_, _, err = execute(t, "generate", "-i", input, "--sizing-mode", "paper")
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	_, _, err = execute(t, "generate", "-i", input, "--partition", "0.5,0.5")
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	_, _, err = execute(t, "generate", "-i", input, "-o", filepath.Join(dir, "out.dat"), "-f", "parquet", "--insecure-noise")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "PORTO_1.dat")
	writeDataset(t, input, 5)

	args := append([]string{"inspect", "-i", input}, smallGridFlags...)
	stdout, _, err := execute(t, args...)
	require.NoError(t, err)

	for _, header := range []string{
		"Level-1 resolution (K):",
		"Level-2 resolution histogram:",
		"kappa=",
		"Usable states:",
		"Active states:",
		"Filter threshold:",
		"Model rows:",
		"Budget transition_counts:",
	} {
		assert.Contains(t, stdout, header)
	}
	assert.NotContains(t, stdout, "Generated:")
}

func TestExperiment(t *testing.T) {
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "data")
	outputDir := filepath.Join(dir, "out")
	writeDataset(t, filepath.Join(inputDir, "PORTO_1.dat"), 6)
	writeDataset(t, filepath.Join(inputDir, "PORTO_2.dat"), 7)

	cfgPath := filepath.Join(dir, "privtrace.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("privacy:\n  level1_constant: 10\n  level2_constant: 5\n"), 0644))

	stdout, _, err := execute(t, "experiment", "--config", cfgPath,
		"--datasets", "PORTO", "--folds", "2", "--epsilons", "10",
		"-n", "12", "-w", "2", "--seed", "11", "--insecure-noise",
		"--input-dir", inputDir, "--output-dir", outputDir)
	require.NoError(t, err)

	for _, fold := range []string{"01", "02"} {
		set, err := file.ReadDatFile(filepath.Join(outputDir, "PORTO_e10.0_"+fold+"_output.dat"))
		require.NoError(t, err)
		assert.Len(t, set, 12)
	}
	testutil.AssertFileExists(t, filepath.Join(outputDir, "PrivTrace_PORTO_e10.0_runtime.txt"), "PORTO")

	assert.Contains(t, stdout, "Completed:")
}

func TestExperimentReportsFailedJobs(t *testing.T) {
	dir := t.TempDir()

	stdout, _, err := execute(t, "experiment", "--datasets", "PORTO", "--folds", "1",
		"--insecure-noise", "--input-dir", filepath.Join(dir, "none"), "--output-dir", dir)
	require.Error(t, err)

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeJobFailed, appErr.Code)
	assert.Contains(t, stdout, "PORTO fold 1 e10.0:")
}

func TestDatasetName(t *testing.T) {
	tests := map[string]string{
		"data/PORTO_3.dat":      "PORTO",
		"GEOLIFE_12.dat.gz":     "GEOLIFE",
		"/tmp/brinkhoff.dat":    "brinkhoff",
		"my_city_trips.dat":     "my_city_trips",
		"runs/_1.dat":           "_1",
		"CITY_2024_01_1.dat.gz": "CITY_2024_01",
	}
	for path, want := range tests {
		assert.Equal(t, want, datasetName(path), path)
	}
}

func TestParseSink(t *testing.T) {
	sc, err := parseSink("sqlite:out/runs.db")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StorageConfig{Type: constants.StorageTypeSQLite, ConnectionString: "out/runs.db"}, sc)

	sc, err = parseSink("redis:localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", sc.ConnectionString)

	sc, err = parseSink("S3:my-bucket")
	require.NoError(t, err)
	assert.Equal(t, constants.StorageTypeS3, sc.Type)
	assert.Equal(t, "my-bucket", sc.Database)

	_, err = parseSink("sqlite")
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger("debug", constants.LogFormatJSON)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = SetupLogger("loud", "text")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestPrintc(t *testing.T) {
	var buf bytes.Buffer
	printc(&buf, "Epsilon:", 2.5, "x")
	assert.Equal(t, "Epsilon:"+strings.Repeat(" ", 32)+" 2.5 x\n", buf.String())
}
