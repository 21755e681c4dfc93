// Package testutil holds dataset builders and assertions shared by the tests.
package testutil

import (
	"context"
	"math"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/internal/export"
	"github.com/inferloop/privtrace/internal/generators/walk"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// Logger returns a logger that stays quiet unless the tests run with -v.
func Logger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	if testing.Verbose() {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.ErrorLevel)
	}
	return logger
}

// Context returns a context cancelled after timeout or at the end of the test.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Walks returns n random walks of 3 to 8 points on a 100x100 square.
func Walks(t testing.TB, n int, seed int64) models.TrajectorySet {
	t.Helper()
	cfg := walk.DefaultConfig()
	cfg.Count = n
	set, err := walk.Generate(rand.New(rand.NewSource(seed)), cfg)
	require.NoError(t, err)
	return set
}

// WriteDataset writes set to path in the dat format, creating parent directories.
func WriteDataset(t testing.TB, path string, set models.TrajectorySet) {
	t.Helper()
	require.NoError(t, export.NewExportEngine(nil).ExportToFile(context.Background(), set,
		export.FormatDat, path, export.CompressionNone, export.ExportOptions{}))
}

// AssertTrajectories checks that set holds n non-empty trajectories of at most
// maxLen finite points. maxLen <= 0 skips the length check.
func AssertTrajectories(t *testing.T, set models.TrajectorySet, n, maxLen int) {
	t.Helper()

	require.Len(t, set, n, "trajectory count")
	for i, traj := range set {
		require.NotEmpty(t, traj, "trajectory %d is empty", i)
		if maxLen > 0 {
			assert.LessOrEqual(t, len(traj), maxLen, "trajectory %d is too long", i)
		}
		for j, p := range traj {
			require.False(t, math.IsNaN(p.X) || math.IsNaN(p.Y), "trajectory %d point %d is NaN", i, j)
			require.False(t, math.IsInf(p.X, 0) || math.IsInf(p.Y, 0), "trajectory %d point %d is infinite", i, j)
		}
	}
}

// AssertWithin checks that every point of set lies in the box [min, max] up to
// a small tolerance.
func AssertWithin(t *testing.T, set models.TrajectorySet, min, max models.Point) {
	t.Helper()

	const tolerance = 1e-9
	for i, traj := range set {
		for j, p := range traj {
			if p.X < min.X-tolerance || p.X > max.X+tolerance || p.Y < min.Y-tolerance || p.Y > max.Y+tolerance {
				t.Errorf("trajectory %d point %d (%v, %v) outside [%v, %v]", i, j, p.X, p.Y, min, max)
				return
			}
		}
	}
}

// AssertFileExists asserts that path exists and contains every expected string.
func AssertFileExists(t *testing.T, path string, expectedContent ...string) {
	t.Helper()

	require.FileExists(t, path)
	if len(expectedContent) == 0 {
		return
	}
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, expected := range expectedContent {
		assert.Contains(t, string(content), expected)
	}
}

// AssertValidationErrors asserts that err aggregates a validation failure for
// every named field.
func AssertValidationErrors(t *testing.T, err error, fields ...string) {
	t.Helper()

	var ve *errors.ValidationErrors
	require.ErrorAs(t, err, &ve)

	got := make(map[string]bool, len(ve.Errors))
	for _, detail := range ve.Errors {
		got[detail.Field] = true
	}
	for _, field := range fields {
		assert.True(t, got[field], "no validation error for %q in %v", field, err)
	}
}
