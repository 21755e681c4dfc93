package walk

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

func TestGenerateBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 200
	cfg.Origin = models.Point{X: -8.7, Y: 41.1}
	cfg.Extent = 0.2
	cfg.Step = 0.05

	set, err := Generate(rand.New(rand.NewSource(1)), cfg)
	require.NoError(t, err)
	require.Len(t, set, 200)

	for _, traj := range set {
		assert.GreaterOrEqual(t, len(traj), cfg.MinLength)
		assert.LessOrEqual(t, len(traj), cfg.MaxLength)
		for _, p := range traj {
			assert.InDelta(t, -8.6, p.X, 0.1+1e-9)
			assert.InDelta(t, 41.2, p.Y, 0.1+1e-9)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 50
	cfg.Hotspots = 3

	a, err := Generate(rand.New(rand.NewSource(9)), cfg)
	require.NoError(t, err)
	b, err := Generate(rand.New(rand.NewSource(9)), cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateFixedLength(t *testing.T) {
	cfg := Config{Count: 10, Extent: 1, MinLength: 4, MaxLength: 4}

	set, err := Generate(rand.New(rand.NewSource(2)), cfg)
	require.NoError(t, err)
	for _, traj := range set {
		require.Len(t, traj, 4)
		// Zero step keeps every walk in place.
		for _, p := range traj {
			assert.Equal(t, traj[0], p)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{Count: -1, Extent: 0, MinLength: 0, MaxLength: -1, Step: -1, Hotspots: -2}
	err := cfg.Validate()
	require.Error(t, err)

	var ve *errors.ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 6)
	assert.True(t, errors.IsConfigurationError(err))

	_, err = Generate(rand.New(rand.NewSource(1)), cfg)
	assert.Error(t, err)
	assert.NoError(t, DefaultConfig().Validate())
}
