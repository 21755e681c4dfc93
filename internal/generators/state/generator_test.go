package state

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/internal/markov"
	"github.com/inferloop/privtrace/pkg/models"
)

const (
	a     = 0
	b     = 1
	start = 2
	end   = 3
)

func newModel(t *testing.T, rows map[int][]markov.Transition) *markov.Model {
	t.Helper()
	m, err := markov.NewModel(start, end, rows)
	require.NoError(t, err)
	return m
}

func TestGenerateDeterministicChain(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{
		start: {{To: a, Probability: 1}},
		a:     {{To: end, Probability: 1}},
	})
	g := NewGenerator(m, Config{}, logrus.New())

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		traj, truncated := g.Generate(rng)
		assert.False(t, truncated)
		assert.Equal(t, models.StateTrajectory{start, a, end}, traj)
	}
}

func TestGenerateEmptyTrajectory(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{
		start: {{To: end, Probability: 1}},
	})
	g := NewGenerator(m, Config{}, nil)

	traj, truncated := g.Generate(rand.New(rand.NewSource(1)))
	assert.False(t, truncated)
	assert.Equal(t, models.StateTrajectory{start, end}, traj)
}

func TestGenerateTruncatesCycle(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{
		start: {{To: a, Probability: 1}},
		a:     {{To: a, Probability: 1}},
	})
	g := NewGenerator(m, Config{MaxLength: 10}, nil)

	traj, truncated := g.Generate(rand.New(rand.NewSource(1)))
	assert.True(t, truncated)
	require.Len(t, traj, 11)
	assert.Equal(t, start, traj[0])
	assert.NotEqual(t, end, traj[len(traj)-1])
}

func TestGenerateTerminatesWithinCap(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{
		start: {{To: a, Probability: 1}, {To: b, Probability: 1}},
		a:     {{To: b, Probability: 0.7}, {To: end, Probability: 0.3}},
		b:     {{To: a, Probability: 0.7}, {To: end, Probability: 0.3}},
	})
	g := NewGenerator(m, Config{MaxLength: 25}, nil)

	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 500; i++ {
		traj, truncated := g.Generate(rng)
		assert.LessOrEqual(t, len(traj), 25+2)
		if !truncated {
			assert.Equal(t, end, traj[len(traj)-1])
		}
		for _, s := range traj[1:] {
			assert.NotEqual(t, start, s)
		}
	}
}

func TestGenerateNIndependentOfWorkers(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{
		start: {{To: a, Probability: 0.5}, {To: b, Probability: 0.5}},
		a:     {{To: a, Probability: 0.4}, {To: b, Probability: 0.3}, {To: end, Probability: 0.3}},
		b:     {{To: a, Probability: 0.5}, {To: end, Probability: 0.5}},
	})
	ctx := context.Background()

	serial, stats, err := NewGenerator(m, Config{Workers: 1}, nil).GenerateN(ctx, 300, 99)
	require.NoError(t, err)
	assert.Equal(t, 300, stats.Generated)
	require.Len(t, serial, 300)

	parallel, _, err := NewGenerator(m, Config{Workers: 8}, nil).GenerateN(ctx, 300, 99)
	require.NoError(t, err)

	if diff := cmp.Diff(serial, parallel); diff != "" {
		t.Errorf("output depends on worker count (-serial +parallel):\n%s", diff)
	}
}

func TestGenerateNCountsTruncated(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{
		start: {{To: a, Probability: 1}},
		a:     {{To: a, Probability: 1}},
	})

	out, stats, err := NewGenerator(m, Config{MaxLength: 3}, nil).GenerateN(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, 5, stats.Truncated)
	assert.Zero(t, stats.Empty)
}

func TestGenerateNZeroAndNegative(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{start: {{To: end, Probability: 1}}})
	g := NewGenerator(m, Config{}, nil)

	out, stats, err := g.GenerateN(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, stats.Generated)

	_, _, err = g.GenerateN(context.Background(), -1, 1)
	assert.Error(t, err)
}

func TestGenerateNCancelled(t *testing.T) {
	m := newModel(t, map[int][]markov.Transition{start: {{To: end, Probability: 1}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 4} {
		_, _, err := NewGenerator(m, Config{Workers: workers}, nil).GenerateN(ctx, 100, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	}
}
