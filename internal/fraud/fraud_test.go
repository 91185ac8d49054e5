package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	score Score
	err   error
	calls int
}

func (f *fakeOracle) Score(ctx context.Context, invoiceID uuid.UUID) (Score, error) {
	f.calls++
	return f.score, f.err
}

func TestScoreBlocksAboveThreshold(t *testing.T) {
	assert.True(t, Score{Value: decimal.NewFromFloat(0.76)}.Blocks())
	assert.False(t, Score{Value: decimal.NewFromFloat(0.75)}.Blocks())
	assert.False(t, Score{Value: decimal.NewFromFloat(0.10)}.Blocks())
}

func TestScoreStaleAfter24Hours(t *testing.T) {
	now := time.Now()
	fresh := Score{ComputedAt: now.Add(-23 * time.Hour)}
	stale := Score{ComputedAt: now.Add(-25 * time.Hour)}

	assert.False(t, fresh.Stale(now))
	assert.True(t, stale.Stale(now))
}

func TestEvaluateUsesCachedScoreWhenFresh(t *testing.T) {
	oracle := &fakeOracle{}
	gate := New(oracle)
	cached := Score{Value: decimal.NewFromFloat(0.2), ComputedAt: time.Now()}

	score, blocks, err := gate.Evaluate(context.Background(), uuid.New(), cached)
	require.NoError(t, err)
	assert.False(t, blocks)
	assert.Equal(t, 0, oracle.calls, "a fresh cached score must not trigger a new oracle call")
	assert.True(t, score.Value.Equal(cached.Value))
}

func TestEvaluateRecomputesStaleScore(t *testing.T) {
	oracle := &fakeOracle{score: Score{Value: decimal.NewFromFloat(0.9), ComputedAt: time.Now()}}
	gate := New(oracle)
	cached := Score{Value: decimal.NewFromFloat(0.1), ComputedAt: time.Now().Add(-25 * time.Hour)}

	score, blocks, err := gate.Evaluate(context.Background(), uuid.New(), cached)
	require.NoError(t, err)
	assert.Equal(t, 1, oracle.calls)
	assert.True(t, blocks)
	assert.True(t, score.Value.Equal(decimal.NewFromFloat(0.9)))
}

func TestRecheckAtBarrierDetectsRecomputationSinceAcceptance(t *testing.T) {
	acceptedAt := time.Now().Add(-time.Minute)
	recomputedAt := time.Now()

	oracle := &fakeOracle{}
	gate := New(oracle)

	// Simulate: the current persisted score was recomputed after acceptance
	// but is itself still fresh, so Evaluate won't refetch it — the
	// mismatch against acceptedAt is what must catch the problem.
	current := Score{Value: decimal.NewFromFloat(0.1), ComputedAt: recomputedAt}

	_, _, err := gate.RecheckAtBarrier(context.Background(), uuid.New(), current, acceptedAt)
	assert.Error(t, err)
}

func TestRecheckAtBarrierPassesWhenTimestampMatches(t *testing.T) {
	acceptedAt := time.Now().Add(-time.Minute)
	oracle := &fakeOracle{}
	gate := New(oracle)
	current := Score{Value: decimal.NewFromFloat(0.1), ComputedAt: acceptedAt}

	_, blocks, err := gate.RecheckAtBarrier(context.Background(), uuid.New(), current, acceptedAt)
	require.NoError(t, err)
	assert.False(t, blocks)
}
