package rail

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectAndPreparePicksHighestPriorityHealthyRail(t *testing.T) {
	fast := NewSimRail("fast-ach", 1)
	slow := NewSimRail("slow-swift", 2)
	router := NewRouter([]Adapter{slow, fast}, 30*time.Second)

	a, token, err := router.SelectAndPrepare(context.Background(), uuid.New(), uuid.New(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "fast-ach", a.Name())
	assert.Equal(t, "fast-ach", token.RailName)
}

func TestSelectAndPrepareFallsThroughOnReject(t *testing.T) {
	fast := NewSimRail("fast-ach", 1)
	fast.RejectNextPrepare()
	slow := NewSimRail("slow-swift", 2)
	router := NewRouter([]Adapter{fast, slow}, 30*time.Second)

	a, _, err := router.SelectAndPrepare(context.Background(), uuid.New(), uuid.New(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "slow-swift", a.Name())
}

func TestSelectAndPrepareSkipsUnhealthyRail(t *testing.T) {
	fast := NewSimRail("fast-ach", 1)
	fast.SetHealthy(false)
	slow := NewSimRail("slow-swift", 2)
	router := NewRouter([]Adapter{fast, slow}, 30*time.Second)

	a, _, err := router.SelectAndPrepare(context.Background(), uuid.New(), uuid.New(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "slow-swift", a.Name())
}

func TestSelectAndPrepareSkipsStaleHealthProbe(t *testing.T) {
	stale := NewSimRail("stale-rail", 1)
	router := NewRouter([]Adapter{stale}, -time.Second) // any probe age counts as stale

	_, _, err := router.SelectAndPrepare(context.Background(), uuid.New(), uuid.New(), decimal.NewFromInt(1000))
	assert.Error(t, err)
}

func TestSimRailCommitAndStatusRoundTrip(t *testing.T) {
	r := NewSimRail("ach", 1)
	settlementID := uuid.New()

	token, ok, err := r.Prepare(context.Background(), settlementID, uuid.New(), decimal.NewFromInt(500))
	require.NoError(t, err)
	require.True(t, ok)

	result, err := r.Commit(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, CommitCommitted, result)

	status, err := r.Status(context.Background(), settlementID)
	require.NoError(t, err)
	assert.Equal(t, CommitCommitted, status)
}

func TestSimRailRollbackClearsReservation(t *testing.T) {
	r := NewSimRail("ach", 1)
	settlementID := uuid.New()

	token, _, _ := r.Prepare(context.Background(), settlementID, uuid.New(), decimal.NewFromInt(500))
	require.NoError(t, r.Rollback(context.Background(), token))

	status, err := r.Status(context.Background(), settlementID)
	require.NoError(t, err)
	assert.Equal(t, CommitFailed, status)
}

func TestSimRailIndeterminateCommitResolvesViaStatus(t *testing.T) {
	r := NewSimRail("ach", 1)
	settlementID := uuid.New()

	token, _, _ := r.Prepare(context.Background(), settlementID, uuid.New(), decimal.NewFromInt(500))
	r.IndeterminateNextCommit()

	result, err := r.Commit(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, CommitIndeterminate, result)

	status, err := r.Status(context.Background(), settlementID)
	require.NoError(t, err)
	assert.Equal(t, CommitCommitted, status, "the rail resolves indeterminate commits to committed behind the scenes, discoverable via status")
}
