package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/invoicenet/settlement/internal/rail"
)

func TestResolveFromStatusMapsRailResultToAction(t *testing.T) {
	assert.Equal(t, resolutionFinalizeCommitted, resolveFromStatus(rail.CommitCommitted))
	assert.Equal(t, resolutionFinalizeRolledBack, resolveFromStatus(rail.CommitFailed))
	assert.Equal(t, resolutionDefer, resolveFromStatus(rail.CommitIndeterminate))
}

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 48*time.Hour, cfg.PendingInvoiceMaxAge)
	assert.Equal(t, 10*time.Minute, cfg.OrphanReservationMaxAge)
	assert.Equal(t, time.Hour, cfg.OrphanLegMaxAge)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{PendingInvoiceMaxAge: 72 * time.Hour}.withDefaults()
	assert.Equal(t, 72*time.Hour, cfg.PendingInvoiceMaxAge)
}

func TestSchedulerTickRunsJobDirectlyWithoutALocker(t *testing.T) {
	s := &Scheduler{now: time.Now, shutdown: make(chan struct{})}

	ran := false
	// locker is nil here, so tick must run the job directly rather than
	// panic dereferencing a nil Locker.
	s.tick(context.Background(), "test-job", func(ctx context.Context) error {
		ran = true
		return nil
	})

	assert.True(t, ran)
}
