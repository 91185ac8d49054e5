package outcome_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/invoicenet/settlement/internal/outcome"
)

func TestReducePicksMostSevere(t *testing.T) {
	outcomes := []outcome.Outcome{
		outcome.OK(),
		outcome.Reject(outcome.KindValidation, "amount out of range"),
		outcome.Abort(outcome.KindRail, "prepare rejected"),
	}

	got := outcome.Reduce(outcomes)
	assert.Equal(t, outcome.DispositionAbort, got.Disposition)
	assert.Equal(t, outcome.KindRail, got.Kind)
}

func TestReduceAllOK(t *testing.T) {
	got := outcome.Reduce([]outcome.Outcome{outcome.OK(), outcome.OK()})
	assert.True(t, got.IsOK())
}

func TestFreezeOutranksAbort(t *testing.T) {
	got := outcome.Reduce([]outcome.Outcome{
		outcome.Abort(outcome.KindRail, "commit failed"),
		outcome.Freeze("post-check violated with committed legs"),
	})
	assert.Equal(t, outcome.DispositionFreeze, got.Disposition)
}
