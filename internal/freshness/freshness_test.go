package freshness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStaleAfterMaxAge(t *testing.T) {
	capturedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(capturedAt, time.Hour)

	assert.False(t, w.Stale(capturedAt.Add(59*time.Minute)))
	assert.True(t, w.Stale(capturedAt.Add(61*time.Minute)))
}

func TestRemainingTTLNeverNegative(t *testing.T) {
	capturedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(capturedAt, time.Minute)

	assert.Equal(t, time.Duration(0), w.RemainingTTL(capturedAt.Add(10*time.Minute)))
}

func TestAgeMatchesElapsed(t *testing.T) {
	capturedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(capturedAt, 6*time.Hour)

	assert.Equal(t, 90*time.Minute, w.Age(capturedAt.Add(90*time.Minute)))
}
