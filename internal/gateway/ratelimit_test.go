package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsUpToMaxWithinWindow(t *testing.T) {
	r := NewRateLimiter(3, time.Minute)

	assert.True(t, r.Allow("1.2.3.4"))
	assert.True(t, r.Allow("1.2.3.4"))
	assert.True(t, r.Allow("1.2.3.4"))
	assert.False(t, r.Allow("1.2.3.4"), "fourth request within the window must be rejected")
}

func TestRateLimiterTracksKeysIndependently(t *testing.T) {
	r := NewRateLimiter(1, time.Minute)

	assert.True(t, r.Allow("a"))
	assert.True(t, r.Allow("b"), "a different key must have its own budget")
	assert.False(t, r.Allow("a"))
}

func TestRateLimiterZeroMaxDisablesLimiting(t *testing.T) {
	r := NewRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, r.Allow("anyone"))
	}
}

func TestRateLimiterPrunesExpiredHits(t *testing.T) {
	r := NewRateLimiter(1, 10*time.Millisecond)

	assert.True(t, r.Allow("x"))
	assert.False(t, r.Allow("x"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.Allow("x"), "hits older than the window must be pruned")
}
