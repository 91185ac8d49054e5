// Package rail defines the uniform payment-rail adapter contract and the
// priority-ordered selection that picks a healthy rail for a settlement
// leg. ACH/RTP/FedNow/SWIFT are out of scope per the system boundary —
// reachable only through the HTTP adapter's uniform shape.
package rail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/pkg/circuit"
)

// CommitResult is the terminal or provisional outcome of a commit call.
type CommitResult string

const (
	CommitCommitted    CommitResult = "committed"
	CommitIndeterminate CommitResult = "indeterminate"
	CommitFailed        CommitResult = "failed"
)

// Token identifies a prepared reservation on a specific rail, opaque to
// the coordinator.
type Token struct {
	RailName string
	Value    string
}

// Health is a rail's self-reported status as of a point in time.
type Health struct {
	Up        bool
	LatencyMS int64
	CheckedAt time.Time
}

// Stale reports whether the health probe is older than maxAge.
func (h Health) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(h.CheckedAt) > maxAge
}

// Adapter is the uniform contract every payment rail implements. prepare
// returns ok=false (no token) on a definite rejection — the coordinator
// tries the next rail in priority order in that case, never on a timeout,
// which is instead surfaced as an error.
type Adapter interface {
	Name() string
	Priority() int
	Prepare(ctx context.Context, settlementID uuid.UUID, account uuid.UUID, amount decimal.Decimal) (Token, bool, error)
	Commit(ctx context.Context, token Token) (CommitResult, error)
	Rollback(ctx context.Context, token Token) error
	Status(ctx context.Context, settlementID uuid.UUID) (CommitResult, error)
	Health(ctx context.Context) (Health, error)
}

// Router orders adapters by priority and skips any whose health probe is
// stale or whose circuit breaker is open, independent of what the probe
// itself reports.
type Router struct {
	adapters  []Adapter
	breakers  *circuit.Group
	healthMax time.Duration
}

// NewRouter builds a Router over adapters, sorted ascending by Priority
// (lower runs first). healthMaxAge bounds how old a health probe may be
// before the rail is skipped regardless of what it reports.
func NewRouter(adapters []Adapter, healthMaxAge time.Duration) *Router {
	sorted := make([]Adapter, len(adapters))
	copy(sorted, adapters)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Priority() > sorted[j].Priority(); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	return &Router{
		adapters: sorted,
		breakers: circuit.NewGroup(circuit.Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 1}),
		healthMax: healthMaxAge,
	}
}

// Breakers exposes the per-adapter breaker group for an operator health
// view.
func (r *Router) Breakers() *circuit.Group { return r.breakers }

// SelectAndPrepare tries each adapter in priority order, skipping any
// with a stale health probe or an open breaker, and stops at the first
// one whose Prepare call succeeds. Only a clean reject moves on to the
// next rail; a Prepare error is returned at once. Once a rail accepts prepare, the rest
// of the settlement stays on it — callers remember the returned adapter
// name and reuse it for Commit/Rollback/Status.
func (r *Router) SelectAndPrepare(ctx context.Context, settlementID, account uuid.UUID, amount decimal.Decimal) (Adapter, Token, error) {
	var lastErr error

	for _, a := range r.adapters {
		health, err := a.Health(ctx)
		if err != nil || !health.Up || health.Stale(time.Now(), r.healthMax) {
			continue
		}

		var token Token
		var ok bool
		breakerErr := r.breakers.Execute(ctx, a.Name(), func() error {
			t, prepared, prepareErr := a.Prepare(ctx, settlementID, account, amount)
			token, ok = t, prepared
			return prepareErr
		})

		if breakerErr != nil {
			// An open (or saturated half-open) breaker skips this rail. A
			// fault (timeout, connection error) trips the breaker via
			// Execute above and is surfaced without trying later rails; a
			// clean reject (ok=false, no error) does not trip it — it is
			// the rail's business answer, not a failure of the rail.
			if breakerErr == circuit.ErrCircuitOpen || breakerErr == circuit.ErrTooManyRequests {
				lastErr = breakerErr
				continue
			}
			return nil, Token{}, fmt.Errorf("rail %s: prepare: %w", a.Name(), breakerErr)
		}
		if ok {
			return a, token, nil
		}
		lastErr = fmt.Errorf("rail %s rejected prepare", a.Name())
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("rail: no healthy rail available")
	}
	return nil, Token{}, fmt.Errorf("rail: all adapters exhausted: %w", lastErr)
}

// AnyHealthy reports whether at least one adapter is currently healthy and
// within its staleness window, used by the pre-barrier rails-healthy check
// without attempting an actual prepare.
func (r *Router) AnyHealthy(ctx context.Context) bool {
	for _, a := range r.adapters {
		health, err := a.Health(ctx)
		if err != nil || !health.Up || health.Stale(time.Now(), r.healthMax) {
			continue
		}
		return true
	}
	return false
}

// ByName looks up a previously selected adapter by name, used when a leg
// must resume on the same rail it prepared on (recovery, indeterminate
// resolution).
func (r *Router) ByName(name string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("rail: no adapter named %q", name)
}
