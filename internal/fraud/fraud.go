// Package fraud implements the Fraud Gate: a pluggable scoring oracle,
// a freshness policy on its output, and the admission rule that keeps
// high-risk invoices out of settlement.
package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/internal/freshness"
	"github.com/invoicenet/settlement/internal/invoice"
	"github.com/invoicenet/settlement/pkg/circuit"
	"github.com/invoicenet/settlement/pkg/messaging"
)

const (
	// Threshold is the score above which an invoice never progresses past
	// fraud-review.
	Threshold = 0.75
	// MaxScoreAge is the freshness window for an accepted score.
	MaxScoreAge = 24 * time.Hour
)

// Score is a fraud oracle's verdict on an invoice, timestamped at
// computation.
type Score struct {
	Value      decimal.Decimal
	ComputedAt time.Time
}

// Stale reports whether the score is older than the freshness window.
func (s Score) Stale(now time.Time) bool {
	return freshness.New(s.ComputedAt, MaxScoreAge).Stale(now)
}

// Blocks reports whether the score is high enough to block progress past
// fraud-review.
func (s Score) Blocks() bool {
	return s.Value.GreaterThan(decimal.NewFromFloat(Threshold))
}

// Oracle is the pluggable external collaborator that scores an invoice.
// Out of scope per the system boundary; only its interface is specified
// here, matching the spec's framing of fraud scoring as "an oracle
// returning a score with a timestamp."
type Oracle interface {
	Score(ctx context.Context, invoiceID uuid.UUID) (Score, error)
}

// Gate wraps an Oracle with a circuit breaker, since an oracle that
// starts timing out should stop being hammered just like a rail would.
type Gate struct {
	oracle   Oracle
	breakers *circuit.Group
}

// New constructs a Gate whose oracle calls run through a breaker that
// opens after five consecutive failures and stays open for 30 seconds.
// A single oracle call has no timeout of its own beyond the caller's ctx.
func New(oracle Oracle) *Gate {
	return &Gate{
		oracle: oracle,
		breakers: circuit.NewGroup(circuit.Config{
			Name:        "fraud-oracle",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 1,
		}),
	}
}

// Breakers returns the breaker.Group callers can inspect, e.g. from a
// health endpoint, without exposing the oracle itself.
func (g *Gate) Breakers() *circuit.Group { return g.breakers }

// Evaluate returns the current (possibly refreshed) score for invoiceID
// and whether it blocks progress. A stale score is recomputed before the
// gate passes judgment, per the freshness policy.
func (g *Gate) Evaluate(ctx context.Context, invoiceID uuid.UUID, cached Score) (Score, bool, error) {
	score := cached
	if score.ComputedAt.IsZero() || score.Stale(time.Now()) {
		fresh, err := g.fetch(ctx, invoiceID)
		if err != nil {
			return Score{}, false, fmt.Errorf("fraud: scoring invoice %s: %w", invoiceID, err)
		}
		score = fresh
	}
	return score, score.Blocks(), nil
}

// RecheckAtBarrier re-evaluates the score at the pre-commit barrier with
// the exact same freshness rule applied to current, the score currently
// on record for invoiceID. It additionally requires current's computed_at
// to match acceptedAt — the timestamp the buyer's acceptance was bound
// to — since any recomputation between acceptance and the critical
// section, stale-triggered or not, means the acceptance no longer binds
// the score actually in force.
func (g *Gate) RecheckAtBarrier(ctx context.Context, invoiceID uuid.UUID, current Score, acceptedAt time.Time) (Score, bool, error) {
	score, blocks, err := g.Evaluate(ctx, invoiceID, current)
	if err != nil {
		return Score{}, false, err
	}
	if !score.ComputedAt.Equal(acceptedAt) {
		return score, true, fmt.Errorf("fraud: score for invoice %s was recomputed since acceptance (had %s, now %s)", invoiceID, acceptedAt, score.ComputedAt)
	}
	return score, blocks, nil
}

func (g *Gate) fetch(ctx context.Context, invoiceID uuid.UUID) (Score, error) {
	if g.oracle == nil {
		return Score{}, fmt.Errorf("fraud: no oracle configured to score invoice %s", invoiceID)
	}

	var score Score
	err := g.breakers.Execute(ctx, "fraud-oracle", func() error {
		s, err := g.oracle.Score(ctx, invoiceID)
		if err != nil {
			return err
		}
		score = s
		return nil
	})
	return score, err
}

// Subscribe wires the gate to run scoring asynchronously, right after
// each invoice submission: it persists the fresh (score, computed_at) on
// the invoice row and, if the score blocks, transitions the invoice
// straight to fraud-review. Mirrors the gateway's own NATS-subscription
// pattern (subscribe once at startup, one handler per subject).
func (g *Gate) Subscribe(msgClient *messaging.Client, invoices *invoice.Store) error {
	return msgClient.QueueSubscribe(messaging.SubjectInvoiceSubmitted, "fraud-gate", func(msg *nats.Msg) {
		var evt messaging.InvoiceEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		g.scoreAndRecord(context.Background(), invoices, evt.InvoiceID)
	})
}

func (g *Gate) scoreAndRecord(ctx context.Context, invoices *invoice.Store, invoiceID uuid.UUID) {
	score, blocks, err := g.Evaluate(ctx, invoiceID, Score{})
	if err != nil {
		return
	}
	if err := invoices.RecordFraudScore(ctx, invoiceID, score.Value, score.ComputedAt); err != nil {
		return
	}
	if blocks {
		invoices.Transition(ctx, invoiceID, invoice.StatusFraudReview, "fraud-gate",
			fmt.Sprintf("fraud score %s exceeds threshold", score.Value), nil)
	}
}
