// Package settlement implements the Settlement Coordinator — the hot
// path that simultaneously credits a supplier, debits a buyer, and
// advances capital from a winning provider, in a bounded two-phase
// commit across pluggable payment rails.
package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/invoicenet/settlement/internal/account"
	"github.com/invoicenet/settlement/internal/auction"
	"github.com/invoicenet/settlement/internal/decision"
	"github.com/invoicenet/settlement/internal/fraud"
	"github.com/invoicenet/settlement/internal/invariant"
	"github.com/invoicenet/settlement/internal/invoice"
	"github.com/invoicenet/settlement/internal/ledger"
	"github.com/invoicenet/settlement/internal/outcome"
	"github.com/invoicenet/settlement/internal/rail"
	"github.com/invoicenet/settlement/pkg/messaging"
	"github.com/invoicenet/settlement/pkg/money"
	"github.com/invoicenet/settlement/pkg/telemetry"
)

// LegType identifies one of the three settlement legs.
type LegType string

const (
	LegCreditSupplier LegType = "credit-supplier"
	LegDebitBuyer     LegType = "debit-buyer"
	LegAdvanceCapital LegType = "advance-capital"
)

// LegStatus is a leg's position in the two-phase commit.
type LegStatus string

const (
	LegPending       LegStatus = "pending"
	LegPrepared      LegStatus = "prepared"
	LegCommitted     LegStatus = "committed"
	LegFailed        LegStatus = "failed"
	LegRolledBack    LegStatus = "rolled-back"
	LegIndeterminate LegStatus = "indeterminate"
)

// Leg is the durable record of one settlement leg's progress through
// prepare/commit. Its row in settlement_legs is what the scheduler's
// orphan-leg sweep reads to resolve legs left prepared in a settlement
// still in progress; the coordinator does not re-read these rows when it
// starts.
type Leg struct {
	SettlementID uuid.UUID
	Type         LegType
	Account      uuid.UUID
	Amount       decimal.Decimal
	Rail         string
	Token        rail.Token
	RailTxID     string
	Status       LegStatus
}

// Status is a settlement's overall lifecycle position.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in-progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRolledBack  Status = "rolled-back"
)

// Settlement is the top-level settlement record.
type Settlement struct {
	ID           uuid.UUID
	InvoiceID    uuid.UUID
	Amount       money.Amount
	DiscountRate decimal.Decimal
	BuyerCost    money.Amount
	StartedAt    time.Time
	CompletedAt  time.Time
	Status       Status
	Rail         string
}

const (
	softDeadline = 5 * time.Second
	hardTimeout  = 10 * time.Second
	prepareBudget = 2 * time.Second
	commitBudget  = 2 * time.Second

	quoteTolerance = 0.01
)

// AccountStore is the subset of account.Registry the coordinator and its
// invariants depend on. *account.Registry satisfies it in production; a
// test substitutes an in-memory fake so Settle can run without Postgres.
type AccountStore interface {
	Get(ctx context.Context, id uuid.UUID) (*account.Account, error)
	ReserveCredit(ctx context.Context, buyer, reference uuid.UUID, amount decimal.Decimal) error
	ReleaseCredit(ctx context.Context, buyer, reference uuid.UUID, amount decimal.Decimal) error
	CheckSanctions(ctx context.Context, id uuid.UUID) (bool, error)
}

// InvoiceStore is the subset of invoice.Store the coordinator depends on.
type InvoiceStore interface {
	Transition(ctx context.Context, id uuid.UUID, to invoice.Status, actor, reason string, settleFn func(tx invoice.TxExecer) error) error
}

// LedgerAppender is the subset of ledger.Ledger the coordinator depends on.
type LedgerAppender interface {
	Append(ctx context.Context, accountID uuid.UUID, entryType ledger.EntryType, amount decimal.Decimal, reference, reason string) (*ledger.Entry, error)
	Reconcile(ctx context.Context, since, until time.Time) (ledger.ReconcileResult, error)
}

// DecisionRecorder is the subset of decision.Ledger the coordinator
// depends on.
type DecisionRecorder interface {
	Append(ctx context.Context, invariantID string, phase decision.Phase, result bool, action decision.Action, snapshot json.RawMessage, actor string) (*decision.Record, error)
}

// settlementRows is the coordinator's own persistence surface: the
// settlement header, its legs, and the leg-count check postBarrierChecks
// runs. pgSettlementRows below is the Postgres-backed production
// implementation; a test substitutes an in-memory fake.
type settlementRows interface {
	persistSettlement(ctx context.Context, settlementID, invoiceID uuid.UUID, amount, totalCost money.Amount, rate decimal.Decimal, startedAt time.Time) error
	persistLeg(ctx context.Context, leg *Leg) error
	countLegs(ctx context.Context, settlementID uuid.UUID) (int, error)
}

// pgSettlementRows implements settlementRows directly against Postgres —
// exactly the queries the coordinator used to run inline.
type pgSettlementRows struct{ db *sql.DB }

func (p pgSettlementRows) persistSettlement(ctx context.Context, settlementID, invoiceID uuid.UUID, amount, totalCost money.Amount, rate decimal.Decimal, startedAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO settlements (id, invoice_id, amount, discount_rate, buyer_cost, started_at, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		settlementID, invoiceID, amount, rate, totalCost, startedAt, StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("persisting settlement row: %w", err)
	}
	return nil
}

func (p pgSettlementRows) persistLeg(ctx context.Context, leg *Leg) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO settlement_legs (settlement_id, leg_type, account_id, amount, rail, rail_tx_id, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (settlement_id, leg_type) DO UPDATE SET rail = $5, rail_tx_id = $6, status = $7`,
		leg.SettlementID, leg.Type, leg.Account, leg.Amount, leg.Rail, leg.RailTxID, leg.Status,
	)
	if err != nil {
		return fmt.Errorf("persisting settlement leg %s: %w", leg.Type, err)
	}
	return nil
}

func (p pgSettlementRows) countLegs(ctx context.Context, settlementID uuid.UUID) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM settlement_legs WHERE settlement_id = $1`, settlementID).Scan(&n)
	return n, err
}

// Coordinator is the Settlement Coordinator component.
type Coordinator struct {
	rows       settlementRows
	ledger     LedgerAppender
	accounts   AccountStore
	invoices   InvoiceStore
	auctions   *auction.Manager
	fraudGate  *fraud.Gate
	rails      *rail.Router
	decisions  DecisionRecorder
	invariants *invariant.Engine
	telemetry  *telemetry.Sink
	msgClient  *messaging.Client

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// Deps bundles the Coordinator's collaborators, named rather than
// positional since there are too many to keep straight otherwise.
type Deps struct {
	DB         *sql.DB
	Ledger     *ledger.Ledger
	Accounts   *account.Registry
	Invoices   *invoice.Store
	Auctions   *auction.Manager
	FraudGate  *fraud.Gate
	Rails      *rail.Router
	Decisions  *decision.Ledger
	Invariants *invariant.Engine
	Telemetry  *telemetry.Sink
	MsgClient  *messaging.Client
}

// New constructs a Coordinator. Callers must call RegisterInvariants
// (invariants.go) with the returned Coordinator, which registers the
// checks and freezes the engine, before Settle is ever called.
func New(deps Deps) *Coordinator {
	return &Coordinator{
		rows: pgSettlementRows{db: deps.DB}, ledger: deps.Ledger, accounts: deps.Accounts, invoices: deps.Invoices,
		auctions: deps.Auctions, fraudGate: deps.FraudGate, rails: deps.Rails,
		decisions: deps.Decisions, invariants: deps.Invariants, telemetry: deps.Telemetry,
		msgClient: deps.MsgClient,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (c *Coordinator) invoiceLock(invoiceID uuid.UUID) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	m, ok := c.locks[invoiceID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[invoiceID] = m
	}
	return m
}

// acceptanceInput is everything Settle needs to run the pre-barrier
// checks, gathered up front so every invariant predicate reads from one
// consistent snapshot instead of re-querying mid-evaluation.
type acceptanceInput struct {
	invoice        *invoice.Invoice
	supplier       *account.Account
	buyer          *account.Account
	capitalProvider *account.Account
	quote          *auction.Quote
	acceptanceSignatureValid bool
	fraudScore     fraud.Score
	fraudAcceptedAt time.Time
	multiCurrency  bool
	fxFreshSeconds int64
}

func (c *Coordinator) toInput(a acceptanceInput) map[string]interface{} {
	return map[string]interface{}{
		"invoice": a.invoice, "supplier": a.supplier, "buyer": a.buyer,
		"capital_provider": a.capitalProvider, "quote": a.quote,
		"signature_valid": a.acceptanceSignatureValid, "fraud_score": a.fraudScore,
		"fraud_accepted_at": a.fraudAcceptedAt, "multi_currency": a.multiCurrency,
		"fx_fresh_seconds": a.fxFreshSeconds,
	}
}

// AcceptInput is the gateway-facing counterpart of acceptanceInput: the
// gateway resolves the invoice, the three accounts, the quote, and the
// current fraud score from its own stores and hands them here, without
// ever touching the coordinator's internal map encoding.
type AcceptInput struct {
	Invoice         *invoice.Invoice
	Supplier        *account.Account
	Buyer           *account.Account
	CapitalProvider *account.Account
	Quote           *auction.Quote
	SignatureValid  bool
	FraudScore      fraud.Score
	FraudAcceptedAt time.Time
	MultiCurrency   bool
	FXFreshSeconds  int64
}

// Accept is the externally callable entry point the gateway uses to
// trigger settlement on acceptance.
func (c *Coordinator) Accept(ctx context.Context, in AcceptInput, acceptanceSignature string) (outcome.Outcome, error) {
	return c.Settle(ctx, acceptanceInput{
		invoice: in.Invoice, supplier: in.Supplier, buyer: in.Buyer, capitalProvider: in.CapitalProvider,
		quote: in.Quote, acceptanceSignatureValid: in.SignatureValid, fraudScore: in.FraudScore,
		fraudAcceptedAt: in.FraudAcceptedAt, multiCurrency: in.MultiCurrency, fxFreshSeconds: in.FXFreshSeconds,
	}, acceptanceSignature)
}

// preBarrierChecks is the dependency-ordered list run before any side
// effect. Every one is registered on the invariant engine by
// RegisterInvariants so the graph — not this literal slice order — is
// what actually determines evaluation order; this slice just says which
// subset applies to a settlement.
var preBarrierChecks = []string{
	"signature-valid", "account-active", "kyc-verified", "sanctions-clear", "credit-reserved",
	"quote-valid", "pricing-matches-quote", "fraud-clear", "rails-healthy", "fx-fresh",
}

// Settle runs the full pre-barrier check sequence, then a two-phase
// commit across the three settlement legs, and returns the single most
// severe Outcome.
func (c *Coordinator) Settle(ctx context.Context, in acceptanceInput, acceptanceSignature string) (outcome.Outcome, error) {
	lock := c.invoiceLock(in.invoice.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	startedAt := time.Now()

	results := c.invariants.Evaluate(ctx, preBarrierChecks, c.toInput(in))
	for _, r := range results {
		c.decisions.Append(ctx, r.InvariantID, decision.PhasePre, r.Passed, decisionAction(r.Passed), nil, "coordinator")
		if !r.Passed {
			c.releaseOnRejection(ctx, in)
			return outcome.Reject(classify(r.InvariantID), r.Reason), nil
		}
	}

	// Pre-barrier checks passed: the buyer's acceptance is now binding.
	// This is the State Machine's PENDING→ACCEPTED transition — it must
	// land before any leg is built, since finalizeCompleted/finalizeFailed
	// below only have a legal ACCEPTED→SETTLED/FAILED edge to land on.
	if err := c.invoices.Transition(ctx, in.invoice.ID, invoice.StatusAccepted, "coordinator", "buyer acceptance", nil); err != nil {
		c.releaseOnRejection(ctx, in)
		return outcome.Abort(outcome.KindConsistency, err.Error()), err
	}

	settlementID := uuid.New()
	legs := c.buildLegs(settlementID, in)

	if err := c.persistSettlementRow(ctx, settlementID, in, startedAt); err != nil {
		c.releaseOnRejection(ctx, in)
		return outcome.Abort(outcome.KindConsistency, err.Error()), err
	}

	prepared, prepareOutcome := c.preparePhase(ctx, settlementID, legs)
	if !prepareOutcome.IsOK() {
		c.rollbackLegs(ctx, prepared)
		c.finalizeFailed(ctx, settlementID, in.invoice.ID)
		return prepareOutcome, nil
	}

	committed, commitOutcome := c.commitPhase(ctx, prepared)
	if !commitOutcome.IsOK() {
		c.recover(ctx, settlementID, in.invoice.ID, committed)
		return commitOutcome, nil
	}

	completedAt := time.Now()
	if err := c.postLedgerEntries(ctx, in, committed); err != nil {
		// Legs are committed on the rail but the ledger write failed: this
		// is exactly the consistency violation the post-barrier check
		// exists to catch. Freeze rather than silently under-book.
		c.raiseIncident(ctx, settlementID, "ledger write failed after committed legs: "+err.Error())
		return outcome.Freeze("ledger write failed after committed legs"), err
	}

	postOutcome := c.postBarrierChecks(ctx, settlementID, startedAt, completedAt, in)
	if !postOutcome.IsOK() {
		c.raiseIncident(ctx, settlementID, postOutcome.Reason)
		return postOutcome, nil
	}

	if err := c.finalizeCompleted(ctx, settlementID, in.invoice.ID, completedAt); err != nil {
		c.raiseIncident(ctx, settlementID, "finalize failed after committed legs: "+err.Error())
		return outcome.Freeze("finalize failed after committed legs"), err
	}

	if c.telemetry != nil {
		c.telemetry.RecordSettlement(ctx, settlementID.String(), startedAt, completedAt, string(StatusCompleted), completedAt.Sub(startedAt) > softDeadline)
	}
	if c.msgClient != nil {
		c.msgClient.Publish(messaging.SubjectSettlementCompleted, messaging.SettlementEvent{
			SettlementID: settlementID, InvoiceID: in.invoice.ID, Status: string(StatusCompleted),
			DurationMS: completedAt.Sub(startedAt).Milliseconds(), Timestamp: completedAt,
		})
	}

	return outcome.OK(), nil
}

func decisionAction(passed bool) decision.Action {
	if passed {
		return decision.ActionProceed
	}
	return decision.ActionRollback
}

func classify(invariantID string) outcome.Kind {
	switch invariantID {
	case "signature-valid", "account-active", "kyc-verified":
		return outcome.KindAuthorization
	case "sanctions-clear", "fraud-clear":
		return outcome.KindAuthorization
	case "credit-reserved":
		return outcome.KindAuthorization
	case "quote-valid", "pricing-matches-quote", "rails-healthy", "fx-fresh":
		return outcome.KindFreshness
	default:
		return outcome.KindValidation
	}
}

func (c *Coordinator) releaseOnRejection(ctx context.Context, in acceptanceInput) {
	if in.buyer != nil && in.invoice != nil {
		c.accounts.ReleaseCredit(ctx, in.buyer.ID, in.invoice.ID, in.quoteBuyerCost())
	}
}

func (a acceptanceInput) quoteBuyerCost() decimal.Decimal {
	if a.quote == nil {
		return decimal.Zero
	}
	return a.quote.TotalCost.Decimal()
}

func (c *Coordinator) buildLegs(settlementID uuid.UUID, in acceptanceInput) []*Leg {
	profit := in.quote.TotalCost.Sub(in.quote.Amount)
	return []*Leg{
		{SettlementID: settlementID, Type: LegCreditSupplier, Account: in.supplier.ID, Amount: in.quote.Amount.Decimal(), Status: LegPending},
		{SettlementID: settlementID, Type: LegDebitBuyer, Account: in.buyer.ID, Amount: in.quote.TotalCost.Decimal(), Status: LegPending},
		{SettlementID: settlementID, Type: LegAdvanceCapital, Account: in.capitalProvider.ID, Amount: profit.Decimal(), Status: LegPending},
	}
}

func (c *Coordinator) persistSettlementRow(ctx context.Context, settlementID uuid.UUID, in acceptanceInput, startedAt time.Time) error {
	return c.rows.persistSettlement(ctx, settlementID, in.invoice.ID, in.quote.Amount, in.quote.TotalCost, in.quote.DiscountRate, startedAt)
}

func (c *Coordinator) persistLeg(ctx context.Context, leg *Leg) error {
	return c.rows.persistLeg(ctx, leg)
}

// preparePhase issues a prepare call per leg in parallel with a 2s
// budget each. A leg that is rejected or times out aborts the whole
// settlement; the caller rolls back whatever already prepared.
func (c *Coordinator) preparePhase(ctx context.Context, settlementID uuid.UUID, legs []*Leg) ([]*Leg, outcome.Outcome) {
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithTimeout(gctx, prepareBudget)
	defer cancel()

	var mu sync.Mutex
	var prepared []*Leg
	var rejected *Leg

	for _, leg := range legs {
		leg := leg
		g.Go(func() error {
			adapter, token, err := c.rails.SelectAndPrepare(gctx, settlementID, leg.Account, leg.Amount)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				leg.Status = LegFailed
				c.persistLeg(ctx, leg)
				rejected = leg
				return err
			}
			leg.Rail = adapter.Name()
			leg.Token = token
			leg.RailTxID = token.Value
			leg.Status = LegPrepared
			c.persistLeg(ctx, leg)
			prepared = append(prepared, leg)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		reason := "prepare failed"
		if rejected != nil {
			reason = fmt.Sprintf("leg %s failed to prepare: %v", rejected.Type, err)
		}
		return prepared, outcome.Abort(outcome.KindRail, reason)
	}

	return prepared, outcome.OK()
}

func (c *Coordinator) rollbackLegs(ctx context.Context, legs []*Leg) {
	for _, leg := range legs {
		if leg.Status != LegPrepared {
			continue
		}
		adapter, err := c.rails.ByName(leg.Rail)
		if err != nil {
			continue
		}
		if err := adapter.Rollback(ctx, leg.Token); err == nil {
			leg.Status = LegRolledBack
			c.persistLeg(ctx, leg)
		}
	}
}

// commitPhase issues a commit call per prepared leg in parallel, only
// once every leg has prepared. An indeterminate result is resolved by
// polling the rail's idempotent status endpoint rather than giving up —
// the settlement stays in-progress until every leg reaches a terminal
// state.
func (c *Coordinator) commitPhase(ctx context.Context, legs []*Leg) ([]*Leg, outcome.Outcome) {
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithTimeout(gctx, commitBudget)
	defer cancel()

	var mu sync.Mutex
	var failed *Leg

	for _, leg := range legs {
		leg := leg
		g.Go(func() error {
			adapter, err := c.rails.ByName(leg.Rail)
			if err != nil {
				mu.Lock()
				leg.Status = LegFailed
				failed = leg
				mu.Unlock()
				return err
			}

			result, err := adapter.Commit(gctx, leg.Token)
			if err != nil || result == rail.CommitIndeterminate {
				result = c.resolveIndeterminate(ctx, adapter, leg)
			}

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case rail.CommitCommitted:
				leg.Status = LegCommitted
			default:
				leg.Status = LegFailed
				failed = leg
			}
			c.persistLeg(ctx, leg)
			if leg.Status == LegFailed {
				return fmt.Errorf("leg %s failed to commit", leg.Type)
			}
			return nil
		})
	}

	werr := g.Wait()
	if werr != nil {
		reason := "commit failed"
		if failed != nil {
			reason = fmt.Sprintf("leg %s failed to commit", failed.Type)
		}
		return legs, outcome.Abort(outcome.KindRail, reason)
	}

	return legs, outcome.OK()
}

// resolveIndeterminate polls status until the rail gives a terminal
// answer, keyed by the settlement id for idempotency. It deliberately
// ignores the commit-phase's own budget — the overall settlement stays
// in-progress for as long as resolution takes.
func (c *Coordinator) resolveIndeterminate(ctx context.Context, adapter rail.Adapter, leg *Leg) rail.CommitResult {
	leg.Status = LegIndeterminate
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 25; attempt++ {
		result, err := adapter.Status(ctx, leg.SettlementID)
		if err == nil && result != rail.CommitIndeterminate {
			return result
		}
		select {
		case <-ctx.Done():
			return rail.CommitIndeterminate
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return rail.CommitIndeterminate
}

// recover handles a commit-phase failure: legs that did commit are
// compensated with correcting ledger entries, the invoice moves to
// failed, and the already-prepared-but-uncommitted legs (if any) are
// rolled back.
func (c *Coordinator) recover(ctx context.Context, settlementID, invoiceID uuid.UUID, legs []*Leg) {
	for _, leg := range legs {
		switch leg.Status {
		case LegCommitted:
			c.compensate(ctx, leg)
		case LegPrepared:
			adapter, err := c.rails.ByName(leg.Rail)
			if err == nil {
				adapter.Rollback(ctx, leg.Token)
				leg.Status = LegRolledBack
				c.persistLeg(ctx, leg)
			}
		}
	}
	c.finalizeFailed(ctx, settlementID, invoiceID)
}

func (c *Coordinator) compensate(ctx context.Context, leg *Leg) {
	entryType := ledger.EntryDebit
	if leg.Type == LegDebitBuyer {
		entryType = ledger.EntryCredit
	}
	c.ledger.Append(ctx, leg.Account, entryType, leg.Amount, leg.SettlementID.String(), "compensation: "+string(leg.Type))
}

func (c *Coordinator) postLedgerEntries(ctx context.Context, in acceptanceInput, legs []*Leg) error {
	if _, err := c.ledger.Append(ctx, in.supplier.ID, ledger.EntryCredit, in.quote.Amount.Decimal(), legs[0].SettlementID.String(), "credit-supplier"); err != nil {
		return err
	}
	if _, err := c.ledger.Append(ctx, in.buyer.ID, ledger.EntryDebit, in.quote.TotalCost.Decimal(), legs[0].SettlementID.String(), "debit-buyer"); err != nil {
		return err
	}
	profit := in.quote.TotalCost.Sub(in.quote.Amount)
	if profit.IsPositive() {
		if _, err := c.ledger.Append(ctx, in.capitalProvider.ID, ledger.EntryCredit, profit.Decimal(), legs[0].SettlementID.String(), "advance-capital"); err != nil {
			return err
		}
	}
	return nil
}

// postBarrierChecks verifies three leg rows for the settlement, elapsed
// time under the hard timeout, the ledger window netting to zero, and no
// account status change mid-window. It does not count settlement rows for
// the invoice.
func (c *Coordinator) postBarrierChecks(ctx context.Context, settlementID uuid.UUID, startedAt, completedAt time.Time, in acceptanceInput) outcome.Outcome {
	legCount, _ := c.rows.countLegs(ctx, settlementID)
	if legCount != 3 {
		return outcome.Freeze(fmt.Sprintf("expected 3 settlement legs, found %d", legCount))
	}

	if completedAt.Sub(startedAt) >= hardTimeout {
		return outcome.Freeze("settlement exceeded hard timeout")
	}

	result, err := c.ledger.Reconcile(ctx, startedAt, completedAt.Add(time.Millisecond))
	if err != nil {
		return outcome.Freeze("reconciliation failed: " + err.Error())
	}
	if !result.Balanced {
		return outcome.Freeze(fmt.Sprintf("ledger window imbalanced by %s", result.ImbalanceAmount))
	}

	for _, acct := range []*account.Account{in.supplier, in.buyer, in.capitalProvider} {
		current, err := c.accounts.Get(ctx, acct.ID)
		if err == nil && current.Status != acct.Status {
			return outcome.Freeze(fmt.Sprintf("account %s status drifted mid-window", acct.ID))
		}
	}

	return outcome.OK()
}

// finalizeCompleted writes the settlement's completed status and the
// invoice's ACCEPTED→SETTLED transition inside one database transaction,
// via Transition's settleFn hook — the system must never record a
// completed settlement whose invoice did not transition, or vice versa.
func (c *Coordinator) finalizeCompleted(ctx context.Context, settlementID, invoiceID uuid.UUID, completedAt time.Time) error {
	return c.invoices.Transition(ctx, invoiceID, invoice.StatusSettled, "coordinator", "settlement completed",
		func(tx invoice.TxExecer) error {
			_, err := tx.ExecContext(ctx, `UPDATE settlements SET status = $1, completed_at = $2 WHERE id = $3`, StatusCompleted, completedAt, settlementID)
			return err
		})
}

func (c *Coordinator) finalizeFailed(ctx context.Context, settlementID, invoiceID uuid.UUID) {
	c.invoices.Transition(ctx, invoiceID, invoice.StatusFailed, "coordinator", "settlement failed",
		func(tx invoice.TxExecer) error {
			_, err := tx.ExecContext(ctx, `UPDATE settlements SET status = $1 WHERE id = $2`, StatusFailed, settlementID)
			return err
		})
	if c.msgClient != nil {
		c.msgClient.Publish(messaging.SubjectSettlementFailed, messaging.SettlementEvent{
			SettlementID: settlementID, InvoiceID: invoiceID, Status: string(StatusFailed), Timestamp: time.Now(),
		})
	}
}

// raiseIncident records a freeze-triggering consistency failure. The
// decision ledger gets the record; operators get a NATS event.
func (c *Coordinator) raiseIncident(ctx context.Context, settlementID uuid.UUID, reason string) {
	c.decisions.Append(ctx, "post-barrier", decision.PhasePost, false, decision.ActionFreeze, nil, "coordinator")
	if c.msgClient != nil {
		c.msgClient.Publish(messaging.SubjectSettlementIncident, messaging.SettlementEvent{
			SettlementID: settlementID, Status: "incident", Reason: reason, Timestamp: time.Now(),
		})
		c.msgClient.Publish(messaging.SubjectSystemFreeze, messaging.SettlementEvent{
			SettlementID: settlementID, Status: "freeze", Reason: reason, Timestamp: time.Now(),
		})
	}
}

// PricingMatchesQuote reports whether amount and total cost recomputed
// from the quote's own rate match what the quote recorded, within the
// spec's 0.01 tolerance.
func PricingMatchesQuote(q *auction.Quote) bool {
	recomputed := auction.TotalCost(q.Amount, q.DiscountRate, q.TermsDays)
	tolerance, _ := money.New(fmt.Sprintf("%.2f", quoteTolerance))
	return recomputed.WithinTolerance(q.TotalCost, tolerance)
}
