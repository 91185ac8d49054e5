package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicenet/settlement/internal/account"
	"github.com/invoicenet/settlement/internal/auction"
	"github.com/invoicenet/settlement/internal/decision"
	"github.com/invoicenet/settlement/internal/fraud"
	"github.com/invoicenet/settlement/internal/invariant"
	"github.com/invoicenet/settlement/internal/invoice"
	"github.com/invoicenet/settlement/internal/ledger"
	"github.com/invoicenet/settlement/internal/rail"
	"github.com/invoicenet/settlement/pkg/money"
)

func mustAmount(t *testing.T, s string) money.Amount {
	a, err := money.New(s)
	require.NoError(t, err)
	return a
}

func TestPricingMatchesQuoteAcceptsExactMatch(t *testing.T) {
	amount := mustAmount(t, "50000.00")
	rate := decimal.NewFromFloat(0.06)
	q := &auction.Quote{Amount: amount, DiscountRate: rate, TermsDays: 30, TotalCost: auction.TotalCost(amount, rate, 30)}

	assert.True(t, PricingMatchesQuote(q))
}

func TestPricingMatchesQuoteRejectsTamperedTotalCost(t *testing.T) {
	amount := mustAmount(t, "50000.00")
	rate := decimal.NewFromFloat(0.06)
	q := &auction.Quote{Amount: amount, DiscountRate: rate, TermsDays: 30, TotalCost: mustAmount(t, "99999.99")}

	assert.False(t, PricingMatchesQuote(q))
}

func TestBuildLegsSplitsProfitToCapitalProvider(t *testing.T) {
	c := &Coordinator{}
	amount := mustAmount(t, "50000.00")
	rate := decimal.NewFromFloat(0.06)
	quote := &auction.Quote{Amount: amount, DiscountRate: rate, TermsDays: 30, TotalCost: auction.TotalCost(amount, rate, 30)}

	in := acceptanceInput{
		supplier:        &account.Account{ID: uuid.New()},
		buyer:           &account.Account{ID: uuid.New()},
		capitalProvider: &account.Account{ID: uuid.New()},
		quote:           quote,
	}

	legs := c.buildLegs(uuid.New(), in)
	require.Len(t, legs, 3)

	var credit, debit, advance decimal.Decimal
	for _, leg := range legs {
		switch leg.Type {
		case LegCreditSupplier:
			credit = leg.Amount
		case LegDebitBuyer:
			debit = leg.Amount
		case LegAdvanceCapital:
			advance = leg.Amount
		}
	}

	assert.True(t, credit.Equal(amount.Decimal()))
	assert.True(t, debit.Equal(quote.TotalCost.Decimal()))
	assert.True(t, credit.Add(advance).Equal(debit), "credit + capital-provider margin must equal what the buyer is debited")
}

func TestClassifyMapsInvariantsToOutcomeKinds(t *testing.T) {
	assert.Equal(t, "authorization", string(classify("signature-valid")))
	assert.Equal(t, "authorization", string(classify("account-active")))
	assert.Equal(t, "authorization", string(classify("sanctions-clear")))
	assert.Equal(t, "freshness", string(classify("quote-valid")))
	assert.Equal(t, "freshness", string(classify("fx-fresh")))
}

func TestDecisionActionReflectsPassed(t *testing.T) {
	assert.Equal(t, "proceed", string(decisionAction(true)))
	assert.Equal(t, "rollback", string(decisionAction(false)))
}

func TestQuoteBuyerCostZeroWhenQuoteNil(t *testing.T) {
	in := acceptanceInput{}
	assert.True(t, in.quoteBuyerCost().IsZero())
}

func TestResolveIndeterminateReturnsCommittedOnceStatusSettles(t *testing.T) {
	c := &Coordinator{}
	r := rail.NewSimRail("ach", 1)
	settlementID := uuid.New()
	token, ok, err := r.Prepare(context.Background(), settlementID, uuid.New(), decimal.NewFromInt(500))
	require.NoError(t, err)
	require.True(t, ok)

	r.IndeterminateNextCommit()
	result, err := r.Commit(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, rail.CommitIndeterminate, result)

	leg := &Leg{SettlementID: settlementID}
	resolved := c.resolveIndeterminate(context.Background(), r, leg)

	assert.Equal(t, rail.CommitCommitted, resolved)
	assert.Equal(t, LegIndeterminate, leg.Status, "resolveIndeterminate marks the leg indeterminate before polling begins")
}

func TestResolveIndeterminateGivesUpWhenContextCancelled(t *testing.T) {
	c := &Coordinator{}
	r := rail.NewSimRail("ach", 1)
	settlementID := uuid.New()
	// Prepared but never committed: Status reports indeterminate throughout
	// the poll, so resolution only ends via context cancellation.
	_, _, err := r.Prepare(context.Background(), settlementID, uuid.New(), decimal.NewFromInt(500))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	leg := &Leg{SettlementID: settlementID}
	resolved := c.resolveIndeterminate(ctx, r, leg)

	assert.Equal(t, rail.CommitIndeterminate, resolved)
}

// --- fakes driving the end-to-end Settle tests below ---

type fakeTx struct{}

func (fakeTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*account.Account
	reserved map[uuid.UUID]decimal.Decimal
}

func newFakeAccounts(accts ...*account.Account) *fakeAccounts {
	m := make(map[uuid.UUID]*account.Account, len(accts))
	for _, a := range accts {
		m[a.ID] = a
	}
	return &fakeAccounts{accounts: m, reserved: make(map[uuid.UUID]decimal.Decimal)}
}

func (f *fakeAccounts) Get(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("fakeAccounts: %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) ReserveCredit(ctx context.Context, buyer, reference uuid.UUID, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved[reference] = amount
	return nil
}

func (f *fakeAccounts) ReleaseCredit(ctx context.Context, buyer, reference uuid.UUID, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, reference)
	return nil
}

func (f *fakeAccounts) CheckSanctions(ctx context.Context, id uuid.UUID) (bool, error) {
	return true, nil
}

// fakeInvoices mirrors invoice.Store.Transition's state-machine rules
// without a database, so Settle's PENDING->ACCEPTED->SETTLED/FAILED path
// can be driven and asserted on directly.
type fakeInvoices struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]invoice.Status
}

func (f *fakeInvoices) Transition(ctx context.Context, id uuid.UUID, to invoice.Status, actor, reason string, settleFn func(tx invoice.TxExecer) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.statuses[id]
	if invoice.IsTerminal(from) {
		return fmt.Errorf("invoice: %s is in terminal state %q, no transition is legal", id, from)
	}
	if !invoice.CanTransition(from, to) {
		return fmt.Errorf("invoice: %s -> %s is not a legal transition from %s", id, to, from)
	}
	if settleFn != nil {
		if err := settleFn(fakeTx{}); err != nil {
			return fmt.Errorf("transition settlement callback: %w", err)
		}
	}
	f.statuses[id] = to
	return nil
}

func (f *fakeInvoices) status(id uuid.UUID) invoice.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (f *fakeLedger) Append(ctx context.Context, accountID uuid.UUID, entryType ledger.EntryType, amount decimal.Decimal, reference, reason string) (*ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := ledger.Entry{AccountID: accountID, Type: entryType, Amount: amount, Reference: reference, Reason: reason, CreatedAt: time.Now()}
	f.entries = append(f.entries, e)
	return &e, nil
}

func (f *fakeLedger) Reconcile(ctx context.Context, since, until time.Time) (ledger.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	net := decimal.Zero
	for _, e := range f.entries {
		switch e.Type {
		case ledger.EntryCredit:
			net = net.Add(e.Amount)
		case ledger.EntryDebit:
			net = net.Sub(e.Amount)
		}
	}
	return ledger.ReconcileResult{Balanced: net.IsZero(), ImbalanceAmount: net, EntriesChecked: len(f.entries)}, nil
}

type fakeDecisions struct {
	mu      sync.Mutex
	records []decision.Record
}

func (f *fakeDecisions) Append(ctx context.Context, invariantID string, phase decision.Phase, result bool, action decision.Action, snapshot json.RawMessage, actor string) (*decision.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := decision.Record{InvariantID: invariantID, Phase: phase, Result: result, Action: action, Actor: actor}
	f.records = append(f.records, r)
	return &r, nil
}

// fakeSettlementRows tracks settlement legs by (settlementID, legType) so
// countLegs reports the number of distinct legs persisted, independent of
// how many times each leg's row was upserted across prepare and commit.
type fakeSettlementRows struct {
	mu   sync.Mutex
	legs map[string]bool
}

func newFakeSettlementRows() *fakeSettlementRows {
	return &fakeSettlementRows{legs: make(map[string]bool)}
}

func (f *fakeSettlementRows) persistSettlement(ctx context.Context, settlementID, invoiceID uuid.UUID, amount, totalCost money.Amount, rate decimal.Decimal, startedAt time.Time) error {
	return nil
}

func (f *fakeSettlementRows) persistLeg(ctx context.Context, leg *Leg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.legs[leg.SettlementID.String()+"|"+string(leg.Type)] = true
	return nil
}

func (f *fakeSettlementRows) countLegs(ctx context.Context, settlementID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := settlementID.String() + "|"
	n := 0
	for k := range f.legs {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n, nil
}

// newTestCoordinator wires a Coordinator entirely against fakes/in-memory
// collaborators, plus the real invariant engine, rail.Router, and
// fraud.Gate (none of which touch a database), so Settle can be driven
// end-to-end without Postgres, Redis, or NATS.
func newTestCoordinator(accts *fakeAccounts, invs *fakeInvoices) *Coordinator {
	c := &Coordinator{
		rows:       newFakeSettlementRows(),
		ledger:     &fakeLedger{},
		accounts:   accts,
		invoices:   invs,
		fraudGate:  fraud.New(nil),
		rails:      rail.NewRouter([]rail.Adapter{rail.NewSimRail("sim", 1)}, time.Minute),
		decisions:  &fakeDecisions{},
		invariants: invariant.NewEngine(),
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
	RegisterInvariants(c.invariants, c)
	return c
}

func acceptableQuote(invoiceID uuid.UUID) *auction.Quote {
	amount := money.FromFloat(50000.00)
	rate := decimal.NewFromFloat(0.06)
	return &auction.Quote{
		ID: uuid.New(), InvoiceID: invoiceID, TermsDays: 30, DiscountRate: rate,
		Amount: amount, TotalCost: auction.TotalCost(amount, rate, 30),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
}

func activeVerifiedAccount() *account.Account {
	return &account.Account{ID: uuid.New(), Status: account.StatusActive, KYCStatus: account.KYCVerified}
}

// TestSettleDrivesInvoiceFromPendingToSettled is the end-to-end regression
// guard for the accept -> prepare -> commit -> finalize cycle: it would
// have caught the invoice never reaching ACCEPTED before finalize tried
// the ACCEPTED->SETTLED edge, and the finalize write landing outside the
// invoice's own transition.
func TestSettleDrivesInvoiceFromPendingToSettled(t *testing.T) {
	invoiceID := uuid.New()
	supplier, buyer, capitalProvider := activeVerifiedAccount(), activeVerifiedAccount(), activeVerifiedAccount()
	quote := acceptableQuote(invoiceID)

	accts := newFakeAccounts(supplier, buyer, capitalProvider)
	invs := &fakeInvoices{statuses: map[uuid.UUID]invoice.Status{invoiceID: invoice.StatusPending}}
	c := newTestCoordinator(accts, invs)

	now := time.Now()
	in := acceptanceInput{
		invoice: &invoice.Invoice{ID: invoiceID, SupplierID: supplier.ID, BuyerID: buyer.ID, Status: invoice.StatusPending},
		supplier: supplier, buyer: buyer, capitalProvider: capitalProvider,
		quote: quote, acceptanceSignatureValid: true,
		fraudScore: fraud.Score{Value: decimal.Zero, ComputedAt: now}, fraudAcceptedAt: now,
	}

	out, err := c.Settle(context.Background(), in, "sig")
	require.NoError(t, err)
	assert.True(t, out.IsOK(), "expected Settle to report success, got %+v", out)
	assert.Equal(t, invoice.StatusSettled, invs.status(invoiceID), "invoice must reach SETTLED via the ACCEPTED intermediate state")
}

// TestSettleRejectsPreBarrierFailureWithoutAcceptingInvoice guards the
// other side of the same bug: a pre-barrier rejection must never advance
// the invoice past PENDING.
func TestSettleRejectsPreBarrierFailureWithoutAcceptingInvoice(t *testing.T) {
	invoiceID := uuid.New()
	supplier, buyer, capitalProvider := activeVerifiedAccount(), activeVerifiedAccount(), activeVerifiedAccount()
	quote := acceptableQuote(invoiceID)

	accts := newFakeAccounts(supplier, buyer, capitalProvider)
	invs := &fakeInvoices{statuses: map[uuid.UUID]invoice.Status{invoiceID: invoice.StatusPending}}
	c := newTestCoordinator(accts, invs)

	in := acceptanceInput{
		invoice: &invoice.Invoice{ID: invoiceID, SupplierID: supplier.ID, BuyerID: buyer.ID, Status: invoice.StatusPending},
		supplier: supplier, buyer: buyer, capitalProvider: capitalProvider,
		quote: quote, acceptanceSignatureValid: false,
	}

	out, err := c.Settle(context.Background(), in, "sig")
	require.NoError(t, err)
	assert.False(t, out.IsOK())
	assert.Equal(t, invoice.StatusPending, invs.status(invoiceID), "a rejected acceptance must never advance the invoice past pending")
}
