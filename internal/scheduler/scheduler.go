// Package scheduler implements the Lifecycle Scheduler: the set of
// background sweeps that clean up state the hot path leaves behind when
// a caller never follows through — invoices nobody ever accepted,
// auctions nobody closed, credit holds whose settlement never reached a
// terminal state, and settlement legs stranded mid-commit by a crash.
//
// Each sweep is a context-cancellable ticker loop, mirroring the
// auction.Manager's own background sweep, gated by pkg/lock so that
// exactly one scheduler replica performs a given sweep in a given
// window — the cross-process analogue of the coordinator's in-process
// per-invoice advisory lock.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/internal/account"
	"github.com/invoicenet/settlement/internal/auction"
	"github.com/invoicenet/settlement/internal/invoice"
	"github.com/invoicenet/settlement/internal/ledger"
	"github.com/invoicenet/settlement/internal/rail"
	"github.com/invoicenet/settlement/internal/settlement"
	"github.com/invoicenet/settlement/pkg/lock"
	"github.com/invoicenet/settlement/pkg/messaging"
)

// Config sets each sweep's cadence and staleness threshold. Zero values
// fall back to the defaults below.
type Config struct {
	ExpireInvoicesInterval time.Duration
	PendingInvoiceMaxAge   time.Duration

	CloseAuctionsInterval time.Duration

	ReleaseReservationsInterval time.Duration
	OrphanReservationMaxAge     time.Duration

	SweepLegsInterval time.Duration
	OrphanLegMaxAge   time.Duration

	ReconcileInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExpireInvoicesInterval <= 0 {
		c.ExpireInvoicesInterval = 10 * time.Minute
	}
	if c.PendingInvoiceMaxAge <= 0 {
		c.PendingInvoiceMaxAge = 48 * time.Hour
	}
	if c.CloseAuctionsInterval <= 0 {
		c.CloseAuctionsInterval = time.Minute
	}
	if c.ReleaseReservationsInterval <= 0 {
		c.ReleaseReservationsInterval = time.Minute
	}
	if c.OrphanReservationMaxAge <= 0 {
		c.OrphanReservationMaxAge = 10 * time.Minute
	}
	if c.SweepLegsInterval <= 0 {
		c.SweepLegsInterval = 5 * time.Minute
	}
	if c.OrphanLegMaxAge <= 0 {
		c.OrphanLegMaxAge = time.Hour
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Hour
	}
	return c
}

// Deps bundles the Scheduler's collaborators. DB is used directly for
// the settlement/leg queries the orphan-leg sweep needs — the scheduler
// owns that query surface itself rather than reaching into
// internal/settlement's unexported fields.
type Deps struct {
	DB        *sql.DB
	Invoices  *invoice.Store
	Auctions  *auction.Manager
	Accounts  *account.Registry
	Ledger    *ledger.Ledger
	Rails     *rail.Router
	Locker    *lock.Locker
	MsgClient *messaging.Client
}

// Scheduler runs the lifecycle sweeps.
type Scheduler struct {
	cfg       Config
	db        *sql.DB
	invoices  *invoice.Store
	auctions  *auction.Manager
	accounts  *account.Registry
	ledger    *ledger.Ledger
	rails     *rail.Router
	locker    *lock.Locker
	msgClient *messaging.Client

	now func() time.Time

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New constructs a Scheduler. deps.DB may be nil in tests that only
// exercise pure decision logic (resolveFromStatus, job cadence) and
// never call Start against a real sweep.
func New(cfg Config, deps Deps) *Scheduler {
	return &Scheduler{
		cfg: cfg.withDefaults(), db: deps.DB, invoices: deps.Invoices, auctions: deps.Auctions,
		accounts: deps.Accounts, ledger: deps.Ledger, rails: deps.Rails, locker: deps.Locker,
		msgClient: deps.MsgClient,
		now:       time.Now,
		shutdown:  make(chan struct{}),
	}
}

// Start launches every sweep as its own ticker loop. Each tick is gated
// by TryAcquire so that in a multi-replica deployment only one replica
// performs a given sweep in a given window; the others see (nil, false,
// nil) and skip the tick entirely rather than queuing behind the lock.
func (s *Scheduler) Start(ctx context.Context) {
	s.runJob(ctx, "expire-pending-invoices", s.cfg.ExpireInvoicesInterval, s.expirePendingInvoices)
	s.runJob(ctx, "close-stale-auctions", s.cfg.CloseAuctionsInterval, s.closeStaleAuctions)
	s.runJob(ctx, "release-orphan-reservations", s.cfg.ReleaseReservationsInterval, s.releaseOrphanReservations)
	s.runJob(ctx, "sweep-orphan-legs", s.cfg.SweepLegsInterval, s.sweepOrphanLegs)
	s.runJob(ctx, "hourly-reconciliation", s.cfg.ReconcileInterval, s.hourlyReconciliation)
}

// Stop halts every sweep and waits for the in-flight tick, if any, to
// finish.
func (s *Scheduler) Stop() {
	close(s.shutdown)
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, name string, interval time.Duration, job func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.tick(ctx, name, job)
			case <-s.shutdown:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context, name string, job func(ctx context.Context) error) {
	if s.locker == nil {
		if err := job(ctx); err != nil {
			log.Printf("scheduler: job %s failed: %v", name, err)
		}
		return
	}

	held, acquired, err := s.locker.TryAcquire(ctx, name)
	if err != nil {
		log.Printf("scheduler: acquiring lock for %s: %v", name, err)
		return
	}
	if !acquired {
		return
	}
	defer held.Release(ctx)

	if err := job(ctx); err != nil {
		log.Printf("scheduler: job %s failed: %v", name, err)
	}
}

// expirePendingInvoices transitions every invoice that has sat in
// pending past PendingInvoiceMaxAge to expired.
func (s *Scheduler) expirePendingInvoices(ctx context.Context) error {
	ids, err := s.invoices.ListStale(ctx, invoice.StatusPending, s.cfg.PendingInvoiceMaxAge)
	if err != nil {
		return fmt.Errorf("listing stale pending invoices: %w", err)
	}

	for _, id := range ids {
		if err := s.invoices.Transition(ctx, id, invoice.StatusExpired, "scheduler", "expired after acceptance window", nil); err != nil {
			log.Printf("scheduler: expiring invoice %s: %v", id, err)
			continue
		}
		if s.msgClient != nil {
			s.msgClient.Publish(messaging.SubjectInvoiceExpired, struct {
				InvoiceID uuid.UUID `json:"invoice_id"`
			}{InvoiceID: id})
		}
	}
	return nil
}

// closeStaleAuctions is a coarser-grained backstop over auction.Manager's
// own 500ms background sweep — it matters when a replica's in-process
// sweep never started, or started against a Manager instance this
// scheduler doesn't share, making the lock here mostly advisory: two
// replicas each sweeping their own in-memory Manager never actually
// race over the same state, but gating keeps the sweep's log noise and
// NATS event volume to once per window regardless of replica count.
func (s *Scheduler) closeStaleAuctions(ctx context.Context) error {
	if s.auctions == nil {
		return nil
	}
	s.auctions.SweepExpired(ctx)
	return nil
}

// releaseOrphanReservations releases credit holds whose settlement
// attempt never reached a terminal outcome within OrphanReservationMaxAge
// — almost always a coordinator that crashed between ReserveCredit and
// its own release/commit.
func (s *Scheduler) releaseOrphanReservations(ctx context.Context) error {
	orphans, err := s.accounts.ListOrphanReservations(ctx, s.cfg.OrphanReservationMaxAge)
	if err != nil {
		return fmt.Errorf("listing orphan reservations: %w", err)
	}

	for _, res := range orphans {
		if err := s.accounts.ReleaseCredit(ctx, res.AccountID, res.Reference, res.Amount); err != nil {
			log.Printf("scheduler: releasing orphan reservation %s/%s: %v", res.AccountID, res.Reference, err)
		}
	}
	return nil
}

// hourlyReconciliation runs the ledger's double-entry check over the
// trailing window and raises an alert on imbalance — it never attempts
// to fix anything itself, matching the coordinator's own stance that an
// imbalance is an operator-facing incident, not something to paper over
// automatically.
func (s *Scheduler) hourlyReconciliation(ctx context.Context) error {
	until := s.now()
	since := until.Add(-s.cfg.ReconcileInterval)

	result, err := s.ledger.Reconcile(ctx, since, until)
	if err != nil {
		return fmt.Errorf("hourly reconciliation: %w", err)
	}
	if result.Balanced {
		return nil
	}

	if s.msgClient != nil {
		s.msgClient.Publish(messaging.SubjectReconciliationAlert, struct {
			Since           time.Time `json:"since"`
			Until           time.Time `json:"until"`
			ImbalanceAmount string    `json:"imbalance_amount"`
			EntriesChecked  int64     `json:"entries_checked"`
		}{Since: since, Until: until, ImbalanceAmount: result.ImbalanceAmount.String(), EntriesChecked: int64(result.EntriesChecked)})
	}
	return nil
}

// orphanLegResolution is the pure decision made once a stranded leg's
// rail status comes back: commit means the rail actually completed the
// transfer after the coordinator stopped watching it, rollback means it
// never did, and indeterminate means leave it for the next sweep.
type orphanLegResolution string

const (
	resolutionFinalizeCommitted orphanLegResolution = "finalize-committed"
	resolutionFinalizeRolledBack orphanLegResolution = "finalize-rolled-back"
	resolutionDefer              orphanLegResolution = "defer"
)

func resolveFromStatus(result rail.CommitResult) orphanLegResolution {
	switch result {
	case rail.CommitCommitted:
		return resolutionFinalizeCommitted
	case rail.CommitFailed:
		return resolutionFinalizeRolledBack
	default:
		return resolutionDefer
	}
}

// orphanLeg is a row from settlement_legs whose settlement has sat
// in-progress past OrphanLegMaxAge with this leg still prepared.
type orphanLeg struct {
	SettlementID uuid.UUID
	InvoiceID    uuid.UUID
	Type         settlement.LegType
	Account      uuid.UUID
	Amount       decimal.Decimal
	Rail         string
	RailTxID     string
}

// sweepOrphanLegs finds legs stuck in prepared past OrphanLegMaxAge and
// resolves each via the rail's idempotent status endpoint: a leg the
// rail reports committed gets its missing ledger entry posted and is
// marked committed; one the rail reports failed is marked rolled back.
// A still-indeterminate leg is left for the next sweep.
func (s *Scheduler) sweepOrphanLegs(ctx context.Context) error {
	orphans, err := s.listOrphanLegs(ctx, s.cfg.OrphanLegMaxAge)
	if err != nil {
		return fmt.Errorf("listing orphan legs: %w", err)
	}

	for _, leg := range orphans {
		if err := s.resolveOrphanLeg(ctx, leg); err != nil {
			log.Printf("scheduler: resolving orphan leg %s/%s: %v", leg.SettlementID, leg.Type, err)
		}
	}
	return nil
}

func (s *Scheduler) resolveOrphanLeg(ctx context.Context, leg orphanLeg) error {
	adapter, err := s.rails.ByName(leg.Rail)
	if err != nil {
		return err
	}

	status, err := adapter.Status(ctx, leg.SettlementID)
	if err != nil {
		return fmt.Errorf("checking rail status: %w", err)
	}

	switch resolveFromStatus(status) {
	case resolutionFinalizeCommitted:
		return s.finalizeOrphanCommitted(ctx, leg)
	case resolutionFinalizeRolledBack:
		return s.finalizeOrphanRolledBack(ctx, leg)
	default:
		return nil
	}
}

func (s *Scheduler) finalizeOrphanCommitted(ctx context.Context, leg orphanLeg) error {
	entryType := ledger.EntryCredit
	if leg.Type == settlement.LegDebitBuyer {
		entryType = ledger.EntryDebit
	}
	if _, err := s.ledger.Append(ctx, leg.Account, entryType, leg.Amount, leg.SettlementID.String(), "orphan-sweep: "+string(leg.Type)); err != nil {
		return fmt.Errorf("posting orphan leg ledger entry: %w", err)
	}
	return s.updateLegStatus(ctx, leg, settlement.LegCommitted)
}

func (s *Scheduler) finalizeOrphanRolledBack(ctx context.Context, leg orphanLeg) error {
	adapter, err := s.rails.ByName(leg.Rail)
	if err == nil {
		adapter.Rollback(ctx, rail.Token{RailName: leg.Rail, Value: leg.RailTxID})
	}
	return s.updateLegStatus(ctx, leg, settlement.LegRolledBack)
}

// listOrphanLegs finds legs still marked prepared whose settlement has
// sat in-progress past maxAge — the join against settlements rather than
// a timestamp on settlement_legs itself because a leg carries no
// created_at of its own; it inherits staleness from its settlement.
func (s *Scheduler) listOrphanLegs(ctx context.Context, maxAge time.Duration) ([]orphanLeg, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.settlement_id, s.invoice_id, l.leg_type, l.account_id, l.amount, l.rail, l.rail_tx_id
		 FROM settlement_legs l
		 JOIN settlements s ON s.id = l.settlement_id
		 WHERE l.status = $1 AND s.status = $2 AND s.started_at < $3`,
		settlement.LegPrepared, settlement.StatusInProgress, s.now().Add(-maxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("querying orphan legs: %w", err)
	}
	defer rows.Close()

	var out []orphanLeg
	for rows.Next() {
		var leg orphanLeg
		var legType string
		if err := rows.Scan(&leg.SettlementID, &leg.InvoiceID, &legType, &leg.Account, &leg.Amount, &leg.Rail, &leg.RailTxID); err != nil {
			return nil, fmt.Errorf("scanning orphan leg: %w", err)
		}
		leg.Type = settlement.LegType(legType)
		out = append(out, leg)
	}
	return out, rows.Err()
}

func (s *Scheduler) updateLegStatus(ctx context.Context, leg orphanLeg, status settlement.LegStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE settlement_legs SET status = $1 WHERE settlement_id = $2 AND leg_type = $3`,
		status, leg.SettlementID, leg.Type,
	)
	if err != nil {
		return fmt.Errorf("updating orphan leg status: %w", err)
	}
	return nil
}
