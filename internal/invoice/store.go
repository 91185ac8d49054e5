package invoice

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/pkg/messaging"
)

// Hash computes the SHA-256 content hash over the canonical encoding of
// (supplier, buyer, amount, currency, sorted line items). Two submissions
// describing the same commercial fact always hash identically, regardless
// of line-item ordering.
func Hash(inv Invoice) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", inv.SupplierID, inv.BuyerID, inv.Amount.String(), inv.Currency)
	for _, li := range CanonicalLineItems(inv.LineItems) {
		fmt.Fprintf(h, "|%s:%s", li.Description, li.Amount.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the Invoice Store component: admission, retrieval, and listing.
type Store struct {
	db        *sql.DB
	dedup     *redis.Client
	msgClient *messaging.Client
}

// New constructs a Store. dedup may be nil, in which case duplicate
// detection always falls through to the Postgres unique constraint —
// correct, just without the sub-100ms short-circuit.
func New(db *sql.DB, dedup *redis.Client, msgClient *messaging.Client) *Store {
	return &Store{db: db, dedup: dedup, msgClient: msgClient}
}

func dedupKey(hash string) string { return "invoice:hash:" + hash }

// Submit validates, hashes, and atomically writes an invoice header with
// its line items. A duplicate hash is rejected without reaching Postgres
// when the Redis dedup set already holds it; otherwise the database's
// UNIQUE constraint on invoices.hash is the backstop.
func (s *Store) Submit(ctx context.Context, inv Invoice) (*Invoice, error) {
	if err := ValidateStructure(inv); err != nil {
		return nil, err
	}

	hash := Hash(inv)

	if s.dedup != nil {
		exists, err := s.dedup.SIsMember(ctx, "invoice:hashes", hash).Result()
		if err == nil && exists {
			return nil, fmt.Errorf("invoice: duplicate submission (hash %s)", hash)
		}
	}

	inv.ID = uuid.New()
	inv.Hash = hash
	inv.Status = StatusPending

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning invoice submission: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO invoices (id, supplier_id, buyer_id, amount, currency, terms_days, status, hash, fraud_score, fraud_computed_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		inv.ID, inv.SupplierID, inv.BuyerID, inv.Amount, inv.Currency, inv.TermsDays, inv.Status, inv.Hash,
		inv.FraudScore, inv.FraudComputedAt, time.Now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("invoice: duplicate submission (hash %s)", hash)
		}
		return nil, fmt.Errorf("inserting invoice: %w", err)
	}

	for _, li := range inv.LineItems {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO line_items (id, invoice_id, description, amount) VALUES ($1,$2,$3,$4)`,
			uuid.New(), inv.ID, li.Description, li.Amount,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting line item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing invoice submission: %w", err)
	}

	if s.dedup != nil {
		s.dedup.SAdd(ctx, "invoice:hashes", hash)
	}

	if s.msgClient != nil {
		s.msgClient.Publish(messaging.SubjectInvoiceSubmitted, messaging.InvoiceEvent{
			InvoiceID: inv.ID, SupplierID: inv.SupplierID, BuyerID: inv.BuyerID, Amount: inv.Amount.String(),
			Timestamp: time.Now(),
		})
	}

	return &inv, nil
}

// isUniqueViolation recognizes Postgres SQLSTATE 23505 (unique_violation),
// the code the invoices.hash constraint raises on a duplicate.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// Get retrieves an invoice header and its line items.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var inv Invoice
	err := s.db.QueryRowContext(ctx,
		`SELECT id, supplier_id, buyer_id, amount, currency, terms_days, status, hash, fraud_score, fraud_computed_at
		 FROM invoices WHERE id = $1`, id,
	).Scan(&inv.ID, &inv.SupplierID, &inv.BuyerID, &inv.Amount, &inv.Currency, &inv.TermsDays, &inv.Status, &inv.Hash,
		&inv.FraudScore, &inv.FraudComputedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice: %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading invoice: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT description, amount FROM line_items WHERE invoice_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("reading line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.Description, &li.Amount); err != nil {
			return nil, fmt.Errorf("scanning line item: %w", err)
		}
		inv.LineItems = append(inv.LineItems, li)
	}

	return &inv, rows.Err()
}

// ListByAccount returns every invoice where accountID is either the
// supplier or the buyer, newest first.
func (s *Store) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, supplier_id, buyer_id, amount, currency, terms_days, status, hash, fraud_score, fraud_computed_at
		 FROM invoices WHERE supplier_id = $1 OR buyer_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.SupplierID, &inv.BuyerID, &inv.Amount, &inv.Currency, &inv.TermsDays, &inv.Status, &inv.Hash,
			&inv.FraudScore, &inv.FraudComputedAt); err != nil {
			return nil, fmt.Errorf("scanning invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// RecordFraudScore persists the Fraud Gate's (score, computed_at) verdict
// onto the invoice row. computedAt is stored as unix nanos so a zero value
// continues to mean "never scored."
func (s *Store) RecordFraudScore(ctx context.Context, id uuid.UUID, score decimal.Decimal, computedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET fraud_score = $1, fraud_computed_at = $2 WHERE id = $3`,
		score, computedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("recording fraud score: %w", err)
	}
	return nil
}

// ListStale returns ids of invoices in status older than olderThan,
// measured from created_at — used by the lifecycle scheduler to find
// submissions that sat in pending past the 48-hour acceptance window.
func (s *Store) ListStale(ctx context.Context, status Status, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM invoices WHERE status = $1 AND created_at < $2`,
		status, time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale invoices: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale invoice id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TxExecer is the minimal transactional surface a Transition settleFn
// needs. *sql.Tx satisfies it without any adapter; a caller testing
// against a fake Store can pass its own lightweight implementation
// instead of standing up a real database transaction.
type TxExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Transition is the single operation allowed to write the status column.
// Terminal states are absorbing: an attempt to leave one fails without
// touching the row. settleFn, when non-nil, runs inside the same
// transaction as the status write — the coordinator uses this to make an
// invoice transition and its settlement row durable together.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, to Status, actor, reason string, settleFn func(tx TxExecer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	var from Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return fmt.Errorf("invoice: %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("locking invoice for transition: %w", err)
	}

	if IsTerminal(from) {
		return fmt.Errorf("invoice: %s is in terminal state %q, no transition is legal", id, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invoice: %s → %s is not a legal transition from %s", from, to, id)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE invoices SET status = $1, updated_at = $2 WHERE id = $3`, to, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("writing transition: %w", err)
	}

	if settleFn != nil {
		if err := settleFn(tx); err != nil {
			return fmt.Errorf("transition settlement callback: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}

	return nil
}
