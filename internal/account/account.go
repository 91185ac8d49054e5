// Package account implements the Account Registry: account status and
// KYC state, credit reservation against a staleness-checked credit
// limit, and sanctions screening with its own freshness window.
package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/internal/freshness"
)

// Role is the capacity in which an account participates in a settlement.
type Role string

const (
	RoleSupplier       Role = "supplier"
	RoleBuyer          Role = "buyer"
	RoleCapitalProvider Role = "capital-provider"
)

// Status is the account's admission state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusFrozen    Status = "frozen"
	StatusClosed    Status = "closed"
)

// KYCStatus is the account's know-your-customer verification state.
type KYCStatus string

const (
	KYCPending    KYCStatus = "pending"
	KYCInReview   KYCStatus = "in-review"
	KYCVerified   KYCStatus = "verified"
	KYCRejected   KYCStatus = "rejected"
	KYCExpired    KYCStatus = "expired"
)

const creditLimitMaxAge = time.Hour
const sanctionsMaxAge = 6 * time.Hour

// Account is a registry record. Balance lives in the Ledger; this is the
// registry of who is allowed to participate and how, not the money.
type Account struct {
	ID              uuid.UUID
	Role            Role
	Status          Status
	KYCStatus       KYCStatus
	KYCVerifiedAt   time.Time
	CreditLimit     decimal.Decimal
	CreditReserved  decimal.Decimal
	LimitCheckedAt  time.Time
	SanctionsClear  bool
	SanctionsCheckedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int
}

// IsActive reports whether the account may be a source or destination of
// any settlement leg.
func (a Account) IsActive() bool { return a.Status == StatusActive }

// AvailableCredit is the limit minus whatever is already reserved.
func (a Account) AvailableCredit() decimal.Decimal {
	return a.CreditLimit.Sub(a.CreditReserved)
}

// CreditBureau is the pluggable collaborator that supplies a fresh credit
// limit for an account. Out of scope per the system boundary; only its
// interface is specified here.
type CreditBureau interface {
	FetchCreditLimit(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
}

// SanctionsSource is the pluggable collaborator that reports whether an
// account currently appears on a sanctions list.
type SanctionsSource interface {
	Check(ctx context.Context, accountID uuid.UUID) (clear bool, err error)
}

// Registry is the Account Registry component.
type Registry struct {
	db        *sql.DB
	cache     *redis.Client
	bureau    CreditBureau
	sanctions SanctionsSource
}

// New constructs a Registry. bureau and sanctions may be nil in
// environments that never need to refresh stale data (e.g. replay tests);
// any attempt to refresh in that case fails loudly rather than silently
// skipping the check.
func New(db *sql.DB, cache *redis.Client, bureau CreditBureau, sanctions SanctionsSource) *Registry {
	return &Registry{db: db, cache: cache, bureau: bureau, sanctions: sanctions}
}

func accountCacheKey(id uuid.UUID) string { return "account:" + id.String() }

// Get returns the current registry record for id, preferring a cached
// copy when present.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, accountCacheKey(id)).Result(); err == nil {
			var a Account
			if json.Unmarshal([]byte(cached), &a) == nil {
				return &a, nil
			}
		}
	}

	var a Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, role, status, kyc_status, kyc_verified_at, credit_limit, credit_reserved,
		        limit_checked_at, sanctions_clear, sanctions_checked_at, created_at, updated_at, version
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Role, &a.Status, &a.KYCStatus, &a.KYCVerifiedAt, &a.CreditLimit, &a.CreditReserved,
		&a.LimitCheckedAt, &a.SanctionsClear, &a.SanctionsCheckedAt, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account: %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading account: %w", err)
	}

	r.cacheAccount(ctx, a)
	return &a, nil
}

func (r *Registry) cacheAccount(ctx context.Context, a Account) {
	if r.cache == nil {
		return
	}
	b, err := json.Marshal(a)
	if err != nil {
		return
	}
	r.cache.Set(ctx, accountCacheKey(a.ID), b, 30*time.Second)
}

func (r *Registry) invalidate(ctx context.Context, id uuid.UUID) {
	if r.cache != nil {
		r.cache.Del(ctx, accountCacheKey(id))
	}
}

// SetStatus transitions an account's status, e.g. active → suspended
// after a fraud freeze, or pending → active after onboarding completes.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = $1, updated_at = $2, version = version + 1 WHERE id = $3`,
		status, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("setting account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account: %s not found", id)
	}
	r.invalidate(ctx, id)
	return nil
}

// RefreshCreditLimitIfStale re-fetches the credit limit from the credit
// bureau collaborator when the cached value is older than the one-hour
// staleness window, and returns the (possibly unchanged) account.
func (r *Registry) RefreshCreditLimitIfStale(ctx context.Context, id uuid.UUID) (*Account, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	window := freshness.New(a.LimitCheckedAt, creditLimitMaxAge)
	if !window.Stale(time.Now()) {
		return a, nil
	}

	if r.bureau == nil {
		return nil, fmt.Errorf("account: credit limit for %s is stale and no credit bureau is configured", id)
	}

	limit, err := r.bureau.FetchCreditLimit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching credit limit: %w", err)
	}

	now := time.Now()
	_, err = r.db.ExecContext(ctx,
		`UPDATE accounts SET credit_limit = $1, limit_checked_at = $2, updated_at = $2, version = version + 1 WHERE id = $3`,
		limit, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("persisting refreshed credit limit: %w", err)
	}
	r.invalidate(ctx, id)

	a.CreditLimit = limit
	a.LimitCheckedAt = now
	return a, nil
}

// Reservation is a durable record of a credit hold, kept in a
// TTL-intentioned table (per spec.md §5's "credit reservations in a
// TTL'd table") so the lifecycle scheduler can find and release holds
// that were never followed by a settlement outcome — e.g. the process
// crashed between ReserveCredit and the commit/rollback that should
// have released it.
type Reservation struct {
	AccountID  uuid.UUID
	Reference  uuid.UUID
	Amount     decimal.Decimal
	ReservedAt time.Time
}

// ReserveCredit optimistically reserves amount against buyer's available
// credit, refreshing the limit first if it is stale. It locks the account
// row for the duration of the check-and-reserve so two concurrent
// acceptances against the same buyer cannot both succeed past the limit.
// reference (typically the invoice id) identifies the hold for later
// release and orphan-sweep lookup.
func (r *Registry) ReserveCredit(ctx context.Context, buyer, reference uuid.UUID, amount decimal.Decimal) error {
	if _, err := r.RefreshCreditLimitIfStale(ctx, buyer); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning credit reservation: %w", err)
	}
	defer tx.Rollback()

	var limit, reserved decimal.Decimal
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT credit_limit, credit_reserved, version FROM accounts WHERE id = $1 FOR UPDATE`, buyer,
	).Scan(&limit, &reserved, &version)
	if err != nil {
		return fmt.Errorf("locking account for credit reservation: %w", err)
	}

	available := limit.Sub(reserved)
	if available.LessThan(amount) {
		return fmt.Errorf("account: insufficient available credit (%s available, %s requested)", available, amount)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET credit_reserved = credit_reserved + $1, updated_at = $2, version = version + 1
		 WHERE id = $3 AND version = $4`,
		amount, time.Now(), buyer, version,
	)
	if err != nil {
		return fmt.Errorf("reserving credit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account: concurrent modification detected during credit reservation")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_reservations (account_id, reference, amount, reserved_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (account_id, reference) DO UPDATE SET amount = $3, reserved_at = $4`,
		buyer, reference, amount, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("recording credit reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing credit reservation: %w", err)
	}
	r.invalidate(ctx, buyer)
	return nil
}

// ReleaseCredit undoes a reservation — on settlement failure, on expiry,
// or via the lifecycle scheduler's orphan sweep. It looks up the
// reservation row for (buyer, reference) first and releases exactly the
// amount that row recorded; if no such row exists, nothing was ever
// reserved for this reference (e.g. a pre-barrier check failed before
// credit-reserved ever ran) and the call is a no-op rather than
// decrementing credit_reserved for capacity that was never held.
func (r *Registry) ReleaseCredit(ctx context.Context, buyer, reference uuid.UUID, amount decimal.Decimal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning credit release: %w", err)
	}
	defer tx.Rollback()

	var reserved decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`DELETE FROM credit_reservations WHERE account_id = $1 AND reference = $2 RETURNING amount`,
		buyer, reference,
	).Scan(&reserved)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clearing credit reservation record: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET credit_reserved = GREATEST(credit_reserved - $1, 0), updated_at = $2, version = version + 1
		 WHERE id = $3`,
		reserved, time.Now(), buyer,
	)
	if err != nil {
		return fmt.Errorf("releasing credit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account: %s not found", buyer)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing credit release: %w", err)
	}
	r.invalidate(ctx, buyer)
	return nil
}

// ListOrphanReservations returns every reservation older than maxAge,
// used by the lifecycle scheduler to release holds left behind by a
// coordinator that crashed or otherwise never reached its own release
// call.
func (r *Registry) ListOrphanReservations(ctx context.Context, maxAge time.Duration) ([]Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_id, reference, amount, reserved_at FROM credit_reservations WHERE reserved_at < $1`,
		time.Now().Add(-maxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("listing orphan reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.AccountID, &res.Reference, &res.Amount, &res.ReservedAt); err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CheckSanctions refreshes the sanctions clearance for id if the snapshot
// is older than the 6-hour window, used at submission, acceptance, and
// immediately before commit — the same call, evaluated three times.
func (r *Registry) CheckSanctions(ctx context.Context, id uuid.UUID) (bool, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}

	window := freshness.New(a.SanctionsCheckedAt, sanctionsMaxAge)
	if !window.Stale(time.Now()) {
		return a.SanctionsClear, nil
	}

	if r.sanctions == nil {
		return false, fmt.Errorf("account: sanctions snapshot for %s is stale and no sanctions source is configured", id)
	}

	clear, err := r.sanctions.Check(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking sanctions: %w", err)
	}

	now := time.Now()
	_, err = r.db.ExecContext(ctx,
		`UPDATE accounts SET sanctions_clear = $1, sanctions_checked_at = $2, updated_at = $2, version = version + 1 WHERE id = $3`,
		clear, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("persisting sanctions check: %w", err)
	}
	r.invalidate(ctx, id)

	return clear, nil
}
