// Package ledger implements the settlement network's double-entry
// accounting ledger: append-only entries, balance reads, a replay stream,
// and a reconciliation sweep that proves the books are balanced.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/pkg/messaging"
)

// EntryType distinguishes the two sides of a posting.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// Entry is one append-only posting against an account. Hash chains the
// previous entry's Hash, so a gap or reorder in the sequence is
// detectable without consulting any other table.
type Entry struct {
	SeqNo     int64
	ID        uuid.UUID
	AccountID uuid.UUID
	Type      EntryType
	Amount    decimal.Decimal
	Balance   decimal.Decimal
	Reference string
	Reason    string
	CreatedAt time.Time
	Hash      string
	PriorHash string
}

func (e Entry) signable() []byte {
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%d|%s",
		e.SeqNo, e.ID, e.AccountID, e.Type, e.Amount.String(), e.Balance.String(),
		e.Reference, e.CreatedAt.UnixNano(), e.PriorHash))
}

// Ledger is the system of record for account balances. Balance reads are
// served from a Redis copy of the account's balance, kept for 30s; every
// append deletes that copy for the account. The cached value carries no
// sequence number, so a read that loaded the balance before a concurrent
// append committed can cache the older value until the 30s TTL lapses.
type Ledger struct {
	db        *sql.DB
	cache     *redis.Client
	msgClient *messaging.Client
	hmacKey   []byte
}

// New constructs a Ledger. cache may be nil, in which case every balance
// read falls through to Postgres.
func New(db *sql.DB, cache *redis.Client, msgClient *messaging.Client, hmacKey []byte) *Ledger {
	return &Ledger{db: db, cache: cache, msgClient: msgClient, hmacKey: hmacKey}
}

func (l *Ledger) sign(e Entry) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(e.signable())
	return hex.EncodeToString(mac.Sum(nil))
}

// Append posts a new entry against accountID, locking the account row for
// the duration of the write so concurrent postings against the same
// account serialize instead of racing on the running balance.
func (l *Ledger) Append(ctx context.Context, accountID uuid.UUID, entryType EntryType, amount decimal.Decimal, reference, reason string) (*Entry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("ledger: amount must be positive, got %s", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning ledger append: %w", err)
	}
	defer tx.Rollback()

	var currentBalance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID,
	).Scan(&currentBalance)
	if err != nil {
		return nil, fmt.Errorf("locking account for append: %w", err)
	}

	var newBalance decimal.Decimal
	switch entryType {
	case EntryCredit:
		newBalance = currentBalance.Add(amount)
	case EntryDebit:
		newBalance = currentBalance.Sub(amount)
	default:
		return nil, fmt.Errorf("ledger: unknown entry type %q", entryType)
	}

	var lastSeq int64
	var priorHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq_no, hash FROM ledger_entries ORDER BY seq_no DESC LIMIT 1`,
	).Scan(&lastSeq, &priorHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading last entry: %w", err)
	}

	entry := Entry{
		SeqNo:     lastSeq + 1,
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      entryType,
		Amount:    amount,
		Balance:   newBalance,
		Reference: reference,
		Reason:    reason,
		CreatedAt: time.Now(),
		PriorHash: priorHash,
	}
	entry.Hash = l.sign(entry)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (seq_no, id, account_id, type, amount, balance, reference, reason, created_at, hash, prior_hash)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.SeqNo, entry.ID, entry.AccountID, entry.Type, entry.Amount, entry.Balance,
		entry.Reference, entry.Reason, entry.CreatedAt, entry.Hash, entry.PriorHash,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting ledger entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
		newBalance, entry.CreatedAt, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating account balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ledger append: %w", err)
	}

	l.invalidateBalanceCache(ctx, accountID)

	if l.msgClient != nil {
		l.msgClient.Publish(messaging.SubjectLedgerEntry, messaging.LedgerEntryEvent{
			SeqNo: entry.SeqNo, AccountID: entry.AccountID, Type: string(entry.Type),
			Amount: entry.Amount.String(), Balance: entry.Balance.String(),
			Reason: entry.Reason, CreatedAt: entry.CreatedAt,
		})
	}

	return &entry, nil
}

type balanceCacheEntry struct {
	SeqNo   int64  `json:"seq_no"`
	Balance string `json:"balance"`
}

func balanceCacheKey(accountID uuid.UUID) string {
	return "ledger:balance:" + accountID.String()
}

func (l *Ledger) invalidateBalanceCache(ctx context.Context, accountID uuid.UUID) {
	if l.cache == nil {
		return
	}
	l.cache.Del(ctx, balanceCacheKey(accountID))
}

// Balance returns the account's current balance, served from cache when a
// prior Append has not invalidated it, and refreshed from Postgres on a
// cache miss.
func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	if l.cache != nil {
		if cached, err := l.cache.Get(ctx, balanceCacheKey(accountID)).Result(); err == nil {
			if d, err := decimal.NewFromString(cached); err == nil {
				return d, nil
			}
		}
	}

	var balance decimal.Decimal
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("ledger: account %s not found", accountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading balance: %w", err)
	}

	if l.cache != nil {
		l.cache.Set(ctx, balanceCacheKey(accountID), balance.String(), 30*time.Second)
	}

	return balance, nil
}

// Stream returns every entry with seq_no greater than since, in ascending
// order, for replay by VerifyChain or a downstream consumer catching up.
func (l *Ledger) Stream(ctx context.Context, since int64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq_no, id, account_id, type, amount, balance, reference, reason, created_at, hash, prior_hash
		 FROM ledger_entries WHERE seq_no > $1 ORDER BY seq_no ASC`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("streaming ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SeqNo, &e.ID, &e.AccountID, &e.Type, &e.Amount, &e.Balance,
			&e.Reference, &e.Reason, &e.CreatedAt, &e.Hash, &e.PriorHash); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReconcileResult reports whether the sum of entries in a window nets to
// zero across all accounts, and by how much it misses if not.
type ReconcileResult struct {
	Balanced        bool
	ImbalanceAmount decimal.Decimal
	EntriesChecked  int
}

// Reconcile sums every credit and debit posted within [since, until) and
// reports whether the ledger balanced over that window. A perfectly
// balanced double-entry ledger nets to zero; any nonzero net is a defect
// worth freezing new acceptances over.
func (l *Ledger) Reconcile(ctx context.Context, since, until time.Time) (ReconcileResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT type, amount FROM ledger_entries WHERE created_at >= $1 AND created_at < $2`,
		since, until,
	)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconciling window: %w", err)
	}
	defer rows.Close()

	net := decimal.Zero
	checked := 0
	for rows.Next() {
		var entryType EntryType
		var amount decimal.Decimal
		if err := rows.Scan(&entryType, &amount); err != nil {
			return ReconcileResult{}, fmt.Errorf("scanning reconcile row: %w", err)
		}
		switch entryType {
		case EntryCredit:
			net = net.Add(amount)
		case EntryDebit:
			net = net.Sub(amount)
		}
		checked++
	}
	if err := rows.Err(); err != nil {
		return ReconcileResult{}, err
	}

	return ReconcileResult{
		Balanced:        net.IsZero(),
		ImbalanceAmount: net,
		EntriesChecked:  checked,
	}, nil
}

// VerifyChain walks every entry in seq_no order and recomputes each hash,
// reporting false at the first broken link or signature mismatch. It is a
// library method: no startup path in cmd/ calls it.
func (l *Ledger) VerifyChain(ctx context.Context) (bool, error) {
	entries, err := l.Stream(ctx, 0)
	if err != nil {
		return false, err
	}

	var prevHash string
	for _, e := range entries {
		if e.PriorHash != prevHash {
			return false, nil
		}
		if l.sign(e) != e.Hash {
			return false, nil
		}
		prevHash = e.Hash
	}
	return true, nil
}
