// Package decision implements the Decision Ledger: a signed, hash-chained
// audit log of every invariant check, transition, and settlement outcome.
// Records are write-only; Verify walks the chain independently of the
// writer and can be run by an operator to detect tampering.
package decision

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/invoicenet/settlement/pkg/messaging"
)

// Phase is when a check ran relative to the operation it guards.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Action is what the invariant engine decided to do in response to a
// check's result.
type Action string

const (
	ActionProceed  Action = "proceed"
	ActionRollback Action = "rollback"
	ActionFreeze   Action = "freeze"
)

// Record is one entry in the decision ledger.
type Record struct {
	Seq           int64
	InvariantID   string
	Phase         Phase
	Result        bool
	Action        Action
	StateSnapshot json.RawMessage
	Actor         string
	Timestamp     time.Time
	Signature     string
	PriorHash     string
}

// canonical returns the byte sequence that is signed and hashed — every
// field except Signature itself.
func (r Record) canonical() []byte {
	b, _ := json.Marshal(struct {
		Seq           int64
		InvariantID   string
		Phase         Phase
		Result        bool
		Action        Action
		StateSnapshot json.RawMessage
		Actor         string
		Timestamp     time.Time
		PriorHash     string
	}{r.Seq, r.InvariantID, r.Phase, r.Result, r.Action, r.StateSnapshot, r.Actor, r.Timestamp, r.PriorHash})
	return b
}

// Ledger appends and verifies decision records against a Postgres-backed
// store, publishing each append as a NATS event for operational
// dashboards.
type Ledger struct {
	db        *sql.DB
	msgClient *messaging.Client
	hmacKey   []byte

	lastHash string
}

// New constructs a Ledger. hmacKey signs every record and chains hashes;
// it must match across process restarts or the chain will appear broken.
func New(db *sql.DB, msgClient *messaging.Client, hmacKey []byte) *Ledger {
	return &Ledger{db: db, msgClient: msgClient, hmacKey: hmacKey}
}

// sign computes the HMAC-SHA256 over the record's canonical bytes.
func (l *Ledger) sign(r Record) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(r.canonical())
	return hex.EncodeToString(mac.Sum(nil))
}

func hashOf(r Record) string {
	h := sha256.Sum256(append(r.canonical(), []byte(r.Signature)...))
	return hex.EncodeToString(h[:])
}

// Append writes the next decision record, chaining it to the previous
// record's hash, signing it, and publishing a notification event.
func (l *Ledger) Append(ctx context.Context, invariantID string, phase Phase, result bool, action Action, snapshot json.RawMessage, actor string) (*Record, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning decision append: %w", err)
	}
	defer tx.Rollback()

	var priorHash string
	var lastSeq int64
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM decision_records ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &priorHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading last decision record: %w", err)
	}

	record := Record{
		Seq:           lastSeq + 1,
		InvariantID:   invariantID,
		Phase:         phase,
		Result:        result,
		Action:        action,
		StateSnapshot: snapshot,
		Actor:         actor,
		Timestamp:     time.Now(),
		PriorHash:     priorHash,
	}
	record.Signature = l.sign(record)
	hash := hashOf(record)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO decision_records (seq, invariant_id, phase, result, action, state_snapshot, actor, created_at, signature, prior_hash, hash)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		record.Seq, record.InvariantID, record.Phase, record.Result, record.Action,
		record.StateSnapshot, record.Actor, record.Timestamp, record.Signature, record.PriorHash, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting decision record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing decision append: %w", err)
	}

	l.lastHash = hash

	if l.msgClient != nil {
		l.msgClient.Publish(messaging.SubjectDecisionRecorded, messaging.DecisionEvent{
			RecordSeq:   record.Seq,
			InvariantID: invariantID,
			Phase:       string(phase),
			Action:      string(action),
			Timestamp:   record.Timestamp,
		})
	}

	return &record, nil
}

// Verify walks the entire chain from the beginning, recomputing every
// signature and hash, and reports the first break found (if any). This is
// intentionally independent of Append's bookkeeping — a bug in Append that
// corrupts the chain must still be catchable here.
func (l *Ledger) Verify(ctx context.Context) (bool, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, invariant_id, phase, result, action, state_snapshot, actor, created_at, signature, prior_hash, hash
		 FROM decision_records ORDER BY seq ASC`)
	if err != nil {
		return false, fmt.Errorf("querying decision records: %w", err)
	}
	defer rows.Close()

	var prevHash string
	for rows.Next() {
		var r Record
		var storedHash string
		if err := rows.Scan(&r.Seq, &r.InvariantID, &r.Phase, &r.Result, &r.Action, &r.StateSnapshot, &r.Actor, &r.Timestamp, &r.Signature, &r.PriorHash, &storedHash); err != nil {
			return false, fmt.Errorf("scanning decision record: %w", err)
		}

		if r.PriorHash != prevHash {
			return false, nil
		}

		expectedSig := l.sign(Record{
			Seq: r.Seq, InvariantID: r.InvariantID, Phase: r.Phase, Result: r.Result,
			Action: r.Action, StateSnapshot: r.StateSnapshot, Actor: r.Actor,
			Timestamp: r.Timestamp, PriorHash: r.PriorHash,
		})
		if expectedSig != r.Signature {
			return false, nil
		}

		if hashOf(r) != storedHash {
			return false, nil
		}

		prevHash = storedHash
	}

	return true, rows.Err()
}

// NewActorID is a small helper for tests and seed scripts that need a
// stable-looking actor identity without a real auth context.
func NewActorID() string {
	return "system:" + uuid.New().String()
}
