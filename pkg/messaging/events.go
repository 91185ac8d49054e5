package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects published by the settlement pipeline.
const (
	SubjectInvoiceSubmitted   = "invoice.submitted"
	SubjectInvoiceExpired     = "invoice.expired"
	SubjectInvoiceFraudReview = "invoice.fraud_review"

	SubjectAuctionOpened       = "auction.opened"
	SubjectAuctionBid          = "auction.bid"
	SubjectAuctionClosed       = "auction.closed"
	SubjectAuctionLowLiquidity = "auction.low_liquidity"

	SubjectSettlementStarted   = "settlement.started"
	SubjectSettlementCompleted = "settlement.completed"
	SubjectSettlementFailed    = "settlement.failed"
	SubjectSettlementIncident  = "settlement.incident"

	SubjectLedgerEntry         = "ledger.entry"
	SubjectReconciliationAlert = "ledger.reconciliation_alert"

	SubjectDecisionRecorded = "decision.recorded"

	SubjectSystemFreeze = "system.freeze"
)

// InvoiceEvent reports invoice lifecycle transitions.
type InvoiceEvent struct {
	InvoiceID  uuid.UUID `json:"invoice_id"`
	SupplierID uuid.UUID `json:"supplier_id,omitempty"`
	BuyerID    uuid.UUID `json:"buyer_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LedgerEntryEvent mirrors an appended ledger entry for downstream readers.
type LedgerEntryEvent struct {
	SeqNo     int64     `json:"seq_no"`
	AccountID uuid.UUID `json:"account_id"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Balance   string    `json:"balance"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// AuctionEvent reports auction lifecycle transitions.
type AuctionEvent struct {
	InvoiceID    uuid.UUID `json:"invoice_id"`
	ProviderID   uuid.UUID `json:"provider_id,omitempty"`
	DiscountRate string    `json:"discount_rate,omitempty"`
	BidCount     int       `json:"bid_count,omitempty"`
	Fallback     bool      `json:"fallback,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SettlementEvent reports settlement lifecycle transitions.
type SettlementEvent struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	InvoiceID    uuid.UUID `json:"invoice_id"`
	Status       string    `json:"status"`
	Rail         string    `json:"rail,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DecisionEvent reports an invariant-engine decision.
type DecisionEvent struct {
	RecordSeq   int64     `json:"record_seq"`
	InvariantID string    `json:"invariant_id"`
	Phase       string    `json:"phase"`
	Action      string    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
}
