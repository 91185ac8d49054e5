// Package invoice implements the Invoice Store and the invoice lifecycle
// State Machine: admission, structural validation, and the single
// transition operation that is the only path allowed to write status.
package invoice

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a position in the invoice lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusFraudReview  Status = "fraud-review"
	StatusAccepted     Status = "accepted"
	StatusSettled      Status = "settled"
	StatusFailed       Status = "failed"
	StatusRejected     Status = "rejected"
	StatusExpired      Status = "expired"
)

// LineItem is one billed item on an invoice.
type LineItem struct {
	Description string
	Amount      decimal.Decimal
}

// Invoice is an invoice header plus its fraud annotation. Line items are
// stored separately but always written atomically with the header.
type Invoice struct {
	ID           uuid.UUID
	SupplierID   uuid.UUID
	BuyerID      uuid.UUID
	Amount       decimal.Decimal
	Currency     string
	TermsDays    int
	Status       Status
	Hash         string
	FraudScore   decimal.Decimal
	FraudComputedAt int64 // unix nanos; zero means never scored
	LineItems    []LineItem
}

// Amount bounds and line-item tolerance from the system boundary spec.
var (
	minAmount      = decimal.NewFromInt(100)
	maxAmount      = decimal.NewFromInt(10000000)
	lineItemTolerance = decimal.NewFromFloat(0.01)
)

// AllowedTerms is the whitelist of payment terms, in days.
var AllowedTerms = map[int]bool{0: true, 15: true, 30: true, 45: true, 60: true, 90: true}

// ValidateStructure enforces the admission-time structural invariants:
// amount range, line-item sum tolerance, and terms whitelist. It does not
// touch the database — callers run it before computing a hash so a
// structurally invalid invoice never reaches the dedup check.
func ValidateStructure(inv Invoice) error {
	if inv.Amount.LessThan(minAmount) || inv.Amount.GreaterThan(maxAmount) {
		return fmt.Errorf("invoice: amount %s out of range [%s, %s]", inv.Amount, minAmount, maxAmount)
	}
	if !AllowedTerms[inv.TermsDays] {
		return fmt.Errorf("invoice: terms %d days is not an allowed value", inv.TermsDays)
	}
	if len(inv.LineItems) == 0 {
		return fmt.Errorf("invoice: at least one line item is required")
	}

	sum := decimal.Zero
	for _, li := range inv.LineItems {
		sum = sum.Add(li.Amount)
	}
	diff := sum.Sub(inv.Amount).Abs()
	if diff.GreaterThan(lineItemTolerance) {
		return fmt.Errorf("invoice: line items sum to %s, header amount is %s (tolerance %s)", sum, inv.Amount, lineItemTolerance)
	}

	return nil
}

// CanonicalLineItems returns line items sorted into a deterministic order
// for hashing, leaving the caller's slice untouched.
func CanonicalLineItems(items []LineItem) []LineItem {
	sorted := make([]LineItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Description != sorted[j].Description {
			return sorted[i].Description < sorted[j].Description
		}
		return sorted[i].Amount.LessThan(sorted[j].Amount)
	})
	return sorted
}

// transitions is the authoritative adjacency list: from status to the set
// of statuses it may move to. Anything not listed here has no outgoing
// edges and is terminal.
var transitions = map[Status][]Status{
	StatusPending:     {StatusAccepted, StatusRejected, StatusExpired, StatusFraudReview},
	StatusFraudReview: {StatusAccepted, StatusRejected},
	StatusAccepted:    {StatusSettled, StatusFailed},
	StatusFailed:      {StatusRejected},
}

// CanTransition reports whether from → to is a legal edge in the
// lifecycle table. Store.Transition checks it before every status write,
// so every caller that moves an invoice goes through the same table.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no further outgoing transitions.
func IsTerminal(status Status) bool {
	_, hasEdges := transitions[status]
	return !hasEdges
}
