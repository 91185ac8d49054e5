package invoice

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func sampleInvoice() Invoice {
	return Invoice{
		SupplierID: uuid.New(),
		BuyerID:    uuid.New(),
		Amount:     decimal.NewFromInt(1000),
		Currency:   "USD",
		TermsDays:  30,
		LineItems: []LineItem{
			{Description: "widgets", Amount: decimal.NewFromInt(600)},
			{Description: "shipping", Amount: decimal.NewFromInt(400)},
		},
	}
}

func TestValidateStructureAcceptsValidInvoice(t *testing.T) {
	assert.NoError(t, ValidateStructure(sampleInvoice()))
}

func TestValidateStructureRejectsAmountBelowMinimum(t *testing.T) {
	inv := sampleInvoice()
	inv.Amount = decimal.NewFromInt(99)
	assert.Error(t, ValidateStructure(inv))
}

func TestValidateStructureRejectsAmountAboveMaximum(t *testing.T) {
	inv := sampleInvoice()
	inv.Amount = decimal.NewFromInt(10000001)
	assert.Error(t, ValidateStructure(inv))
}

func TestValidateStructureRejectsDisallowedTerms(t *testing.T) {
	inv := sampleInvoice()
	inv.TermsDays = 20
	assert.Error(t, ValidateStructure(inv))
}

func TestValidateStructureAllowsEveryWhitelistedTerm(t *testing.T) {
	for terms := range AllowedTerms {
		inv := sampleInvoice()
		inv.TermsDays = terms
		assert.NoError(t, ValidateStructure(inv), "terms=%d should be allowed", terms)
	}
}

func TestValidateStructureRejectsLineItemMismatchBeyondTolerance(t *testing.T) {
	inv := sampleInvoice()
	inv.LineItems = []LineItem{{Description: "widgets", Amount: decimal.NewFromInt(500)}}
	assert.Error(t, ValidateStructure(inv))
}

func TestValidateStructureAllowsLineItemMismatchWithinTolerance(t *testing.T) {
	inv := sampleInvoice()
	inv.Amount = decimal.NewFromFloat(1000.005)
	assert.NoError(t, ValidateStructure(inv))
}

func TestHashIsOrderIndependent(t *testing.T) {
	base := sampleInvoice()
	reordered := base
	reordered.LineItems = []LineItem{base.LineItems[1], base.LineItems[0]}

	assert.Equal(t, Hash(base), Hash(reordered), "hashing must not depend on line item submission order")
}

func TestHashChangesWithAmount(t *testing.T) {
	a := sampleInvoice()
	b := a
	b.Amount = a.Amount.Add(decimal.NewFromInt(1))

	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusFraudReview, true},
		{StatusPending, StatusSettled, false},
		{StatusFraudReview, StatusAccepted, true},
		{StatusFraudReview, StatusFraudReview, false},
		{StatusAccepted, StatusSettled, true},
		{StatusAccepted, StatusFailed, true},
		{StatusFailed, StatusRejected, true},
		{StatusFailed, StatusAccepted, false},
		{StatusSettled, StatusAccepted, false},
		{StatusRejected, StatusPending, false},
		{StatusExpired, StatusAccepted, false},
	}

	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		assert.Equal(t, c.allowed, got, "%s -> %s", c.from, c.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusSettled))
	assert.True(t, IsTerminal(StatusRejected))
	assert.True(t, IsTerminal(StatusExpired))
	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusFraudReview))
	assert.False(t, IsTerminal(StatusAccepted))
	assert.False(t, IsTerminal(StatusFailed))
}
