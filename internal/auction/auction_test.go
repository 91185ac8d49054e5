package auction

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicenet/settlement/pkg/money"
)

func TestTotalCostWorkedExample(t *testing.T) {
	amount := money.FromCents(5000000) // 50000.00
	rate := decimal.NewFromFloat(0.06)

	got := TotalCost(amount, rate, 30)
	assert.Equal(t, "50246.58", got.String())
}

func TestTotalCostZeroTermsIsJustAmount(t *testing.T) {
	amount := money.FromCents(100000)
	got := TotalCost(amount, decimal.NewFromFloat(0.1), 0)
	assert.True(t, got.Equal(amount))
}

func TestCloseAndSelectPicksLowestRate(t *testing.T) {
	m := New(nil, nil, decimal.NewFromFloat(0.08))
	ctx := context.Background()
	invoiceID := uuid.New()
	amount := money.FromCents(1000000)

	require.NoError(t, m.OpenAuction(ctx, invoiceID, amount, 30, time.Hour))

	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, m.SubmitBid(ctx, Bid{InvoiceID: invoiceID, ProviderID: p1, DiscountRate: decimal.NewFromFloat(0.07), Capacity: decimal.NewFromInt(2000000), ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, m.SubmitBid(ctx, Bid{InvoiceID: invoiceID, ProviderID: p2, DiscountRate: decimal.NewFromFloat(0.05), Capacity: decimal.NewFromInt(2000000), ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, m.SubmitBid(ctx, Bid{InvoiceID: invoiceID, ProviderID: p3, DiscountRate: decimal.NewFromFloat(0.06), Capacity: decimal.NewFromInt(2000000), ExpiresAt: time.Now().Add(time.Hour)}))

	winner, quote, err := m.CloseAndSelect(ctx, invoiceID)
	require.NoError(t, err)
	require.NotNil(t, winner)

	assert.Equal(t, p2, winner.ProviderID)
	assert.False(t, quote.Fallback)
	assert.True(t, quote.DiscountRate.Equal(decimal.NewFromFloat(0.05)))
}

func TestCloseAndSelectFallsBackUnderThreeBids(t *testing.T) {
	m := New(nil, nil, decimal.NewFromFloat(0.08))
	ctx := context.Background()
	invoiceID := uuid.New()
	amount := money.FromCents(1000000)

	require.NoError(t, m.OpenAuction(ctx, invoiceID, amount, 30, time.Hour))
	require.NoError(t, m.SubmitBid(ctx, Bid{InvoiceID: invoiceID, ProviderID: uuid.New(), DiscountRate: decimal.NewFromFloat(0.04), Capacity: decimal.NewFromInt(2000000), ExpiresAt: time.Now().Add(time.Hour)}))

	winner, quote, err := m.CloseAndSelect(ctx, invoiceID)
	require.NoError(t, err)

	assert.NotNil(t, winner, "one valid bid still wins even though the quote is priced at the fallback rate")
	assert.True(t, quote.Fallback)
}

func TestCloseAndSelectDiscardsExpiredAndUndercapacityBids(t *testing.T) {
	m := New(nil, nil, decimal.NewFromFloat(0.08))
	ctx := context.Background()
	invoiceID := uuid.New()
	amount := money.FromCents(1000000)

	require.NoError(t, m.OpenAuction(ctx, invoiceID, amount, 30, time.Hour))
	require.NoError(t, m.SubmitBid(ctx, Bid{InvoiceID: invoiceID, ProviderID: uuid.New(), DiscountRate: decimal.NewFromFloat(0.01), Capacity: decimal.NewFromInt(2000000), ExpiresAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, m.SubmitBid(ctx, Bid{InvoiceID: invoiceID, ProviderID: uuid.New(), DiscountRate: decimal.NewFromFloat(0.02), Capacity: decimal.NewFromInt(100), ExpiresAt: time.Now().Add(time.Hour)}))
	goodProvider := uuid.New()
	require.NoError(t, m.SubmitBid(ctx, Bid{InvoiceID: invoiceID, ProviderID: goodProvider, DiscountRate: decimal.NewFromFloat(0.09), Capacity: decimal.NewFromInt(2000000), ExpiresAt: time.Now().Add(time.Hour)}))

	winner, quote, err := m.CloseAndSelect(ctx, invoiceID)
	require.NoError(t, err)
	require.NotNil(t, winner)

	assert.Equal(t, goodProvider, winner.ProviderID)
	assert.True(t, quote.Fallback, "only one bid survived filtering, so this still counts as low liquidity")
}

func TestQuoteCannotBeConsumedTwice(t *testing.T) {
	m := New(nil, nil, decimal.NewFromFloat(0.08))
	ctx := context.Background()
	invoiceID := uuid.New()
	amount := money.FromCents(1000000)

	require.NoError(t, m.OpenAuction(ctx, invoiceID, amount, 30, time.Hour))
	_, quote, err := m.CloseAndSelect(ctx, invoiceID)
	require.NoError(t, err)

	_, err = m.ConsumeQuote(ctx, quote.ID)
	require.NoError(t, err)

	_, err = m.ConsumeQuote(ctx, quote.ID)
	assert.Error(t, err)
}

func TestQuoteExpiresAfterTTL(t *testing.T) {
	q := Quote{ExpiresAt: time.Now().Add(-time.Second)}
	assert.False(t, q.Valid(time.Now()))
}
