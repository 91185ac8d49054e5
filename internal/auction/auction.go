// Package auction implements Pricing & Auction: a bounded-window capital
// auction per invoice, lowest-discount-rate-wins selection, and the
// pricing quote that binds a buyer's acceptance to a specific rate.
//
// Structurally this mirrors the teacher's order-matching engine
// (internal/matching): an Auction is the invoice-scoped analogue of an
// OrderBook, bids are resting orders ordered by discount rate instead of
// price, and CloseAndSelect is a one-shot match instead of continuous
// matching.
package auction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/pkg/messaging"
	"github.com/invoicenet/settlement/pkg/money"
)

const (
	defaultWindow = 10 * time.Second
	minBidsTarget = 3
	quoteTTL      = 5 * time.Minute
)

// Bid is one capital provider's offer to fund an invoice.
type Bid struct {
	ID           uuid.UUID
	InvoiceID    uuid.UUID
	ProviderID   uuid.UUID
	DiscountRate decimal.Decimal
	Capacity     decimal.Decimal
	ExpiresAt    time.Time
	SubmittedAt  time.Time
}

// valid reports whether a bid may still be considered at close: not
// expired and with enough capacity for the invoice amount.
func (b Bid) valid(now time.Time, amount decimal.Decimal) bool {
	return b.ExpiresAt.After(now) && b.Capacity.GreaterThanOrEqual(amount)
}

// Quote ties an invoice, its payment terms, a winning discount rate, and
// the resulting total cost. It is valid for exactly five minutes and is
// consumed — never reused — on acceptance.
type Quote struct {
	ID           uuid.UUID
	InvoiceID    uuid.UUID
	TermsDays    int
	DiscountRate decimal.Decimal
	Amount       money.Amount
	TotalCost    money.Amount
	ProviderID   uuid.UUID
	Fallback     bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Consumed     bool
}

// Valid reports whether the quote may still be accepted against.
func (q Quote) Valid(now time.Time) bool {
	return !q.Consumed && now.Before(q.ExpiresAt)
}

// TotalCost computes total_cost = amount * (1 + discount_rate * terms /
// 365), rounded half-away-from-zero to two decimal places via
// pkg/money. Buyer pays exactly this; supplier receives amount; the
// capital provider's profit is TotalCost - amount.
func TotalCost(amount money.Amount, discountRate decimal.Decimal, termsDays int) money.Amount {
	factor := decimal.NewFromInt(1).Add(discountRate.Mul(decimal.NewFromInt(int64(termsDays))).Div(decimal.NewFromInt(365)))
	return amount.MulRate(factor)
}

type openAuction struct {
	invoiceID uuid.UUID
	amount    money.Amount
	termsDays int
	openedAt  time.Time
	closesAt  time.Time
	closed    bool

	mu   sync.Mutex
	bids []Bid
}

// Manager holds all open auctions and issued quotes and runs the
// background sweep that closes auctions whose window has elapsed,
// mirroring the teacher's 100ms order-book processing tick.
type Manager struct {
	msgClient *messaging.Client
	cache     *redis.Client

	fallbackRate decimal.Decimal

	mu       sync.Mutex
	auctions map[uuid.UUID]*openAuction
	quotes   map[uuid.UUID]*Quote

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager. fallbackRate is used whenever fewer than
// three valid bids arrive at close.
func New(msgClient *messaging.Client, cache *redis.Client, fallbackRate decimal.Decimal) *Manager {
	return &Manager{
		msgClient:    msgClient,
		cache:        cache,
		fallbackRate: fallbackRate,
		auctions:     make(map[uuid.UUID]*openAuction),
		quotes:       make(map[uuid.UUID]*Quote),
		shutdown:     make(chan struct{}),
	}
}

// Start launches the background sweep that closes auctions past their
// window on behalf of callers who never explicitly close them.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweepExpired(ctx)
			case <-m.shutdown:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	close(m.shutdown)
	m.wg.Wait()
}

func (m *Manager) sweepExpired(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var toClose []uuid.UUID
	for id, a := range m.auctions {
		a.mu.Lock()
		expired := !a.closed && now.After(a.closesAt)
		a.mu.Unlock()
		if expired {
			toClose = append(toClose, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range toClose {
		if _, _, err := m.CloseAndSelect(ctx, id); err == nil {
			closed++
		}
	}
	return closed
}

// SweepExpired closes every auction whose window has elapsed and reports
// how many it closed. Start's background ticker already calls this every
// 500ms; the lifecycle scheduler calls it again on a coarser,
// lock-gated interval as a backstop for the case where a replica's
// background sweep stalled or was never started.
func (m *Manager) SweepExpired(ctx context.Context) int {
	return m.sweepExpired(ctx)
}

// OpenAuction starts a bounded-window auction for invoiceID. duration of
// zero uses the 10-second default.
func (m *Manager) OpenAuction(ctx context.Context, invoiceID uuid.UUID, amount money.Amount, termsDays int, duration time.Duration) error {
	if duration <= 0 {
		duration = defaultWindow
	}

	now := time.Now()
	a := &openAuction{
		invoiceID: invoiceID,
		amount:    amount,
		termsDays: termsDays,
		openedAt:  now,
		closesAt:  now.Add(duration),
	}

	m.mu.Lock()
	if _, exists := m.auctions[invoiceID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("auction: invoice %s already has an open auction", invoiceID)
	}
	m.auctions[invoiceID] = a
	m.mu.Unlock()

	if m.msgClient != nil {
		m.msgClient.Publish(messaging.SubjectAuctionOpened, messaging.AuctionEvent{InvoiceID: invoiceID, Timestamp: now})
	}
	return nil
}

// SubmitBid records a capital provider's bid against an open auction.
func (m *Manager) SubmitBid(ctx context.Context, bid Bid) error {
	m.mu.Lock()
	a, exists := m.auctions[bid.InvoiceID]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("auction: no open auction for invoice %s", bid.InvoiceID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("auction: invoice %s's auction is already closed", bid.InvoiceID)
	}
	if time.Now().After(a.closesAt) {
		return fmt.Errorf("auction: invoice %s's auction window has elapsed", bid.InvoiceID)
	}

	bid.ID = uuid.New()
	bid.SubmittedAt = time.Now()
	a.bids = append(a.bids, bid)

	if m.msgClient != nil {
		m.msgClient.Publish(messaging.SubjectAuctionBid, messaging.AuctionEvent{
			InvoiceID: bid.InvoiceID, ProviderID: bid.ProviderID, DiscountRate: bid.DiscountRate.String(), Timestamp: bid.SubmittedAt,
		})
	}
	m.recordBidForCompetition(ctx, bid.SubmittedAt)

	return nil
}

// CloseAndSelect closes the auction (if not already closed by the
// background sweep) and selects the winning bid: the lowest discount
// rate among bids valid as of now. Fewer than three valid bids falls
// back to the configured rate and emits a low-liquidity event.
func (m *Manager) CloseAndSelect(ctx context.Context, invoiceID uuid.UUID) (*Bid, *Quote, error) {
	m.mu.Lock()
	a, exists := m.auctions[invoiceID]
	m.mu.Unlock()
	if !exists {
		return nil, nil, fmt.Errorf("auction: no auction found for invoice %s", invoiceID)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, nil, fmt.Errorf("auction: invoice %s's auction is already closed", invoiceID)
	}
	a.closed = true
	now := time.Now()

	var valid []Bid
	for _, b := range a.bids {
		if b.valid(now, a.amount.Decimal()) {
			valid = append(valid, b)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].DiscountRate.LessThan(valid[j].DiscountRate) })

	amount := a.amount
	termsDays := a.termsDays
	a.mu.Unlock()

	var winner *Bid
	fallback := len(valid) < minBidsTarget
	rate := m.fallbackRate
	var providerID uuid.UUID

	if len(valid) > 0 {
		winner = &valid[0]
		providerID = winner.ProviderID
		if !fallback {
			rate = winner.DiscountRate
		}
	}
	if fallback && winner == nil {
		// No valid bids at all: the fallback rate still produces a quote,
		// just with no capital provider attached yet — the coordinator's
		// credit-reserved / rail-prepared barrier for advance-capital will
		// need a provider resolved out-of-band in this degenerate case.
	}

	quote := &Quote{
		ID:           uuid.New(),
		InvoiceID:    invoiceID,
		TermsDays:    termsDays,
		DiscountRate: rate,
		Amount:       amount,
		TotalCost:    TotalCost(amount, rate, termsDays),
		ProviderID:   providerID,
		Fallback:     fallback,
		CreatedAt:    now,
		ExpiresAt:    now.Add(quoteTTL),
	}

	m.mu.Lock()
	m.quotes[quote.ID] = quote
	delete(m.auctions, invoiceID)
	m.mu.Unlock()

	if m.msgClient != nil {
		m.msgClient.Publish(messaging.SubjectAuctionClosed, messaging.AuctionEvent{
			InvoiceID: invoiceID, ProviderID: providerID, DiscountRate: rate.String(), BidCount: len(valid), Fallback: fallback, Timestamp: now,
		})
		if fallback {
			m.msgClient.Publish(messaging.SubjectAuctionLowLiquidity, messaging.AuctionEvent{
				InvoiceID: invoiceID, BidCount: len(valid), Fallback: true, Timestamp: now,
			})
		}
	}

	return winner, quote, nil
}

// GetQuote returns the quote with id quoteID if it is still valid, or an
// error if it is unknown, expired, or already consumed. It does not re-run
// price discovery itself.
func (m *Manager) GetQuote(ctx context.Context, quoteID uuid.UUID) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, exists := m.quotes[quoteID]
	if !exists {
		return nil, fmt.Errorf("auction: quote %s not found", quoteID)
	}
	if !q.Valid(time.Now()) {
		return nil, fmt.Errorf("auction: quote %s has expired or was already consumed", quoteID)
	}
	return q, nil
}

// ConsumeQuote marks a quote as used at acceptance, so it can never bind
// a second settlement. Returns an error if it is already stale or spent.
func (m *Manager) ConsumeQuote(ctx context.Context, quoteID uuid.UUID) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, exists := m.quotes[quoteID]
	if !exists {
		return nil, fmt.Errorf("auction: quote %s not found", quoteID)
	}
	if !q.Valid(time.Now()) {
		return nil, fmt.Errorf("auction: quote %s is stale or already consumed", quoteID)
	}
	q.Consumed = true
	return q, nil
}

// competitionBucketKey buckets bid counts by hour for the rolling 24h
// competition target — an operational metric, never a per-auction gate.
func competitionBucketKey(at time.Time) string {
	return "auction:competition:" + at.UTC().Format("2006010215")
}

func (m *Manager) recordBidForCompetition(ctx context.Context, at time.Time) {
	if m.cache == nil {
		return
	}
	key := competitionBucketKey(at)
	m.cache.Incr(ctx, key)
	m.cache.Expire(ctx, key, 25*time.Hour)
}
