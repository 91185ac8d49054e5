// Package gateway implements the external HTTP/WebSocket surface: a
// gin router exposing the invoice submission, quote, acceptance, bid,
// health, and reconciliation endpoints behind correlation-id, rate
// limit, and JWT bearer auth middleware, plus a read-only WebSocket
// stream of the settlement pipeline's own NATS events.
//
// Structurally this follows the teacher's internal/gateway/gateway.go:
// the same middleware pipeline shape, the same read/write pump pair for
// each WebSocket client, generalized from order placement to invoice
// acceptance.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/internal/account"
	"github.com/invoicenet/settlement/internal/auction"
	"github.com/invoicenet/settlement/internal/auth"
	"github.com/invoicenet/settlement/internal/fraud"
	"github.com/invoicenet/settlement/internal/invoice"
	"github.com/invoicenet/settlement/internal/ledger"
	"github.com/invoicenet/settlement/internal/outcome"
	"github.com/invoicenet/settlement/internal/settlement"
	"github.com/invoicenet/settlement/pkg/messaging"
	"github.com/invoicenet/settlement/pkg/money"
)

// Config holds gateway server and middleware configuration.
type Config struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Gateway is the API Gateway component.
type Gateway struct {
	router    *gin.Engine
	cfg       Config
	msgClient *messaging.Client
	auth      *auth.Service

	invoices    *invoice.Store
	accounts    *account.Registry
	auctions    *auction.Manager
	fraudGate   *fraud.Gate
	ledger      *ledger.Ledger
	coordinator *settlement.Coordinator

	rateLimiter *RateLimiter

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*WSClient
}

// New constructs a Gateway and wires its routes.
func New(cfg Config, msgClient *messaging.Client, authSvc *auth.Service, invoices *invoice.Store, accounts *account.Registry, auctions *auction.Manager, fraudGate *fraud.Gate, ledgr *ledger.Ledger, coordinator *settlement.Coordinator) *Gateway {
	g := &Gateway{
		router: gin.New(), cfg: cfg, msgClient: msgClient, auth: authSvc,
		invoices: invoices, accounts: accounts, auctions: auctions, fraudGate: fraudGate,
		ledger: ledgr, coordinator: coordinator,
		rateLimiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		wsClients:   make(map[uuid.UUID]*WSClient),
	}
	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.tracingMiddleware())
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/")
	v1.Use(g.authMiddleware())
	{
		v1.POST("/invoices", g.submitInvoice)
		v1.GET("/invoices/:id", g.getInvoice)
		v1.GET("/invoices/:id/quote", g.getQuote)
		v1.POST("/invoices/:id/accept", g.acceptInvoice)
		v1.POST("/bids", g.submitBid)
		v1.GET("/ledger/reconcile", g.reconcile)
		v1.GET("/ws", g.handleWebSocket)
	}
}

// Router exposes the underlying engine, e.g. for cmd/api to call Run.
func (g *Gateway) Router() *gin.Engine { return g.router }

// Subscribe wires the gateway's WebSocket fan-out to the settlement
// pipeline's own NATS subjects — called once at startup, after the
// gateway and the NATS client both exist.
func (g *Gateway) Subscribe() error {
	subjects := []string{
		messaging.SubjectInvoiceSubmitted, messaging.SubjectInvoiceExpired, messaging.SubjectInvoiceFraudReview,
		messaging.SubjectAuctionOpened, messaging.SubjectAuctionBid, messaging.SubjectAuctionClosed, messaging.SubjectAuctionLowLiquidity,
		messaging.SubjectSettlementStarted, messaging.SubjectSettlementCompleted, messaging.SubjectSettlementFailed, messaging.SubjectSettlementIncident,
		messaging.SubjectLedgerEntry, messaging.SubjectDecisionRecorded, messaging.SubjectSystemFreeze, messaging.SubjectReconciliationAlert,
	}
	for _, subject := range subjects {
		subject := subject
		if err := g.msgClient.Subscribe(subject, func(msg *nats.Msg) { g.broadcast(subject, msg.Data) }); err != nil {
			return fmt.Errorf("subscribing gateway stream to %s: %w", subject, err)
		}
	}
	return nil
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.VerifyToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("account_id", claims.AccountID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type submitInvoiceRequest struct {
	SupplierID uuid.UUID          `json:"supplier_id" binding:"required"`
	BuyerID    uuid.UUID          `json:"buyer_id" binding:"required"`
	Amount     decimal.Decimal    `json:"amount" binding:"required"`
	Currency   string             `json:"currency" binding:"required"`
	TermsDays  int                `json:"terms_days"`
	LineItems  []invoiceLineInput `json:"line_items" binding:"required"`
}

type invoiceLineInput struct {
	Description string          `json:"description" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
}

func (g *Gateway) submitInvoice(c *gin.Context) {
	var req submitInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lineItems := make([]invoice.LineItem, len(req.LineItems))
	for i, li := range req.LineItems {
		lineItems[i] = invoice.LineItem{Description: li.Description, Amount: li.Amount}
	}

	inv, err := g.invoices.Submit(c.Request.Context(), invoice.Invoice{
		SupplierID: req.SupplierID, BuyerID: req.BuyerID, Amount: req.Amount,
		Currency: req.Currency, TermsDays: req.TermsDays, LineItems: lineItems,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := money.New(inv.Amount.StringFixed(2))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := g.auctions.OpenAuction(c.Request.Context(), inv.ID, amount, inv.TermsDays, 0); err != nil {
		c.JSON(http.StatusAccepted, gin.H{"invoice_id": inv.ID, "warning": "auction failed to open: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"invoice_id": inv.ID, "status": inv.Status})
}

func (g *Gateway) getInvoice(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	inv, err := g.invoices.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (g *Gateway) getQuote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	winner, quote, err := g.auctions.CloseAndSelect(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote, "winning_provider": winner})
}

type acceptInvoiceRequest struct {
	QuoteID   uuid.UUID `json:"quote_id" binding:"required"`
	Signature string    `json:"signature" binding:"required"`
}

func (g *Gateway) acceptInvoice(c *gin.Context) {
	invoiceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	var req acceptInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	inv, err := g.invoices.Get(ctx, invoiceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	quote, err := g.auctions.GetQuote(ctx, req.QuoteID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	supplier, err := g.accounts.Get(ctx, inv.SupplierID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "supplier account: " + err.Error()})
		return
	}
	buyer, err := g.accounts.Get(ctx, inv.BuyerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "buyer account: " + err.Error()})
		return
	}
	capitalProvider, err := g.accounts.Get(ctx, quote.ProviderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "capital provider account: " + err.Error()})
		return
	}

	sigValid := g.auth.VerifyAcceptance(invoiceID, quote.ID, buyer.ID, req.Signature)

	var cachedScore fraud.Score
	if inv.FraudComputedAt != 0 {
		cachedScore = fraud.Score{Value: inv.FraudScore, ComputedAt: time.Unix(0, inv.FraudComputedAt)}
	}
	score, _, err := g.fraudGate.Evaluate(ctx, invoiceID, cachedScore)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fraud scoring unavailable: " + err.Error()})
		return
	}

	if _, err := g.auctions.ConsumeQuote(ctx, quote.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	result, err := g.coordinator.Accept(ctx, settlement.AcceptInput{
		Invoice: inv, Supplier: supplier, Buyer: buyer, CapitalProvider: capitalProvider,
		Quote: quote, SignatureValid: sigValid, FraudScore: score, FraudAcceptedAt: score.ComputedAt,
	}, req.Signature)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(statusFor(result), gin.H{"outcome": result})
}

func statusFor(o outcome.Outcome) int {
	switch {
	case o.IsOK():
		return http.StatusOK
	case o.Disposition == outcome.DispositionFreeze:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

type submitBidRequest struct {
	InvoiceID    uuid.UUID       `json:"invoice_id" binding:"required"`
	ProviderID   uuid.UUID       `json:"provider_id" binding:"required"`
	DiscountRate decimal.Decimal `json:"discount_rate" binding:"required"`
	Capacity     decimal.Decimal `json:"capacity" binding:"required"`
	ExpiresAt    time.Time       `json:"expires_at" binding:"required"`
}

func (g *Gateway) submitBid(c *gin.Context) {
	var req submitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := g.auctions.SubmitBid(c.Request.Context(), auction.Bid{
		InvoiceID: req.InvoiceID, ProviderID: req.ProviderID,
		DiscountRate: req.DiscountRate, Capacity: req.Capacity, ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "bid accepted"})
}

func (g *Gateway) reconcile(c *gin.Context) {
	since, err1 := time.Parse(time.RFC3339, c.Query("since"))
	until, err2 := time.Parse(time.RFC3339, c.Query("until"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since and until must be RFC3339 timestamps"})
		return
	}

	result, err := g.ledger.Reconcile(c.Request.Context(), since, until)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// WebSocket

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is one connected dashboard's outbound event stream.
type WSClient struct {
	ID        uuid.UUID
	AccountID string
	Conn      *websocket.Conn
	Send      chan []byte
	Done      chan struct{}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	accountID, _ := c.Get("account_id")
	client := &WSClient{
		ID:        uuid.New(),
		AccountID: fmt.Sprintf("%v", accountID),
		Conn:      conn,
		Send:      make(chan []byte, 64),
		Done:      make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

type wsEnvelope struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

func (g *Gateway) broadcast(subject string, payload []byte) {
	envelope, err := json.Marshal(wsEnvelope{Subject: subject, Data: payload})
	if err != nil {
		return
	}

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		select {
		case client.Send <- envelope:
		default:
		}
	}
}
