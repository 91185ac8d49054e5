package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HTTPRail adapts an external payment-rail gateway (ACH/RTP/FedNow/SWIFT,
// or any successor) to the uniform Adapter contract over HTTP. This is
// the only shape through which a real rail enters the system — the
// coordinator never knows which protocol is behind it.
type HTTPRail struct {
	name     string
	priority int
	baseURL  string
	client   *http.Client
}

// NewHTTPRail constructs an HTTPRail. client may be nil, in which case a
// client with a 5s default timeout is used.
func NewHTTPRail(name string, priority int, baseURL string, client *http.Client) *HTTPRail {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRail{name: name, priority: priority, baseURL: baseURL, client: client}
}

func (h *HTTPRail) Name() string  { return h.name }
func (h *HTTPRail) Priority() int { return h.priority }

type prepareRequest struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Account      uuid.UUID `json:"account"`
	Amount       string    `json:"amount"`
}

type prepareResponse struct {
	Accepted bool   `json:"accepted"`
	Token    string `json:"token"`
}

func (h *HTTPRail) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("rail %s: %s returned %d", h.name, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *HTTPRail) Prepare(ctx context.Context, settlementID, account uuid.UUID, amount decimal.Decimal) (Token, bool, error) {
	var resp prepareResponse
	err := h.post(ctx, "/prepare", prepareRequest{SettlementID: settlementID, Account: account, Amount: amount.String()}, &resp)
	if err != nil {
		return Token{}, false, err
	}
	if !resp.Accepted {
		return Token{}, false, nil
	}
	return Token{RailName: h.name, Value: resp.Token}, true, nil
}

type commitResponse struct {
	Result string `json:"result"`
}

func parseCommitResult(s string) CommitResult {
	switch s {
	case string(CommitCommitted):
		return CommitCommitted
	case string(CommitFailed):
		return CommitFailed
	default:
		return CommitIndeterminate
	}
}

func (h *HTTPRail) Commit(ctx context.Context, token Token) (CommitResult, error) {
	var resp commitResponse
	if err := h.post(ctx, "/commit", map[string]string{"token": token.Value}, &resp); err != nil {
		return CommitIndeterminate, err
	}
	return parseCommitResult(resp.Result), nil
}

func (h *HTTPRail) Rollback(ctx context.Context, token Token) error {
	return h.post(ctx, "/rollback", map[string]string{"token": token.Value}, nil)
}

func (h *HTTPRail) Status(ctx context.Context, settlementID uuid.UUID) (CommitResult, error) {
	var resp commitResponse
	if err := h.post(ctx, "/status", map[string]string{"settlement_id": settlementID.String()}, &resp); err != nil {
		return CommitIndeterminate, err
	}
	return parseCommitResult(resp.Result), nil
}

type healthResponse struct {
	Up        bool  `json:"up"`
	LatencyMS int64 `json:"latency_ms"`
}

func (h *HTTPRail) Health(ctx context.Context) (Health, error) {
	var resp healthResponse
	if err := h.post(ctx, "/health", struct{}{}, &resp); err != nil {
		return Health{}, err
	}
	return Health{Up: resp.Up, LatencyMS: resp.LatencyMS, CheckedAt: time.Now()}, nil
}
