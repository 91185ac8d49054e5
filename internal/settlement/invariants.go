package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/invoicenet/settlement/internal/account"
	"github.com/invoicenet/settlement/internal/auction"
	"github.com/invoicenet/settlement/internal/fraud"
	"github.com/invoicenet/settlement/internal/invariant"
	"github.com/invoicenet/settlement/internal/invoice"
)

const fxMaxAgeSeconds = 60

// RegisterInvariants wires the coordinator's pre-barrier checks onto the
// shared invariant engine in dependency order, then freezes it. Must be
// called exactly once at process startup, after every collaborator the
// predicates close over has been constructed.
func RegisterInvariants(engine *invariant.Engine, c *Coordinator) {
	engine.Register(invariant.Invariant{
		ID: "signature-valid",
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			valid, _ := input["signature_valid"].(bool)
			if !valid {
				return false, "acceptance signature does not verify against the quoted terms", nil
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:        "account-active",
		DependsOn: []string{"signature-valid"},
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			for _, key := range []string{"supplier", "buyer", "capital_provider"} {
				acct, ok := input[key].(*account.Account)
				if !ok || acct == nil {
					return false, fmt.Sprintf("%s account missing from acceptance input", key), nil
				}
				if !acct.IsActive() {
					return false, fmt.Sprintf("%s account %s is not active", key, acct.ID), nil
				}
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:        "kyc-verified",
		DependsOn: []string{"account-active"},
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			for _, key := range []string{"supplier", "buyer", "capital_provider"} {
				acct := input[key].(*account.Account)
				if acct.KYCStatus != account.KYCVerified {
					return false, fmt.Sprintf("%s account %s KYC status is %q, not verified", key, acct.ID, acct.KYCStatus), nil
				}
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:          "sanctions-clear",
		DependsOn:   []string{"kyc-verified"},
		DecayWindow: 6 * time.Hour,
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			for _, key := range []string{"supplier", "buyer", "capital_provider"} {
				acct := input[key].(*account.Account)
				clear, err := c.accounts.CheckSanctions(ctx, acct.ID)
				if err != nil {
					return false, "", err
				}
				if !clear {
					return false, fmt.Sprintf("%s account %s failed sanctions screening", key, acct.ID), nil
				}
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:        "credit-reserved",
		DependsOn: []string{"sanctions-clear"},
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			buyer := input["buyer"].(*account.Account)
			quote := input["quote"].(*auction.Quote)
			if err := c.accounts.ReserveCredit(ctx, buyer.ID, quote.InvoiceID, quote.TotalCost.Decimal()); err != nil {
				return false, err.Error(), nil
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:        "quote-valid",
		DependsOn: []string{"credit-reserved"},
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			quote := input["quote"].(*auction.Quote)
			if !quote.Valid(time.Now()) {
				return false, fmt.Sprintf("quote %s is expired or already consumed", quote.ID), nil
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:        "pricing-matches-quote",
		DependsOn: []string{"quote-valid"},
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			quote := input["quote"].(*auction.Quote)
			if !PricingMatchesQuote(quote) {
				return false, fmt.Sprintf("quote %s pricing does not reproduce within tolerance", quote.ID), nil
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:          "fraud-clear",
		DependsOn:   []string{"pricing-matches-quote"},
		DecayWindow: fraud.MaxScoreAge,
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			inv := input["invoice"].(*invoice.Invoice)
			current := input["fraud_score"].(fraud.Score)
			acceptedAt := input["fraud_accepted_at"].(time.Time)

			score, blocks, err := c.fraudGate.RecheckAtBarrier(ctx, inv.ID, current, acceptedAt)
			if err != nil {
				return false, err.Error(), nil
			}
			if blocks {
				return false, fmt.Sprintf("invoice %s fraud score %s blocks settlement", inv.ID, score.Value), nil
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:          "rails-healthy",
		DependsOn:   []string{"fraud-clear"},
		DecayWindow: 30 * time.Second,
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			if !c.rails.AnyHealthy(ctx) {
				return false, "no payment rail is currently healthy", nil
			}
			return true, "", nil
		},
	})

	engine.Register(invariant.Invariant{
		ID:        "fx-fresh",
		DependsOn: []string{"rails-healthy"},
		Check: func(ctx context.Context, input map[string]interface{}) (bool, string, error) {
			multiCurrency, _ := input["multi_currency"].(bool)
			if !multiCurrency {
				return true, "", nil
			}
			ageSeconds, _ := input["fx_fresh_seconds"].(int64)
			if ageSeconds > fxMaxAgeSeconds {
				return false, fmt.Sprintf("fx rate is %ds old, exceeds %ds freshness window", ageSeconds, fxMaxAgeSeconds), nil
			}
			return true, "", nil
		},
	})

	engine.Freeze()
}
