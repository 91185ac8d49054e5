// Command api runs the settlement network's external HTTP/WebSocket
// gateway: invoice submission, pricing, acceptance, bids, and ledger
// reconciliation, behind JWT bearer auth.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/invoicenet/settlement/internal/account"
	"github.com/invoicenet/settlement/internal/auction"
	"github.com/invoicenet/settlement/internal/auth"
	"github.com/invoicenet/settlement/internal/config"
	"github.com/invoicenet/settlement/internal/database"
	"github.com/invoicenet/settlement/internal/decision"
	"github.com/invoicenet/settlement/internal/fraud"
	"github.com/invoicenet/settlement/internal/gateway"
	"github.com/invoicenet/settlement/internal/invariant"
	"github.com/invoicenet/settlement/internal/invoice"
	"github.com/invoicenet/settlement/internal/ledger"
	"github.com/invoicenet/settlement/internal/rail"
	"github.com/invoicenet/settlement/internal/settlement"
	"github.com/invoicenet/settlement/pkg/messaging"
	"github.com/invoicenet/settlement/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	db, err := database.New(cfg.ConnectionString())
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer db.Close()

	cache := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer cache.Close()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL: cfg.NATS.URL, Name: cfg.App.Name,
		ReconnectWait: 2 * time.Second, MaxReconnects: -1, ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("connecting to nats: %v", err)
	}
	defer msgClient.Close()

	accounts := account.New(db, cache, nil, nil)
	invoices := invoice.New(db, cache, msgClient)
	fallbackRate := decimal.NewFromFloat(cfg.Pricing.FallbackDiscountRate)
	auctions := auction.New(msgClient, cache, fallbackRate)
	auctions.Start(context.Background())
	defer auctions.Stop()

	fraudGate := fraud.New(nil)
	if err := fraudGate.Subscribe(msgClient, invoices); err != nil {
		log.Fatalf("subscribing fraud gate to invoice submissions: %v", err)
	}

	ledgr := ledger.New(db, cache, msgClient, []byte(cfg.Auth.SignatureSecret))
	decisions := decision.New(db, msgClient, []byte(cfg.Auth.SignatureSecret))

	rails := buildRails(cfg)

	var telemetrySink *telemetry.Sink
	if cfg.Influx.URL != "" {
		telemetrySink = telemetry.New(telemetry.Config{
			URL: cfg.Influx.URL, Token: cfg.Influx.Token, Org: cfg.Influx.Org, Bucket: cfg.Influx.Bucket,
		})
		defer telemetrySink.Close()
	}

	invariantEngine := invariant.NewEngine()

	coordinator := settlement.New(settlement.Deps{
		DB: db, Ledger: ledgr, Accounts: accounts, Invoices: invoices, Auctions: auctions,
		FraudGate: fraudGate, Rails: rails, Decisions: decisions, Invariants: invariantEngine,
		Telemetry: telemetrySink, MsgClient: msgClient,
	})
	settlement.RegisterInvariants(invariantEngine, coordinator)

	authSvc := auth.New(db, []byte(cfg.Auth.JWTSecret), []byte(cfg.Auth.SignatureSecret))

	gw := gateway.New(gateway.Config{
		Port:            strconv.Itoa(cfg.App.Port),
		RateLimitWindow: time.Duration(cfg.Gateway.RateLimitWindowS) * time.Second,
		RateLimitMax:    cfg.Gateway.RateLimitMax,
	}, msgClient, authSvc, invoices, accounts, auctions, fraudGate, ledgr, coordinator)

	if err := gw.Subscribe(); err != nil {
		log.Fatalf("subscribing gateway event stream: %v", err)
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.App.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		log.Printf("%s listening on %s", cfg.App.Name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("gateway shutdown error: %v", err)
	}
}

// buildRails wires every configured HTTP rail endpoint plus, if enabled,
// a lowest-priority in-memory simulated rail for environments with no
// real rail to talk to yet.
func buildRails(cfg *config.Config) *rail.Router {
	var adapters []rail.Adapter
	for _, spec := range cfg.Rail.HTTPEndpoints {
		parts := strings.SplitN(spec, "|", 3)
		if len(parts) != 3 {
			log.Printf("skipping malformed RAIL_HTTP_ENDPOINTS entry %q, want name|priority|url", spec)
			continue
		}
		priority, err := strconv.Atoi(parts[1])
		if err != nil {
			log.Printf("skipping RAIL_HTTP_ENDPOINTS entry %q, priority must be an int: %v", spec, err)
			continue
		}
		adapters = append(adapters, rail.NewHTTPRail(parts[0], priority, parts[2], nil))
	}
	if cfg.Rail.UseSimRail {
		simPriority := 1
		for _, a := range adapters {
			if a.Priority() >= simPriority {
				simPriority = a.Priority() + 1
			}
		}
		adapters = append(adapters, rail.NewSimRail("sim", simPriority))
	}
	return rail.NewRouter(adapters, time.Duration(cfg.Rail.HealthMaxAgeSeconds)*time.Second)
}
