// Command scheduler runs the Lifecycle Scheduler: the background sweeps
// that expire stale invoices, close forgotten auctions, release orphaned
// credit reservations, resolve stranded settlement legs, and run the
// hourly ledger reconciliation.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/invoicenet/settlement/internal/account"
	"github.com/invoicenet/settlement/internal/auction"
	"github.com/invoicenet/settlement/internal/config"
	"github.com/invoicenet/settlement/internal/database"
	"github.com/invoicenet/settlement/internal/invoice"
	"github.com/invoicenet/settlement/internal/ledger"
	"github.com/invoicenet/settlement/internal/rail"
	"github.com/invoicenet/settlement/internal/scheduler"
	"github.com/invoicenet/settlement/pkg/lock"
	"github.com/invoicenet/settlement/pkg/messaging"

	"github.com/shopspring/decimal"
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
		URL: cfg.NATS.URL, Name: cfg.App.Name + "-scheduler",
		ReconnectWait: 2 * time.Second, MaxReconnects: -1, ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("connecting to nats: %v", err)
	}
	defer msgClient.Close()

	locker, err := lock.New(lock.Config{Endpoints: cfg.Etcd.Endpoints, DialTimeout: 5 * time.Second, LeaseTTLS: 10})
	if err != nil {
		log.Fatalf("connecting to etcd: %v", err)
	}
	defer locker.Close()

	accounts := account.New(db, cache, nil, nil)
	invoices := invoice.New(db, cache, msgClient)
	fallbackRate := decimal.NewFromFloat(cfg.Pricing.FallbackDiscountRate)
	auctions := auction.New(msgClient, cache, fallbackRate)
	ledgr := ledger.New(db, cache, msgClient, []byte(cfg.Auth.SignatureSecret))

	var adapters []rail.Adapter
	if cfg.Rail.UseSimRail {
		adapters = append(adapters, rail.NewSimRail("sim", 1))
	}
	rails := rail.NewRouter(adapters, time.Duration(cfg.Rail.HealthMaxAgeSeconds)*time.Second)

	sched := scheduler.New(scheduler.Config{
		ExpireInvoicesInterval:      time.Duration(cfg.Scheduler.ExpireInvoicesIntervalS) * time.Second,
		PendingInvoiceMaxAge:        time.Duration(cfg.Scheduler.PendingInvoiceMaxAgeHrs) * time.Hour,
		CloseAuctionsInterval:       time.Duration(cfg.Scheduler.CloseAuctionsIntervalS) * time.Second,
		ReleaseReservationsInterval: time.Duration(cfg.Scheduler.ReleaseReservationsIntervalS) * time.Second,
		OrphanReservationMaxAge:     time.Duration(cfg.Scheduler.OrphanReservationMaxAgeM) * time.Minute,
		SweepLegsInterval:           time.Duration(cfg.Scheduler.SweepLegsIntervalM) * time.Minute,
		OrphanLegMaxAge:             time.Duration(cfg.Scheduler.OrphanLegMaxAgeHrs) * time.Hour,
		ReconcileInterval:           time.Duration(cfg.Scheduler.ReconcileIntervalHrs) * time.Hour,
	}, scheduler.Deps{
		DB: db, Invoices: invoices, Auctions: auctions, Accounts: accounts,
		Ledger: ledgr, Rails: rails, Locker: locker, MsgClient: msgClient,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	log.Printf("%s scheduler started", cfg.App.Name)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down scheduler")
	cancel()
	sched.Stop()
}
