// Package config loads and validates the settlement network's runtime
// configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every enumerated configuration value from the boundary
// interface spec. envconfig rejects malformed values at load time;
// Validate rejects values that parse fine but fall outside an allowed
// range, since envconfig has no notion of "unknown keys" or numeric
// bounds on its own.
type Config struct {
	App struct {
		Name string `envconfig:"APP_NAME" default:"invoicenet-settlement"`
		Port int    `envconfig:"PORT" default:"8080"`
	}

	DB struct {
		Host     string `envconfig:"DB_HOST" default:"localhost"`
		Port     int    `envconfig:"DB_PORT" default:"5432"`
		User     string `envconfig:"DB_USER" default:"postgres"`
		Password string `envconfig:"DB_PASSWORD" default:""`
		Name     string `envconfig:"DB_NAME" default:"invoicenet"`
	}

	Redis struct {
		Addr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	}

	NATS struct {
		URL string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	}

	Etcd struct {
		Endpoints []string `envconfig:"ETCD_ENDPOINTS" default:"localhost:2379"`
	}

	Influx struct {
		URL    string `envconfig:"INFLUX_URL" default:""`
		Token  string `envconfig:"INFLUX_TOKEN" default:""`
		Org    string `envconfig:"INFLUX_ORG" default:"invoicenet"`
		Bucket string `envconfig:"INFLUX_BUCKET" default:"settlement"`
	}

	Auth struct {
		JWTSecret       string `envconfig:"JWT_SECRET" required:"true"`
		SignatureSecret string `envconfig:"ACCEPTANCE_SIGNATURE_SECRET" required:"true"`
	}

	Scheduler struct {
		ExpireInvoicesIntervalS    int `envconfig:"SCHED_EXPIRE_INVOICES_INTERVAL_S" default:"600"`
		PendingInvoiceMaxAgeHrs    int `envconfig:"SCHED_PENDING_INVOICE_MAX_AGE_H" default:"48"`
		CloseAuctionsIntervalS     int `envconfig:"SCHED_CLOSE_AUCTIONS_INTERVAL_S" default:"60"`
		ReleaseReservationsIntervalS int `envconfig:"SCHED_RELEASE_RESERVATIONS_INTERVAL_S" default:"60"`
		OrphanReservationMaxAgeM  int `envconfig:"SCHED_ORPHAN_RESERVATION_MAX_AGE_M" default:"10"`
		SweepLegsIntervalM        int `envconfig:"SCHED_SWEEP_LEGS_INTERVAL_M" default:"5"`
		OrphanLegMaxAgeHrs        int `envconfig:"SCHED_ORPHAN_LEG_MAX_AGE_H" default:"1"`
		ReconcileIntervalHrs      int `envconfig:"SCHED_RECONCILE_INTERVAL_H" default:"1"`
	}

	Gateway struct {
		RateLimitWindowS int `envconfig:"GATEWAY_RATE_LIMIT_WINDOW_S" default:"60"`
		RateLimitMax     int `envconfig:"GATEWAY_RATE_LIMIT_MAX" default:"120"`
	}

	Settlement struct {
		DeadlineMS      int `envconfig:"SETTLEMENT_DEADLINE_MS" default:"5000"`
		TimeoutMS       int `envconfig:"SETTLEMENT_TIMEOUT_MS" default:"10000"`
		PrepareTimeoutMS int `envconfig:"PREPARE_TIMEOUT_MS" default:"2000"`
		CommitTimeoutMS int `envconfig:"COMMIT_TIMEOUT_MS" default:"2000"`
	}

	Pricing struct {
		QuoteTTLSeconds      int     `envconfig:"QUOTE_TTL_S" default:"300"`
		AuctionDurationSecs  int     `envconfig:"AUCTION_DURATION_S" default:"10"`
		MinBidsTarget        int     `envconfig:"MIN_BIDS_TARGET" default:"3"`
		FallbackDiscountRate float64 `envconfig:"FALLBACK_DISCOUNT_RATE" default:"0.08"`
	}

	Fraud struct {
		Threshold      float64 `envconfig:"FRAUD_THRESHOLD" default:"0.75"`
		MaxScoreAgeHrs int     `envconfig:"FRAUD_SCORE_MAX_AGE_H" default:"24"`
	}

	Credit struct {
		LimitCacheTTLSeconds int `envconfig:"CREDIT_LIMIT_CACHE_TTL_S" default:"3600"`
	}

	Sanctions struct {
		MaxSnapshotAgeHrs int `envconfig:"SANCTIONS_MAX_AGE_H" default:"6"`
	}

	Rail struct {
		HealthMaxAgeSeconds int      `envconfig:"RAIL_HEALTH_MAX_AGE_S" default:"30"`
		HTTPEndpoints       []string `envconfig:"RAIL_HTTP_ENDPOINTS"`
		UseSimRail          bool     `envconfig:"RAIL_USE_SIM" default:"true"`
	}

	RateLimit struct {
		InvoicesPerHour int `envconfig:"RATE_LIMIT_INVOICES_PER_HOUR" default:"100"`
	}

	Server struct {
		Timeout time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
	}
}

// ConnectionString builds the Postgres DSN used by internal/database.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate enforces the range and consistency constraints implied by the
// settlement latency budget: the hard ceiling must accommodate the sum of
// its phase budgets, and every threshold must be within its domain range.
func (c *Config) Validate() error {
	if c.Settlement.DeadlineMS <= 0 || c.Settlement.TimeoutMS <= 0 {
		return fmt.Errorf("settlement deadlines must be positive")
	}
	if c.Settlement.TimeoutMS < c.Settlement.DeadlineMS {
		return fmt.Errorf("settlement timeout (%dms) must not be shorter than the deadline (%dms)", c.Settlement.TimeoutMS, c.Settlement.DeadlineMS)
	}
	if c.Settlement.PrepareTimeoutMS <= 0 || c.Settlement.CommitTimeoutMS <= 0 {
		return fmt.Errorf("prepare/commit timeouts must be positive")
	}
	if c.Settlement.PrepareTimeoutMS+c.Settlement.CommitTimeoutMS > c.Settlement.DeadlineMS {
		return fmt.Errorf("prepare (%dms) plus commit (%dms) timeouts must fit within the deadline (%dms)",
			c.Settlement.PrepareTimeoutMS, c.Settlement.CommitTimeoutMS, c.Settlement.DeadlineMS)
	}

	if c.Pricing.QuoteTTLSeconds <= 0 || c.Pricing.QuoteTTLSeconds > 300 {
		return fmt.Errorf("quote TTL must be in (0, 300] seconds, got %d", c.Pricing.QuoteTTLSeconds)
	}
	if c.Pricing.AuctionDurationSecs <= 0 {
		return fmt.Errorf("auction duration must be positive")
	}
	if c.Pricing.MinBidsTarget <= 0 {
		return fmt.Errorf("min bids target must be positive")
	}
	if c.Pricing.FallbackDiscountRate < 0.005 || c.Pricing.FallbackDiscountRate > 0.15 {
		return fmt.Errorf("fallback discount rate must be in [0.5%%, 15%%], got %f", c.Pricing.FallbackDiscountRate)
	}

	if c.Fraud.Threshold <= 0 || c.Fraud.Threshold >= 1 {
		return fmt.Errorf("fraud threshold must be in (0, 1), got %f", c.Fraud.Threshold)
	}
	if c.Fraud.MaxScoreAgeHrs <= 0 {
		return fmt.Errorf("fraud score max age must be positive")
	}

	if c.Credit.LimitCacheTTLSeconds <= 0 {
		return fmt.Errorf("credit limit cache TTL must be positive")
	}
	if c.Sanctions.MaxSnapshotAgeHrs <= 0 {
		return fmt.Errorf("sanctions snapshot max age must be positive")
	}
	if c.Rail.HealthMaxAgeSeconds <= 0 {
		return fmt.Errorf("rail health max age must be positive")
	}
	if c.RateLimit.InvoicesPerHour <= 0 {
		return fmt.Errorf("invoice rate limit must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Auth.SignatureSecret == "" {
		return fmt.Errorf("ACCEPTANCE_SIGNATURE_SECRET is required")
	}
	if c.Auth.SignatureSecret == c.Auth.JWTSecret {
		return fmt.Errorf("ACCEPTANCE_SIGNATURE_SECRET must differ from JWT_SECRET")
	}

	if c.Scheduler.PendingInvoiceMaxAgeHrs <= 0 || c.Scheduler.OrphanReservationMaxAgeM <= 0 ||
		c.Scheduler.SweepLegsIntervalM <= 0 || c.Scheduler.OrphanLegMaxAgeHrs <= 0 || c.Scheduler.ReconcileIntervalHrs <= 0 {
		return fmt.Errorf("scheduler intervals and max-age windows must be positive")
	}

	if c.Gateway.RateLimitWindowS <= 0 || c.Gateway.RateLimitMax <= 0 {
		return fmt.Errorf("gateway rate limit window and max must be positive")
	}

	return nil
}
