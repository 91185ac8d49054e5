// Package telemetry hands settlement-latency measurements to an external
// metrics backend. Per the system's scope, the metrics backend itself is
// an out-of-scope collaborator — this package is deliberately thin: one
// write call per settlement outcome, off the critical path, never a
// decision input.
package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Sink writes settlement latency points to InfluxDB.
type Sink struct {
	client influxdb2.Client
	writer api.WriteAPI
	org    string
	bucket string
}

// Config configures the InfluxDB connection.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// New opens an async, non-blocking write API against the configured
// bucket. No error is returned for a bad URL until the first write is
// attempted — consistent with this sink never being allowed to block
// settlement processing.
func New(cfg Config) *Sink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Sink{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		org:    cfg.Org,
		bucket: cfg.Bucket,
	}
}

// RecordSettlement writes one point describing a completed settlement's
// timing, for the "total elapsed >5s" incident-logging requirement.
func (s *Sink) RecordSettlement(ctx context.Context, settlementID string, started, completed time.Time, status string, breachedSoftCeiling bool) {
	p := influxdb2.NewPoint(
		"settlement_duration",
		map[string]string{
			"status": status,
		},
		map[string]interface{}{
			"settlement_id":   settlementID,
			"duration_ms":     completed.Sub(started).Milliseconds(),
			"breached_5s":     breachedSoftCeiling,
		},
		completed,
	)
	s.writer.WritePoint(p)
}

// RecordDecision writes one point per invariant-engine decision, used for
// operator dashboards tracking rollback/freeze rates.
func (s *Sink) RecordDecision(invariantID, phase, action string, at time.Time) {
	p := influxdb2.NewPoint(
		"decision",
		map[string]string{
			"invariant": invariantID,
			"phase":     phase,
			"action":    action,
		},
		map[string]interface{}{"count": 1},
		at,
	)
	s.writer.WritePoint(p)
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() {
	s.writer.Flush()
	s.client.Close()
}
