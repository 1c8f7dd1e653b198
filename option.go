package x402gate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/x402gate/clients"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/replay"
	"github.com/vitwit/x402gate/verification"
)

type options struct {
	logger      logger.Logger
	metrics     metrics.Recorder
	registry    *prometheus.Registry
	now         func() time.Time
	replay      replay.Store
	ledgers     verification.LedgerLookup
	facilitator clients.Facilitator
}

type Option func(*options)

// WithLogger overrides the zap logger built from log_level.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = r
	}
}

// WithPrometheus registers the gateway metrics on reg and serves them on
// /metrics.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithReplayStore replaces the store selected by replay.backend.
func WithReplayStore(s replay.Store) Option {
	return func(o *options) {
		o.replay = s
	}
}

// WithLedgers replaces the ledger clients dialled from the ledgers section.
func WithLedgers(l verification.LedgerLookup) Option {
	return func(o *options) {
		o.ledgers = l
	}
}

// WithFacilitator replaces the HTTP facilitator built from configuration.
func WithFacilitator(f clients.Facilitator) Option {
	return func(o *options) {
		o.facilitator = f
	}
}
