package metrics

import "time"

// Metric names emitted by the gateway.
const (
	GateTransition     = "gate_transition"
	VerifyOutcome      = "verify_outcome"
	VerifyLatency      = "verify"
	TierAttempt        = "tier_attempt"
	CacheLookup        = "cache_lookup"
	ComputeLatency     = "compute"
	SettleOutcome      = "settle_outcome"
	ReputationSent     = "reputation_sent"
	ReputationDropped  = "reputation_dropped"
	ReputationFailed   = "reputation_failed"
	PayerPayment       = "payer_payment"
	PayerSpentTodayUSD = "payer_spent_today_usd"
	AuditDropped       = "audit_dropped"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
