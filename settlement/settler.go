// Package settlement finalizes verified payments with a facilitator and
// issues refunds when the gateway cannot deliver.
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vitwit/x402gate/clients"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/types"
)

// ErrNoFacilitator is returned by Refund when no facilitator is configured.
var ErrNoFacilitator = errors.New("x402gate: no facilitator configured")

// Result is the outcome of a settlement or refund.
type Result struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash,omitempty"`
	Network string `json:"network,omitempty"`
	Error   string `json:"error,omitempty"`
	// OnChain is set when the payment needed no settlement because it was
	// already confirmed on the ledger.
	OnChain bool `json:"on_chain,omitempty"`
}

// Settler settles each payment at most once. Successful results are kept
// for the retention window and returned to repeated calls; concurrent calls
// for the same payment share one facilitator request.
type Settler struct {
	facilitator clients.Facilitator
	timeout     time.Duration
	retention   time.Duration
	now         func() time.Time
	logger      logger.Logger
	metrics     metrics.Recorder

	flight  singleflight.Group
	mu      sync.Mutex
	results map[string]settled
}

type settled struct {
	result *Result
	until  time.Time
}

type Option func(*Settler)

func WithTimeout(d time.Duration) Option {
	return func(s *Settler) { s.timeout = d }
}

// WithRetention sets how long successful results are remembered.
func WithRetention(d time.Duration) Option {
	return func(s *Settler) { s.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Settler) { s.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Settler) { s.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Settler) { s.metrics = metrics.OrNoop(m) }
}

// New returns a settler. facilitator may be nil, in which case only
// ledger-confirmed payments settle.
func New(facilitator clients.Facilitator, opts ...Option) *Settler {
	s := &Settler{
		facilitator: facilitator,
		timeout:     types.DefaultSettleTimeout,
		retention:   time.Hour,
		now:         time.Now,
		logger:      logger.NoopLogger{},
		metrics:     metrics.NoopRecorder{},
		results:     make(map[string]settled),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle finalizes a verified payment. A non-nil error means the
// facilitator could not be reached; an unsuccessful Result means it
// answered and declined. Neither is cached.
func (s *Settler) Settle(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement, receipt *types.PaymentReceipt) (*Result, error) {
	if receipt.TierReached == types.TierLedger {
		s.count("on_chain")
		return &Result{Success: true, TxHash: receipt.TxHash, Network: receipt.Network, OnChain: true}, nil
	}
	if s.facilitator == nil {
		s.count("skipped")
		return &Result{Success: false, Network: receipt.Network, Error: ErrNoFacilitator.Error()}, nil
	}

	key := settlementKey(receipt)
	if key == "" {
		return s.settle(ctx, proof, req)
	}
	if r, ok := s.cached(key); ok {
		s.count("cached")
		return r, nil
	}

	// the shared call outlives any single caller; each caller only stops
	// waiting when its own ctx ends
	shared := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		if r, ok := s.cached(key); ok {
			return r, nil
		}
		r, err := s.settle(shared, proof, req)
		if err == nil && r.Success {
			s.store(key, r)
		}
		return r, err
	})

	select {
	case <-ctx.Done():
		return nil, types.NewError(types.ErrSettlementFailed, "settlement abandoned", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	}
}

func (s *Settler) settle(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.facilitator.Settle(ctx, proof, req)
	if err != nil {
		s.count("error")
		s.logger.Warn("settlement failed", map[string]any{
			"facilitator": s.facilitator.URL(),
			"payer":       proof.Payer,
			"error":       err,
		})
		return nil, types.NewError(types.ErrSettlementFailed, "facilitator settle", err)
	}

	r := &Result{
		Success: resp.Success,
		TxHash:  resp.Transaction,
		Network: req.Network,
		Error:   resp.ErrorReason,
	}
	if r.TxHash == "" {
		r.TxHash = proof.TxHash
	}
	if r.Success {
		s.count("settled")
	} else {
		s.count("declined")
		s.logger.Warn("settlement declined", map[string]any{"payer": proof.Payer, "reason": resp.ErrorReason})
	}
	return r, nil
}

// Refund asks the facilitator to return a payment the gateway could not
// honour.
func (s *Settler) Refund(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement, reason string) (*Result, error) {
	if s.facilitator == nil {
		return nil, ErrNoFacilitator
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.facilitator.Refund(ctx, proof, req, reason)
	if err != nil {
		s.metrics.IncCounter(metrics.SettleOutcome, map[string]string{"outcome": "refund_error"})
		return nil, types.NewError(types.ErrSettlementFailed, "facilitator refund", err)
	}
	outcome := "refunded"
	if !resp.Success {
		outcome = "refund_declined"
	}
	s.metrics.IncCounter(metrics.SettleOutcome, map[string]string{"outcome": outcome})
	s.logger.Info("refund requested", map[string]any{
		"payer":   proof.Payer,
		"reason":  reason,
		"success": resp.Success,
	})
	return &Result{Success: resp.Success, TxHash: resp.Transaction, Network: req.Network, Error: resp.ErrorReason}, nil
}

func (s *Settler) cached(key string) (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.results[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.until) {
		delete(s.results, key)
		return nil, false
	}
	return e.result, true
}

func (s *Settler) store(key string, r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.results {
		if !now.Before(e.until) {
			delete(s.results, k)
		}
	}
	s.results[key] = settled{result: r, until: now.Add(s.retention)}
}

func (s *Settler) count(outcome string) {
	s.metrics.IncCounter(metrics.SettleOutcome, map[string]string{"outcome": outcome})
}

// settlementKey identifies a payment by its first replay identifier, the
// transaction hash when present.
func settlementKey(r *types.PaymentReceipt) string {
	if len(r.ReplayIDs) == 0 {
		return ""
	}
	return r.ReplayIDs[0]
}
