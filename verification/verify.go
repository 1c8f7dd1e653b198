// Package verification checks inbound payment proofs against a requirement
// through an ordered chain of trust tiers.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/replay"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

// Verifier runs the cross-cutting checks and then the strategy chain.
type Verifier struct {
	strategies []Strategy
	replay     replay.Store
	retention  time.Duration
	clockSkew  time.Duration
	now        func() time.Time
	logger     logger.Logger
	metrics    metrics.Recorder
}

type Option func(*Verifier)

func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) { v.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(v *Verifier) { v.metrics = metrics.OrNoop(m) }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithClockSkew bounds how far in the future a proof timestamp may be.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.clockSkew = d }
}

// WithRetention sets the minimum time accepted identifiers are remembered.
// The effective retention is never shorter than the requirement's freshness
// window plus clock skew.
func WithRetention(d time.Duration) Option {
	return func(v *Verifier) { v.retention = d }
}

func New(strategies []Strategy, store replay.Store, opts ...Option) *Verifier {
	v := &Verifier{
		strategies: strategies,
		replay:     store,
		clockSkew:  types.DefaultClockSkew,
		now:        time.Now,
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DecodeProof parses an X-PAYMENT header value.
func DecodeProof(header string) (*types.PaymentProof, error) {
	var proof types.PaymentProof
	if err := utils.DecodeHeader(strings.TrimSpace(header), &proof); err != nil {
		return nil, &types.X402Error{Code: types.ErrInvalidPayload, Reason: types.ReasonMalformedProof, Message: "invalid payment header", Err: err}
	}
	return &proof, nil
}

// Verify checks proof against req. Payment outcomes are reported in the
// receipt; the error is reserved for faults of the replay store.
func (v *Verifier) Verify(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) (*types.PaymentReceipt, error) {
	start := v.now()
	receipt := &types.PaymentReceipt{
		Payer:     proof.Payer,
		Amount:    proof.Amount,
		Asset:     proof.Asset,
		Network:   proof.Network,
		TxHash:    proof.TxHash,
		Timestamp: start,
		ReplayIDs: proof.ReplayIDs(),
	}

	defer func() {
		labels := map[string]string{"tier": receipt.TierReached.String(), "outcome": outcomeLabel(receipt.Verified), "reason": receipt.Reason}
		v.metrics.IncCounter(metrics.VerifyOutcome, labels)
		v.metrics.ObserveLatency(metrics.VerifyLatency, v.now().Sub(start), labels)
	}()

	if reason := v.precheck(proof, req); reason != "" {
		receipt.Reason = reason
		return receipt, nil
	}

	seen, err := v.replay.Contains(ctx, receipt.ReplayIDs)
	if err != nil {
		receipt.Reason = types.ReasonInternal
		return receipt, fmt.Errorf("replay pre-check: %w", err)
	}
	if seen {
		receipt.Reason = types.ReasonReplayDetected
		return receipt, nil
	}

	for _, s := range v.strategies {
		out := s.Attempt(ctx, proof, req)
		v.metrics.IncCounter(metrics.TierAttempt, map[string]string{
			"tier":    s.Tier().String(),
			"outcome": attemptLabel(out),
		})
		v.logger.Debug("verification tier attempted", map[string]any{
			"tier":       s.Tier().String(),
			"conclusive": out.Conclusive,
			"verified":   out.Verified,
			"reason":     out.Reason,
		})

		if !out.Conclusive {
			continue
		}
		receipt.TierReached = s.Tier()
		if !out.Verified {
			receipt.Reason = out.Reason
			return receipt, nil
		}
		if out.TxHash != "" {
			receipt.TxHash = out.TxHash
		}
		return v.commit(ctx, receipt, req)
	}

	receipt.Reason = types.ReasonNoConclusiveTier
	return receipt, nil
}

// VerifyHeader decodes header and verifies it. Undecodable headers yield a
// malformed_proof receipt.
func (v *Verifier) VerifyHeader(ctx context.Context, header string, req *types.PaymentRequirement) (*types.PaymentReceipt, *types.PaymentProof, error) {
	proof, err := DecodeProof(header)
	if err != nil {
		v.logger.Debug("undecodable payment header", map[string]any{"error": err})
		return &types.PaymentReceipt{Reason: types.ReasonMalformedProof, Timestamp: v.now()}, nil, nil
	}
	receipt, err := v.Verify(ctx, proof, req)
	return receipt, proof, err
}

// Release forgets the identifiers of an accepted proof so it can be
// presented again.
func (v *Verifier) Release(ctx context.Context, receipt *types.PaymentReceipt) error {
	return v.replay.Remove(ctx, receipt.ReplayIDs)
}

// commit records the proof's identifiers. Losing the insert to a concurrent
// request with the same identifiers rejects this one.
func (v *Verifier) commit(ctx context.Context, receipt *types.PaymentReceipt, req *types.PaymentRequirement) (*types.PaymentReceipt, error) {
	ttl := req.Freshness() + v.clockSkew
	if v.retention > ttl {
		ttl = v.retention
	}

	ok, err := v.replay.InsertAll(ctx, receipt.ReplayIDs, ttl)
	switch {
	case errors.Is(err, replay.ErrCapacity):
		v.logger.Warn("replay set full", map[string]any{"payer": receipt.Payer})
		receipt.Reason = types.ReasonReplayCapacity
		return receipt, nil
	case err != nil:
		receipt.Reason = types.ReasonInternal
		return receipt, fmt.Errorf("replay insert: %w", err)
	case !ok:
		receipt.Reason = types.ReasonReplayDetected
		return receipt, nil
	}

	receipt.Verified = true
	return receipt, nil
}

// precheck applies the checks every tier depends on and returns a reason
// code, or "" when the proof may enter the cascade.
func (v *Verifier) precheck(proof *types.PaymentProof, req *types.PaymentRequirement) string {
	if err := proof.Validate(); err != nil {
		return types.ReasonMalformedProof
	}
	if proof.Scheme != "" && proof.Scheme != types.SchemeExact {
		return types.ReasonMalformedProof
	}
	if proof.Nonce != "" && utils.ValidateNonce(proof.Nonce) != nil {
		return types.ReasonMalformedProof
	}
	if proof.Network != req.Network {
		return types.ReasonNetworkMismatch
	}
	network := types.Network(proof.Network)
	if utils.ValidateAddressForNetwork(proof.Payer, network) != nil {
		return types.ReasonMalformedProof
	}
	if proof.TxHash != "" && utils.ValidateTransactionHash(proof.TxHash, network) != nil {
		return types.ReasonMalformedProof
	}
	if !strings.EqualFold(proof.Asset, req.Asset) {
		return types.ReasonAssetMismatch
	}

	have, _ := proof.AmountInt()
	want, err := req.AmountInt()
	if err != nil || have.Cmp(want) < 0 {
		return types.ReasonAmountInsufficient
	}

	ts := time.Unix(proof.Timestamp, 0)
	now := v.now()
	if ts.Sub(now) > v.clockSkew {
		return types.ReasonMalformedProof
	}
	if now.Sub(ts) > req.Freshness() {
		return types.ReasonExpired
	}

	return ""
}

func outcomeLabel(ok bool) string {
	if ok {
		return "verified"
	}
	return "rejected"
}

func attemptLabel(o Outcome) string {
	switch {
	case !o.Conclusive:
		return "inconclusive"
	case o.Verified:
		return "verified"
	default:
		return "rejected"
	}
}
