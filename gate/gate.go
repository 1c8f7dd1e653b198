// Package gate runs the per-request payment state machine in front of
// priced content.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/vitwit/x402gate/audit"
	"github.com/vitwit/x402gate/cache"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/reputation"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/verification"
)

// State is a step of the request lifecycle.
type State string

const (
	AwaitingProof State = "AWAITING_PROOF"
	Verifying     State = "VERIFYING"
	CacheHit      State = "CACHE_HIT"
	Computing     State = "COMPUTING"
	Settling      State = "SETTLING"
	Responded     State = "RESPONDED"
	Rejected      State = "REJECTED"
	Failed        State = "FAILED"
)

// Request is the part of an inbound request the gate needs.
type Request struct {
	Tier          string
	Resource      string
	PaymentHeader string
	RequestID     string
	Method        string
	Body          []byte
	Query         map[string][]string
}

// ContentProvider produces the content sold by a tier.
type ContentProvider interface {
	Provide(ctx context.Context, req *Request) ([]byte, error)
}

// ContentFunc adapts a function to ContentProvider.
type ContentFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f ContentFunc) Provide(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// Settler finalizes and refunds verified payments.
type Settler interface {
	Settle(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement, receipt *types.PaymentReceipt) (*settlement.Result, error)
	Refund(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement, reason string) (*settlement.Result, error)
}

// Publisher receives receipts for reputation attestations.
type Publisher interface {
	Publish(receipt *types.PaymentReceipt) bool
}

// Response is the gate's answer to one request.
type Response struct {
	Status    int
	State     State
	Content   []byte
	Cached    bool
	Challenge *types.Challenge
	Receipt   *types.PaymentReceipt
	Reason    string
	Message   string
	// Err describes every non-200 outcome; its Reason matches Reason.
	Err *types.X402Error
}

type Gate struct {
	builder        *pricing.Builder
	verifier       *verification.Verifier
	provider       ContentProvider
	cache          *cache.ResponseCache
	cacheKey       func(*Request) string
	settler        Settler
	feed           Publisher
	audit          audit.Recorder
	policy         string
	computeTimeout time.Duration
	logger         logger.Logger
	metrics        metrics.Recorder
}

type Option func(*Gate)

func WithCache(c *cache.ResponseCache) Option {
	return func(g *Gate) { g.cache = c }
}

// WithCacheKey selects the cache slot of a request. The default is one
// slot per tier.
func WithCacheKey(f func(*Request) string) Option {
	return func(g *Gate) { g.cacheKey = f }
}

func WithSettler(s Settler) Option {
	return func(g *Gate) { g.settler = s }
}

func WithReputation(p Publisher) Option {
	return func(g *Gate) { g.feed = p }
}

func WithAudit(r audit.Recorder) Option {
	return func(g *Gate) {
		if r != nil {
			g.audit = r
		}
	}
}

// WithComputeFailurePolicy sets what happens to a payment whose content
// could not be produced: none, release or refund.
func WithComputeFailurePolicy(p string) Option {
	return func(g *Gate) { g.policy = p }
}

func WithComputeTimeout(d time.Duration) Option {
	return func(g *Gate) { g.computeTimeout = d }
}

func WithLogger(l logger.Logger) Option {
	return func(g *Gate) { g.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(g *Gate) { g.metrics = metrics.OrNoop(m) }
}

func New(builder *pricing.Builder, verifier *verification.Verifier, provider ContentProvider, opts ...Option) (*Gate, error) {
	if builder == nil || verifier == nil || provider == nil {
		return nil, types.NewError(types.ErrConfigError, "gate needs a builder, a verifier and a content provider", nil)
	}
	g := &Gate{
		builder:        builder,
		verifier:       verifier,
		provider:       provider,
		cache:          cache.New(),
		cacheKey:       func(r *Request) string { return r.Tier },
		audit:          audit.Nop{},
		policy:         types.ComputeFailureNone,
		computeTimeout: types.DefaultComputeTimeout,
		logger:         logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	switch g.policy {
	case types.ComputeFailureNone, types.ComputeFailureRelease, types.ComputeFailureRefund:
	default:
		return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("unknown compute failure policy %q", g.policy), nil)
	}
	return g, nil
}

// Catalog returns the priced tiers.
func (g *Gate) Catalog() *pricing.Catalog { return g.builder.Catalog() }

// Handle runs one request through the state machine.
func (g *Gate) Handle(ctx context.Context, req *Request) *Response {
	log := g.logger.With(map[string]any{"request_id": req.RequestID, "tier": req.Tier})
	g.enter(log, AwaitingProof)

	requirement, err := g.builder.Build(req.Tier, req.Resource)
	if err != nil {
		if errors.Is(err, pricing.ErrUnknownTier) {
			g.enter(log, Rejected)
			msg := "unknown pricing tier " + req.Tier
			return &Response{
				Status:  http.StatusNotFound,
				State:   Rejected,
				Reason:  types.ReasonUnknownTier,
				Message: msg,
				Err:     &types.X402Error{Code: types.ErrUnknownTier, Reason: types.ReasonUnknownTier, Message: msg, Err: err},
			}
		}
		return g.fail(log, types.ErrInternal, types.ReasonInternal, "build payment requirement", err)
	}

	if req.PaymentHeader == "" {
		return g.challenge(log, req, types.ReasonPaymentRequired, "payment required")
	}

	g.enter(log, Verifying)
	receipt, proof, err := g.verifier.VerifyHeader(ctx, req.PaymentHeader, requirement)
	if err != nil {
		return g.fail(log, types.ErrInternal, types.ReasonInternal, "verify payment", err)
	}
	g.annotate(receipt, req)

	if !receipt.Verified {
		g.record(ctx, log, receipt)
		return g.challenge(log, req, receipt.Reason, "payment verification failed: "+receipt.Reason)
	}
	log.Info("payment verified", map[string]any{
		"payer":      receipt.Payer,
		"tier":       receipt.TierReached.String(),
		"amount_usd": receipt.AmountUSD.String(),
	})

	content, cached, err := g.content(ctx, log, req)
	if err != nil {
		g.computeFailed(ctx, log, proof, requirement, receipt)
		resp := g.fail(log, types.ErrComputeFailure, types.ReasonComputeFailed, "content provider failed", err)
		resp.Receipt = receipt
		return resp
	}

	g.enter(log, Settling)
	g.settle(ctx, log, proof, requirement, receipt)

	if g.feed != nil && reputation.Eligible(receipt) {
		g.feed.Publish(receipt)
	}
	g.record(ctx, log, receipt)

	g.enter(log, Responded)
	return &Response{
		Status:  http.StatusOK,
		State:   Responded,
		Content: content,
		Cached:  cached,
		Receipt: receipt,
	}
}

// content serves the tier from cache or computes it.
func (g *Gate) content(ctx context.Context, log logger.Logger, req *Request) ([]byte, bool, error) {
	tier, _ := g.builder.Catalog().Tier(req.Tier)
	ttl := tier.CacheTTL()
	key := g.cacheKey(req)

	if e, ok := g.cache.Get(key, ttl); ok {
		g.metrics.IncCounter(metrics.CacheLookup, map[string]string{"outcome": "hit", "tier": req.Tier})
		g.enter(log, CacheHit)
		return e.Value, true, nil
	}
	if ttl > 0 {
		g.metrics.IncCounter(metrics.CacheLookup, map[string]string{"outcome": "miss", "tier": req.Tier})
	}

	g.enter(log, Computing)
	cctx := ctx
	if g.computeTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, g.computeTimeout)
		defer cancel()
	}

	start := time.Now()
	value, err := g.provider.Provide(cctx, req)
	g.metrics.ObserveLatency(metrics.ComputeLatency, time.Since(start), map[string]string{
		"tier":    req.Tier,
		"outcome": outcome(err == nil),
	})
	if err != nil {
		return nil, false, err
	}

	if ttl > 0 {
		g.cache.Put(key, value)
	}
	return value, false, nil
}

// computeFailed applies the configured policy to a payment whose content
// could not be produced.
func (g *Gate) computeFailed(ctx context.Context, log logger.Logger, proof *types.PaymentProof, req *types.PaymentRequirement, receipt *types.PaymentReceipt) {
	switch g.policy {
	case types.ComputeFailureRelease:
		if err := g.verifier.Release(ctx, receipt); err != nil {
			log.Error("release payment identifiers", map[string]any{"error": err})
		} else {
			log.Info("payment released for retry", map[string]any{"payer": receipt.Payer})
		}

	case types.ComputeFailureRefund:
		if g.settler == nil {
			log.Warn("refund policy set but no settler configured", nil)
			break
		}
		res, err := g.settler.Refund(ctx, proof, req, types.ReasonComputeFailed)
		if err != nil {
			log.Error("refund failed", map[string]any{"payer": receipt.Payer, "error": err})
			break
		}
		log.Info("refund requested", map[string]any{"payer": receipt.Payer, "success": res.Success})
	}

	receipt.Reason = types.ReasonComputeFailed
	g.record(ctx, log, receipt)
}

// settle is best effort: failures are logged and counted but never change
// the response.
func (g *Gate) settle(ctx context.Context, log logger.Logger, proof *types.PaymentProof, req *types.PaymentRequirement, receipt *types.PaymentReceipt) {
	if g.settler == nil {
		return
	}
	res, err := g.settler.Settle(ctx, proof, req, receipt)
	if err != nil {
		log.Warn("settlement failed", map[string]any{"error": err})
		return
	}
	receipt.Settled = res.Success
	if res.Success && receipt.TxHash == "" {
		receipt.TxHash = res.TxHash
	}
}

func (g *Gate) challenge(log logger.Logger, req *Request, reason, message string) *Response {
	c, err := g.builder.Challenge(req.Tier, req.Resource, reason, message)
	if err != nil {
		return g.fail(log, types.ErrInternal, types.ReasonInternal, "build challenge", err)
	}
	resp := &Response{
		Status:    http.StatusPaymentRequired,
		State:     AwaitingProof,
		Challenge: c,
		Reason:    reason,
		Message:   message,
	}
	if reason != types.ReasonPaymentRequired {
		resp.State = Rejected
		resp.Err = &types.X402Error{Code: types.ErrPaymentInvalid, Reason: reason, Message: message}
		g.enter(log, Rejected)
	}
	return resp
}

func (g *Gate) fail(log logger.Logger, code, reason, message string, err error) *Response {
	g.enter(log, Failed)
	log.Error(message, map[string]any{"code": code, "reason": reason, "error": err})
	return &Response{
		Status:  http.StatusInternalServerError,
		State:   Failed,
		Reason:  reason,
		Message: message,
		Err:     &types.X402Error{Code: code, Reason: reason, Message: message, Err: err},
	}
}

// annotate fills the request-level fields of a receipt.
func (g *Gate) annotate(r *types.PaymentReceipt, req *Request) {
	r.RequestID = req.RequestID
	r.PricingTier = req.Tier

	tier, ok := g.builder.Catalog().Tier(req.Tier)
	if !ok || r.Amount == "" {
		return
	}
	if minor, ok := new(big.Int).SetString(r.Amount, 10); ok {
		r.AmountUSD = utils.FromMinorUnits(minor, tier.AssetDecimals)
	}
}

func (g *Gate) record(ctx context.Context, log logger.Logger, r *types.PaymentReceipt) {
	if err := g.audit.Record(ctx, r); err != nil {
		log.Warn("audit record failed", map[string]any{"error": err})
	}
}

func (g *Gate) enter(log logger.Logger, s State) {
	log.Debug("gate transition", map[string]any{"state": string(s)})
	g.metrics.IncCounter(metrics.GateTransition, map[string]string{"outcome": string(s)})
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
