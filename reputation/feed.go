// Package reputation publishes signed attestations of high-trust payments
// to an external reputation registry.
package reputation

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vitwit/x402gate/clients"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

// Attestation is the statement the gateway signs about a payment.
type Attestation struct {
	ID        string          `json:"id"`
	Payer     string          `json:"payer"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	TxRef     string          `json:"tx_ref,omitempty"`
	Tier      int             `json:"tier"`
	Network   string          `json:"network"`
	IssuedAt  time.Time       `json:"issued_at"`
}

// Feed is a bounded, non-blocking publish queue drained by a worker pool.
// Delivery is at most once.
type Feed struct {
	registry clients.Registry
	key      *ecdsa.PrivateKey
	signer   string
	queue    chan types.PaymentReceipt
	workers  int
	limiter  *rate.Limiter
	timeout  time.Duration
	now      func() time.Time
	logger   logger.Logger
	metrics  metrics.Recorder

	mu      sync.RWMutex
	closed  bool
	running sync.WaitGroup
}

type Option func(*Feed)

func WithQueueSize(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.queue = make(chan types.PaymentReceipt, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithRate limits submissions per second across all workers. Zero means
// unlimited.
func WithRate(perSecond float64) Option {
	return func(f *Feed) {
		if perSecond > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(f *Feed) { f.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(f *Feed) { f.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(f *Feed) { f.metrics = metrics.OrNoop(m) }
}

// New returns a feed posting to registry, signing with key.
func New(registry clients.Registry, key *ecdsa.PrivateKey, opts ...Option) (*Feed, error) {
	if registry == nil || key == nil {
		return nil, types.NewError(types.ErrConfigError, "reputation feed needs a registry and a signing key", nil)
	}
	f := &Feed{
		registry: registry,
		key:      key,
		signer:   utils.AddressFromPrivateKey(key).Hex(),
		queue:    make(chan types.PaymentReceipt, types.DefaultReputationQueue),
		workers:  types.DefaultReputationWorkers,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		timeout:  types.DefaultReputationTimeout,
		now:      time.Now,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Eligible reports whether a receipt is trusted enough to attest to.
func Eligible(r *types.PaymentReceipt) bool {
	return r != nil && r.Verified && r.TierReached >= types.TierSignature && r.TierReached <= types.TierLedger
}

// Publish enqueues r without blocking. It reports false when the receipt
// is ineligible, the feed is closed, or the queue is full.
func (f *Feed) Publish(r *types.PaymentReceipt) bool {
	if !Eligible(r) {
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.drop(r, "closed")
		return false
	}

	select {
	case f.queue <- *r:
		return true
	default:
		f.drop(r, "queue_full")
		return false
	}
}

func (f *Feed) drop(r *types.PaymentReceipt, reason string) {
	f.metrics.IncCounter(metrics.ReputationDropped, map[string]string{"reason": reason})
	f.logger.Warn("reputation event dropped", map[string]any{
		"reason":  reason,
		"payer":   r.Payer,
		"tx_hash": r.TxHash,
	})
}

// Run starts the workers and blocks until ctx is done or the feed is closed
// and drained.
func (f *Feed) Run(ctx context.Context) error {
	f.running.Add(1)
	defer f.running.Done()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.workers; i++ {
		g.Go(func() error {
			f.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close stops accepting events and waits for a running Run to drain the
// queue.
func (f *Feed) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.running.Wait()
}

func (f *Feed) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-f.queue:
			if !ok {
				return
			}
			f.send(ctx, r)
		}
	}
}

func (f *Feed) send(ctx context.Context, r types.PaymentReceipt) {
	if err := f.limiter.Wait(ctx); err != nil {
		f.failed(r, err)
		return
	}

	att := Attestation{
		ID:        uuid.NewString(),
		Payer:     r.Payer,
		AmountUSD: r.AmountUSD,
		TxRef:     r.TxHash,
		Tier:      int(r.TierReached),
		Network:   r.Network,
		IssuedAt:  f.now().UTC(),
	}
	signed, err := f.Sign(att)
	if err != nil {
		f.failed(r, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.registry.Submit(ctx, signed); err != nil {
		f.failed(r, err)
		return
	}

	f.metrics.IncCounter(metrics.ReputationSent, map[string]string{"tier": r.TierReached.String()})
	f.logger.Debug("reputation attestation submitted", map[string]any{"id": att.ID, "payer": att.Payer})
}

// Sign serializes att and signs it as an EIP-191 personal message.
func (f *Feed) Sign(att Attestation) (clients.SignedAttestation, error) {
	body, err := json.Marshal(att)
	if err != nil {
		return clients.SignedAttestation{}, err
	}
	sig, err := utils.SignPersonalMessage(body, f.key)
	if err != nil {
		return clients.SignedAttestation{}, err
	}
	return clients.SignedAttestation{Attestation: body, Signature: sig, Signer: f.signer}, nil
}

func (f *Feed) failed(r types.PaymentReceipt, err error) {
	reason := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	f.metrics.IncCounter(metrics.ReputationFailed, map[string]string{"reason": reason})
	f.logger.Warn("reputation submit failed", map[string]any{
		"payer":   r.Payer,
		"tx_hash": r.TxHash,
		"error":   err,
	})
}
