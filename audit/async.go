package audit

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/types"
)

const maxWriteAttempts = 3

// AsyncRecorder queues receipts for a background writer so recording never
// delays a response. A full queue drops the receipt.
type AsyncRecorder struct {
	next    Recorder
	queue   chan types.PaymentReceipt
	backoff time.Duration
	logger  logger.Logger
	metrics metrics.Recorder

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type AsyncOption func(*AsyncRecorder)

func WithLogger(l logger.Logger) AsyncOption {
	return func(a *AsyncRecorder) { a.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) AsyncOption {
	return func(a *AsyncRecorder) { a.metrics = metrics.OrNoop(m) }
}

// WithBackoff sets the delay before the first retry; it doubles per attempt.
func WithBackoff(d time.Duration) AsyncOption {
	return func(a *AsyncRecorder) { a.backoff = d }
}

// NewAsync starts a writer draining into next.
func NewAsync(next Recorder, queueSize int, opts ...AsyncOption) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = types.DefaultAuditQueue
	}
	a := &AsyncRecorder{
		next:    next,
		queue:   make(chan types.PaymentReceipt, queueSize),
		backoff: 100 * time.Millisecond,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(a)
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// Record enqueues a copy of r. It never blocks and never fails; drops are
// logged and counted.
func (a *AsyncRecorder) Record(_ context.Context, r *types.PaymentReceipt) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped(r, "closed")
		return nil
	}
	select {
	case a.queue <- *r:
	default:
		a.dropped(r, "queue_full")
	}
	return nil
}

// Close stops accepting receipts and waits for queued ones to be written.
func (a *AsyncRecorder) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AsyncRecorder) run() {
	defer a.wg.Done()

	for r := range a.queue {
		backoff := a.backoff
		for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
			err := a.next.Record(context.Background(), &r)
			if err == nil {
				break
			}
			if attempt == maxWriteAttempts {
				a.metrics.IncCounter(metrics.AuditDropped, map[string]string{"reason": "write_failed"})
				a.logger.Error("receipt write failed", map[string]any{
					"request_id": r.RequestID,
					"error":      err,
				})
				break
			}
			a.logger.Warn("receipt write failed, retrying", map[string]any{
				"request_id": r.RequestID,
				"attempt":    attempt,
				"error":      err,
			})
			time.Sleep(backoff)
			backoff *= 2
		}
	}
}

func (a *AsyncRecorder) dropped(r *types.PaymentReceipt, reason string) {
	a.metrics.IncCounter(metrics.AuditDropped, map[string]string{"reason": reason})
	a.logger.Warn("receipt not recorded", map[string]any{
		"reason":     reason,
		"request_id": r.RequestID,
	})
}
