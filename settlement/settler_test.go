package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402gate/clients"
	"github.com/vitwit/x402gate/types"
)

type fakeFacilitator struct {
	settles int64
	refunds int64
	delay   time.Duration
	resp    clients.FacilitatorResponse
	err     error
	reason  string
	mu      sync.Mutex
}

func (f *fakeFacilitator) Verify(context.Context, *types.PaymentProof, *types.PaymentRequirement) (*clients.FacilitatorResponse, error) {
	return &clients.FacilitatorResponse{IsValid: true}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, _ *types.PaymentProof, _ *types.PaymentRequirement) (*clients.FacilitatorResponse, error) {
	atomic.AddInt64(&f.settles, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	r := f.resp
	return &r, nil
}

func (f *fakeFacilitator) Refund(_ context.Context, _ *types.PaymentProof, _ *types.PaymentRequirement, reason string) (*clients.FacilitatorResponse, error) {
	atomic.AddInt64(&f.refunds, 1)
	f.mu.Lock()
	f.reason = reason
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &clients.FacilitatorResponse{Success: true, Transaction: "0xrefund"}, nil
}

func (f *fakeFacilitator) URL() string { return "http://facilitator.test" }

func fixtures(tier types.VerificationTier) (*types.PaymentProof, *types.PaymentRequirement, *types.PaymentReceipt) {
	proof := &types.PaymentProof{Payer: "0xpayer", Nonce: "0x01", Network: "base-sepolia"}
	req := &types.PaymentRequirement{Network: "base-sepolia"}
	receipt := &types.PaymentReceipt{
		TierReached: tier,
		Verified:    true,
		Network:     "base-sepolia",
		TxHash:      "0xabc",
		ReplayIDs:   proof.ReplayIDs(),
	}
	return proof, req, receipt
}

func TestSettleIsIdempotent(t *testing.T) {
	fac := &fakeFacilitator{resp: clients.FacilitatorResponse{Success: true, Transaction: "0xsettled"}}
	s := New(fac)
	proof, req, receipt := fixtures(types.TierSignature)

	for i := 0; i < 3; i++ {
		r, err := s.Settle(context.Background(), proof, req, receipt)
		require.NoError(t, err)
		assert.True(t, r.Success)
		assert.Equal(t, "0xsettled", r.TxHash)
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&fac.settles))
}

func TestConcurrentSettlesShareOneCall(t *testing.T) {
	fac := &fakeFacilitator{delay: 50 * time.Millisecond, resp: clients.FacilitatorResponse{Success: true}}
	s := New(fac)
	proof, req, receipt := fixtures(types.TierFacilitator)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.Settle(context.Background(), proof, req, receipt)
			assert.NoError(t, err)
			assert.True(t, r.Success)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt64(&fac.settles))
}

func TestCancelledCallerDoesNotFailOthers(t *testing.T) {
	fac := &fakeFacilitator{delay: 100 * time.Millisecond, resp: clients.FacilitatorResponse{Success: true, Transaction: "0xsettled"}}
	s := New(fac, WithTimeout(time.Second))
	proof, req, receipt := fixtures(types.TierFacilitator)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Settle(ctx, proof, req, receipt)
		first <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&fac.settles) == 1 }, time.Second, time.Millisecond)

	second := make(chan *Result, 1)
	go func() {
		r, err := s.Settle(context.Background(), proof, req, receipt)
		assert.NoError(t, err)
		second <- r
	}()

	cancel()
	err := <-first
	assert.ErrorIs(t, err, context.Canceled)

	r := <-second
	require.NotNil(t, r)
	assert.True(t, r.Success)
	assert.Equal(t, "0xsettled", r.TxHash)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fac.settles))
}

func TestLedgerConfirmedPaymentNeedsNoCall(t *testing.T) {
	fac := &fakeFacilitator{}
	proof, req, receipt := fixtures(types.TierLedger)

	r, err := New(fac).Settle(context.Background(), proof, req, receipt)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.True(t, r.OnChain)
	assert.Equal(t, "0xabc", r.TxHash)
	assert.Zero(t, atomic.LoadInt64(&fac.settles))

	r, err = New(nil).Settle(context.Background(), proof, req, receipt)
	require.NoError(t, err)
	assert.True(t, r.Success)
}

func TestSettleWithoutFacilitator(t *testing.T) {
	proof, req, receipt := fixtures(types.TierHonor)
	r, err := New(nil).Settle(context.Background(), proof, req, receipt)
	require.NoError(t, err)
	assert.False(t, r.Success)
}

func TestFailedSettlementIsRetried(t *testing.T) {
	fac := &fakeFacilitator{err: clients.ErrDependencyUnavailable}
	s := New(fac)
	proof, req, receipt := fixtures(types.TierSignature)

	_, err := s.Settle(context.Background(), proof, req, receipt)
	require.Error(t, err)
	var xe *types.X402Error
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, types.ErrSettlementFailed, xe.Code)
	assert.ErrorIs(t, err, clients.ErrDependencyUnavailable)

	fac.err = nil
	fac.resp = clients.FacilitatorResponse{Success: false, ErrorReason: "insufficient_funds"}
	r, err := s.Settle(context.Background(), proof, req, receipt)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, "insufficient_funds", r.Error)

	fac.resp = clients.FacilitatorResponse{Success: true}
	r, err = s.Settle(context.Background(), proof, req, receipt)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.EqualValues(t, 3, atomic.LoadInt64(&fac.settles))
}

func TestSettleTimeout(t *testing.T) {
	fac := &fakeFacilitator{delay: time.Second}
	s := New(fac, WithTimeout(20*time.Millisecond))
	proof, req, receipt := fixtures(types.TierSignature)

	start := time.Now()
	_, err := s.Settle(context.Background(), proof, req, receipt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCachedResultExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fac := &fakeFacilitator{resp: clients.FacilitatorResponse{Success: true}}
	s := New(fac, WithRetention(time.Minute), WithClock(func() time.Time { return now }))
	proof, req, receipt := fixtures(types.TierSignature)

	_, err := s.Settle(context.Background(), proof, req, receipt)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = s.Settle(context.Background(), proof, req, receipt)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&fac.settles))
}

func TestRefund(t *testing.T) {
	fac := &fakeFacilitator{}
	proof, req, _ := fixtures(types.TierSignature)

	r, err := New(fac).Refund(context.Background(), proof, req, types.ReasonComputeFailed)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, "0xrefund", r.TxHash)
	assert.Equal(t, types.ReasonComputeFailed, fac.reason)

	_, err = New(nil).Refund(context.Background(), proof, req, "x")
	assert.ErrorIs(t, err, ErrNoFacilitator)
}
