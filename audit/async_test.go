package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vitwit/x402gate/types"
)

type memRecorder struct {
	mu       sync.Mutex
	got      []types.PaymentReceipt
	failures int
	block    chan struct{}
}

func (m *memRecorder) Record(_ context.Context, r *types.PaymentReceipt) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("db unavailable")
	}
	m.got = append(m.got, *r)
	return nil
}

func (m *memRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestAsyncRecorderWritesOnClose(t *testing.T) {
	mem := &memRecorder{}
	a := NewAsync(mem, 8)
	for i := 0; i < 5; i++ {
		assert.NoError(t, a.Record(context.Background(), testReceipt()))
	}
	a.Close()
	assert.Equal(t, 5, mem.count())

	assert.NoError(t, a.Record(context.Background(), testReceipt()))
	assert.Equal(t, 5, mem.count())
}

func TestAsyncRecorderRetries(t *testing.T) {
	mem := &memRecorder{failures: 2}
	a := NewAsync(mem, 1, WithBackoff(time.Millisecond))
	assert.NoError(t, a.Record(context.Background(), testReceipt()))
	a.Close()
	assert.Equal(t, 1, mem.count())
}

func TestAsyncRecorderDropsWhenFull(t *testing.T) {
	mem := &memRecorder{block: make(chan struct{})}
	a := NewAsync(mem, 1)

	start := time.Now()
	for i := 0; i < 10; i++ {
		assert.NoError(t, a.Record(context.Background(), testReceipt()))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(mem.block)
	a.Close()
	// one in the writer, one queued
	assert.LessOrEqual(t, mem.count(), 2)
	assert.GreaterOrEqual(t, mem.count(), 1)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Record(context.Background(), testReceipt()))
}
