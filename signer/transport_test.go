package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/verification"
)

// merchant answers 402 until it sees a proof whose signature verifies.
type merchant struct {
	mu       sync.Mutex
	bodies   []string
	accept   bool
	inHeader bool
}

func (m *merchant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.bodies = append(m.bodies, string(body))
	m.mu.Unlock()

	req := requirement("150000")
	if h := r.Header.Get(types.HeaderPayment); h != "" && m.accept {
		proof, err := verification.DecodeProof(h)
		if err == nil && (verification.SignatureStrategy{}).Attempt(r.Context(), proof, req).Verified {
			receipt, _ := utils.EncodeHeader(types.PaymentReceipt{TierReached: types.TierSignature, Verified: true, TxHash: "0xabc"})
			w.Header().Set(types.HeaderPaymentResponse, receipt)
			_, _ = w.Write([]byte("paid content"))
			return
		}
	}

	challenge := types.Challenge{X402Version: 1, Requirements: []types.PaymentRequirement{*req}, Tier: "premium", PriceUSD: 0.15}
	if m.inHeader {
		h, _ := utils.EncodeHeader(challenge)
		w.Header().Set(types.HeaderPaymentRequired, h)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("payment required"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(challenge)
}

func (m *merchant) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bodies...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) hooks() Events {
	return Events{OnAttempt: l.add, OnSuccess: l.add, OnFailure: l.add}
}

func (l *eventLog) kinds() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func TestTransportPaysAndRetries(t *testing.T) {
	m := &merchant{accept: true}
	srv := httptest.NewServer(m)
	defer srv.Close()

	s := newSigner(t, "1", "1")
	var log eventLog
	client := NewClient(s, log.hooks())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/v1/content/premium", bytes.NewBufferString(`{"q":"x"}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid content", string(body))
	assert.Equal(t, []string{`{"q":"x"}`, `{"q":"x"}`}, m.seen())
	require.Equal(t, []EventType{EventAttempt, EventSuccess}, log.kinds())
	assert.Equal(t, "0xabc", log.events[1].TxHash)
	assert.Equal(t, 1, log.events[1].Tier)
	assert.True(t, decimal.RequireFromString("0.15").Equal(s.Ledger().SpentToday()))
}

func TestTransportReadsChallengeHeader(t *testing.T) {
	srv := httptest.NewServer(&merchant{accept: true, inHeader: true})
	defer srv.Close()

	s := newSigner(t, "1", "1")
	resp, err := NewClient(s, Events{}).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransportRollsBackRejectedPayment(t *testing.T) {
	srv := httptest.NewServer(&merchant{accept: false})
	defer srv.Close()

	s := newSigner(t, "1", "1")
	var log eventLog
	resp, err := NewClient(s, log.hooks()).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.True(t, s.Ledger().SpentToday().IsZero())
	assert.Equal(t, []EventType{EventAttempt, EventFailure}, log.kinds())
}

func TestTransportSurfacesBudgetExceeded(t *testing.T) {
	m := &merchant{accept: true}
	srv := httptest.NewServer(m)
	defer srv.Close()

	s := newSigner(t, "0.10", "1")
	_, err := NewClient(s, Events{}).Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spend cap reached")
	assert.Len(t, m.seen(), 1, "no paid retry after refusal")
}

func TestTransportPassesThroughUnpricedResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(types.HeaderPayment))
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	s := newSigner(t, "1", "1")
	resp, err := NewClient(s, Events{}).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.True(t, s.Ledger().SpentToday().IsZero())
}

func TestSelectRequirement(t *testing.T) {
	unsupported := *requirement("1")
	unsupported.Network = "dogecoin"
	other := *requirement("1")
	other.Scheme = "upto"
	good := *requirement("2")

	r, ok := SelectRequirement([]types.PaymentRequirement{unsupported, other, good})
	require.True(t, ok)
	assert.Equal(t, "2", r.Amount)

	_, ok = SelectRequirement([]types.PaymentRequirement{unsupported})
	assert.False(t, ok)
}
