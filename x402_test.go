package x402gate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402gate/clients"
	"github.com/vitwit/x402gate/gate"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/signer"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

const testConfig = `
log_level: error
server:
  addr: 127.0.0.1:0
payee:
  address: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
tiers:
  - name: premium
    price_usd: 0.15
    asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    asset_name: USDC
    asset_version: "2"
    network: base-sepolia
    cache_ttl_seconds: 60
payer:
  per_tx_cap_usd: "1.00"
  daily_cap_usd: "5.00"
`

func loadConfig(t *testing.T) *types.Config {
	t.Helper()
	cfg, err := utils.ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg.Payer.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))
	return cfg
}

func content(_ context.Context, r *gate.Request) ([]byte, error) {
	return []byte(`{"tier":"` + r.Tier + `"}`), nil
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestGatewayServesPaidContent(t *testing.T) {
	cfg := loadConfig(t)
	reg := prometheus.NewRegistry()

	gw, err := New(context.Background(), cfg, gate.ContentFunc(content),
		WithPrometheus(reg), WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer gw.Close()

	ts := httptest.NewServer(gw.Server.Handler())
	defer ts.Close()

	resp, _ := get(t, http.DefaultClient, ts.URL+"/v1/content/premium")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	payer, err := NewPayer(cfg, WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)

	resp, body := get(t, signer.NewClient(payer, signer.Events{}), ts.URL+"/v1/content/premium")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"tier":"premium"}`, body)
	assert.Equal(t, "0.15", payer.Ledger().SpentToday().String())

	_, metricsBody := get(t, http.DefaultClient, ts.URL+"/metrics")
	assert.Contains(t, metricsBody, `outcome="verified"`)
}

func TestGatewayRedisReplayStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t)
	cfg.Replay.Backend = "redis"
	cfg.Replay.RedisAddr = mr.Addr()

	gw, err := New(context.Background(), cfg, gate.ContentFunc(content), WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	defer gw.Close()

	ts := httptest.NewServer(gw.Server.Handler())
	defer ts.Close()

	payer, err := NewPayer(cfg, WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)

	_, body := get(t, http.DefaultClient, ts.URL+"/v1/content/premium")
	var challenge types.Challenge
	require.NoError(t, json.Unmarshal([]byte(body), &challenge))
	require.Len(t, challenge.Requirements, 1)

	p, err := payer.Pay(context.Background(), &challenge.Requirements[0])
	require.NoError(t, err)

	send := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/content/premium", nil)
		require.NoError(t, err)
		req.Header.Set(types.HeaderPayment, p.Header)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, send().StatusCode)
	assert.NotEmpty(t, mr.Keys())
	for _, k := range mr.Keys() {
		assert.True(t, strings.HasPrefix(k, "x402gate:replay:"), k)
	}
	assert.Equal(t, http.StatusPaymentRequired, send().StatusCode)
}

func TestGatewayPublishesAttestations(t *testing.T) {
	var submitted atomic.Int32
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var att clients.SignedAttestation
		if json.NewDecoder(r.Body).Decode(&att) == nil && att.Signature != "" {
			submitted.Add(1)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer registry.Close()

	feedKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := loadConfig(t)
	cfg.Reputation.URL = registry.URL
	cfg.Reputation.SigningKey = hex.EncodeToString(crypto.FromECDSA(feedKey))

	gw, err := New(context.Background(), cfg, gate.ContentFunc(content), WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	ts := httptest.NewServer(gw.Server.Handler())
	defer ts.Close()

	payer, err := NewPayer(cfg, WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)
	resp, _ := get(t, signer.NewClient(payer, signer.Events{}), ts.URL+"/v1/content/premium")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return submitted.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
	gw.Close()
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Tiers = nil

	_, err := New(context.Background(), cfg, gate.ContentFunc(content), WithLogger(logger.NoopLogger{}))
	require.Error(t, err)
	var xe *types.X402Error
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, types.ErrConfigError, xe.Code)

	cfg = loadConfig(t)
	cfg.Reputation.URL = "http://registry.example.com"
	_, err = New(context.Background(), cfg, gate.ContentFunc(content), WithLogger(logger.NoopLogger{}))
	require.Error(t, err)
}

func TestNewPayer(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Payer.Timezone = "Mars/Olympus_Mons"
	_, err := NewPayer(cfg)
	require.Error(t, err)

	cfg = loadConfig(t)
	cfg.Payer.PrivateKey = ""
	_, err = NewPayer(cfg)
	require.Error(t, err, "a payer needs at least one key")

	cfg = loadConfig(t)
	cfg.Payer.Timezone = "America/New_York"
	payer, err := NewPayer(cfg)
	require.NoError(t, err)
	assert.Equal(t, "5", payer.Ledger().DailyCap().String())
	assert.Equal(t, "1", payer.Ledger().PerTxCap().String())
}
