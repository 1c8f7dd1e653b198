package pricing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402gate/types"
)

const (
	payee = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	usdc  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

func premium() types.PricingTier {
	return types.PricingTier{
		Name:            "premium",
		PriceUSD:        decimal.RequireFromString("0.15"),
		Asset:           usdc,
		AssetDecimals:   6,
		AssetName:       "USDC",
		AssetVersion:    "2",
		Network:         types.NetworkBaseSepolia,
		CacheTTLSeconds: 60,
		ComputeType:     types.ComputeHeavy,
		Description:     "premium report",
	}
}

func TestBuildRequirement(t *testing.T) {
	cat, err := NewCatalog([]types.PricingTier{premium()}, payee)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	b := NewBuilder(cat, WithClock(func() time.Time { return now }))

	req, err := b.Build("premium", "/v1/content/premium")
	require.NoError(t, err)
	assert.Equal(t, "150000", req.Amount)
	assert.Equal(t, types.SchemeExact, req.Scheme)
	assert.Equal(t, payee, req.PayTo)
	assert.Equal(t, "base-sepolia", req.Network)
	assert.Equal(t, types.DefaultMaxTimeoutSeconds, req.MaxTimeoutSeconds)
	assert.Equal(t, now.Unix(), req.IssuedAt)
	assert.Equal(t, "USDC", req.Extra.Name)
	require.NoError(t, req.Validate())

	// pure: same inputs, same output
	again, err := b.Build("premium", "/v1/content/premium")
	require.NoError(t, err)
	assert.Equal(t, req, again)
}

func TestChallengeShape(t *testing.T) {
	cat, err := NewCatalog([]types.PricingTier{premium()}, payee)
	require.NoError(t, err)
	b := NewBuilder(cat, WithFacilitatorURL("https://facilitator.example"))

	ch, err := b.Challenge("premium", "/v1/content/premium", "", "")
	require.NoError(t, err)

	raw, err := json.Marshal(ch)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, 0.15, body["price_usd"])
	assert.Equal(t, "USD", body["currency"])
	assert.Equal(t, "base-sepolia", body["network"])
	assert.Equal(t, "https://facilitator.example", body["facilitator_url"])
	assert.Len(t, body["requirements"], 1)
	assert.NotContains(t, body, "error")
}

func TestUnknownTier(t *testing.T) {
	cat, err := NewCatalog([]types.PricingTier{premium()}, payee)
	require.NoError(t, err)

	_, err = NewBuilder(cat).Build("gold", "/")
	assert.True(t, errors.Is(err, ErrUnknownTier))
}

func TestCatalogRejectsBadTiers(t *testing.T) {
	inexact := premium()
	inexact.PriceUSD = decimal.RequireFromString("0.0000001")

	free := premium()
	free.PriceUSD = decimal.Zero

	badNet := premium()
	badNet.Network = "cosmoshub-4"

	override := premium()
	override.PayTo = "not-an-address"

	for name, tiers := range map[string][]types.PricingTier{
		"inexact":   {inexact},
		"free":      {free},
		"network":   {badNet},
		"pay_to":    {override},
		"duplicate": {premium(), premium()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewCatalog(tiers, payee)
			assert.Error(t, err)
		})
	}
}

func TestTierPayToOverride(t *testing.T) {
	tier := premium()
	tier.PayTo = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	cat, err := NewCatalog([]types.PricingTier{tier}, payee)
	require.NoError(t, err)

	req, err := NewBuilder(cat).Build("premium", "/")
	require.NoError(t, err)
	assert.Equal(t, tier.PayTo, req.PayTo)
}
