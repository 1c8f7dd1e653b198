package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402gate/types"
)

const sampleConfig = `
log_level: debug
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
    compute_type: heavy
verification:
  enabled_tiers: [1, 2, 4]
  ledger_timeout: 2s
ledgers:
  - network: base-sepolia
    rpc_url: https://sepolia.base.org
payer:
  per_tx_cap_usd: "0.01"
  daily_cap_usd: "1.00"
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Tiers, 1)
	tier := cfg.Tiers[0]
	assert.True(t, tier.PriceUSD.Equal(decimal.RequireFromString("0.15")))
	assert.EqualValues(t, types.DefaultAssetDecimals, tier.AssetDecimals)
	assert.Equal(t, types.DefaultMaxTimeoutSeconds, tier.MaxTimeoutSeconds)
	assert.Equal(t, types.ComputeHeavy, tier.ComputeType)

	assert.Equal(t, 2*time.Second, cfg.Verification.LedgerTimeout)
	assert.Equal(t, types.DefaultClockSkew, cfg.Verification.ClockSkew)
	assert.False(t, cfg.Verification.TierEnabled(types.TierFacilitator))
	assert.True(t, cfg.Verification.TierEnabled(types.TierHonor))
	assert.Equal(t, "memory", cfg.Replay.Backend)
	assert.True(t, cfg.Payer.DailyCapUSD.Equal(decimal.NewFromInt(1)))
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"malformed yaml": "tiers: [",
		"no tiers":       "payee:\n  address: \"0x209693Bc6afc0C5328bA36FaF03C514EF312287C\"\n",
		"zero price": `
payee: {address: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}
tiers: [{name: a, price_usd: 0, asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", network: base}]`,
		"unsupported network": `
payee: {address: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}
tiers: [{name: a, price_usd: 1, asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", network: dogecoin}]`,
		"inexact price": `
payee: {address: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}
tiers: [{name: a, price_usd: 0.0000001, asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", network: base}]`,
		"duplicate tier": `
payee: {address: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}
tiers:
  - {name: a, price_usd: 1, asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", network: base}
  - {name: a, price_usd: 2, asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", network: base}`,
		"bad payee": `
payee: {address: "nope"}
tiers: [{name: a, price_usd: 1, asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", network: base}]`,
		"per tx above daily": `
payee: {address: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}
tiers: [{name: a, price_usd: 1, asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", network: base}]
payer: {per_tx_cap_usd: 2, daily_cap_usd: 1}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			require.Error(t, err)

			var xerr *types.X402Error
			require.True(t, errors.As(err, &xerr))
			assert.Equal(t, types.ErrConfigError, xerr.Code)
		})
	}
}

func TestToMinorUnits(t *testing.T) {
	n, err := ToMinorUnits(decimal.RequireFromString("0.15"), 6)
	require.NoError(t, err)
	assert.Equal(t, "150000", n.String())

	_, err = ToMinorUnits(decimal.RequireFromString("0.1234567"), 6)
	assert.Error(t, err)

	assert.True(t, FromMinorUnits(n, 6).Equal(decimal.RequireFromString("0.15")))
}
