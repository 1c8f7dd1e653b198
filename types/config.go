package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the externally supplied configuration of a gateway process.
type Config struct {
	LogLevel     string             `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Server       ServerConfig       `yaml:"server"`
	Payee        PayeeConfig        `yaml:"payee"`
	Tiers        []PricingTier      `yaml:"tiers" validate:"required,min=1,dive"`
	Verification VerificationConfig `yaml:"verification"`
	Ledgers      []LedgerRPCConfig  `yaml:"ledgers" validate:"dive"`
	Facilitator  FacilitatorConfig  `yaml:"facilitator"`
	Reputation   ReputationConfig   `yaml:"reputation"`
	Replay       ReplayConfig       `yaml:"replay"`
	Gate         GateConfig         `yaml:"gate"`
	Payer        PayerConfig        `yaml:"payer"`
	Audit        AuditConfig        `yaml:"audit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ResourceBaseURL string        `yaml:"resource_base_url" validate:"omitempty,url"`
}

// PayeeConfig is the gateway's own receiving address.
type PayeeConfig struct {
	Address string `yaml:"address" validate:"required"`
}

type VerificationConfig struct {
	// EnabledTiers lists the verification tiers that may conclude. Empty
	// means all four.
	EnabledTiers []int `yaml:"enabled_tiers" validate:"dive,min=1,max=4"`
	// MaxTier is the lowest trust level accepted (4 = honor). Zero means 4.
	MaxTier            int           `yaml:"max_tier" validate:"gte=0,lte=4"`
	LedgerTimeout      time.Duration `yaml:"ledger_timeout"`
	FacilitatorTimeout time.Duration `yaml:"facilitator_timeout"`
	ClockSkew          time.Duration `yaml:"clock_skew"`
}

// LedgerRPCConfig points a network at a chain endpoint for tier-2 lookups.
type LedgerRPCConfig struct {
	Network Network `yaml:"network" validate:"required,network"`
	RPCURL  string  `yaml:"rpc_url" validate:"required,url"`
}

type FacilitatorConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	Authorization string        `yaml:"authorization"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ReputationConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	SigningKey    string        `yaml:"signing_key"`
	QueueSize     int           `yaml:"queue_size" validate:"gte=0"`
	Workers       int           `yaml:"workers" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ReplayConfig struct {
	Backend     string        `yaml:"backend" validate:"omitempty,oneof=memory redis"`
	Retention   time.Duration `yaml:"retention"`
	MaxEntries  int           `yaml:"max_entries" validate:"gte=0"`
	RedisAddr   string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPrefix string        `yaml:"redis_prefix"`
}

// Compute failure policies.
const (
	ComputeFailureNone    = "none"
	ComputeFailureRelease = "release"
	ComputeFailureRefund  = "refund"
)

type GateConfig struct {
	ComputeFailurePolicy string        `yaml:"compute_failure_policy" validate:"omitempty,oneof=none release refund"`
	ComputeTimeout       time.Duration `yaml:"compute_timeout"`
	SettleTimeout        time.Duration `yaml:"settle_timeout"`
}

type PayerConfig struct {
	PrivateKey    string          `yaml:"private_key"`
	// SolanaKey is a base58 ed25519 key used when paying on Solana networks.
	SolanaKey     string          `yaml:"solana_key"`
	PerTxCapUSD   decimal.Decimal `yaml:"per_tx_cap_usd" validate:"gte=0"`
	DailyCapUSD   decimal.Decimal `yaml:"daily_cap_usd" validate:"gte=0"`
	SignatureType SignatureType   `yaml:"signature_type" validate:"omitempty,oneof=eip191 eip712"`
	AssetDecimals int32           `yaml:"asset_decimals" validate:"gte=0,lte=36"`
	Timezone      string          `yaml:"timezone"`
	Timeout       time.Duration   `yaml:"timeout"`
}

type AuditConfig struct {
	DSN       string `yaml:"dsn"`
	QueueSize int    `yaml:"queue_size" validate:"gte=0"`
}

// Defaults used when a field is left empty.
const (
	DefaultMaxTimeoutSeconds  = 300
	DefaultAssetDecimals      = 6
	DefaultLedgerTimeout      = 5 * time.Second
	DefaultFacilitatorTimeout = 5 * time.Second
	DefaultClockSkew          = 30 * time.Second
	DefaultComputeTimeout     = 30 * time.Second
	DefaultSettleTimeout      = 10 * time.Second
	DefaultReplayMaxEntries   = 100_000
	DefaultReputationQueue    = 256
	DefaultReputationWorkers  = 2
	DefaultReputationTimeout  = 5 * time.Second
	DefaultAuditQueue         = 1024
	DefaultServerAddr         = ":8402"
)

// ApplyDefaults fills zero values with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	for i := range c.Tiers {
		t := &c.Tiers[i]
		if t.AssetDecimals == 0 {
			t.AssetDecimals = DefaultAssetDecimals
		}
		if t.MaxTimeoutSeconds == 0 {
			t.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
		}
		if t.ComputeType == "" {
			t.ComputeType = ComputeStandard
		}
	}
	if len(c.Verification.EnabledTiers) == 0 {
		c.Verification.EnabledTiers = []int{1, 2, 3, 4}
	}
	if c.Verification.MaxTier == 0 {
		c.Verification.MaxTier = int(TierHonor)
	}
	if c.Verification.LedgerTimeout == 0 {
		c.Verification.LedgerTimeout = DefaultLedgerTimeout
	}
	if c.Verification.FacilitatorTimeout == 0 {
		c.Verification.FacilitatorTimeout = DefaultFacilitatorTimeout
	}
	if c.Verification.ClockSkew == 0 {
		c.Verification.ClockSkew = DefaultClockSkew
	}
	if c.Facilitator.Timeout == 0 {
		c.Facilitator.Timeout = c.Verification.FacilitatorTimeout
	}
	if c.Replay.Backend == "" {
		c.Replay.Backend = "memory"
	}
	if c.Replay.MaxEntries == 0 {
		c.Replay.MaxEntries = DefaultReplayMaxEntries
	}
	if c.Replay.RedisPrefix == "" {
		c.Replay.RedisPrefix = "x402gate:replay:"
	}
	if c.Gate.ComputeFailurePolicy == "" {
		c.Gate.ComputeFailurePolicy = ComputeFailureNone
	}
	if c.Gate.ComputeTimeout == 0 {
		c.Gate.ComputeTimeout = DefaultComputeTimeout
	}
	if c.Gate.SettleTimeout == 0 {
		c.Gate.SettleTimeout = DefaultSettleTimeout
	}
	if c.Reputation.QueueSize == 0 {
		c.Reputation.QueueSize = DefaultReputationQueue
	}
	if c.Reputation.Workers == 0 {
		c.Reputation.Workers = DefaultReputationWorkers
	}
	if c.Reputation.Timeout == 0 {
		c.Reputation.Timeout = DefaultReputationTimeout
	}
	if c.Payer.SignatureType == "" {
		c.Payer.SignatureType = SignatureEIP191
	}
	if c.Payer.AssetDecimals == 0 {
		c.Payer.AssetDecimals = DefaultAssetDecimals
	}
	if c.Payer.Timezone == "" {
		c.Payer.Timezone = "UTC"
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = DefaultAuditQueue
	}
}

// TierEnabled reports whether verification tier t may conclude.
func (v VerificationConfig) TierEnabled(t VerificationTier) bool {
	if v.MaxTier != 0 && int(t) > v.MaxTier {
		return false
	}
	if len(v.EnabledTiers) == 0 {
		return true
	}
	for _, e := range v.EnabledTiers {
		if e == int(t) {
			return true
		}
	}
	return false
}

// LongestTimeout returns the largest max_timeout_seconds across tiers.
func (c *Config) LongestTimeout() time.Duration {
	var longest int
	for _, t := range c.Tiers {
		if t.MaxTimeoutSeconds > longest {
			longest = t.MaxTimeoutSeconds
		}
	}
	return time.Duration(longest) * time.Second
}
