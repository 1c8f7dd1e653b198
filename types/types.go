package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// X402Version is the version of the payment protocol spoken by the gateway.
const X402Version = 1

// SchemeExact is the only settlement scheme: exact amount, single asset,
// single network per request.
const SchemeExact = "exact"

// Header names used on the wire.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderRequestID       = "X-Request-ID"
)

// ComputeType classifies how expensive a tier's content is to produce.
type ComputeType string

const (
	ComputeLight    ComputeType = "light"
	ComputeStandard ComputeType = "standard"
	ComputeHeavy    ComputeType = "heavy"
)

// PricingTier is a named price point for a unit of gated content.
// Immutable once the catalog is loaded.
type PricingTier struct {
	Name              string          `yaml:"name" json:"name" validate:"required"`
	PriceUSD          decimal.Decimal `yaml:"price_usd" json:"price_usd" validate:"gt=0"`
	Asset             string          `yaml:"asset" json:"asset" validate:"required"`
	AssetDecimals     int32           `yaml:"asset_decimals" json:"asset_decimals" validate:"gte=0,lte=36"`
	AssetName         string          `yaml:"asset_name" json:"asset_name,omitempty"`
	AssetVersion      string          `yaml:"asset_version" json:"asset_version,omitempty"`
	Network           Network         `yaml:"network" json:"network" validate:"required,network"`
	PayTo             string          `yaml:"pay_to" json:"pay_to,omitempty"`
	CacheTTLSeconds   int             `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds" validate:"gte=0"`
	ComputeType       ComputeType     `yaml:"compute_type" json:"compute_type" validate:"omitempty,oneof=light standard heavy"`
	Description       string          `yaml:"description" json:"description,omitempty"`
	MaxTimeoutSeconds int             `yaml:"max_timeout_seconds" json:"max_timeout_seconds" validate:"gte=0"`
}

// CacheTTL returns the tier's cache lifetime. Zero disables caching.
func (t PricingTier) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

// RequirementExtra carries the EIP-712 domain of the payment asset.
type RequirementExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PaymentRequirement describes what payment satisfies a pending challenge.
type PaymentRequirement struct {
	Scheme            string           `json:"scheme"`
	X402Version       int              `json:"x402_version"`
	Network           string           `json:"network"`
	Asset             string           `json:"asset"`
	Amount            string           `json:"amount"` // integer minor units of Asset
	PayTo             string           `json:"pay_to"`
	MaxTimeoutSeconds int              `json:"max_timeout_seconds"`
	Resource          string           `json:"resource,omitempty"`
	Description       string           `json:"description,omitempty"`
	Extra             RequirementExtra `json:"extra"`
	IssuedAt          int64            `json:"issued_at"`
}

// AmountInt parses Amount as an integer in minor units.
func (pr *PaymentRequirement) AmountInt() (*big.Int, error) {
	n, ok := new(big.Int).SetString(pr.Amount, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid requirement amount %q", pr.Amount)
	}
	return n, nil
}

// Freshness returns the validity window of the requirement.
func (pr *PaymentRequirement) Freshness() time.Duration {
	return time.Duration(pr.MaxTimeoutSeconds) * time.Second
}

func (pr *PaymentRequirement) Validate() error {
	if pr.Scheme == "" {
		return fmt.Errorf("requirement.scheme is required")
	}

	if pr.Network == "" {
		return fmt.Errorf("requirement.network is required")
	}

	if _, err := pr.AmountInt(); err != nil {
		return err
	}

	if pr.PayTo == "" {
		return fmt.Errorf("requirement.pay_to is required")
	}

	if pr.Asset == "" {
		return fmt.Errorf("requirement.asset is required")
	}

	if pr.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("requirement.max_timeout_seconds must be greater than 0")
	}

	return nil
}

// Challenge is the JSON body of a 402 response.
type Challenge struct {
	X402Version    int                  `json:"x402_version"`
	Requirements   []PaymentRequirement `json:"requirements"`
	Tier           string               `json:"tier"`
	PriceUSD       float64              `json:"price_usd"`
	Currency       string               `json:"currency"`
	Network        string               `json:"network"`
	PayTo          string               `json:"pay_to"`
	FacilitatorURL string               `json:"facilitator_url,omitempty"`
	Description    string               `json:"description,omitempty"`
	Error          string               `json:"error,omitempty"`
	Reason         string               `json:"reason,omitempty"`
}

// SignatureType selects how a proof signature was produced.
type SignatureType string

const (
	// SignatureEIP191 signs the canonical proof serialization as a personal message.
	SignatureEIP191 SignatureType = "eip191"
	// SignatureEIP712 signs the proof as domain-separated typed data.
	SignatureEIP712 SignatureType = "eip712"
	// SignatureEd25519 signs the canonical serialization with a Solana key.
	SignatureEd25519 SignatureType = "ed25519"
)

// PaymentProof is caller-supplied evidence of payment, carried in the
// X-PAYMENT header as base64 encoded JSON.
type PaymentProof struct {
	X402Version   int           `json:"x402_version"`
	Scheme        string        `json:"scheme"`
	Payer         string        `json:"payer"`
	Amount        string        `json:"amount"`
	Asset         string        `json:"asset"`
	Network       string        `json:"network"`
	Nonce         string        `json:"nonce,omitempty"`
	Timestamp     int64         `json:"timestamp"`
	TxHash        string        `json:"tx_hash,omitempty"`
	Signature     string        `json:"signature,omitempty"`
	SignatureType SignatureType `json:"signature_type,omitempty"`
}

// AmountInt parses Amount as an integer in minor units.
func (p *PaymentProof) AmountInt() (*big.Int, error) {
	n, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid proof amount %q", p.Amount)
	}
	return n, nil
}

// Validate checks that the proof is well-formed. It does not check it
// against any requirement.
func (p *PaymentProof) Validate() error {
	if p.Payer == "" {
		return fmt.Errorf("proof.payer is required")
	}
	if _, err := p.AmountInt(); err != nil {
		return err
	}
	if p.Asset == "" {
		return fmt.Errorf("proof.asset is required")
	}
	if p.Network == "" {
		return fmt.Errorf("proof.network is required")
	}
	if p.Nonce == "" && p.TxHash == "" {
		return fmt.Errorf("proof needs a nonce or a tx_hash")
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("proof.timestamp is required")
	}
	if p.Signature != "" && p.Nonce == "" {
		return fmt.Errorf("signed proofs must carry a nonce")
	}
	switch p.SignatureType {
	case "", SignatureEIP191, SignatureEIP712, SignatureEd25519:
	default:
		return fmt.Errorf("unsupported signature_type %q", p.SignatureType)
	}
	return nil
}

// ReplayIDs returns the identifiers under which an accepted proof is
// remembered. Every identifier must be unused for the proof to be accepted.
func (p *PaymentProof) ReplayIDs() []string {
	ids := make([]string, 0, 2)
	if p.TxHash != "" {
		ids = append(ids, "tx:"+strings.ToLower(p.TxHash))
	}
	if p.Nonce != "" {
		ids = append(ids, "nonce:"+strings.ToLower(p.Payer)+":"+strings.ToLower(p.Nonce))
	}
	return ids
}

// VerificationTier is one of the four trust levels of the verifier cascade.
type VerificationTier int

const (
	TierNone        VerificationTier = 0
	TierSignature   VerificationTier = 1
	TierLedger      VerificationTier = 2
	TierFacilitator VerificationTier = 3
	TierHonor       VerificationTier = 4
)

func (t VerificationTier) String() string {
	switch t {
	case TierSignature:
		return "signature"
	case TierLedger:
		return "ledger"
	case TierFacilitator:
		return "facilitator"
	case TierHonor:
		return "honor"
	default:
		return "none"
	}
}

// PaymentReceipt is the output of verification.
type PaymentReceipt struct {
	TierReached VerificationTier `json:"tier_reached"`
	Verified    bool             `json:"verified"`
	Payer       string           `json:"payer,omitempty"`
	AmountUSD   decimal.Decimal  `json:"amount_usd"`
	Amount      string           `json:"amount,omitempty"`
	Asset       string           `json:"asset,omitempty"`
	Network     string           `json:"network,omitempty"`
	TxHash      string           `json:"tx_hash,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	PricingTier string           `json:"pricing_tier,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`
	Settled     bool             `json:"settled"`
	ReplayIDs   []string         `json:"-"`
}

// Reason codes returned with PaymentInvalid and related outcomes.
const (
	ReasonPaymentRequired    = "payment_required"
	ReasonMalformedProof     = "malformed_proof"
	ReasonAmountInsufficient = "amount_insufficient"
	ReasonAssetMismatch      = "asset_mismatch"
	ReasonNetworkMismatch    = "network_mismatch"
	ReasonExpired            = "requirement_expired"
	ReasonReplayDetected     = "replay_detected"
	ReasonReplayCapacity     = "replay_capacity"
	ReasonTxFailed           = "tx_failed"
	ReasonRecipientMismatch  = "recipient_mismatch"
	ReasonNoConclusiveTier   = "no_conclusive_tier"
	ReasonUnknownTier        = "unknown_tier"
	ReasonComputeFailed      = "compute_failed"
	ReasonInternal           = "internal_error"
)
