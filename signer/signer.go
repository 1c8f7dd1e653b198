// Package signer builds and signs outbound payment proofs for the payer
// role. Every payment is reserved against a SpendLedger before a signature
// is produced.
package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"

	"github.com/vitwit/x402gate/ledger"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/utils/eip712"
)

// ErrNoKey is returned when no key is configured for the requirement's
// chain family.
var ErrNoKey = errors.New("x402gate: no signing key for network")

// NonceFunc returns a fresh 0x-prefixed nonce.
type NonceFunc func() (string, error)

// RandomNonce returns 32 random bytes, hex encoded.
func RandomNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hexutil.Encode(b), nil
}

// Payment is a signed proof together with the spend it reserved.
type Payment struct {
	Proof       *types.PaymentProof
	Header      string
	Reservation *ledger.Reservation
}

type Signer struct {
	evmKey   *ecdsa.PrivateKey
	solKey   solana.PrivateKey
	spend    *ledger.SpendLedger
	sigType  types.SignatureType
	decimals int32
	nonce    NonceFunc
	now      func() time.Time
	logger   logger.Logger
	metrics  metrics.Recorder
}

type Option func(*Signer)

// WithSolanaKey adds an ed25519 key used for Solana requirements.
func WithSolanaKey(key solana.PrivateKey) Option {
	return func(s *Signer) { s.solKey = key }
}

// WithSignatureType selects eip191 or eip712 for EVM requirements.
func WithSignatureType(t types.SignatureType) Option {
	return func(s *Signer) {
		if t != "" {
			s.sigType = t
		}
	}
}

// WithAssetDecimals sets the decimals used to convert minor units to USD.
func WithAssetDecimals(d int32) Option {
	return func(s *Signer) { s.decimals = d }
}

func WithNonceFunc(f NonceFunc) Option {
	return func(s *Signer) { s.nonce = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Signer) { s.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Signer) { s.metrics = metrics.OrNoop(m) }
}

// New returns a signer paying from key and bounded by spend. key may be nil
// when only a Solana key is configured.
func New(key *ecdsa.PrivateKey, spend *ledger.SpendLedger, opts ...Option) (*Signer, error) {
	if spend == nil {
		return nil, types.NewError(types.ErrConfigError, "signer requires a spend ledger", nil)
	}
	s := &Signer{
		evmKey:   key,
		spend:    spend,
		sigType:  types.SignatureEIP191,
		decimals: types.DefaultAssetDecimals,
		nonce:    RandomNonce,
		now:      time.Now,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.evmKey == nil && s.solKey == nil {
		return nil, types.NewError(types.ErrConfigError, "signer requires an EVM or Solana key", nil)
	}
	switch s.sigType {
	case types.SignatureEIP191, types.SignatureEIP712:
	default:
		return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("unsupported signature type %q", s.sigType), nil)
	}
	return s, nil
}

// Address returns the payer identity used on network.
func (s *Signer) Address(network types.Network) (string, error) {
	switch {
	case network.IsSolana() && s.solKey != nil:
		return s.solKey.PublicKey().String(), nil
	case network.IsEVM() && s.evmKey != nil:
		return utils.AddressFromPrivateKey(s.evmKey).Hex(), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoKey, network)
}

// Ledger returns the spend ledger the signer reserves against.
func (s *Signer) Ledger() *ledger.SpendLedger { return s.spend }

// Pay reserves the requirement's amount and returns a signed proof. Cap
// violations wrap ledger.ErrBudgetExceeded and produce no signature.
func (s *Signer) Pay(ctx context.Context, req *types.PaymentRequirement) (*Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	network, err := s.checkRequirement(req)
	if err != nil {
		return nil, err
	}
	payer, err := s.Address(network)
	if err != nil {
		return nil, types.NewError(types.ErrUnsupportedNetwork, "cannot pay on "+req.Network, err)
	}

	minor, _ := req.AmountInt()
	usd := utils.FromMinorUnits(minor, s.decimals)

	res, err := s.spend.Reserve(usd)
	if err != nil {
		s.record("budget_exceeded")
		s.logger.Warn("payment refused by spend ledger", map[string]any{
			"amount_usd": usd.String(),
			"spent":      s.spend.SpentToday().String(),
			"error":      err,
		})
		e := types.NewError(types.ErrBudgetExceeded, "spend cap reached", err)
		e.Data = map[string]string{"amount_usd": usd.String()}
		return nil, e
	}

	proof, err := s.sign(payer, network, req)
	if err != nil {
		s.spend.Release(res)
		s.record("signing_failed")
		return nil, types.NewError(types.ErrSigningFailed, "sign payment proof", err)
	}

	header, err := utils.EncodeHeader(proof)
	if err != nil {
		s.spend.Release(res)
		s.record("signing_failed")
		return nil, types.NewError(types.ErrSigningFailed, "encode payment header", err)
	}

	s.record("signed")
	s.logger.Debug("payment signed", map[string]any{
		"network":    req.Network,
		"pay_to":     req.PayTo,
		"amount":     req.Amount,
		"amount_usd": usd.String(),
	})
	return &Payment{Proof: proof, Header: header, Reservation: res}, nil
}

// Rollback releases the spend of a payment the remote did not accept.
func (s *Signer) Rollback(p *Payment) {
	if p == nil || p.Reservation == nil {
		return
	}
	s.spend.Release(p.Reservation)
	s.record("rolled_back")
}

func (s *Signer) checkRequirement(req *types.PaymentRequirement) (types.Network, error) {
	if req == nil {
		return "", types.NewError(types.ErrInvalidRequirements, "missing payment requirement", nil)
	}
	if err := req.Validate(); err != nil {
		return "", types.NewError(types.ErrInvalidRequirements, "invalid payment requirement", err)
	}
	if req.Scheme != types.SchemeExact {
		return "", types.NewError(types.ErrInvalidRequirements, "unsupported scheme "+req.Scheme, nil)
	}
	network := types.Network(req.Network)
	if !network.IsSupported() {
		return "", types.NewError(types.ErrUnsupportedNetwork, "unsupported network "+req.Network, nil)
	}
	if err := utils.ValidateAddressForNetwork(req.PayTo, network); err != nil {
		return "", types.NewError(types.ErrInvalidRequirements, "invalid pay_to", err)
	}
	return network, nil
}

func (s *Signer) sign(payer string, network types.Network, req *types.PaymentRequirement) (*types.PaymentProof, error) {
	nonce, err := s.nonce()
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	proof := &types.PaymentProof{
		X402Version: types.X402Version,
		Scheme:      types.SchemeExact,
		Payer:       payer,
		Amount:      req.Amount,
		Asset:       req.Asset,
		Network:     req.Network,
		Nonce:       nonce,
		Timestamp:   s.now().Unix(),
	}

	if network.IsSolana() {
		msg, err := utils.ProofSigningBytes(proof)
		if err != nil {
			return nil, err
		}
		proof.SignatureType = types.SignatureEd25519
		proof.Signature, err = utils.SignEd25519(msg, s.solKey)
		return proof, err
	}

	if s.sigType == types.SignatureEIP712 {
		domain, err := eip712.DomainFor(req)
		if err != nil {
			return nil, err
		}
		digest, err := eip712.Digest(proof, domain)
		if err != nil {
			return nil, err
		}
		proof.SignatureType = types.SignatureEIP712
		proof.Signature, err = utils.SignHash(digest, s.evmKey)
		return proof, err
	}

	msg, err := utils.ProofSigningBytes(proof)
	if err != nil {
		return nil, err
	}
	proof.SignatureType = types.SignatureEIP191
	proof.Signature, err = utils.SignPersonalMessage(msg, s.evmKey)
	return proof, err
}

func (s *Signer) record(outcome string) {
	s.metrics.IncCounter(metrics.PayerPayment, map[string]string{"outcome": outcome})
	s.metrics.SetGauge(metrics.PayerSpentTodayUSD, s.spend.SpentToday().InexactFloat64(), nil)
}
