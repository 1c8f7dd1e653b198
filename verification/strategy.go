package verification

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/x402gate/clients"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/utils/eip712"
)

// Outcome is the result of one verification tier. An inconclusive outcome
// passes the proof to the next tier.
type Outcome struct {
	Conclusive bool
	Verified   bool
	Reason     string
	TxHash     string
}

func inconclusive(reason string) Outcome { return Outcome{Reason: reason} }

func verified(txHash string) Outcome {
	return Outcome{Conclusive: true, Verified: true, TxHash: txHash}
}

func rejected(reason string) Outcome {
	return Outcome{Conclusive: true, Reason: reason}
}

// Strategy is one tier of the cascade.
type Strategy interface {
	Tier() types.VerificationTier
	Attempt(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) Outcome
}

// SignatureStrategy recovers the signer of the proof and compares it with
// the declared payer.
type SignatureStrategy struct{}

func (SignatureStrategy) Tier() types.VerificationTier { return types.TierSignature }

func (SignatureStrategy) Attempt(_ context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) Outcome {
	if proof.Signature == "" {
		return inconclusive("no signature")
	}

	switch proof.SignatureType {
	case types.SignatureEd25519:
		msg, err := utils.ProofSigningBytes(proof)
		if err != nil {
			return inconclusive(err.Error())
		}
		ok, err := utils.VerifyEd25519(msg, proof.Signature, proof.Payer)
		if err != nil {
			return inconclusive(err.Error())
		}
		if !ok {
			return inconclusive("signature mismatch")
		}
		return verified(proof.TxHash)

	case types.SignatureEIP712:
		domain, err := eip712.DomainFor(req)
		if err != nil {
			return inconclusive(err.Error())
		}
		digest, err := eip712.Digest(proof, domain)
		if err != nil {
			return inconclusive(err.Error())
		}
		addr, err := utils.RecoverAddressFromSignature(digest, proof.Signature)
		return signerOutcome(proof, addr, err)

	default:
		msg, err := utils.ProofSigningBytes(proof)
		if err != nil {
			return inconclusive(err.Error())
		}
		addr, err := utils.RecoverPersonalMessage(msg, proof.Signature)
		return signerOutcome(proof, addr, err)
	}
}

func signerOutcome(proof *types.PaymentProof, signer common.Address, err error) Outcome {
	if err != nil {
		return inconclusive(err.Error())
	}
	if !utils.SameAddress(signer.Hex(), proof.Payer) {
		return inconclusive("signature mismatch")
	}
	return verified(proof.TxHash)
}

// LedgerLookup resolves the ledger client of a network.
type LedgerLookup interface {
	For(network types.Network) (clients.LedgerClient, bool)
}

// LedgerStrategy confirms the proof's transaction on chain.
type LedgerStrategy struct {
	Ledgers LedgerLookup
	Timeout time.Duration
	Logger  logger.Logger
}

func (LedgerStrategy) Tier() types.VerificationTier { return types.TierLedger }

func (s LedgerStrategy) Attempt(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) Outcome {
	if proof.TxHash == "" {
		return inconclusive("no transaction")
	}
	if s.Ledgers == nil {
		return inconclusive("no ledger configured")
	}
	client, ok := s.Ledgers.For(types.Network(proof.Network))
	if !ok {
		return inconclusive("no ledger for network")
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	st, err := client.TransactionStatus(ctx, proof.TxHash, req.PayTo, req.Asset)
	if err != nil {
		logger.OrNoop(s.Logger).Warn("ledger lookup failed", map[string]any{
			"network": proof.Network,
			"tx_hash": proof.TxHash,
			"error":   err,
			"timeout": errors.Is(err, context.DeadlineExceeded),
		})
		return inconclusive("ledger unavailable")
	}

	switch {
	case !st.Found:
		return inconclusive("transaction not found")
	case st.Pending:
		return inconclusive("transaction pending")
	case !st.Succeeded:
		return rejected(types.ReasonTxFailed)
	case !st.RecipientChecked:
		return inconclusive("recipient unverifiable")
	case !st.RecipientMatches:
		return rejected(types.ReasonRecipientMismatch)
	}

	want, err := req.AmountInt()
	if err != nil || st.Amount == nil || st.Amount.Cmp(want) < 0 {
		return rejected(types.ReasonAmountInsufficient)
	}

	return verified(proof.TxHash)
}

// FacilitatorStrategy trusts a facilitator's attestation.
type FacilitatorStrategy struct {
	Facilitator clients.Facilitator
	Timeout     time.Duration
	Logger      logger.Logger
}

func (FacilitatorStrategy) Tier() types.VerificationTier { return types.TierFacilitator }

func (s FacilitatorStrategy) Attempt(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) Outcome {
	if s.Facilitator == nil {
		return inconclusive("no facilitator configured")
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	resp, err := s.Facilitator.Verify(ctx, proof, req)
	if err != nil {
		logger.OrNoop(s.Logger).Warn("facilitator verify failed", map[string]any{
			"facilitator": s.Facilitator.URL(),
			"error":       err,
		})
		return inconclusive("facilitator unavailable")
	}
	if !resp.IsValid {
		return inconclusive("facilitator: " + resp.InvalidReason)
	}

	tx := resp.Transaction
	if tx == "" {
		tx = proof.TxHash
	}
	return verified(tx)
}

// HonorStrategy accepts any proof that passed the cross-cutting checks.
type HonorStrategy struct{}

func (HonorStrategy) Tier() types.VerificationTier { return types.TierHonor }

func (HonorStrategy) Attempt(_ context.Context, proof *types.PaymentProof, _ *types.PaymentRequirement) Outcome {
	return verified(proof.TxHash)
}

// Strategies returns the enabled tiers in priority order.
func Strategies(cfg types.VerificationConfig, ledgers LedgerLookup, facilitator clients.Facilitator, log logger.Logger) []Strategy {
	all := []Strategy{
		SignatureStrategy{},
		LedgerStrategy{Ledgers: ledgers, Timeout: cfg.LedgerTimeout, Logger: log},
		FacilitatorStrategy{Facilitator: facilitator, Timeout: cfg.FacilitatorTimeout, Logger: log},
		HonorStrategy{},
	}

	out := make([]Strategy, 0, len(all))
	for _, s := range all {
		if cfg.TierEnabled(s.Tier()) {
			out = append(out, s)
		}
	}
	return out
}
