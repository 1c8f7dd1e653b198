package clients

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/vitwit/x402gate/types"
)

type solanaBackend interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	Close() error
}

var _ LedgerClient = (*SolanaLedger)(nil)

// SolanaLedger confirms SPL token payments. Confirmation comes from the
// signature status; the amount received by payTo is the change in its
// token balances for the asset mint.
type SolanaLedger struct {
	network types.Network
	backend solanaBackend
}

// NewSolanaLedger creates a Solana ledger client for rpcURL.
func NewSolanaLedger(network types.Network, rpcURL string) (*SolanaLedger, error) {
	if rpcURL == "" {
		return nil, ErrNotConfigured
	}
	return newSolanaLedger(network, rpc.New(rpcURL)), nil
}

func newSolanaLedger(network types.Network, backend solanaBackend) *SolanaLedger {
	return &SolanaLedger{network: network, backend: backend}
}

func (s *SolanaLedger) Network() types.Network { return s.network }

func (s *SolanaLedger) Close() { _ = s.backend.Close() }

func (s *SolanaLedger) TransactionStatus(ctx context.Context, txHash, payTo, asset string) (TxStatus, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return TxStatus{}, fmt.Errorf("invalid transaction signature: %w", err)
	}

	res, err := s.backend.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxStatus{}, unavailable("getSignatureStatuses", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return TxStatus{}, nil
	}

	st := res.Value[0]
	if st.Err != nil {
		return TxStatus{Found: true}, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
	default:
		return TxStatus{Found: true, Pending: true}, nil
	}

	status := TxStatus{Found: true, Succeeded: true}
	owner, err := solana.PublicKeyFromBase58(payTo)
	if err != nil {
		return status, nil
	}
	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return status, nil
	}

	version := uint64(0)
	tx, err := s.backend.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return TxStatus{}, unavailable("getTransaction", err)
	}
	if tx == nil || tx.Meta == nil {
		return status, nil
	}

	received := new(big.Int).Sub(
		tokenBalance(tx.Meta.PostTokenBalances, owner, mint),
		tokenBalance(tx.Meta.PreTokenBalances, owner, mint),
	)
	status.RecipientChecked = true
	status.RecipientMatches = received.Sign() > 0
	status.Amount = received
	return status, nil
}

// tokenBalance sums the raw balances of owner's accounts for mint.
func tokenBalance(balances []rpc.TokenBalance, owner, mint solana.PublicKey) *big.Int {
	total := new(big.Int)
	for _, b := range balances {
		if b.Owner == nil || !b.Owner.Equals(owner) || !b.Mint.Equals(mint) || b.UiTokenAmount == nil {
			continue
		}
		if n, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
			total.Add(total, n)
		}
	}
	return total
}
