package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/x402gate/types"
)

// evmBackend is the subset of ethclient.Client the ledger needs.
type evmBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *ethtypes.Transaction, isPending bool, err error)
	Close()
}

var _ LedgerClient = (*EVMLedger)(nil)

// EVMLedger confirms payments on an EVM chain.
type EVMLedger struct {
	network types.Network
	backend evmBackend
}

// NewEVMLedger dials rpcURL.
func NewEVMLedger(ctx context.Context, network types.Network, rpcURL string) (*EVMLedger, error) {
	if rpcURL == "" {
		return nil, ErrNotConfigured
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	return newEVMLedger(network, client), nil
}

func newEVMLedger(network types.Network, backend evmBackend) *EVMLedger {
	return &EVMLedger{network: network, backend: backend}
}

func (e *EVMLedger) Network() types.Network { return e.network }

func (e *EVMLedger) Close() { e.backend.Close() }

// nativeSentinel is the conventional pseudo-address of the native coin.
const nativeSentinel = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

// TransactionStatus reports whether txHash was mined and succeeded, and
// whether it moved asset to payTo. Token payments are attributed from
// Transfer logs of asset only; the transaction's own value counts only when
// asset is the native coin.
func (e *EVMLedger) TransactionStatus(ctx context.Context, txHash, payTo, asset string) (TxStatus, error) {
	hash := common.HexToHash(txHash)

	receipt, err := e.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, err := e.backend.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			return TxStatus{}, nil
		case err != nil:
			return TxStatus{}, unavailable("eth_getTransactionByHash", err)
		}
		return TxStatus{Found: true, Pending: pending}, nil
	}
	if err != nil {
		return TxStatus{}, unavailable("eth_getTransactionReceipt", err)
	}

	status := TxStatus{
		Found:     true,
		Succeeded: receipt.Status == ethtypes.ReceiptStatusSuccessful,
	}
	if !status.Succeeded {
		return status, nil
	}

	if !common.IsHexAddress(payTo) {
		return status, nil
	}
	recipient := common.HexToAddress(payTo)

	if !IsNativeAsset(asset) {
		if !common.IsHexAddress(asset) {
			return status, nil
		}
		// a token payment must show up as a Transfer of asset to payTo
		token := common.HexToAddress(asset)
		total := new(big.Int)
		for _, l := range receipt.Logs {
			tr, ok := decodeTransfer(l, token)
			if !ok || tr.To != recipient {
				continue
			}
			total.Add(total, tr.Value)
			status.From = tr.From.Hex()
		}
		status.RecipientChecked = true
		status.RecipientMatches = total.Sign() > 0
		status.Amount = total
		return status, nil
	}

	tx, _, err := e.backend.TransactionByHash(ctx, hash)
	if err != nil {
		// mined and successful; recipient just cannot be checked
		return status, nil
	}
	if from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		status.From = from.Hex()
	}
	status.RecipientChecked = true
	status.RecipientMatches = tx.To() != nil && *tx.To() == recipient && tx.Value().Sign() > 0
	status.Amount = new(big.Int).Set(tx.Value())
	return status, nil
}

// IsNativeAsset reports whether asset names the chain's native coin rather
// than a token contract.
func IsNativeAsset(asset string) bool {
	switch strings.ToLower(asset) {
	case "", "native", "eth", nativeSentinel:
		return true
	}
	return common.IsHexAddress(asset) && common.HexToAddress(asset) == (common.Address{})
}
