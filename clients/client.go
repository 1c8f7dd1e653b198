package clients

import (
	"context"
	"math/big"

	"github.com/vitwit/x402gate/types"
)

// TxStatus is what a ledger reports about a transaction.
type TxStatus struct {
	Found     bool
	Pending   bool
	Succeeded bool
	// RecipientChecked is set when the ledger could attribute a transfer
	// to a recipient; RecipientMatches is meaningful only then.
	RecipientChecked bool
	RecipientMatches bool
	// Amount is the value moved to the recipient, when known.
	Amount *big.Int
	From   string
}

// LedgerClient looks up transactions on one network.
type LedgerClient interface {
	TransactionStatus(ctx context.Context, txHash, payTo, asset string) (TxStatus, error)
	Network() types.Network
	Close()
}

// Ledgers maps networks to their ledger clients.
type Ledgers map[types.Network]LedgerClient

// For returns the client registered for network.
func (l Ledgers) For(network types.Network) (LedgerClient, bool) {
	c, ok := l[network]
	return c, ok
}

// Close closes every client.
func (l Ledgers) Close() {
	for _, c := range l {
		c.Close()
	}
}

// NewLedgers dials a ledger client for every configured network.
func NewLedgers(ctx context.Context, cfgs []types.LedgerRPCConfig) (Ledgers, error) {
	out := make(Ledgers, len(cfgs))
	for _, cfg := range cfgs {
		var (
			c   LedgerClient
			err error
		)
		switch cfg.Network.Family() {
		case types.ChainEVM:
			c, err = NewEVMLedger(ctx, cfg.Network, cfg.RPCURL)
		case types.ChainSolana:
			c, err = NewSolanaLedger(cfg.Network, cfg.RPCURL)
		default:
			err = &types.X402Error{Code: types.ErrUnsupportedNetwork, Message: "unsupported ledger network " + cfg.Network.String()}
		}
		if err != nil {
			out.Close()
			return nil, err
		}
		out[cfg.Network] = c
	}
	return out, nil
}
