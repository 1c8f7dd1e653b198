package clients

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

const erc20TransferEventABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

var erc20ABI = mustParseABI(erc20TransferEventABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TransferTopic is topic0 of the ERC-20 Transfer event.
var TransferTopic = erc20ABI.Events["Transfer"].ID

type erc20Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// decodeTransfer extracts an ERC-20 Transfer emitted by token from l.
func decodeTransfer(l *ethtypes.Log, token common.Address) (erc20Transfer, bool) {
	if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return erc20Transfer{}, false
	}

	values, err := erc20ABI.Unpack("Transfer", l.Data)
	if err != nil || len(values) != 1 {
		return erc20Transfer{}, false
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return erc20Transfer{}, false
	}

	return erc20Transfer{
		From:  common.BytesToAddress(l.Topics[1].Bytes()),
		To:    common.BytesToAddress(l.Topics[2].Bytes()),
		Value: value,
	}, true
}
