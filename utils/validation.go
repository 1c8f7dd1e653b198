package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402gate/types"
)

var (
	evmTxHashRe = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	nonceRe     = regexp.MustCompile("^0x[0-9a-fA-F]{1,64}$")
)

// ValidateTransactionHash validates a transaction identifier for network.
func ValidateTransactionHash(hash string, network types.Network) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	switch {
	case network.IsEVM():
		if !evmTxHashRe.MatchString(hash) {
			return fmt.Errorf("EVM transaction hash must be 0x followed by 64 hex characters")
		}

	case network.IsSolana():
		if _, err := solana.SignatureFromBase58(hash); err != nil {
			return fmt.Errorf("invalid Solana transaction signature: %w", err)
		}

	default:
		return fmt.Errorf("unsupported network for transaction hash validation")
	}

	return nil
}

// ValidateAddressForNetwork validates addresses for different networks
func ValidateAddressForNetwork(address string, network types.Network) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch {
	case network.IsEVM():
		if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("invalid Ethereum address %q", address)
		}

	case network.IsSolana():
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("invalid Solana address %q: %w", address, err)
		}

	default:
		return fmt.Errorf("unsupported network for address validation")
	}

	return nil
}

// ValidateNonce checks that nonce is 0x-prefixed hex of at most 32 bytes.
func ValidateNonce(nonce string) error {
	if !nonceRe.MatchString(nonce) {
		return fmt.Errorf("nonce must be 0x-prefixed hex of at most 32 bytes")
	}
	return nil
}

// ToMinorUnits converts a USD price into integer minor units of an asset
// with the given decimals. It fails when the price does not convert exactly.
func ToMinorUnits(price decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := price.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("price %s is not representable with %d decimals", price, decimals)
	}
	return scaled.BigInt(), nil
}

// FromMinorUnits converts integer minor units back to a decimal amount.
func FromMinorUnits(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}
