package types

import "math/big"

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// Network represents a supported settlement network.
type Network string

const (
	// EVM Networks
	NetworkEthereum    Network = "ethereum"
	NetworkSepolia     Network = "sepolia" // testnet
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet

	// Solana Networks
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet
)

var evmChainIDs = map[Network]int64{
	NetworkEthereum:    1,
	NetworkSepolia:     11155111,
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
	NetworkPolygon:     137,
	NetworkPolygonAmoy: 80002,
}

// Family returns the chain family of the network, or "" when unknown.
func (n Network) Family() ChainFamily {
	switch {
	case n.IsEVM():
		return ChainEVM
	case n.IsSolana():
		return ChainSolana
	default:
		return ""
	}
}

func (n Network) IsEVM() bool {
	_, ok := evmChainIDs[n]
	return ok
}

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsTestnet() bool {
	switch n {
	case NetworkSepolia, NetworkBaseSepolia, NetworkPolygonAmoy, NetworkSolanaDevnet:
		return true
	}
	return false
}

// IsSupported reports whether the gateway knows how to price and verify on n.
func (n Network) IsSupported() bool {
	return n.Family() != ""
}

// ChainID returns the EIP-155 chain id for EVM networks.
func (n Network) ChainID() (*big.Int, bool) {
	id, ok := evmChainIDs[n]
	if !ok {
		return nil, false
	}
	return big.NewInt(id), true
}

func (n Network) String() string {
	return string(n)
}
