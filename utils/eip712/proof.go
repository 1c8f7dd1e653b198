// Package eip712 builds the typed-data digest of a payment proof.
package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vitwit/x402gate/types"
)

const PrimaryType = "PaymentProof"

// Domain is the EIP-712 domain a proof is signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

var proofTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: []apitypes.Type{
		{Name: "payer", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "asset", Type: "address"},
		{Name: "network", Type: "string"},
		{Name: "nonce", Type: "bytes32"},
		{Name: "timestamp", Type: "uint256"},
		{Name: "txHash", Type: "string"},
	},
}

// DomainFor derives the signing domain of a requirement: name and version
// from its extra, chain id from its network, verifying contract = asset.
func DomainFor(req *types.PaymentRequirement) (Domain, error) {
	chainID, ok := types.Network(req.Network).ChainID()
	if !ok {
		return Domain{}, fmt.Errorf("network %q has no chain id", req.Network)
	}
	return Domain{
		Name:              req.Extra.Name,
		Version:           req.Extra.Version,
		ChainID:           chainID,
		VerifyingContract: req.Asset,
	}, nil
}

// TypedData returns the typed-data representation of p under d.
func TypedData(p *types.PaymentProof, d Domain) (apitypes.TypedData, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil {
		return apitypes.TypedData{}, errors.New("incomplete domain")
	}
	if !common.IsHexAddress(p.Payer) || !common.IsHexAddress(p.Asset) || !common.IsHexAddress(d.VerifyingContract) {
		return apitypes.TypedData{}, errors.New("payer, asset and verifying contract must be hex addresses")
	}
	amount, err := p.AmountInt()
	if err != nil {
		return apitypes.TypedData{}, err
	}

	return apitypes.TypedData{
		Types:       proofTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: common.HexToAddress(d.VerifyingContract).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"payer":     common.HexToAddress(p.Payer).Hex(),
			"amount":    (*math.HexOrDecimal256)(amount),
			"asset":     common.HexToAddress(p.Asset).Hex(),
			"network":   p.Network,
			"nonce":     common.HexToHash(p.Nonce).Hex(),
			"timestamp": (*math.HexOrDecimal256)(big.NewInt(p.Timestamp)),
			"txHash":    p.TxHash,
		},
	}, nil
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(proof)).
func Digest(p *types.PaymentProof, d Domain) ([]byte, error) {
	td, err := TypedData(p, d)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct(PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}
