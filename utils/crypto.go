package utils

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

// RecoverAddressFromSignature recovers the Ethereum address that produced
// signature over hash. V may be 0/1 or 27/28.
func RecoverAddressFromSignature(hash []byte, signature string) (common.Address, error) {
	sigBytes, err := hexutil.Decode(ensure0x(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	// Adjust recovery ID for Ethereum
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs hash and returns a 0x-prefixed signature with V in 27/28.
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign hash: %w", err)
	}
	signature[64] += 27

	return hexutil.Encode(signature), nil
}

// SignPersonalMessage signs message the way personal_sign does (EIP-191).
func SignPersonalMessage(message []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	return SignHash(accounts.TextHash(message), privateKey)
}

// RecoverPersonalMessage returns the address that personal_signed message.
func RecoverPersonalMessage(message []byte, signature string) (common.Address, error) {
	return RecoverAddressFromSignature(accounts.TextHash(message), signature)
}

// SignEd25519 signs message with a base58 Solana private key and returns the
// base58 signature.
func SignEd25519(message []byte, key solana.PrivateKey) (string, error) {
	sig, err := key.Sign(message)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return sig.String(), nil
}

// VerifyEd25519 reports whether signature is a valid ed25519 signature by
// the base58 public key signer over message.
func VerifyEd25519(message []byte, signature, signer string) (bool, error) {
	pub, err := solana.PublicKeyFromBase58(signer)
	if err != nil {
		return false, fmt.Errorf("invalid solana public key: %w", err)
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, fmt.Errorf("invalid solana signature: %w", err)
	}
	return sig.Verify(pub, message), nil
}

// SameAddress compares two addresses. Hex addresses compare
// case-insensitively; anything else compares exactly.
func SameAddress(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a == b
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
