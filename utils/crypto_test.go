package utils

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402gate/types"
)

func TestPersonalMessageRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig, err := SignPersonalMessage([]byte("hello"), key)
	require.NoError(t, err)

	addr, err := RecoverPersonalMessage([]byte("hello"), sig)
	require.NoError(t, err)
	assert.Equal(t, AddressFromPrivateKey(key), addr)

	other, err := RecoverPersonalMessage([]byte("hellO"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, AddressFromPrivateKey(key), other)

	// unprefixed hex and V in 0/1 both recover
	raw, err := crypto.Sign(crypto.Keccak256([]byte("x")), key)
	require.NoError(t, err)
	addr, err = RecoverAddressFromSignature(crypto.Keccak256([]byte("x")), hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, AddressFromPrivateKey(key), addr)

	_, err = RecoverAddressFromSignature(crypto.Keccak256([]byte("x")), "0x1234")
	assert.Error(t, err)
}

func TestEd25519RoundTrip(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	sig, err := SignEd25519([]byte("payload"), key)
	require.NoError(t, err)

	ok, err := VerifyEd25519([]byte("payload"), sig, key.PublicKey().String())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyEd25519([]byte("tampered"), sig, key.PublicKey().String())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0x209693bc6afc0c5328ba36faf03c514ef312287c", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"))
	assert.False(t, SameAddress("0x209693bc6afc0c5328ba36faf03c514ef312287c", "0x0000000000000000000000000000000000000001"))
}

func TestCanonicalProofBytes(t *testing.T) {
	p := &types.PaymentProof{
		X402Version: 1,
		Scheme:      "exact",
		Payer:       "0xabc",
		Amount:      "150000",
		Asset:       "0xdef",
		Network:     "base",
		Nonce:       "0x01",
		Timestamp:   1700000000,
		Signature:   "0xsig",
	}
	b, err := ProofSigningBytes(p)
	require.NoError(t, err)
	assert.Equal(t,
		`{"amount":"150000","asset":"0xdef","network":"base","nonce":"0x01","payer":"0xabc","scheme":"exact","timestamp":1700000000,"x402_version":1}`,
		string(b))

	// signature fields never influence the signed bytes
	p.Signature = "0xother"
	p.SignatureType = types.SignatureEIP712
	b2, err := ProofSigningBytes(p)
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestHeaderCodec(t *testing.T) {
	in := types.PaymentProof{Payer: "0xabc", Amount: "1"}
	h, err := EncodeHeader(in)
	require.NoError(t, err)

	var out types.PaymentProof
	require.NoError(t, DecodeHeader(h, &out))
	assert.Equal(t, in, out)

	assert.Error(t, DecodeHeader("%%%", &out))
	assert.Error(t, DecodeHeader("bm90IGpzb24=", &out))
}
