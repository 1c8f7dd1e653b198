package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vitwit/x402gate/types"
)

// CanonicalJSON serializes v as compact JSON with object keys sorted at every
// depth. Numbers keep their original textual form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	// encoding/json writes map keys in sorted order
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ProofSigningBytes returns the bytes a payer signs: the canonical
// serialization of the proof without its signature fields.
func ProofSigningBytes(p *types.PaymentProof) ([]byte, error) {
	unsigned := *p
	unsigned.Signature = ""
	unsigned.SignatureType = ""

	b, err := CanonicalJSON(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize proof: %w", err)
	}
	return b, nil
}
