package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeHeader converts v to a base64-encoded JSON string for the
// X-PAYMENT, X-PAYMENT-RESPONSE and PAYMENT-REQUIRED headers.
func EncodeHeader(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeHeader reverses EncodeHeader. URL-safe and unpadded base64 are
// accepted too.
func DecodeHeader(encoded string, v any) error {
	var (
		decoded []byte
		err     error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, v); err != nil {
		return fmt.Errorf("failed to unmarshal header value: %w", err)
	}
	return nil
}
