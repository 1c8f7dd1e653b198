package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignedAttestation is the body posted to a reputation registry.
type SignedAttestation struct {
	Attestation json.RawMessage `json:"attestation"`
	Signature   string          `json:"signature"`
	Signer      string          `json:"signer"`
}

// Registry accepts signed attestations.
type Registry interface {
	Submit(ctx context.Context, att SignedAttestation) error
}

var _ Registry = (*HTTPRegistryClient)(nil)

type HTTPRegistryClient struct {
	url        string
	httpClient *http.Client
}

func NewHTTPRegistryClient(url string, timeout time.Duration) *HTTPRegistryClient {
	return &HTTPRegistryClient{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (c *HTTPRegistryClient) Submit(ctx context.Context, att SignedAttestation) error {
	if c.url == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("failed to marshal attestation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unavailable("registry submit", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unavailable("registry submit", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
