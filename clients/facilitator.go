package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/x402gate/types"
)

// FacilitatorRequest is the body of /verify, /settle and /refund calls.
type FacilitatorRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *types.PaymentProof       `json:"paymentPayload"`
	PaymentRequirements *types.PaymentRequirement `json:"paymentRequirements"`
	Reason              string                    `json:"reason,omitempty"`
}

// FacilitatorResponse covers both verify ({isValid, invalidReason}) and
// settle/refund ({success, errorReason}) shapes.
type FacilitatorResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Success       bool   `json:"success"`
	ErrorReason   string `json:"errorReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Transaction   string `json:"transaction,omitempty"`
	Network       string `json:"network,omitempty"`
}

// Facilitator is a third-party service that attests to and settles payments.
type Facilitator interface {
	Verify(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) (*FacilitatorResponse, error)
	Settle(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) (*FacilitatorResponse, error)
	Refund(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement, reason string) (*FacilitatorResponse, error)
	URL() string
}

var _ Facilitator = (*HTTPFacilitatorClient)(nil)

type HTTPFacilitatorClient struct {
	url           string
	authorization string
	httpClient    *http.Client
}

// NewHTTPFacilitatorClient returns a client for the facilitator at url. A
// zero timeout leaves per-call deadlines to the caller's context.
func NewHTTPFacilitatorClient(url, authorization string, timeout time.Duration) *HTTPFacilitatorClient {
	return &HTTPFacilitatorClient{
		url:           strings.TrimRight(url, "/"),
		authorization: authorization,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPFacilitatorClient) URL() string { return c.url }

func (c *HTTPFacilitatorClient) Verify(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) (*FacilitatorResponse, error) {
	return c.post(ctx, "/verify", FacilitatorRequest{X402Version: types.X402Version, PaymentPayload: proof, PaymentRequirements: req})
}

func (c *HTTPFacilitatorClient) Settle(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement) (*FacilitatorResponse, error) {
	return c.post(ctx, "/settle", FacilitatorRequest{X402Version: types.X402Version, PaymentPayload: proof, PaymentRequirements: req})
}

func (c *HTTPFacilitatorClient) Refund(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirement, reason string) (*FacilitatorResponse, error) {
	return c.post(ctx, "/refund", FacilitatorRequest{X402Version: types.X402Version, PaymentPayload: proof, PaymentRequirements: req, Reason: reason})
}

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, body FacilitatorRequest) (*FacilitatorResponse, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable("facilitator "+path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, unavailable("facilitator "+path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("facilitator "+path, fmt.Errorf("status %d: %s", resp.StatusCode, string(responseBody)))
	}

	var out FacilitatorResponse
	if err := json.Unmarshal(responseBody, &out); err != nil {
		return nil, unavailable("facilitator "+path, fmt.Errorf("failed to decode response: %w", err))
	}
	return &out, nil
}
