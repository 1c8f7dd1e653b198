package signer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

const maxChallengeBody = 1 << 20

// Transport is an http.RoundTripper that answers 402 challenges by paying
// and retrying the request once.
type Transport struct {
	// Base performs the actual requests. Defaults to http.DefaultTransport.
	Base   http.RoundTripper
	Signer *Signer
	Events Events
}

// NewClient returns an http.Client whose requests pay through s.
func NewClient(s *Signer, events Events) *http.Client {
	return &http.Client{Transport: &Transport{Signer: s, Events: events}}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	getBody, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	first, err := cloneWithBody(req, getBody)
	if err != nil {
		return nil, err
	}
	resp, err := t.base().RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequirements, "decode payment challenge", err)
	}
	requirement, ok := SelectRequirement(challenge.Requirements)
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequirements, "no payable requirement in challenge", nil)
	}

	start := time.Now()
	ev := Event{
		URL:     req.URL.String(),
		Network: requirement.Network,
		Asset:   requirement.Asset,
		Amount:  requirement.Amount,
		PayTo:   requirement.PayTo,
	}
	t.emit(ev, EventAttempt, start, nil)

	payment, err := t.Signer.Pay(req.Context(), requirement)
	if err != nil {
		t.emit(ev, EventFailure, start, err)
		return nil, err
	}
	ev.Payer = payment.Proof.Payer

	retry, err := cloneWithBody(req, getBody)
	if err != nil {
		t.Signer.Rollback(payment)
		return nil, err
	}
	retry.Header.Set(types.HeaderPayment, payment.Header)

	resp, err = t.base().RoundTrip(retry)
	if err != nil {
		t.Signer.Rollback(payment)
		t.emit(ev, EventFailure, start, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.Signer.Rollback(payment)
		t.emit(ev, EventFailure, start, fmt.Errorf("payment not accepted: status %d", resp.StatusCode))
		return resp, nil
	}

	var receipt types.PaymentReceipt
	if h := resp.Header.Get(types.HeaderPaymentResponse); h != "" && utils.DecodeHeader(h, &receipt) == nil {
		ev.TxHash = receipt.TxHash
		ev.Tier = int(receipt.TierReached)
	}
	t.emit(ev, EventSuccess, start, nil)
	return resp, nil
}

func (t *Transport) emit(ev Event, typ EventType, start time.Time, err error) {
	ev.Type = typ
	ev.Timestamp = time.Now()
	ev.Duration = ev.Timestamp.Sub(start)
	ev.Err = err
	t.Events.emit(ev)
}

// SelectRequirement returns the first exact-scheme requirement on a
// supported network.
func SelectRequirement(reqs []types.PaymentRequirement) (*types.PaymentRequirement, bool) {
	for i := range reqs {
		r := &reqs[i]
		if r.Scheme == types.SchemeExact && types.Network(r.Network).IsSupported() {
			return r, true
		}
	}
	return nil, false
}

// readChallenge decodes a 402 response from its JSON body, falling back to
// the PAYMENT-REQUIRED header. The body is consumed and closed.
func readChallenge(resp *http.Response) (*types.Challenge, error) {
	defer resp.Body.Close()

	var c types.Challenge
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	if err == nil && json.Unmarshal(body, &c) == nil && len(c.Requirements) > 0 {
		return &c, nil
	}

	h := resp.Header.Get(types.HeaderPaymentRequired)
	if h == "" {
		return nil, fmt.Errorf("402 response carries no challenge")
	}
	c = types.Challenge{}
	if err := utils.DecodeHeader(h, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// bufferBody makes the request body replayable.
func bufferBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func cloneWithBody(req *http.Request, getBody func() (io.ReadCloser, error)) (*http.Request, error) {
	c := req.Clone(req.Context())
	if getBody == nil {
		return c, nil
	}
	body, err := getBody()
	if err != nil {
		return nil, err
	}
	c.Body = body
	c.GetBody = getBody
	return c, nil
}
