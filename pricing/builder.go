package pricing

import (
	"time"

	"github.com/vitwit/x402gate/types"
)

// Builder turns catalog tiers into payment requirements. It has no side
// effects; time comes from the injected clock.
type Builder struct {
	catalog        *Catalog
	now            func() time.Time
	facilitatorURL string
}

type BuilderOption func(*Builder)

// WithClock sets the time source used for issued_at.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithFacilitatorURL advertises a facilitator in challenges.
func WithFacilitatorURL(url string) BuilderOption {
	return func(b *Builder) { b.facilitatorURL = url }
}

func NewBuilder(catalog *Catalog, opts ...BuilderOption) *Builder {
	b := &Builder{catalog: catalog, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Catalog returns the catalog the builder prices from.
func (b *Builder) Catalog() *Catalog { return b.catalog }

// Build returns the requirement that pays for one unit of tier at resource.
func (b *Builder) Build(tier, resource string) (*types.PaymentRequirement, error) {
	e, err := b.catalog.lookup(tier)
	if err != nil {
		return nil, err
	}

	return &types.PaymentRequirement{
		Scheme:            types.SchemeExact,
		X402Version:       types.X402Version,
		Network:           e.tier.Network.String(),
		Asset:             e.tier.Asset,
		Amount:            e.amount.String(),
		PayTo:             e.payTo,
		MaxTimeoutSeconds: e.tier.MaxTimeoutSeconds,
		Resource:          resource,
		Description:       e.tier.Description,
		Extra: types.RequirementExtra{
			Name:    e.tier.AssetName,
			Version: e.tier.AssetVersion,
		},
		IssuedAt: b.now().Unix(),
	}, nil
}

// Challenge returns the 402 body for tier. reason and message are empty
// for a plain payment-required challenge.
func (b *Builder) Challenge(tier, resource, reason, message string) (*types.Challenge, error) {
	req, err := b.Build(tier, resource)
	if err != nil {
		return nil, err
	}
	t, _ := b.catalog.Tier(tier)

	return &types.Challenge{
		X402Version:    types.X402Version,
		Requirements:   []types.PaymentRequirement{*req},
		Tier:           tier,
		PriceUSD:       t.PriceUSD.InexactFloat64(),
		Currency:       "USD",
		Network:        req.Network,
		PayTo:          req.PayTo,
		FacilitatorURL: b.facilitatorURL,
		Description:    t.Description,
		Error:          message,
		Reason:         reason,
	}, nil
}
