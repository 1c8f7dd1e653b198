// Package pricing holds the tier catalog and turns tiers into payment
// requirements and 402 challenges.
package pricing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

// ErrUnknownTier is returned for tier names absent from the catalog.
var ErrUnknownTier = errors.New("x402gate: unknown pricing tier")

type entry struct {
	tier   types.PricingTier
	amount *big.Int
	payTo  string
}

// Catalog is the immutable table of pricing tiers.
type Catalog struct {
	entries map[string]entry
	order   []string
}

// NewCatalog validates tiers and precomputes their minor-unit amounts.
// payee is used for tiers without their own pay_to.
func NewCatalog(tiers []types.PricingTier, payee string) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]entry, len(tiers))}

	for _, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("tier name is required")
		}
		if _, dup := c.entries[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", t.Name)
		}
		if !t.PriceUSD.IsPositive() {
			return nil, fmt.Errorf("tier %q: price must be positive", t.Name)
		}
		if !t.Network.IsSupported() {
			return nil, fmt.Errorf("tier %q: unsupported network %q", t.Name, t.Network)
		}
		if t.MaxTimeoutSeconds <= 0 {
			t.MaxTimeoutSeconds = types.DefaultMaxTimeoutSeconds
		}
		if t.ComputeType == "" {
			t.ComputeType = types.ComputeStandard
		}

		amount, err := utils.ToMinorUnits(t.PriceUSD, t.AssetDecimals)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", t.Name, err)
		}

		payTo := payee
		if t.PayTo != "" {
			payTo = t.PayTo
		}
		if err := utils.ValidateAddressForNetwork(payTo, t.Network); err != nil {
			return nil, fmt.Errorf("tier %q: pay_to: %w", t.Name, err)
		}

		c.entries[t.Name] = entry{tier: t, amount: amount, payTo: payTo}
		c.order = append(c.order, t.Name)
	}

	return c, nil
}

// Tier returns the named tier.
func (c *Catalog) Tier(name string) (types.PricingTier, bool) {
	e, ok := c.entries[name]
	return e.tier, ok
}

// Tiers returns every tier in configuration order.
func (c *Catalog) Tiers() []types.PricingTier {
	out := make([]types.PricingTier, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.entries[name].tier)
	}
	return out
}

// PayTo returns the receiving address of the named tier.
func (c *Catalog) PayTo(name string) string {
	return c.entries[name].payTo
}

func (c *Catalog) lookup(name string) (entry, error) {
	e, ok := c.entries[name]
	if !ok {
		return entry{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return e, nil
}
