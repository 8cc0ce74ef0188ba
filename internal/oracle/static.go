// Package oracle provides index prices for underlying assets.
package oracle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/fixed"
)

var ErrUnsupportedAsset = errors.New("oracle: no price feed for asset")

// Static is an oracle whose prices are set by the operator. Not safe for
// concurrent use.
type Static struct {
	prices map[assets.Asset]fixed.FixedU128
}

// NewStatic returns an oracle seeded with prices.
func NewStatic(prices map[assets.Asset]fixed.FixedU128) *Static {
	s := &Static{prices: make(map[assets.Asset]fixed.FixedU128, len(prices))}
	for a, p := range prices {
		s.prices[a] = p
	}
	return s
}

func (s *Static) IsSupported(asset assets.Asset) bool {
	_, ok := s.prices[asset]
	return ok
}

func (s *Static) GetPrice(asset assets.Asset) (fixed.FixedU128, error) {
	p, ok := s.prices[asset]
	if !ok {
		return fixed.FixedU128{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	return p, nil
}

// Set installs or replaces the price feed for asset.
func (s *Static) Set(asset assets.Asset, price fixed.FixedU128) {
	s.prices[asset] = price
}

// Assets returns every asset with a price feed in ascending order.
func (s *Static) Assets() []assets.Asset {
	out := make([]assets.Asset, 0, len(s.prices))
	for a := range s.prices {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
