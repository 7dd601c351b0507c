package ledger

import (
	"errors"
	"fmt"
)

// ErrFeedListMismatch is returned when the asset and price-feed lists given
// at construction differ in length.
var ErrFeedListMismatch = errors.New("asset and price feed lists differ in length")

// AssetRegistry maps accepted collateral assets to their price-feed
// identifiers. The registry is built once at startup and never mutated;
// Assets() iteration order is insertion order.
type AssetRegistry struct {
	feeds map[string]string
	order []string
}

// NewAssetRegistry builds a registry from equal-length asset and feed lists.
func NewAssetRegistry(assets, feeds []string) (*AssetRegistry, error) {
	if len(assets) != len(feeds) {
		return nil, fmt.Errorf("%w: %d assets, %d feeds", ErrFeedListMismatch, len(assets), len(feeds))
	}

	r := &AssetRegistry{
		feeds: make(map[string]string, len(assets)),
		order: make([]string, 0, len(assets)),
	}

	for i, asset := range assets {
		if asset == "" {
			return nil, fmt.Errorf("empty asset identifier at index %d", i)
		}
		if feeds[i] == "" {
			return nil, fmt.Errorf("empty feed identifier for asset %s", asset)
		}
		if _, dup := r.feeds[asset]; dup {
			return nil, fmt.Errorf("duplicate asset: %s", asset)
		}
		r.feeds[asset] = feeds[i]
		r.order = append(r.order, asset)
	}

	return r, nil
}

// IsRegistered reports whether the asset is accepted collateral.
func (r *AssetRegistry) IsRegistered(asset string) bool {
	_, ok := r.feeds[asset]
	return ok
}

// Feed returns the price-feed identifier backing an asset.
func (r *AssetRegistry) Feed(asset string) (string, bool) {
	feed, ok := r.feeds[asset]
	return feed, ok
}

// Assets returns all registered assets in insertion order.
func (r *AssetRegistry) Assets() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
