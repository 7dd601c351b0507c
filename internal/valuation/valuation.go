package valuation

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"SynthLedger/internal/ledger"
)

// Oracle feeds quote at 8 fractional decimals; the synthetic unit and all
// value amounts use an 18-decimal fixed-point scale. Prices are up-scaled by
// 10 decimal digits before use.
var (
	additionalFeedPrecision = uint256.NewInt(10_000_000_000)            // 10^10
	precision               = uint256.NewInt(1_000_000_000_000_000_000) // 10^18
)

var (
	// ErrNoPrice means the feed has never published a price.
	ErrNoPrice = errors.New("no price published for feed")
	// ErrInvalidPrice means the feed reported a non-positive price.
	ErrInvalidPrice = errors.New("oracle price not positive")
	// ErrStalePrice means the latest price is older than the allowed age.
	ErrStalePrice = errors.New("oracle price stale")
	// ErrValueOverflow means a valuation product exceeded 256 bits.
	ErrValueOverflow = errors.New("valuation overflow")
)

// PricePoint is the latest observation for a feed: price at 8-decimal scale
// plus the time it was published.
type PricePoint struct {
	Price     int64
	UpdatedAt time.Time
}

// PriceSource is the oracle adapter contract consumed by the valuer.
type PriceSource interface {
	Latest(feed string) (PricePoint, bool)
}

// Valuer converts (asset, amount) to USD value and back using oracle prices
// plus fixed precision-scaling rules. All divisions truncate toward zero;
// rounding direction is part of the solvency model, do not change it.
type Valuer struct {
	registry    *ledger.AssetRegistry
	source      PriceSource
	maxPriceAge time.Duration
	now         func() time.Time
}

func NewValuer(registry *ledger.AssetRegistry, source PriceSource, maxPriceAge time.Duration) *Valuer {
	return &Valuer{
		registry:    registry,
		source:      source,
		maxPriceAge: maxPriceAge,
		now:         time.Now,
	}
}

// SetClock overrides the staleness clock, for tests.
func (v *Valuer) SetClock(now func() time.Time) {
	v.now = now
}

// scaledPrice fetches and validates the asset's price, returning it up-scaled
// to 18 decimals.
func (v *Valuer) scaledPrice(asset string) (*uint256.Int, error) {
	feed, ok := v.registry.Feed(asset)
	if !ok {
		return nil, fmt.Errorf("asset %s has no registered feed", asset)
	}

	point, ok := v.source.Latest(feed)
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", feed, ErrNoPrice)
	}
	if point.Price <= 0 {
		return nil, fmt.Errorf("feed %s reported %d: %w", feed, point.Price, ErrInvalidPrice)
	}
	if v.maxPriceAge > 0 {
		if age := v.now().Sub(point.UpdatedAt); age > v.maxPriceAge {
			return nil, fmt.Errorf("feed %s is %s old (max %s): %w", feed, age, v.maxPriceAge, ErrStalePrice)
		}
	}

	scaled := uint256.NewInt(uint64(point.Price))
	scaled.Mul(scaled, additionalFeedPrecision)
	return scaled, nil
}

// UsdValue returns the USD value (18-decimal scale) of an asset amount:
// price * 10^10 * amount / 10^18, truncating.
func (v *Valuer) UsdValue(asset string, amount *uint256.Int) (*uint256.Int, error) {
	scaled, err := v.scaledPrice(asset)
	if err != nil {
		return nil, err
	}

	prod, overflow := new(uint256.Int).MulOverflow(scaled, amount)
	if overflow {
		return nil, fmt.Errorf("usd value of %s %s: %w", amount.Dec(), asset, ErrValueOverflow)
	}

	return prod.Div(prod, precision), nil
}

// TokenAmountFromUsd is the algebraic inverse of UsdValue with the same
// truncation policy: usd * 10^18 / (price * 10^10).
func (v *Valuer) TokenAmountFromUsd(asset string, usd *uint256.Int) (*uint256.Int, error) {
	scaled, err := v.scaledPrice(asset)
	if err != nil {
		return nil, err
	}

	prod, overflow := new(uint256.Int).MulOverflow(usd, precision)
	if overflow {
		return nil, fmt.Errorf("token amount for %s usd: %w", usd.Dec(), ErrValueOverflow)
	}

	return prod.Div(prod, scaled), nil
}

// Precision returns the 18-decimal fixed-point scale constant.
func Precision() *uint256.Int {
	return new(uint256.Int).Set(precision)
}
