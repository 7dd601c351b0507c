package valuation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"SynthLedger/internal/ledger"
	"SynthLedger/internal/valuation"
)

type staticSource struct {
	points map[string]valuation.PricePoint
}

func (s *staticSource) Latest(feed string) (valuation.PricePoint, bool) {
	p, ok := s.points[feed]
	return p, ok
}

func e18(n uint64) *uint256.Int {
	v := uint256.NewInt(n)
	return v.Mul(v, uint256.NewInt(1_000_000_000_000_000_000))
}

func newValuer(t *testing.T, price int64) *valuation.Valuer {
	t.Helper()
	registry, err := ledger.NewAssetRegistry([]string{"WETH"}, []string{"ETH/USD"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	source := &staticSource{points: map[string]valuation.PricePoint{
		"ETH/USD": {Price: price, UpdatedAt: time.Now()},
	}}
	return valuation.NewValuer(registry, source, 3*time.Hour)
}

func TestUsdValue_Scaling(t *testing.T) {
	// Feed value 1000 * 10^8 means $1000; 15e18 units are worth 15000e18 USD.
	v := newValuer(t, 1000*1e8)

	got, err := v.UsdValue("WETH", e18(15))
	if err != nil {
		t.Fatalf("UsdValue: %v", err)
	}
	if want := e18(15000); !got.Eq(want) {
		t.Errorf("UsdValue: got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestTokenAmountFromUsd_Inverse(t *testing.T) {
	// $1000 price, 100e18 USD buys 0.1e18 units.
	v := newValuer(t, 1000*1e8)

	got, err := v.TokenAmountFromUsd("WETH", e18(100))
	if err != nil {
		t.Fatalf("TokenAmountFromUsd: %v", err)
	}
	want := uint256.NewInt(100_000_000_000_000_000) // 0.1e18
	if !got.Eq(want) {
		t.Errorf("TokenAmountFromUsd: got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestRoundTrip_WithinOneUnit(t *testing.T) {
	// A price that does not divide cleanly: round trip may lose up to one
	// unit to integer truncation, never more, and never gains.
	v := newValuer(t, 2987_65432100) // $2987.654321

	for _, amount := range []uint64{1, 3, 7, 1_000_003, 999_999_999_999} {
		in := uint256.NewInt(amount)
		usd, err := v.UsdValue("WETH", in)
		if err != nil {
			t.Fatalf("UsdValue(%d): %v", amount, err)
		}
		back, err := v.TokenAmountFromUsd("WETH", usd)
		if err != nil {
			t.Fatalf("TokenAmountFromUsd(%d): %v", amount, err)
		}

		if back.Gt(in) {
			t.Errorf("round trip gained value: %d -> %s", amount, back.Dec())
		}
		diff := new(uint256.Int).Sub(in, back)
		if diff.GtUint64(1) {
			t.Errorf("round trip drift > 1 unit for %d: got %s", amount, back.Dec())
		}
	}
}

func TestScaledPrice_NonPositive(t *testing.T) {
	for _, price := range []int64{0, -1} {
		v := newValuer(t, price)
		_, err := v.UsdValue("WETH", e18(1))
		if !errors.Is(err, valuation.ErrInvalidPrice) {
			t.Errorf("price %d: got %v, want ErrInvalidPrice", price, err)
		}
	}
}

func TestScaledPrice_Stale(t *testing.T) {
	registry, _ := ledger.NewAssetRegistry([]string{"WETH"}, []string{"ETH/USD"})
	source := &staticSource{points: map[string]valuation.PricePoint{
		"ETH/USD": {Price: 1000 * 1e8, UpdatedAt: time.Now().Add(-4 * time.Hour)},
	}}
	v := valuation.NewValuer(registry, source, 3*time.Hour)

	_, err := v.UsdValue("WETH", e18(1))
	if !errors.Is(err, valuation.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestScaledPrice_Missing(t *testing.T) {
	registry, _ := ledger.NewAssetRegistry([]string{"WETH"}, []string{"ETH/USD"})
	v := valuation.NewValuer(registry, &staticSource{points: map[string]valuation.PricePoint{}}, 3*time.Hour)

	_, err := v.UsdValue("WETH", e18(1))
	if !errors.Is(err, valuation.ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
}
