package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"
)

// newLiquidationScenario sets up a violator holding 0.08 WETH minted to the
// limit at $2000 (80 units of debt) and a funded liquidator holding 40
// units, then reprices WETH at priceAfter.
func newLiquidationScenario(t *testing.T, priceAfter int64) (f *fixture, liquidator, violator uuid.UUID) {
	t.Helper()
	f = newFixture(t)
	liquidator = uuid.New()
	violator = uuid.New()

	weth008 := uint256.NewInt(80_000_000_000_000_000)
	f.fundAndDeposit(t, violator, assetWeth, weth008)
	if err := f.engine.Mint(context.Background(), violator, e18(80)); err != nil {
		t.Fatalf("violator Mint failed: %v", err)
	}

	f.fundAndDeposit(t, liquidator, assetWeth, e18(1))
	if err := f.engine.Mint(context.Background(), liquidator, e18(40)); err != nil {
		t.Fatalf("liquidator Mint failed: %v", err)
	}

	f.store.Update(feedWeth, priceAfter, time.Now())
	drainRecords(f.records)
	return f, liquidator, violator
}

// ============================================================================
// Test: Liquidation happy path
// ============================================================================

func TestLiquidate_SeizesCollateralWithBonus(t *testing.T) {
	// At $1250 the violator holds $100 of collateral against 80 debt,
	// health factor 0.625.
	f, liquidator, violator := newLiquidationScenario(t, 1250_00000000)

	walletBefore := f.bank.BalanceOf(liquidator, assetWeth)
	supplyBefore := f.synth.TotalSupply()

	err := f.engine.Liquidate(context.Background(), liquidator, violator, assetWeth, e18(40))
	if err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}

	// 40 units at $1250 is 0.032 WETH, plus the 10% bonus: 0.0352.
	seize := uint256.NewInt(35_200_000_000_000_000)
	remaining := uint256.NewInt(44_800_000_000_000_000)

	wantEq(t, "violator collateral", f.engine.CollateralBalance(violator, assetWeth), remaining)
	wantEq(t, "violator debt", f.engine.DebtBalance(violator), e18(40))
	wantEq(t, "liquidator payout", f.bank.BalanceOf(liquidator, assetWeth),
		new(uint256.Int).Add(walletBefore, seize))
	wantEq(t, "liquidator units spent", f.synth.BalanceOf(liquidator), uint256.NewInt(0))
	wantEq(t, "supply burned", f.synth.TotalSupply(),
		new(uint256.Int).Sub(supplyBefore, e18(40)))

	// 0.0448 WETH at $1250 is $56 against 40 debt: health factor 0.7.
	hf, err := f.engine.HealthFactor(violator)
	if err != nil {
		t.Fatalf("HealthFactor failed: %v", err)
	}
	wantEq(t, "violator health factor", hf, uint256.NewInt(700_000_000_000_000_000))

	recs := drainRecords(f.records)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.Type != event.OpTypeLiquidation {
		t.Errorf("record type: got %s, want %s", r.Type, event.OpTypeLiquidation)
	}
	if r.Account != violator {
		t.Errorf("record account: got %s, want violator", r.Account)
	}
	if r.Counterparty == nil || *r.Counterparty != liquidator {
		t.Error("record counterparty should be the liquidator")
	}
	wantEq(t, "record collateral", r.CollateralAmount, seize)
	wantEq(t, "record debt", r.DebtAmount, e18(40))
}

func TestLiquidate_RecordAmountsAreCopies(t *testing.T) {
	f, liquidator, violator := newLiquidationScenario(t, 1250_00000000)

	if err := f.engine.Liquidate(context.Background(), liquidator, violator, assetWeth, e18(40)); err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}

	recs := drainRecords(f.records)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}

	// A consumer mutating the record must not reach back into engine state.
	collateralBefore := new(uint256.Int).Set(f.engine.CollateralBalance(violator, assetWeth))
	debtBefore := new(uint256.Int).Set(f.engine.DebtBalance(violator))

	recs[0].CollateralAmount.Clear()
	recs[0].DebtAmount.Clear()

	wantEq(t, "violator collateral", f.engine.CollateralBalance(violator, assetWeth), collateralBefore)
	wantEq(t, "violator debt", f.engine.DebtBalance(violator), debtBefore)
}

// ============================================================================
// Test: Liquidation rejections
// ============================================================================

func TestLiquidate_HealthyPosition(t *testing.T) {
	f := newFixture(t)
	liquidator, violator := uuid.New(), uuid.New()
	f.fundAndDeposit(t, violator, assetWeth, e18(1))
	if err := f.engine.Mint(context.Background(), violator, e18(500)); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	err := f.engine.Liquidate(context.Background(), liquidator, violator, assetWeth, e18(100))
	if !errors.Is(err, core.ErrHealthFactorOk) {
		t.Fatalf("got %v, want ErrHealthFactorOk", err)
	}
}

func TestLiquidate_ZeroDebtToCover(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Liquidate(context.Background(), uuid.New(), uuid.New(), assetWeth, uint256.NewInt(0))
	if !errors.Is(err, core.ErrAmountZero) {
		t.Fatalf("got %v, want ErrAmountZero", err)
	}
}

func TestLiquidate_UnregisteredAsset(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Liquidate(context.Background(), uuid.New(), uuid.New(), "DOGE", e18(1))
	if !errors.Is(err, core.ErrAssetNotAllowed) {
		t.Fatalf("got %v, want ErrAssetNotAllowed", err)
	}
}

func TestLiquidate_UnderwaterPositionFailsWhole(t *testing.T) {
	// At $500 the seizure for covering 80 debt would be 0.176 WETH, far
	// beyond the violator's 0.08. The call fails and changes nothing.
	f, liquidator, violator := newLiquidationScenario(t, 500_00000000)

	err := f.engine.Liquidate(context.Background(), liquidator, violator, assetWeth, e18(80))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	wantEq(t, "violator collateral", f.engine.CollateralBalance(violator, assetWeth),
		uint256.NewInt(80_000_000_000_000_000))
	wantEq(t, "violator debt", f.engine.DebtBalance(violator), e18(80))
	if got := len(drainRecords(f.records)); got != 0 {
		t.Errorf("expected no records, got %d", got)
	}
}

func TestLiquidate_NotImprovedRollsBack(t *testing.T) {
	// At $1000 the violator holds $80 of collateral against 80 debt. The
	// 10% bonus drains value faster than debt is retired, so the health
	// factor would fall from 0.5 to 0.45.
	f, liquidator, violator := newLiquidationScenario(t, 1000_00000000)

	err := f.engine.Liquidate(context.Background(), liquidator, violator, assetWeth, e18(40))
	if !errors.Is(err, core.ErrHealthFactorNotImproved) {
		t.Fatalf("got %v, want ErrHealthFactorNotImproved", err)
	}

	wantEq(t, "violator collateral restored", f.engine.CollateralBalance(violator, assetWeth),
		uint256.NewInt(80_000_000_000_000_000))
	wantEq(t, "violator debt restored", f.engine.DebtBalance(violator), e18(80))
	wantEq(t, "liquidator units untouched", f.synth.BalanceOf(liquidator), e18(40))
}

func TestLiquidate_BrokenLiquidatorRollsBack(t *testing.T) {
	f := newFixture(t)
	liquidator, violator := uuid.New(), uuid.New()

	// Both positions minted to the limit at $2000; the price drop breaks
	// them both.
	weth008 := uint256.NewInt(80_000_000_000_000_000)
	f.fundAndDeposit(t, violator, assetWeth, weth008)
	if err := f.engine.Mint(context.Background(), violator, e18(80)); err != nil {
		t.Fatalf("violator Mint failed: %v", err)
	}
	f.fundAndDeposit(t, liquidator, assetWeth, e18(1))
	if err := f.engine.Mint(context.Background(), liquidator, e18(1000)); err != nil {
		t.Fatalf("liquidator Mint failed: %v", err)
	}
	f.store.Update(feedWeth, 1250_00000000, time.Now())

	err := f.engine.Liquidate(context.Background(), liquidator, violator, assetWeth, e18(40))
	if !core.IsHealthFactorBroken(err) {
		t.Fatalf("got %v, want HealthFactorBrokenError", err)
	}

	wantEq(t, "violator collateral restored", f.engine.CollateralBalance(violator, assetWeth), weth008)
	wantEq(t, "violator debt restored", f.engine.DebtBalance(violator), e18(80))
}

func TestLiquidate_LiquidatorWithoutUnitsRollsBack(t *testing.T) {
	f, liquidator, violator := newLiquidationScenario(t, 1250_00000000)

	// The liquidator spends its units elsewhere before liquidating.
	sink := uuid.New()
	if ok, err := f.synth.TransferFrom(context.Background(), liquidator, sink, e18(40)); err != nil || !ok {
		t.Fatalf("TransferFrom failed: ok=%v err=%v", ok, err)
	}

	err := f.engine.Liquidate(context.Background(), liquidator, violator, assetWeth, e18(40))
	if !errors.Is(err, core.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	wantEq(t, "violator collateral restored", f.engine.CollateralBalance(violator, assetWeth),
		uint256.NewInt(80_000_000_000_000_000))
	wantEq(t, "violator debt restored", f.engine.DebtBalance(violator), e18(80))
	if got := len(drainRecords(f.records)); got != 0 {
		t.Errorf("expected no records, got %d", got)
	}
}
