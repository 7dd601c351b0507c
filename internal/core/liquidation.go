package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"SynthLedger/internal/event"
)

// Liquidate lets liquidator repay debtToCover of violator's debt in exchange
// for the equivalent collateral in asset plus a bonus. The call fails whole
// when the violator's collateral in asset cannot cover the seizure, when the
// violator's health does not strictly improve, or when it would leave the
// liquidator's own position broken.
func (e *Engine) Liquidate(ctx context.Context, liquidator, violator uuid.UUID, asset string, debtToCover *uint256.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	defer func() { e.observe(event.OpTypeLiquidation, start, err) }()

	if debtToCover == nil || debtToCover.IsZero() {
		return ErrAmountZero
	}
	if !e.registry.IsRegistered(asset) {
		return fmt.Errorf("%s: %w", asset, ErrAssetNotAllowed)
	}

	startingHF, err := e.healthFactorLocked(violator)
	if err != nil {
		return err
	}
	if !startingHF.Lt(minHealthFactor) {
		return fmt.Errorf("account %s: %w", violator, ErrHealthFactorOk)
	}

	tokenAmount, err := e.valuer.TokenAmountFromUsd(asset, debtToCover)
	if err != nil {
		return err
	}
	bonus := new(uint256.Int).Mul(tokenAmount, uint256.NewInt(LiquidationBonusPct))
	bonus.Div(bonus, uint256.NewInt(LiquidationPrecisionPct))
	seize := new(uint256.Int).Add(tokenAmount, bonus)

	// Ledger effects first. A position so far underwater that the seizure
	// exceeds its collateral in asset cannot be liquidated through this
	// path at all.
	if err = e.collateral.Debit(violator, asset, seize); err != nil {
		return fmt.Errorf("seize %s: %w", asset, err)
	}
	if err = e.debt.Debit(violator, debtToCover); err != nil {
		e.collateral.Credit(violator, asset, seize)
		return fmt.Errorf("cover debt: %w", err)
	}

	rollback := func() {
		e.debt.Credit(violator, debtToCover)
		e.collateral.Credit(violator, asset, seize)
	}

	endingHF, err := e.healthFactorLocked(violator)
	if err != nil {
		rollback()
		return err
	}
	if !endingHF.Gt(startingHF) {
		rollback()
		return fmt.Errorf("account %s: %w", violator, ErrHealthFactorNotImproved)
	}
	if err = e.revertIfHealthFactorBrokenLocked(liquidator); err != nil {
		rollback()
		return err
	}

	// External effects last: pull the liquidator's units into custody, burn
	// them, then pay the seized collateral out.
	ok, terr := e.synth.TransferFrom(ctx, liquidator, e.custody, debtToCover)
	if terr != nil || !ok {
		rollback()
		if terr != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, terr)
		}
		return ErrTransferFailed
	}
	if berr := e.synth.Burn(ctx, debtToCover); berr != nil {
		if ok, cerr := e.synth.TransferFrom(ctx, e.custody, liquidator, debtToCover); cerr != nil || !ok {
			e.log.Error().Err(cerr).Str("liquidator", liquidator.String()).Msg("liquidation burn compensation failed")
		}
		rollback()
		return fmt.Errorf("%w: %v", ErrTransferFailed, berr)
	}
	ok, terr = e.vault.TransferOut(ctx, asset, liquidator, seize)
	if terr != nil || !ok {
		// The units are already burned; re-mint them to the liquidator
		// before restoring the ledgers.
		if ok, merr := e.synth.Mint(ctx, liquidator, debtToCover); merr != nil || !ok {
			e.log.Error().Err(merr).Str("liquidator", liquidator.String()).Msg("liquidation payout compensation failed")
		}
		rollback()
		if terr != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, terr)
		}
		return ErrTransferFailed
	}

	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(asset).Inc()
		e.metrics.LiquidatedDebt.WithLabelValues(asset).Add(toFloat(debtToCover))
	}
	e.log.Info().
		Str("liquidator", liquidator.String()).
		Str("violator", violator.String()).
		Str("asset", asset).
		Str("debt_covered", debtToCover.Dec()).
		Str("collateral_seized", seize.Dec()).
		Msg("position liquidated")

	e.commitLocked(event.Record{
		Type:              event.OpTypeLiquidation,
		Account:           violator,
		Counterparty:      &liquidator,
		Asset:             asset,
		CollateralAmount:  new(uint256.Int).Set(seize),
		DebtAmount:        new(uint256.Int).Set(debtToCover),
		HealthFactorAfter: endingHF,
	})
	return nil
}

// toFloat renders an 18-decimal fixed-point amount as whole units for
// metrics. Precision loss is acceptable there.
func toFloat(v *uint256.Int) float64 {
	return v.Float64() / 1e18
}
