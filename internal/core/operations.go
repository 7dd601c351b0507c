package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"SynthLedger/internal/event"
)

// Operation ordering convention: every op validates its inputs, applies its
// in-memory ledger effects, gates on the health factor, and only then calls
// external collaborators. A ledger write never commits before the external
// transfer it records has succeeded; when two external calls are needed and
// the second fails, the first is compensated before rolling back.

// DepositCollateral credits the account's collateral and pulls the asset
// into the vault.
func (e *Engine) DepositCollateral(ctx context.Context, account uuid.UUID, asset string, amount *uint256.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	defer func() { e.observe(event.OpTypeDeposit, start, err) }()

	if err = e.validateDeposit(asset, amount); err != nil {
		return err
	}
	if err = e.depositLocked(ctx, account, asset, amount); err != nil {
		return err
	}

	hf, err := e.healthFactorLocked(account)
	if err != nil {
		return err
	}
	e.commitLocked(event.Record{
		Type:              event.OpTypeDeposit,
		Account:           account,
		Asset:             asset,
		CollateralAmount:  new(uint256.Int).Set(amount),
		HealthFactorAfter: hf,
	})
	return nil
}

// Mint issues synthetic units against the account's collateral.
func (e *Engine) Mint(ctx context.Context, account uuid.UUID, amount *uint256.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	defer func() { e.observe(event.OpTypeMint, start, err) }()

	if amount == nil || amount.IsZero() {
		return ErrAmountZero
	}
	if err = e.mintLocked(ctx, account, amount); err != nil {
		return err
	}

	hf, err := e.healthFactorLocked(account)
	if err != nil {
		return err
	}
	e.commitLocked(event.Record{
		Type:              event.OpTypeMint,
		Account:           account,
		DebtAmount:        new(uint256.Int).Set(amount),
		HealthFactorAfter: hf,
	})
	return nil
}

// DepositAndMint performs a deposit followed by a mint as one atomic
// operation: a failed mint unwinds the deposit, vault transfer included.
func (e *Engine) DepositAndMint(ctx context.Context, account uuid.UUID, asset string, collateralAmount, mintAmount *uint256.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	defer func() { e.observe(event.OpTypeDepositAndMint, start, err) }()

	if err = e.validateDeposit(asset, collateralAmount); err != nil {
		return err
	}
	if mintAmount == nil || mintAmount.IsZero() {
		return ErrAmountZero
	}

	if err = e.depositLocked(ctx, account, asset, collateralAmount); err != nil {
		return err
	}
	if err = e.mintLocked(ctx, account, mintAmount); err != nil {
		// Unwind the deposit. The vault just accepted this exact amount,
		// so the ledger debit cannot fail.
		if derr := e.collateral.Debit(account, asset, collateralAmount); derr != nil {
			e.log.Error().Err(derr).Str("account", account.String()).Msg("deposit unwind ledger debit failed")
		}
		if ok, terr := e.vault.TransferOut(ctx, asset, account, collateralAmount); terr != nil || !ok {
			e.log.Error().Err(terr).Str("account", account.String()).Str("asset", asset).Msg("deposit unwind vault transfer failed")
		}
		return err
	}

	hf, err := e.healthFactorLocked(account)
	if err != nil {
		return err
	}
	e.commitLocked(event.Record{
		Type:              event.OpTypeDepositAndMint,
		Account:           account,
		Asset:             asset,
		CollateralAmount:  new(uint256.Int).Set(collateralAmount),
		DebtAmount:        new(uint256.Int).Set(mintAmount),
		HealthFactorAfter: hf,
	})
	return nil
}

// Redeem releases collateral back to the account, provided the remaining
// position stays healthy.
func (e *Engine) Redeem(ctx context.Context, account uuid.UUID, asset string, amount *uint256.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	defer func() { e.observe(event.OpTypeRedeem, start, err) }()

	if err = e.validateDeposit(asset, amount); err != nil {
		return err
	}
	if err = e.redeemLocked(ctx, account, account, asset, amount); err != nil {
		return err
	}

	hf, err := e.healthFactorLocked(account)
	if err != nil {
		return err
	}
	e.commitLocked(event.Record{
		Type:              event.OpTypeRedeem,
		Account:           account,
		Asset:             asset,
		CollateralAmount:  new(uint256.Int).Set(amount),
		HealthFactorAfter: hf,
	})
	return nil
}

// Burn retires synthetic units against the account's own debt.
func (e *Engine) Burn(ctx context.Context, account uuid.UUID, amount *uint256.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	defer func() { e.observe(event.OpTypeBurn, start, err) }()

	if amount == nil || amount.IsZero() {
		return ErrAmountZero
	}
	if err = e.burnLocked(ctx, account, account, amount); err != nil {
		return err
	}

	// Burning debt can only raise the health factor.
	if err = e.revertIfHealthFactorBrokenLocked(account); err != nil {
		return err
	}

	hf, err := e.healthFactorLocked(account)
	if err != nil {
		return err
	}
	e.commitLocked(event.Record{
		Type:              event.OpTypeBurn,
		Account:           account,
		DebtAmount:        new(uint256.Int).Set(amount),
		HealthFactorAfter: hf,
	})
	return nil
}

// RedeemForSynth burns synthetic units and then redeems collateral as one
// atomic operation.
func (e *Engine) RedeemForSynth(ctx context.Context, account uuid.UUID, asset string, collateralAmount, burnAmount *uint256.Int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()
	defer func() { e.observe(event.OpTypeRedeemForSynth, start, err) }()

	if err = e.validateDeposit(asset, collateralAmount); err != nil {
		return err
	}
	if burnAmount == nil || burnAmount.IsZero() {
		return ErrAmountZero
	}

	if err = e.burnLocked(ctx, account, account, burnAmount); err != nil {
		return err
	}
	if err = e.redeemLocked(ctx, account, account, asset, collateralAmount); err != nil {
		// Unwind the burn: re-credit the debt and mint the units back to
		// the account.
		e.debt.Credit(account, burnAmount)
		if ok, merr := e.synth.Mint(ctx, account, burnAmount); merr != nil || !ok {
			e.log.Error().Err(merr).Str("account", account.String()).Msg("burn unwind mint failed")
		}
		return err
	}

	hf, err := e.healthFactorLocked(account)
	if err != nil {
		return err
	}
	e.commitLocked(event.Record{
		Type:              event.OpTypeRedeemForSynth,
		Account:           account,
		Asset:             asset,
		CollateralAmount:  new(uint256.Int).Set(collateralAmount),
		DebtAmount:        new(uint256.Int).Set(burnAmount),
		HealthFactorAfter: hf,
	})
	return nil
}

// --- Shared building blocks ---
// The *Locked helpers apply one leg of an operation with its own rollback
// so compositions can unwind leg by leg.

func (e *Engine) validateDeposit(asset string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrAmountZero
	}
	if !e.registry.IsRegistered(asset) {
		return fmt.Errorf("%s: %w", asset, ErrAssetNotAllowed)
	}
	return nil
}

// depositLocked credits the collateral ledger and pulls the asset in. The
// credit is rolled back when the vault declines.
func (e *Engine) depositLocked(ctx context.Context, account uuid.UUID, asset string, amount *uint256.Int) error {
	e.collateral.Credit(account, asset, amount)

	ok, err := e.vault.TransferIn(ctx, asset, account, amount)
	if err != nil || !ok {
		if derr := e.collateral.Debit(account, asset, amount); derr != nil {
			e.log.Error().Err(derr).Str("account", account.String()).Msg("deposit rollback debit failed")
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return ErrTransferFailed
	}
	return nil
}

// mintLocked credits debt, gates on health, then mints. Either failure
// rolls the debt credit back.
func (e *Engine) mintLocked(ctx context.Context, account uuid.UUID, amount *uint256.Int) error {
	e.debt.Credit(account, amount)

	if err := e.revertIfHealthFactorBrokenLocked(account); err != nil {
		e.rollbackDebtCredit(account, amount)
		return err
	}

	ok, err := e.synth.Mint(ctx, account, amount)
	if err != nil || !ok {
		e.rollbackDebtCredit(account, amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMintFailed, err)
		}
		return ErrMintFailed
	}
	return nil
}

// redeemLocked debits from's collateral, gates on from's health, then pays
// the vault out to recipient. The external transfer runs last so a declined
// transfer only needs the ledger credit restored.
func (e *Engine) redeemLocked(ctx context.Context, from, recipient uuid.UUID, asset string, amount *uint256.Int) error {
	if err := e.collateral.Debit(from, asset, amount); err != nil {
		return err
	}

	if err := e.revertIfHealthFactorBrokenLocked(from); err != nil {
		e.collateral.Credit(from, asset, amount)
		return err
	}

	ok, err := e.vault.TransferOut(ctx, asset, recipient, amount)
	if err != nil || !ok {
		e.collateral.Credit(from, asset, amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return ErrTransferFailed
	}
	return nil
}

// burnLocked retires amount of onBehalfOf's debt, paid for with payer's
// synthetic units. The units are pulled into custody and burned there; a
// failed burn pushes them back to the payer before the debt is restored.
func (e *Engine) burnLocked(ctx context.Context, onBehalfOf, payer uuid.UUID, amount *uint256.Int) error {
	if err := e.debt.Debit(onBehalfOf, amount); err != nil {
		return err
	}

	ok, err := e.synth.TransferFrom(ctx, payer, e.custody, amount)
	if err != nil || !ok {
		e.debt.Credit(onBehalfOf, amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return ErrTransferFailed
	}

	if err := e.synth.Burn(ctx, amount); err != nil {
		if ok, terr := e.synth.TransferFrom(ctx, e.custody, payer, amount); terr != nil || !ok {
			e.log.Error().Err(terr).Str("payer", payer.String()).Msg("burn compensation transfer failed")
		}
		e.debt.Credit(onBehalfOf, amount)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) rollbackDebtCredit(account uuid.UUID, amount *uint256.Int) {
	if err := e.debt.Debit(account, amount); err != nil {
		e.log.Error().Err(err).Str("account", account.String()).Msg("debt rollback failed")
	}
}
