package core

import (
	"bytes"
	"fmt"

	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"
)

// ReplayRecord re-applies one committed operation's ledger effects during
// warm restart. Records carry the full delta of every operation, so the
// ledgers can be rebuilt without re-running health checks or collaborator
// calls. The hash chain is verified record by record; any divergence means
// the operation log or the restored snapshot is corrupt.
func (e *Engine) ReplayRecord(rec event.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec.Sequence != e.sequence+1 {
		return fmt.Errorf("replay gap: got sequence %d, want %d", rec.Sequence, e.sequence+1)
	}
	prev := e.hasher.PrevHash()
	if !bytes.Equal(rec.PrevHash[:], prev[:]) {
		return fmt.Errorf("replay chain break at sequence %d", rec.Sequence)
	}

	switch rec.Type {
	case event.OpTypeDeposit:
		e.collateral.Credit(rec.Account, rec.Asset, rec.CollateralAmount)

	case event.OpTypeMint:
		e.debt.Credit(rec.Account, rec.DebtAmount)

	case event.OpTypeDepositAndMint:
		e.collateral.Credit(rec.Account, rec.Asset, rec.CollateralAmount)
		e.debt.Credit(rec.Account, rec.DebtAmount)

	case event.OpTypeRedeem:
		if err := e.collateral.Debit(rec.Account, rec.Asset, rec.CollateralAmount); err != nil {
			return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}

	case event.OpTypeBurn:
		if err := e.debt.Debit(rec.Account, rec.DebtAmount); err != nil {
			return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}

	case event.OpTypeRedeemForSynth:
		if err := e.debt.Debit(rec.Account, rec.DebtAmount); err != nil {
			return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}
		if err := e.collateral.Debit(rec.Account, rec.Asset, rec.CollateralAmount); err != nil {
			return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}

	case event.OpTypeLiquidation:
		if err := e.collateral.Debit(rec.Account, rec.Asset, rec.CollateralAmount); err != nil {
			return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}
		if err := e.debt.Debit(rec.Account, rec.DebtAmount); err != nil {
			return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}

	default:
		return fmt.Errorf("replay sequence %d: unknown op type %d", rec.Sequence, rec.Type)
	}

	computed := e.hasher.ComputeHash(rec.Sequence, ledger.Digest(e.collateral, e.debt))
	if !bytes.Equal(computed[:], rec.StateHash[:]) {
		return fmt.Errorf("replay hash mismatch at sequence %d", rec.Sequence)
	}
	e.sequence = rec.Sequence
	return nil
}
