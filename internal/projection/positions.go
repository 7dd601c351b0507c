package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"SynthLedger/internal/event"
)

// PositionWorker maintains per-account read tables (collateral_positions,
// debt_positions) from committed operation records. Its input channel is
// non-blocking with drop: if the worker falls behind, the tables can be
// rebuilt from the operation log.
type PositionWorker struct {
	db        *sql.DB
	inputChan <-chan event.Record
	lastSeq   int64
}

func NewPositionWorker(db *sql.DB, inputChan <-chan event.Record) *PositionWorker {
	return &PositionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *PositionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if rec.Sequence <= pw.lastSeq {
				continue // already applied (restart overlap)
			}

			if err := pw.applyRecord(ctx, rec); err != nil {
				log.Printf("WARN: position projection failed at seq=%d: %v", rec.Sequence, err)
				// Continue, the tables are eventually consistent and can be
				// rebuilt from the operation log
			}

			pw.lastSeq = rec.Sequence
		}
	}
}

func (pw *PositionWorker) applyRecord(ctx context.Context, rec event.Record) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	collateralDelta, debtDelta := recordDeltas(rec)

	if collateralDelta != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO synth_ledger.collateral_positions (account, asset, balance, last_sequence)
			VALUES ($1, $2, $3::NUMERIC, $4)
			ON CONFLICT (account, asset)
			DO UPDATE SET balance = synth_ledger.collateral_positions.balance + $3::NUMERIC,
			              last_sequence = $4
		`, rec.Account, rec.Asset, collateralDelta, rec.Sequence); err != nil {
			return fmt.Errorf("collateral position: %w", err)
		}
	}

	if debtDelta != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO synth_ledger.debt_positions (account, balance, last_sequence)
			VALUES ($1, $2::NUMERIC, $3)
			ON CONFLICT (account)
			DO UPDATE SET balance = synth_ledger.debt_positions.balance + $2::NUMERIC,
			              last_sequence = $3
		`, rec.Account, debtDelta, rec.Sequence); err != nil {
			return fmt.Errorf("debt position: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO synth_ledger.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('positions', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, rec.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// recordDeltas returns the signed collateral and debt deltas a record applies
// to the touched account, as decimal strings ("" when the ledger side is
// untouched). The signs mirror the engine's replay rules.
func recordDeltas(rec event.Record) (collateral, debt string) {
	switch rec.Type {
	case event.OpTypeDeposit:
		collateral = rec.CollateralAmount.Dec()
	case event.OpTypeMint:
		debt = rec.DebtAmount.Dec()
	case event.OpTypeDepositAndMint:
		collateral = rec.CollateralAmount.Dec()
		debt = rec.DebtAmount.Dec()
	case event.OpTypeRedeem:
		collateral = "-" + rec.CollateralAmount.Dec()
	case event.OpTypeBurn:
		debt = "-" + rec.DebtAmount.Dec()
	case event.OpTypeRedeemForSynth:
		collateral = "-" + rec.CollateralAmount.Dec()
		debt = "-" + rec.DebtAmount.Dec()
	case event.OpTypeLiquidation:
		collateral = "-" + rec.CollateralAmount.Dec()
		debt = "-" + rec.DebtAmount.Dec()
	}
	return collateral, debt
}

// RebuildPositions rebuilds the position tables from the operation log.
func RebuildPositions(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE synth_ledger.collateral_positions`,
		`TRUNCATE synth_ledger.debt_positions`,
		`DELETE FROM synth_ledger.projection_watermark WHERE worker_id = 'positions'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO synth_ledger.collateral_positions (account, asset, balance, last_sequence)
		SELECT
			account,
			asset,
			SUM(CASE op_type
				WHEN 'Deposit' THEN collateral_amount
				WHEN 'DepositAndMint' THEN collateral_amount
				ELSE -collateral_amount
			END) AS balance,
			MAX(sequence) AS last_sequence
		FROM synth_ledger.operations
		WHERE collateral_amount IS NOT NULL AND asset <> ''
		GROUP BY account, asset
	`); err != nil {
		return fmt.Errorf("rebuild collateral positions: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO synth_ledger.debt_positions (account, balance, last_sequence)
		SELECT
			account,
			SUM(CASE op_type
				WHEN 'Mint' THEN debt_amount
				WHEN 'DepositAndMint' THEN debt_amount
				ELSE -debt_amount
			END) AS balance,
			MAX(sequence) AS last_sequence
		FROM synth_ledger.operations
		WHERE debt_amount IS NOT NULL
		GROUP BY account
	`); err != nil {
		return fmt.Errorf("rebuild debt positions: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO synth_ledger.projection_watermark (worker_id, last_sequence, updated_at)
		SELECT 'positions', COALESCE(MAX(sequence), 0), NOW() FROM synth_ledger.operations
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	log.Println("INFO: position projection rebuild complete")
	return nil
}
