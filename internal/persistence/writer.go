package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"SynthLedger/internal/event"
)

// RecordWriter writes committed operation records to Postgres using
// multi-row INSERT. Inserts are idempotent on sequence so a retried batch
// never duplicates rows.
type RecordWriter struct {
	db *sql.DB
}

// RecordRow represents a row in synth_ledger.operations. Amounts are stored
// as NUMERIC decimal strings; 256-bit values do not fit Postgres integers.
type RecordRow struct {
	Sequence          int64
	OpID              string
	OpType            string
	Account           string
	Counterparty      *string
	Asset             *string
	CollateralAmount  *string
	DebtAmount        *string
	HealthFactorAfter *string
	StateHash         []byte
	PrevHash          []byte
	Timestamp         time.Time
}

// RowFromRecord converts an engine record into its storable row.
func RowFromRecord(rec event.Record) RecordRow {
	row := RecordRow{
		Sequence:  rec.Sequence,
		OpID:      rec.OpID.String(),
		OpType:    rec.Type.String(),
		Account:   rec.Account.String(),
		StateHash: rec.StateHash[:],
		PrevHash:  rec.PrevHash[:],
		Timestamp: rec.Timestamp,
	}
	if rec.Counterparty != nil {
		s := rec.Counterparty.String()
		row.Counterparty = &s
	}
	if rec.Asset != "" {
		s := rec.Asset
		row.Asset = &s
	}
	if rec.CollateralAmount != nil {
		s := rec.CollateralAmount.Dec()
		row.CollateralAmount = &s
	}
	if rec.DebtAmount != nil {
		s := rec.DebtAmount.Dec()
		row.DebtAmount = &s
	}
	if rec.HealthFactorAfter != nil {
		s := rec.HealthFactorAfter.Dec()
		row.HealthFactorAfter = &s
	}
	return row
}

// RecordFromRow converts a stored row back into an engine record.
func RecordFromRow(row RecordRow) (event.Record, error) {
	rec := event.Record{
		Sequence:  row.Sequence,
		Type:      event.OpTypeFromString(row.OpType),
		Timestamp: row.Timestamp,
	}
	if rec.Type == event.OpTypeUnknown {
		return event.Record{}, fmt.Errorf("row %d: unknown op type %q", row.Sequence, row.OpType)
	}

	var err error
	if rec.OpID, err = uuid.Parse(row.OpID); err != nil {
		return event.Record{}, fmt.Errorf("row %d op_id: %w", row.Sequence, err)
	}
	if rec.Account, err = uuid.Parse(row.Account); err != nil {
		return event.Record{}, fmt.Errorf("row %d account: %w", row.Sequence, err)
	}
	if row.Counterparty != nil {
		cp, err := uuid.Parse(*row.Counterparty)
		if err != nil {
			return event.Record{}, fmt.Errorf("row %d counterparty: %w", row.Sequence, err)
		}
		rec.Counterparty = &cp
	}
	if row.Asset != nil {
		rec.Asset = *row.Asset
	}
	if rec.CollateralAmount, err = parseAmount(row.CollateralAmount); err != nil {
		return event.Record{}, fmt.Errorf("row %d collateral_amount: %w", row.Sequence, err)
	}
	if rec.DebtAmount, err = parseAmount(row.DebtAmount); err != nil {
		return event.Record{}, fmt.Errorf("row %d debt_amount: %w", row.Sequence, err)
	}
	if rec.HealthFactorAfter, err = parseAmount(row.HealthFactorAfter); err != nil {
		return event.Record{}, fmt.Errorf("row %d health_factor_after: %w", row.Sequence, err)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		return event.Record{}, fmt.Errorf("row %d: malformed hash", row.Sequence)
	}
	copy(rec.StateHash[:], row.StateHash)
	copy(rec.PrevHash[:], row.PrevHash)
	return rec, nil
}

func parseAmount(s *string) (*uint256.Int, error) {
	if s == nil {
		return nil, nil
	}
	return uint256.FromDecimal(*s)
}

func NewRecordWriter(db *sql.DB) *RecordWriter {
	return &RecordWriter{db: db}
}

// WriteRecordBatch writes a batch of rows inside the given transaction.
func (w *RecordWriter) WriteRecordBatch(ctx context.Context, tx *sql.Tx, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO synth_ledger.operations
		(sequence, op_id, op_type, account, counterparty, asset,
		 collateral_amount, debt_amount, health_factor_after,
		 state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*12)

	for i, r := range rows {
		base := i * 12
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11, base+12,
		))
		args = append(args,
			r.Sequence, r.OpID, r.OpType, r.Account, r.Counterparty, r.Asset,
			r.CollateralAmount, r.DebtAmount, r.HealthFactorAfter,
			r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
