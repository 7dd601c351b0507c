package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service provides read-only access to the operation log and the position
// read tables. Responses carry AsOfSequence so callers can reason about
// freshness relative to the engine.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// OperationEntry is one row of an account's operation history.
type OperationEntry struct {
	Sequence          int64      `json:"sequence"`
	OpID              string     `json:"op_id"`
	OpType            string     `json:"op_type"`
	Account           string     `json:"account"`
	Counterparty      *string    `json:"counterparty,omitempty"`
	Asset             *string    `json:"asset,omitempty"`
	CollateralAmount  *string    `json:"collateral_amount,omitempty"`
	DebtAmount        *string    `json:"debt_amount,omitempty"`
	HealthFactorAfter *string    `json:"health_factor_after,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// CollateralPosition is a projected collateral balance for one asset.
type CollateralPosition struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// PositionResponse is the projected view of an account.
type PositionResponse struct {
	Account      string               `json:"account"`
	Collateral   []CollateralPosition `json:"collateral"`
	Debt         string               `json:"debt"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// IntegrityReport summarizes hash chain and sequence verification over the
// operation log.
type IntegrityReport struct {
	Checked         int64   `json:"checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	IsHealthy       bool    `json:"healthy"`
}

// OperationHistory returns operations touching an account, newest first,
// with cursor-based pagination on sequence.
func (s *Service) OperationHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]OperationEntry, error) {
	query := `
		SELECT sequence, op_id, op_type, account, counterparty, asset,
		       collateral_amount::TEXT, debt_amount::TEXT, health_factor_after::TEXT, timestamp
		FROM synth_ledger.operations
		WHERE (account = $1 OR counterparty = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OperationEntry
	for rows.Next() {
		var e OperationEntry
		if err := rows.Scan(
			&e.Sequence, &e.OpID, &e.OpType, &e.Account, &e.Counterparty,
			&e.Asset, &e.CollateralAmount, &e.DebtAmount, &e.HealthFactorAfter,
			&e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Position returns the projected collateral and debt balances for an account.
func (s *Service) Position(ctx context.Context, account uuid.UUID) (*PositionResponse, error) {
	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, balance::TEXT
		FROM synth_ledger.collateral_positions
		WHERE account = $1 AND balance > 0
		ORDER BY asset
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PositionResponse{
		Account:      account.String(),
		Debt:         "0",
		AsOfSequence: asOfSeq,
	}
	for rows.Next() {
		var p CollateralPosition
		if err := rows.Scan(&p.Asset, &p.Balance); err != nil {
			return nil, err
		}
		resp.Collateral = append(resp.Collateral, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var debt string
	err = s.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM synth_ledger.debt_positions WHERE account = $1
	`, account).Scan(&debt)
	switch {
	case err == sql.ErrNoRows:
		// no debt row yet
	case err != nil:
		return nil, err
	default:
		resp.Debt = debt
	}

	return resp, nil
}

// VerifyIntegrity checks hash chain continuity and sequence density over the
// whole operation log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM synth_ledger.operations
	`).Scan(&report.Checked); err != nil {
		return nil, err
	}

	// Each record's prev_hash must equal the previous record's state_hash.
	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM synth_ledger.operations o1
		JOIN synth_ledger.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash <> o2.state_hash
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Sequences must be dense from 1 to MAX(sequence).
	gapRows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence + 1
		FROM synth_ledger.operations o1
		LEFT JOIN synth_ledger.operations o2 ON o2.sequence = o1.sequence + 1
		WHERE o2.sequence IS NULL
		  AND o1.sequence < (SELECT MAX(sequence) FROM synth_ledger.operations)
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0)
		FROM synth_ledger.projection_watermark
		WHERE worker_id = 'positions'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
