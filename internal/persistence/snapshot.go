package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"SynthLedger/internal/core"
)

// SnapshotManager creates and loads ledger snapshots for recovery. On warm
// restart the latest verified snapshot is restored and records from
// snapshot.sequence+1 are replayed onto the engine.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized ledger state. Amounts are decimal strings;
// uuid keys are canonical string form.
type SnapshotData struct {
	Sequence   int64                        `json:"sequence"`
	StateHash  []byte                       `json:"state_hash"`
	Collateral map[string]map[string]string `json:"collateral"`
	Debt       map[string]string            `json:"debt"`
	CreatedAt  time.Time                    `json:"created_at"`
}

// SnapshotFromEngine converts the engine's snapshot state into the
// serializable form.
func SnapshotFromEngine(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:   state.Sequence,
		StateHash:  state.StateHash[:],
		Collateral: make(map[string]map[string]string, len(state.Collateral)),
		Debt:       make(map[string]string, len(state.Debt)),
		CreatedAt:  createdAt,
	}
	for account, assets := range state.Collateral {
		m := make(map[string]string, len(assets))
		for asset, amount := range assets {
			m[asset] = amount.Dec()
		}
		snap.Collateral[account.String()] = m
	}
	for account, amount := range state.Debt {
		snap.Debt[account.String()] = amount.Dec()
	}
	return snap
}

// EngineState converts the snapshot back into restorable engine state.
func (s *SnapshotData) EngineState() (*core.SnapshotState, error) {
	state := &core.SnapshotState{
		Sequence:   s.Sequence,
		Collateral: make(map[uuid.UUID]map[string]*uint256.Int, len(s.Collateral)),
		Debt:       make(map[uuid.UUID]*uint256.Int, len(s.Debt)),
	}
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot state hash: got %d bytes, want 32", len(s.StateHash))
	}
	copy(state.StateHash[:], s.StateHash)

	for accountStr, assets := range s.Collateral {
		account, err := uuid.Parse(accountStr)
		if err != nil {
			return nil, fmt.Errorf("snapshot collateral account %q: %w", accountStr, err)
		}
		m := make(map[string]*uint256.Int, len(assets))
		for asset, dec := range assets {
			amount, err := uint256.FromDecimal(dec)
			if err != nil {
				return nil, fmt.Errorf("snapshot amount %s/%s: %w", accountStr, asset, err)
			}
			m[asset] = amount
		}
		state.Collateral[account] = m
	}
	for accountStr, dec := range s.Debt {
		account, err := uuid.Parse(accountStr)
		if err != nil {
			return nil, fmt.Errorf("snapshot debt account %q: %w", accountStr, err)
		}
		amount, err := uint256.FromDecimal(dec)
		if err != nil {
			return nil, fmt.Errorf("snapshot debt amount %s: %w", accountStr, err)
		}
		state.Debt[account] = amount
	}
	return state, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are taken periodically and on
// graceful shutdown.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO synth_ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return len(data), err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM synth_ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE synth_ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadRecordsFrom loads operation rows from a given sequence for replay.
func (sm *SnapshotManager) LoadRecordsFrom(ctx context.Context, fromSequence int64, limit int) ([]RecordRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_id, op_type, account, counterparty, asset,
		       collateral_amount, debt_amount, health_factor_after,
		       state_hash, prev_hash, timestamp
		FROM synth_ledger.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		var r RecordRow
		if err := rows.Scan(
			&r.Sequence, &r.OpID, &r.OpType, &r.Account, &r.Counterparty, &r.Asset,
			&r.CollateralAmount, &r.DebtAmount, &r.HealthFactorAfter,
			&r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the operation log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM synth_ledger.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
