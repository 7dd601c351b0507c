package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"SynthLedger/internal/event"
	"SynthLedger/internal/persistence"
	"SynthLedger/internal/testutil"
)

func TestWorker_PersistsAndReadsBack(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	records := make(chan event.Record, 16)
	worker := persistence.NewWorker(db, records, 8, 50*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	account := uuid.New()
	for i := int64(1); i <= 3; i++ {
		records <- event.Record{
			Sequence:         i,
			OpID:             uuid.New(),
			Type:             event.OpTypeDeposit,
			Account:          account,
			Asset:            "WETH",
			CollateralAmount: e18(i),
			Timestamp:        time.Now(),
		}
	}
	close(records)
	<-done

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("GetLatestSequence: %v", err)
	}
	if latest != 3 {
		t.Fatalf("latest sequence: got %d, want 3", latest)
	}

	rows, err := sm.LoadRecordsFrom(ctx, 2, 100)
	if err != nil {
		t.Fatalf("LoadRecordsFrom: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows from seq 2: got %d, want 2", len(rows))
	}
	rec, err := persistence.RecordFromRow(rows[0])
	if err != nil {
		t.Fatalf("RecordFromRow: %v", err)
	}
	if rec.Sequence != 2 || !rec.CollateralAmount.Eq(e18(2)) {
		t.Errorf("row content: %+v", rec)
	}
}

func TestSnapshotManager_SaveAndLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)

	// Nothing verified yet: cold start.
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if snap != nil {
		t.Fatal("expected no snapshot on cold start")
	}

	account := uuid.New().String()
	in := &persistence.SnapshotData{
		Sequence:   5,
		StateHash:  make([]byte, 32),
		Collateral: map[string]map[string]string{account: {"WETH": "2000000000000000000"}},
		Debt:       map[string]string{account: "700000000000000000000"},
		CreatedAt:  time.Now(),
	}
	if _, err := sm.SaveSnapshot(ctx, in); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// Unverified snapshots are not eligible for restore.
	snap, err = sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if snap != nil {
		t.Fatal("unverified snapshot should not load")
	}

	if err := sm.MarkVerified(ctx, 5); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	snap, err = sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if snap == nil || snap.Sequence != 5 {
		t.Fatalf("loaded snapshot: %+v", snap)
	}
	if snap.Collateral[account]["WETH"] != "2000000000000000000" {
		t.Errorf("collateral content: %+v", snap.Collateral)
	}
}
