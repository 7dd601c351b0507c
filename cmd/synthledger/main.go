package main

import (
	"bytes"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SynthLedger/internal/config"
	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/ingestion"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/persistence"
	"SynthLedger/internal/projection"
	"SynthLedger/internal/query"
	"SynthLedger/internal/server"
	"SynthLedger/internal/token"
	"SynthLedger/internal/valuation"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: SynthLedger starting...")

	configPath := flag.String("config", os.Getenv("SYNTH_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Collateral registry, oracle, collaborators ---
	assets, feeds := cfg.Assets()
	registry, err := ledger.NewAssetRegistry(assets, feeds)
	if err != nil {
		log.Fatalf("FATAL: asset registry: %v", err)
	}

	priceStore := oracle.NewStore()
	valuer := valuation.NewValuer(registry, priceStore, cfg.MaxPriceAge)

	custody := uuid.New()
	vault := token.NewBank()
	synth := token.NewSynth(custody)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The record channel blocks (persistence backpressure); the publish
	// channel drops when full and downstream consumers catch up from the
	// operation log.
	recordChan := make(chan event.Record, cfg.PersistChanSize)
	publishChan := make(chan event.Record, cfg.PublishChanSize)
	natsChan := make(chan event.Record, cfg.PublishChanSize)
	projChan := make(chan event.Record, cfg.PublishChanSize)

	// --- Recovery: load snapshot ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: failed to load snapshot: %v", err)
	}
	if snap != nil {
		startSequence = snap.Sequence
		log.Printf("INFO: loaded snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 0")
	}

	// --- Engine ---
	engine := core.NewEngine(core.Config{
		Registry:      registry,
		Valuer:        valuer,
		Vault:         vault,
		Synth:         synth,
		Custody:       custody,
		StartSequence: startSequence,
		RecordChan:    recordChan,
		PublishChan:   publishChan,
		Logger:        observability.NewLogger("engine"),
		Metrics:       metrics,
	})

	if snap != nil {
		engineState, err := snap.EngineState()
		if err != nil {
			log.Fatalf("FATAL: decode snapshot: %v", err)
		}
		engine.RestoreFromSnapshot(engineState)
		log.Printf("INFO: restored ledgers from snapshot at sequence %d", snap.Sequence)
	}

	// --- Replay operation log from snapshot to head ---
	replayed, err := replayFromLog(ctx, snapMgr, engine, startSequence+1)
	if err != nil {
		log.Fatalf("FATAL: operation replay failed: %v", err)
	}
	if replayed > 0 {
		log.Printf("INFO: replayed %d operations (sequence now at %d)", replayed, engine.Sequence())
	}

	// --- State hash verification after restore ---
	if snap != nil && replayed == 0 {
		state := engine.CreateSnapshotState()
		if !bytes.Equal(state.StateHash[:], snap.StateHash) {
			log.Fatalf("FATAL: state hash mismatch after restore: expected %x, got %x",
				snap.StateHash, state.StateHash)
		}
		log.Println("INFO: state hash verified after snapshot restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}

	priceSubscriber := ingestion.NewPriceSubscriber(js, priceStore, metrics)
	if err := priceSubscriber.Subscribe(ctx); err != nil {
		log.Fatalf("FATAL: price subscribe: %v", err)
	}

	recordPublisher := ingestion.NewRecordPublisher(js, natsChan)

	// --- Services ---
	queryService := query.NewService(db)
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, engine, queryService,
		observability.NewLogger("http"), metrics, healthChecker)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr)

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker
	persistWorker := persistence.NewWorker(db, recordChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Position projection worker
	projWorker := projection.NewPositionWorker(db, projChan)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. NATS record publisher
	go func() {
		errChan <- recordPublisher.Run(ctx)
	}()

	// 4. Publish fan-out: engine → NATS publisher + projection worker,
	// both non-blocking with drop
	go func() {
		fanOutRecords(ctx, publishChan, natsChan, projChan)
	}()

	// 5. HTTP API server. It is the only producer of engine operations,
	// so shutdown waits on httpDone before closing the engine channels.
	httpDone := make(chan struct{})
	go func() {
		err := httpServer.Run(ctx)
		close(httpDone)
		errChan <- err
	}()

	// 6. gRPC health/reflection server
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	// 7. Periodic snapshots
	go func() {
		runPeriodicSnapshots(ctx, engine, snapMgr, cfg.SnapshotInterval, metrics)
	}()

	// 8. Channel gauges
	go func() {
		reportChannelMetrics(ctx, metrics, recordChan, publishChan, cfg)
	}()

	// 9. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Printf("INFO: SynthLedger ready (sequence=%d, http=%s, grpc=%s, metrics=%s)",
		engine.Sequence(), cfg.HTTPAddr, cfg.GRPCAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	cancel()

	priceSubscriber.Stop()

	// Workers flush remaining records on the way out.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Do not close the engine channels until the HTTP server has drained
	// its in-flight requests: a handler mid-commit would otherwise send on
	// a closed channel and crash before the final snapshot.
	if !stopAndDrain(httpDone, 15*time.Second, recordChan, publishChan) {
		log.Println("WARN: http server did not stop in time, engine channels left open")
	}

	// Final snapshot so the next start replays as little as possible.
	if err := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: SynthLedger shutdown complete")
}

// fanOutRecords copies committed records to the NATS publisher and the
// projection worker. Both sends drop when full: the operation log in
// Postgres is authoritative and both consumers can rebuild from it.
func fanOutRecords(
	ctx context.Context,
	in <-chan event.Record,
	natsOut chan<- event.Record,
	projOut chan<- event.Record,
) {
	defer close(natsOut)
	defer close(projOut)

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			select {
			case natsOut <- rec:
			default:
			}
			select {
			case projOut <- rec:
			default:
			}
		}
	}
}

// stopAndDrain waits for the operation producer to finish, then closes the
// engine's output channels. If the producer does not stop within timeout the
// channels are left open and false is returned: a blocked handler must never
// race a channel close.
func stopAndDrain(producerDone <-chan struct{}, timeout time.Duration, chans ...chan event.Record) bool {
	select {
	case <-producerDone:
	case <-time.After(timeout):
		return false
	}
	for _, ch := range chans {
		close(ch)
	}
	return true
}

// replayFromLog replays persisted operations starting at fromSequence and
// returns how many were applied. Any verification failure is fatal to the
// caller: a log that does not replay cleanly means corrupted state.
func replayFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.Engine,
	fromSequence int64,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := snapMgr.LoadRecordsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load records from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			rec, err := persistence.RecordFromRow(row)
			if err != nil {
				return total, fmt.Errorf("decode record seq %d: %w", row.Sequence, err)
			}
			if err := engine.ReplayRecord(rec); err != nil {
				return total, fmt.Errorf("replay seq %d: %w", rec.Sequence, err)
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	return total, nil
}

// runPeriodicSnapshots takes a snapshot whenever the engine has advanced by
// interval operations since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := engine.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := engine.Sequence()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, engine, snapMgr, metrics); err != nil {
					log.Printf("WARN: periodic snapshot failed: %v", err)
				} else {
					lastSnapshotSeq = currentSeq
					log.Printf("INFO: periodic snapshot at sequence %d", currentSeq)
				}
			}
		}
	}
}

// takeSnapshot captures the engine's ledgers and persists them.
func takeSnapshot(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	state := engine.CreateSnapshotState()
	snapData := persistence.SnapshotFromEngine(state, time.Now())

	size, err := snapMgr.SaveSnapshot(ctx, snapData)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Mark as verified immediately, it was taken from live state.
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		log.Printf("WARN: mark snapshot verified failed: %v", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}

	return nil
}

// reportChannelMetrics samples channel depths every few seconds.
func reportChannelMetrics(
	ctx context.Context,
	metrics *observability.Metrics,
	recordChan chan event.Record,
	publishChan chan event.Record,
	cfg config.Config,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("record", len(recordChan), cfg.PersistChanSize)
			metrics.SetChannelMetrics("publish", len(publishChan), cfg.PublishChanSize)
		}
	}
}
