package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"SynthLedger/internal/event"
	"SynthLedger/internal/observability"
)

// Worker drains the record channel and batch-writes to Postgres. The engine
// sends on this channel BLOCKING, so if the worker falls behind the engine
// stalls rather than lose a committed record.
type Worker struct {
	db           *sql.DB
	writer       *RecordWriter
	inputChan    <-chan event.Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan event.Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewRecordWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming records and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; remaining rows are flushed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]RecordRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case rec, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, RowFromRecord(rec))

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or the context is cancelled,
// and even then attempts one final flush before giving up.
func (w *Worker) flushWithRetry(ctx context.Context, rows []RecordRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, records=%d)",
				attempt, backoff, len(rows))
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), rows)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("flush").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows []RecordRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteRecordBatch(ctx, tx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_records").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistRecordsWritten.Add(float64(len(rows)))
		w.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}

	return nil
}
