package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"SynthLedger/internal/event"
)

// RecordPublisher publishes committed operation records to NATS for
// downstream consumers. Subjects follow synth.ledger.records.{op_type}.
// The engine feeds this channel non-blocking, so a slow publisher drops
// records rather than stalling the engine; consumers needing completeness
// read the Postgres operation log instead.
type RecordPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.Record
}

// recordJSON is the outbound wire format.
type recordJSON struct {
	Sequence          int64     `json:"sequence"`
	OpID              string    `json:"op_id"`
	OpType            string    `json:"op_type"`
	Account           string    `json:"account"`
	Counterparty      string    `json:"counterparty,omitempty"`
	Asset             string    `json:"asset,omitempty"`
	CollateralAmount  string    `json:"collateral_amount,omitempty"`
	DebtAmount        string    `json:"debt_amount,omitempty"`
	HealthFactorAfter string    `json:"health_factor_after,omitempty"`
	StateHash         string    `json:"state_hash"`
	PrevHash          string    `json:"prev_hash"`
	Timestamp         time.Time `json:"timestamp"`
}

func NewRecordPublisher(js jetstream.JetStream, inputChan <-chan event.Record) *RecordPublisher {
	return &RecordPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the publisher loop. Returns when the context is cancelled or
// the input channel closes.
func (rp *RecordPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-rp.inputChan:
			if !ok {
				return nil
			}

			if err := rp.publish(ctx, rec); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", rec.Sequence, err)
				// Non-fatal: the operation log in Postgres is authoritative.
			}
		}
	}
}

func (rp *RecordPublisher) publish(ctx context.Context, rec event.Record) error {
	j := recordJSON{
		Sequence:  rec.Sequence,
		OpID:      rec.OpID.String(),
		OpType:    rec.Type.String(),
		Account:   rec.Account.String(),
		Asset:     rec.Asset,
		StateHash: hex.EncodeToString(rec.StateHash[:]),
		PrevHash:  hex.EncodeToString(rec.PrevHash[:]),
		Timestamp: rec.Timestamp,
	}
	if rec.Counterparty != nil {
		j.Counterparty = rec.Counterparty.String()
	}
	if rec.CollateralAmount != nil {
		j.CollateralAmount = rec.CollateralAmount.Dec()
	}
	if rec.DebtAmount != nil {
		j.DebtAmount = rec.DebtAmount.Dec()
	}
	if rec.HealthFactorAfter != nil {
		j.HealthFactorAfter = rec.HealthFactorAfter.Dec()
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("synth.ledger.records.%s", rec.Type)
	_, err = rp.js.Publish(ctx, subject, data)
	return err
}
