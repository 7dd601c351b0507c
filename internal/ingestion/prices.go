package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
)

// PriceSubscriber consumes price updates from NATS JetStream and applies
// them to the oracle store. One durable consumer covers every feed subject;
// ordering per feed is enforced by the store itself, which discards updates
// older than what it already holds.
type PriceSubscriber struct {
	js       jetstream.JetStream
	store    *oracle.Store
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

// priceUpdateJSON is the wire format price producers publish.
// Prices carry 8 decimal places.
type priceUpdateJSON struct {
	Feed        string `json:"feed"`
	Price       int64  `json:"price"`
	TimestampUs int64  `json:"timestamp_us"`
}

func NewPriceSubscriber(js jetstream.JetStream, store *oracle.Store, metrics *observability.Metrics) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		store:   store,
		metrics: metrics,
	}
}

// ParsePriceUpdate validates and decodes one price message.
func ParsePriceUpdate(data []byte) (feed string, price int64, updatedAt time.Time, err error) {
	var j priceUpdateJSON
	if err = json.Unmarshal(data, &j); err != nil {
		return "", 0, time.Time{}, fmt.Errorf("parse price update: %w", err)
	}
	if j.Feed == "" {
		return "", 0, time.Time{}, fmt.Errorf("parse price update: empty feed")
	}
	if j.Price <= 0 {
		return "", 0, time.Time{}, fmt.Errorf("parse price update: non-positive price %d", j.Price)
	}
	return j.Feed, j.Price, time.UnixMicro(j.TimestampUs), nil
}

// Subscribe creates the durable JetStream consumer for price subjects.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStreamName, jetstream.ConsumerConfig{
		Durable:       "ledger-prices",
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		feed, price, updatedAt, perr := ParsePriceUpdate(msg.Data())
		if perr != nil {
			// Malformed updates are terminal: redelivery cannot fix them.
			log.Printf("WARN: dropping price message on %s: %v", msg.Subject(), perr)
			if ps.metrics != nil {
				ps.metrics.PriceRejected.WithLabelValues(feed, "malformed").Inc()
			}
			msg.Ack()
			return
		}

		if ps.store.Update(feed, price, updatedAt) {
			if ps.metrics != nil {
				ps.metrics.PriceUpdates.WithLabelValues(feed).Inc()
				ps.metrics.PriceLastUpdate.WithLabelValues(feed).Set(float64(updatedAt.Unix()))
			}
		} else if ps.metrics != nil {
			ps.metrics.PriceRejected.WithLabelValues(feed, "out_of_order").Inc()
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	ps.consumer = cc
	log.Printf("INFO: subscribed to %s (consumer=ledger-prices)", PriceSubjects)
	return nil
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	log.Println("INFO: price subscriber stopped")
}
