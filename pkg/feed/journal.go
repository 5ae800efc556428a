// Package feed journals committed trade and status events to Kafka for
// downstream consumers (reporting, clearing, replay).
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
)

// MessageWriter is the part of *kafka.Writer the journal uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a synchronous writer that waits for all in-sync
// replicas
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Record is the journal message body
type Record struct {
	Type       string              `json:"type"` // trades | status
	EventID    string              `json:"event_id"`
	Instrument string              `json:"instrument"`
	Trade      *TradeRecord        `json:"trade,omitempty"`
	Status     *StatusRecord       `json:"status,omitempty"`
	Buying     *ledger.Instruction `json:"buying,omitempty"`
	Selling    *ledger.Instruction `json:"selling,omitempty"`
}

type TradeRecord struct {
	OperationID int64  `json:"operation_id"`
	Time        int64  `json:"time"`
	BuyingID    int64  `json:"buying_id"`
	SellingID   int64  `json:"selling_id"`
	Quantity    int64  `json:"quantity"`
	Price       string `json:"price"`
}

type StatusRecord struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Price  string `json:"price,omitempty"`
	Reason string `json:"reason"`
	Time   int64  `json:"time"`
}

// Journal is an events subscriber that writes one Kafka message per event,
// keyed by instrument so each instrument's events stay ordered within a
// partition.
type Journal struct {
	w   MessageWriter
	log *zap.Logger
}

func NewJournal(w MessageWriter, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{w: w, log: logger}
}

// Encode builds the journal record for an event
func Encode(e events.Event) (Record, bool) {
	switch ev := e.(type) {
	case events.TradeExecuted:
		op := ev.Operation
		buying, selling := ev.Buying, ev.Selling
		return Record{
			Type:       events.TopicTrades,
			EventID:    ev.ID.String(),
			Instrument: op.Instrument,
			Trade: &TradeRecord{
				OperationID: op.ID,
				Time:        op.Time,
				BuyingID:    op.BuyingID,
				SellingID:   op.SellingID,
				Quantity:    op.Quantity,
				Price:       ledger.FormatPrice(op.Price),
			},
			Buying:  &buying,
			Selling: &selling,
		}, true
	case events.StatusChanged:
		rec := Record{
			Type:       events.TopicStatus,
			EventID:    ev.ID.String(),
			Instrument: ev.Code,
			Status: &StatusRecord{
				From:   ev.From.String(),
				To:     ev.To.String(),
				Reason: ev.Reason,
				Time:   ev.Time,
			},
		}
		if ev.Price != 0 {
			rec.Status.Price = ledger.FormatPrice(ev.Price)
		}
		return rec, true
	}
	return Record{}, false
}

// Handle is an events.Handler
func (j *Journal) Handle(ctx context.Context, e events.Event) error {
	rec, ok := Encode(e)
	if !ok {
		return nil
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal journal record")
	}
	if err := j.w.WriteMessages(ctx, kafka.Message{Key: []byte(rec.Instrument), Value: value}); err != nil {
		return errors.Wrapf(err, "journal %s event for %s", rec.Type, rec.Instrument)
	}
	j.log.Debug("journaled", zap.String("type", rec.Type), zap.String("instrument", rec.Instrument))
	return nil
}

// Close flushes and closes the writer
func (j *Journal) Close() error {
	return j.w.Close()
}
