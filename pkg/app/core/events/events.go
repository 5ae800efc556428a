// Package events carries post-commit notifications from settlement to its
// consumers (custody adjustment, trade journal, websocket push).
package events

import (
	"github.com/google/uuid"

	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
)

const (
	TopicTrades = "trades"
	TopicStatus = "status"
)

// Event is anything published on the bus
type Event interface {
	// Topic groups events of the same kind
	Topic() string
	// Instrument is the instrument the event concerns
	Instrument() string
}

// TradeExecuted is published once per committed operation.
// Buying and Selling reflect the instructions after the decrement.
type TradeExecuted struct {
	ID        uuid.UUID          `json:"id"`
	Operation ledger.Operation   `json:"operation"`
	Buying    ledger.Instruction `json:"buying"`
	Selling   ledger.Instruction `json:"selling"`
}

func NewTradeExecuted(op ledger.Operation, buying, selling ledger.Instruction) TradeExecuted {
	return TradeExecuted{ID: uuid.New(), Operation: op, Buying: buying, Selling: selling}
}

func (e TradeExecuted) Topic() string      { return TopicTrades }
func (e TradeExecuted) Instrument() string { return e.Operation.Instrument }

// StatusChanged is published when an instrument's trading status moves,
// either by operator action or by a circuit breaker trip.
type StatusChanged struct {
	ID     uuid.UUID     `json:"id"`
	Code   string        `json:"instrument"`
	From   ledger.Status `json:"from"`
	To     ledger.Status `json:"to"`
	Price  int64         `json:"price,omitempty"` // the breaching price of a trip
	Reason string        `json:"reason"`
	Time   int64         `json:"time"`
}

func NewStatusChanged(code string, from, to ledger.Status, price int64, reason string, time int64) StatusChanged {
	return StatusChanged{ID: uuid.New(), Code: code, From: from, To: to, Price: price, Reason: reason, Time: time}
}

func (e StatusChanged) Topic() string      { return TopicStatus }
func (e StatusChanged) Instrument() string { return e.Code }
