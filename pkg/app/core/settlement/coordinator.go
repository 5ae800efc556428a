// Package settlement commits matching proposals against the ledger.
package settlement

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/instrument"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/app/core/matching"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Ledger is the transactional half of the ledger store
type Ledger interface {
	Update(ctx context.Context, instrument string, fn func(*ledger.Tx) error) error
}

// Result describes what a settlement attempt committed.
// When Halted is set the proposal tripped a circuit breaker: only the
// status change to Status was committed, no quantity moved and Operation
// is zero.
type Result struct {
	Operation ledger.Operation
	Buying    ledger.Instruction
	Selling   ledger.Instruction
	State     ledger.InstrumentState
	Halted    bool
	Status    ledger.Status
}

// Coordinator applies one proposal per transaction and publishes the
// outcome after commit
type Coordinator struct {
	ledger Ledger
	pub    events.Publisher
	log    *zap.Logger
}

// NewCoordinator creates a coordinator; pub may be nil
func NewCoordinator(l Ledger, pub events.Publisher, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{ledger: l, pub: pub, log: logger}
}

// Settle re-validates p inside a transaction on its instrument and either
// commits the trade, commits a circuit breaker trip, or commits nothing
// and returns the reason:
//
//	ConcurrentModification  instrument version moved since the proposal
//	InvalidInstruction      an instruction is cancelled or on the wrong side
//	InsufficientQuantity    an instruction no longer has the quantity
//	NotTradable             the instrument is not normal
func (c *Coordinator) Settle(ctx context.Context, p matching.Proposal) (Result, error) {
	if p.Quantity <= 0 || p.Price <= 0 {
		return Result{}, apperr.New(apperr.Validation, "proposal quantity and price must be positive")
	}

	var (
		res  Result
		from ledger.Status
		at   int64
	)
	err := c.ledger.Update(ctx, p.Instrument, func(tx *ledger.Tx) error {
		res = Result{}
		at = tx.Now().UnixNano()

		st, err := tx.GetInstrumentState()
		if apperr.Is(err, apperr.NotFound) {
			return apperr.New(apperr.NotTradable, "instrument %s has no recorded state", p.Instrument)
		}
		if err != nil {
			return err
		}
		if st.Version != p.ExpectedVersion {
			return apperr.New(apperr.ConcurrentModification,
				"instrument %s at version %d, proposal expected %d", p.Instrument, st.Version, p.ExpectedVersion)
		}

		buying, err := c.load(tx, p.BuyingID, ledger.Buy, p)
		if err != nil {
			return err
		}
		selling, err := c.load(tx, p.SellingID, ledger.Sell, p)
		if err != nil {
			return err
		}

		if st.Status != ledger.Normal {
			return apperr.New(apperr.NotTradable, "instrument %s is %s", p.Instrument, st.Status)
		}

		if trip, breached := instrument.Breach(st, p.Price); breached {
			from = st.Status
			st.Status = trip
			if res.State, err = tx.PutInstrumentState(st); err != nil {
				return err
			}
			res.Halted, res.Status = true, trip
			return nil
		}

		if res.Buying, err = tx.DecrementRemaining(buying.ID, p.Quantity); err != nil {
			return err
		}
		if res.Selling, err = tx.DecrementRemaining(selling.ID, p.Quantity); err != nil {
			return err
		}
		res.Operation, err = tx.InsertOperation(ledger.Operation{
			BuyingID:   buying.ID,
			SellingID:  selling.ID,
			Instrument: p.Instrument,
			Quantity:   p.Quantity,
			Price:      p.Price,
		})
		if err != nil {
			return err
		}
		st.ApplyTrade(p.Price, p.Quantity)
		res.State, err = tx.PutInstrumentState(st)
		res.Status = res.State.Status
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if res.Halted {
		c.log.Warn("circuit_breaker_tripped",
			zap.String("instrument", p.Instrument),
			zap.Stringer("status", res.Status),
			zap.String("price", ledger.FormatPrice(p.Price)),
			zap.Int64("buying_id", p.BuyingID),
			zap.Int64("selling_id", p.SellingID),
		)
		c.publish(events.NewStatusChanged(p.Instrument, from, res.Status, p.Price, "price bound breached", at))
		return res, nil
	}

	c.log.Info("trade_executed",
		zap.String("instrument", p.Instrument),
		zap.Int64("operation_id", res.Operation.ID),
		zap.Int64("buying_id", res.Operation.BuyingID),
		zap.Int64("selling_id", res.Operation.SellingID),
		zap.Int64("quantity", res.Operation.Quantity),
		zap.String("price", ledger.FormatPrice(res.Operation.Price)),
	)
	c.publish(events.NewTradeExecuted(res.Operation, res.Buying, res.Selling))
	return res, nil
}

// load re-reads one leg of the proposal inside the transaction
func (c *Coordinator) load(tx *ledger.Tx, id int64, side ledger.Side, p matching.Proposal) (ledger.Instruction, error) {
	ins, err := tx.GetInstruction(id)
	if apperr.Is(err, apperr.NotFound) {
		return ledger.Instruction{}, apperr.Wrap(apperr.InvalidInstruction, err, "%s leg", side)
	}
	if err != nil {
		return ledger.Instruction{}, err
	}
	switch {
	case ins.Instrument != p.Instrument || ins.Side != side:
		return ledger.Instruction{}, apperr.New(apperr.InvalidInstruction,
			"instruction %d is not a %s of %s", id, side, p.Instrument)
	case ins.Cancelled:
		return ledger.Instruction{}, apperr.New(apperr.InvalidInstruction, "instruction %d is cancelled", id)
	case ins.Remaining < p.Quantity:
		return ledger.Instruction{}, apperr.New(apperr.InsufficientQuantity,
			"instruction %d has %d remaining, proposal needs %d", id, ins.Remaining, p.Quantity)
	}
	return ins, nil
}

func (c *Coordinator) publish(e events.Event) {
	if c.pub != nil {
		c.pub.Publish(e)
	}
}
