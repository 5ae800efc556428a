package ledger

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Tx is a transaction handle scoped to one instrument. Reads observe the
// transaction's own uncommitted writes. Mutating a row of another
// instrument is refused.
type Tx struct {
	store      *Store
	batch      *pebble.Batch
	instrument string
	now        time.Time
}

// Instrument returns the instrument this transaction is scoped to
func (tx *Tx) Instrument() string { return tx.instrument }

// Now returns the transaction timestamp
func (tx *Tx) Now() time.Time { return tx.now }

func (tx *Tx) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	if err := tx.batch.Set(key, data, nil); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

func (tx *Tx) owned(ins Instruction) error {
	if ins.Instrument != tx.instrument {
		return apperr.New(apperr.Internal, "instruction %d belongs to %s, not %s", ins.ID, ins.Instrument, tx.instrument)
	}
	return nil
}

// GetInstruction loads an instruction through the batch
func (tx *Tx) GetInstruction(id int64) (Instruction, error) {
	return getInstruction(tx.batch, id)
}

// GetInstrumentState loads the instrument's state through the batch
func (tx *Tx) GetInstrumentState() (InstrumentState, error) {
	return getInstrumentState(tx.batch, tx.instrument)
}

// InsertInstruction assigns id and creation time, then stores the
// instruction and its resting index entry.
func (tx *Tx) InsertInstruction(ins Instruction) (Instruction, error) {
	if err := tx.owned(ins); err != nil {
		return Instruction{}, err
	}
	ins.ID = tx.store.insSeq.Next()
	ins.CreatedAt = tx.now.UnixNano()
	ins.Remaining = ins.Original
	ins.Cancelled = false

	if err := tx.put(instructionKey(ins.ID), ins); err != nil {
		return Instruction{}, err
	}
	if err := tx.batch.Set(restingKey(&ins), nil, nil); err != nil {
		return Instruction{}, errors.Wrap(err, "index resting instruction")
	}
	return ins, nil
}

// DecrementRemaining reduces an instruction's remaining quantity by qty.
// A fully filled instruction leaves the resting index.
func (tx *Tx) DecrementRemaining(id, qty int64) (Instruction, error) {
	ins, err := tx.GetInstruction(id)
	if err != nil {
		return Instruction{}, err
	}
	if err := tx.owned(ins); err != nil {
		return Instruction{}, err
	}
	if qty <= 0 {
		return Instruction{}, apperr.New(apperr.Validation, "decrement of %d must be positive", qty)
	}
	if ins.Cancelled {
		return Instruction{}, apperr.New(apperr.InvalidInstruction, "instruction %d is cancelled", id)
	}
	if ins.Remaining < qty {
		return Instruction{}, apperr.New(apperr.InsufficientQuantity,
			"instruction %d has %d remaining, need %d", id, ins.Remaining, qty)
	}

	ins.Remaining -= qty
	if err := tx.put(instructionKey(id), ins); err != nil {
		return Instruction{}, err
	}
	if ins.Remaining == 0 {
		if err := tx.batch.Delete(restingKey(&ins), nil); err != nil {
			return Instruction{}, errors.Wrap(err, "unindex filled instruction")
		}
	}
	return ins, nil
}

// MarkCancelled flags an untouched instruction as cancelled and removes it
// from the resting index. Any executed quantity makes it NotCancellable.
func (tx *Tx) MarkCancelled(id int64) (Instruction, error) {
	ins, err := tx.GetInstruction(id)
	if err != nil {
		return Instruction{}, err
	}
	if err := tx.owned(ins); err != nil {
		return Instruction{}, err
	}
	if !ins.Cancellable() {
		if ins.Cancelled {
			return Instruction{}, apperr.New(apperr.NotCancellable, "instruction %d already cancelled", id)
		}
		return Instruction{}, apperr.New(apperr.NotCancellable,
			"instruction %d already executed %d of %d", id, ins.Filled(), ins.Original)
	}

	ins.Cancelled = true
	if err := tx.put(instructionKey(id), ins); err != nil {
		return Instruction{}, err
	}
	if err := tx.batch.Delete(restingKey(&ins), nil); err != nil {
		return Instruction{}, errors.Wrap(err, "unindex cancelled instruction")
	}
	return ins, nil
}

// InsertOperation appends an operation, assigning its id and time
func (tx *Tx) InsertOperation(op Operation) (Operation, error) {
	if op.Instrument != tx.instrument {
		return Operation{}, apperr.New(apperr.Internal, "operation for %s in transaction on %s", op.Instrument, tx.instrument)
	}
	op.ID = tx.store.opSeq.Next()
	op.Time = tx.now.UnixNano()
	if err := tx.put(operationKey(op.ID), op); err != nil {
		return Operation{}, err
	}
	if err := tx.batch.Set(operationIndexKey(op.Instrument, op.ID), nil, nil); err != nil {
		return Operation{}, errors.Wrap(err, "index operation")
	}
	return op, nil
}

// PutInstrumentState stores st with its version advanced by one.
// The stored state is returned.
func (tx *Tx) PutInstrumentState(st InstrumentState) (InstrumentState, error) {
	if st.Instrument != tx.instrument {
		return InstrumentState{}, apperr.New(apperr.Internal, "state of %s in transaction on %s", st.Instrument, tx.instrument)
	}
	st.Version++
	if err := tx.put(stateKey(st.Instrument), st); err != nil {
		return InstrumentState{}, err
	}
	return st, nil
}

// Lookup is the result of an upsert: the stored state and whether it was
// created from defaults rather than found.
type Lookup struct {
	State   InstrumentState
	Created bool
}

// EnsureInstrumentState returns the recorded state, creating it from
// DefaultState(instrument, defaultStatus) only when none exists.
func (tx *Tx) EnsureInstrumentState(defaultStatus Status) (Lookup, error) {
	st, err := tx.GetInstrumentState()
	if err == nil {
		return Lookup{State: st}, nil
	}
	if !apperr.Is(err, apperr.NotFound) {
		return Lookup{}, err
	}
	st, err = tx.PutInstrumentState(DefaultState(tx.instrument, defaultStatus))
	if err != nil {
		return Lookup{}, err
	}
	return Lookup{State: st, Created: true}, nil
}

// UpsertInstrumentState applies mutate to the recorded state, or to
// DefaultState(instrument, defaultStatus) when none exists, and stores the
// result.
func (tx *Tx) UpsertInstrumentState(defaultStatus Status, mutate func(*InstrumentState)) (Lookup, error) {
	st, err := tx.GetInstrumentState()
	created := false
	if apperr.Is(err, apperr.NotFound) {
		st, created = DefaultState(tx.instrument, defaultStatus), true
	} else if err != nil {
		return Lookup{}, err
	}

	mutate(&st)
	st, err = tx.PutInstrumentState(st)
	if err != nil {
		return Lookup{}, err
	}
	return Lookup{State: st, Created: created}, nil
}
