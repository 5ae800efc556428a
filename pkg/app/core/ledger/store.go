// Package ledger is the durable home of instructions, operations and
// per-instrument state. All mutations go through Store.Update, which runs a
// closure against a Pebble indexed batch and commits it atomically.
package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/uhyunpark/stockcenter/pkg/apperr"
	"github.com/uhyunpark/stockcenter/pkg/util"
)

// DefaultTxTimeout bounds a transaction whose context carries no deadline
const DefaultTxTimeout = 2 * time.Second

type Options struct {
	// TxTimeout applies to Update calls whose context has no deadline
	TxTimeout time.Duration
	// FS overrides the filesystem; vfs.NewMem() keeps everything in memory
	FS     vfs.FS
	Clock  util.Clock
	Logger *zap.Logger
}

// Store persists the trading ledger in Pebble.
// Writes to one instrument are serialized by a per-instrument semaphore;
// different instruments commit in parallel.
type Store struct {
	db    *pebble.DB
	log   *zap.Logger
	clock util.Clock

	txTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]*semaphore.Weighted

	insSeq   *sequence
	opSeq    *sequence
	reconSeq *sequence
}

// Open opens (or creates) the ledger at dir
func Open(dir string, opts Options) (*Store, error) {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = DefaultTxTimeout
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db, err := pebble.Open(dir, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble db at %s", dir)
	}

	s := &Store{
		db:        db,
		log:       opts.Logger,
		clock:     opts.Clock,
		txTimeout: opts.TxTimeout,
		locks:     make(map[string]*semaphore.Weighted),
	}
	for _, seed := range []struct {
		seq    **sequence
		prefix string
	}{
		{&s.insSeq, prefixInstruction},
		{&s.opSeq, prefixOperation},
		{&s.reconSeq, prefixRecon},
	} {
		if *seed.seq, err = seedSequence(db, seed.prefix); err != nil {
			db.Close()
			return nil, err
		}
	}

	s.log.Info("ledger_opened",
		zap.String("dir", dir),
		zap.Int64("last_instruction", s.insSeq.Current()),
		zap.Int64("last_operation", s.opSeq.Current()),
	)
	return s, nil
}

// OpenInMemory opens a ledger backed by an in-memory filesystem
func OpenInMemory(opts Options) (*Store, error) {
	opts.FS = vfs.NewMem()
	return Open("ledger", opts)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock(instrument string) *semaphore.Weighted {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	sem, ok := s.locks[instrument]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[instrument] = sem
	}
	return sem
}

// Update runs fn inside a transaction scoped to one instrument.
// The batch is committed with pebble.Sync only when fn returns nil and the
// context is still live; every other exit path discards it. Failing to
// obtain the instrument before the deadline yields Busy.
func (s *Store) Update(ctx context.Context, instrument string, fn func(*Tx) error) error {
	if err := ValidateInstrument(instrument); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	sem := s.lock(instrument)
	if err := sem.Acquire(ctx, 1); err != nil {
		return apperr.Wrap(apperr.Busy, err, "instrument %s busy", instrument)
	}
	defer sem.Release(1)

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	tx := &Tx{store: s, batch: batch, instrument: instrument, now: s.clock.Now()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Busy, err, "transaction on %s timed out", instrument)
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "commit transaction on %s", instrument)
	}
	return nil
}

// GetInstruction loads an instruction by id
func (s *Store) GetInstruction(id int64) (Instruction, error) {
	return getInstruction(s.db, id)
}

// GetInstrumentState loads the state of an instrument
func (s *Store) GetInstrumentState(instrument string) (InstrumentState, error) {
	return getInstrumentState(s.db, instrument)
}

// Book is a consistent read of one side of an instrument's book together
// with the instrument state it was taken against.
type Book struct {
	State   InstrumentState
	Known   bool // false when the instrument has no recorded state
	Side    Side
	Resting []Instruction
}

// ReadBook reads the instrument state and the resting instructions of one
// side under a single Pebble snapshot.
func (s *Store) ReadBook(instrument string, side Side) (Book, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	book := Book{Side: side}
	st, err := getInstrumentState(snap, instrument)
	switch {
	case err == nil:
		book.State, book.Known = st, true
	case apperr.Is(err, apperr.NotFound):
		book.State = DefaultState(instrument, Normal)
	default:
		return Book{}, err
	}

	book.Resting, err = listResting(snap, instrument, side)
	if err != nil {
		return Book{}, err
	}
	return book, nil
}

// ListResting returns live instructions of one side in price-time priority:
// buys by price descending, sells ascending, ties by arrival.
func (s *Store) ListResting(instrument string, side Side) ([]Instruction, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return listResting(snap, instrument, side)
}

func listResting(r pebble.Reader, instrument string, side Side) ([]Instruction, error) {
	prefix := restingPrefix(instrument, side)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan resting %s %s", instrument, side)
	}
	defer iter.Close()

	var out []Instruction
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := trailingID(iter.Key())
		if err != nil {
			return nil, errors.Wrap(err, "decode resting key")
		}
		ins, err := getInstruction(r, id)
		if err != nil {
			return nil, err
		}
		if ins.Resting() {
			out = append(out, ins)
		}
	}
	return out, iter.Error()
}

// ListOperations returns the operations of an instrument in execution order
func (s *Store) ListOperations(instrument string) ([]Operation, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	prefix := operationIndexPrefix(instrument)
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan operations of %s", instrument)
	}
	defer iter.Close()

	var ops []Operation
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := trailingID(iter.Key())
		if err != nil {
			return nil, errors.Wrap(err, "decode operation index key")
		}
		var op Operation
		found, err := getJSON(snap, operationKey(id), &op)
		if err != nil {
			return nil, err
		}
		if found {
			ops = append(ops, op)
		}
	}
	return ops, iter.Error()
}

// ListInstrumentStates returns every recorded instrument state ordered by code
func (s *Store) ListInstrumentStates() ([]InstrumentState, error) {
	var states []InstrumentState
	err := scanJSON(s.db, []byte(prefixState), func(raw []byte) error {
		var st InstrumentState
		if err := json.Unmarshal(raw, &st); err != nil {
			return errors.Wrap(err, "unmarshal instrument state")
		}
		states = append(states, st)
		return nil
	})
	return states, err
}

// Reconciliation records a custody side effect that failed after the ledger
// had already committed. Operators replay or settle these by hand.
type Reconciliation struct {
	ID            int64  `json:"id"`
	Time          int64  `json:"time"`
	Action        string `json:"action"` // increase, decrease, defreeze
	Token         string `json:"token"`
	Amount        int64  `json:"amount,omitempty"` // minor units
	OperationID   int64  `json:"operation_id,omitempty"`
	InstructionID int64  `json:"instruction_id,omitempty"`
	Reason        string `json:"reason"`
}

// AppendReconciliation stores a reconciliation entry and returns it with
// id and time assigned.
func (s *Store) AppendReconciliation(entry Reconciliation) (Reconciliation, error) {
	entry.ID = s.reconSeq.Next()
	if entry.Time == 0 {
		entry.Time = s.clock.Now().UnixNano()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Reconciliation{}, errors.Wrap(err, "marshal reconciliation")
	}
	if err := s.db.Set(reconKey(entry.ID), data, pebble.Sync); err != nil {
		return Reconciliation{}, errors.Wrap(err, "save reconciliation")
	}
	return entry, nil
}

// ListReconciliation returns all reconciliation entries oldest first
func (s *Store) ListReconciliation() ([]Reconciliation, error) {
	var out []Reconciliation
	err := scanJSON(s.db, []byte(prefixRecon), func(raw []byte) error {
		var r Reconciliation
		if err := json.Unmarshal(raw, &r); err != nil {
			return errors.Wrap(err, "unmarshal reconciliation")
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func getInstruction(r pebble.Reader, id int64) (Instruction, error) {
	var ins Instruction
	found, err := getJSON(r, instructionKey(id), &ins)
	if err != nil {
		return Instruction{}, err
	}
	if !found {
		return Instruction{}, apperr.New(apperr.NotFound, "instruction %d not found", id)
	}
	return ins, nil
}

func getInstrumentState(r pebble.Reader, instrument string) (InstrumentState, error) {
	var st InstrumentState
	found, err := getJSON(r, stateKey(instrument), &st)
	if err != nil {
		return InstrumentState{}, err
	}
	if !found {
		return InstrumentState{}, apperr.New(apperr.NotFound, "instrument %s not found", instrument)
	}
	return st, nil
}

// getJSON reports false when key is absent
func getJSON(r pebble.Reader, key []byte, v any) (bool, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get %s", key)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "unmarshal %s", key)
	}
	return true, nil
}

func scanJSON(r pebble.Reader, prefix []byte, fn func(raw []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return errors.Wrapf(err, "scan %s", prefix)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
