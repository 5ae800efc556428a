// Package exchange is the caller-facing trading core: it validates
// requests, freezes funds through custody, records instructions, drives
// matching passes through settlement and answers queries.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/instrument"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/app/core/settlement"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
	"github.com/uhyunpark/stockcenter/pkg/custody"
	"github.com/uhyunpark/stockcenter/pkg/util"
)

type Config struct {
	// Shards is the number of single-goroutine instrument queues
	Shards int
	// QueueSize bounds each shard's backlog
	QueueSize int
	// MaxPasses bounds the single-trade passes run for one instruction
	MaxPasses int
	// MaxRetries bounds re-derivations after a stale proposal
	MaxRetries   int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Shards:       8,
		QueueSize:    1024,
		MaxPasses:    1000,
		MaxRetries:   5,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// Service is safe for concurrent use
type Service struct {
	cfg      Config
	ledger   *ledger.Store
	registry *instrument.Registry
	coord    *settlement.Coordinator
	custody  custody.Gateway
	clock    util.Clock
	log      *zap.Logger

	shards    []*shard
	closeOnce sync.Once
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the clock used for retry backoff
func WithClock(c util.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New wires a service over store. Events from settlement and operator
// actions go to pub, which may be nil.
func New(store *ledger.Store, gw custody.Gateway, pub events.Publisher, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = def.MaxPasses
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:      cfg,
		ledger:   store,
		registry: instrument.NewRegistry(store, pub, logger.Named("instrument")),
		coord:    settlement.NewCoordinator(store, pub, logger.Named("settlement")),
		custody:  gw,
		clock:    util.RealClock{},
		log:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.shards = make([]*shard, cfg.Shards)
	for i := range s.shards {
		s.shards[i] = newShard(i, cfg.QueueSize)
	}
	return s
}

// Close stops the shard workers. Queued requests fail with Busy.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		for _, sh := range s.shards {
			sh.stop()
		}
	})
}

func (s *Service) on(ctx context.Context, code string, fn func(ctx context.Context) error) error {
	return pickShard(s.shards, code).do(ctx, fn)
}

// Submission is the outcome of a submit: the stored instruction as it
// stands after matching, and the trades it took part in
type Submission struct {
	Instruction ledger.Instruction
	Match       MatchResult
}

// SubmitBuy submits a buy limit instruction
func (s *Service) SubmitBuy(ctx context.Context, owner, code string, price, qty int64) (Submission, error) {
	return s.Submit(ctx, owner, code, ledger.Buy, price, qty)
}

// SubmitSell submits a sell limit instruction
func (s *Service) SubmitSell(ctx context.Context, owner, code string, price, qty int64) (Submission, error) {
	return s.Submit(ctx, owner, code, ledger.Sell, price, qty)
}

// Submit validates and records a limit instruction, then matches it. An
// instrument without recorded state is created normal and unbounded.
//
// The owner's funds are frozen before anything is stored; a custody
// failure rejects the submission with nothing recorded. Once stored the
// instruction is accepted: a matching failure is logged and leaves it
// resting rather than failing the submission.
func (s *Service) Submit(ctx context.Context, owner, code string, side ledger.Side, price, qty int64) (Submission, error) {
	switch {
	case owner == "":
		return Submission{}, apperr.New(apperr.Validation, "owner token is required")
	case !side.Valid():
		return Submission{}, apperr.New(apperr.Validation, "side must be buy or sell")
	case price <= 0:
		return Submission{}, apperr.New(apperr.Validation, "price must be positive, got %s", ledger.FormatPrice(price))
	case qty <= 0:
		return Submission{}, apperr.New(apperr.Validation, "quantity must be positive, got %d", qty)
	}
	// every trade of this instruction settles at or below price and quantity
	if _, ok := ledger.Notional(price, qty); !ok {
		return Submission{}, apperr.New(apperr.Validation, "price %s x quantity %d exceeds the settlement range", ledger.FormatPrice(price), qty)
	}
	if err := ledger.ValidateInstrument(code); err != nil {
		return Submission{}, err
	}

	if err := s.custody.Freeze(ctx, owner); err != nil {
		s.log.Warn("freeze_failed", zap.String("owner", owner), zap.String("instrument", code), zap.Error(err))
		if !apperr.Is(err, apperr.UpstreamCustodyFailure) {
			err = apperr.Wrap(apperr.UpstreamCustodyFailure, err, "freeze %s", owner)
		}
		return Submission{}, err
	}

	var (
		sub     Submission
		stored  bool
		created bool
	)
	err := s.on(ctx, code, func(ctx context.Context) error {
		err := s.ledger.Update(ctx, code, func(tx *ledger.Tx) error {
			lookup, err := tx.EnsureInstrumentState(ledger.Normal)
			if err != nil {
				return err
			}
			created = lookup.Created
			sub.Instruction, err = tx.InsertInstruction(ledger.Instruction{
				Owner:      owner,
				Instrument: code,
				Side:       side,
				Price:      price,
				Original:   qty,
			})
			return err
		})
		if err != nil {
			return err
		}
		stored = true
		if created {
			s.log.Info("instrument_created", zap.String("instrument", code), zap.String("by", "submit"))
		}
		s.log.Info("instruction_submitted",
			zap.Int64("id", sub.Instruction.ID),
			zap.String("instrument", code),
			zap.Stringer("side", side),
			zap.String("price", ledger.FormatPrice(price)),
			zap.Int64("quantity", qty),
		)

		var merr error
		sub.Match, merr = s.match(ctx, sub.Instruction.ID)
		if merr != nil {
			s.log.Warn("match_failed", zap.Int64("id", sub.Instruction.ID), zap.Error(merr))
		}
		if latest, gerr := s.ledger.GetInstruction(sub.Instruction.ID); gerr == nil {
			sub.Instruction = latest
		}
		return nil
	})
	if err != nil && !stored {
		s.release(ctx, owner, 0, "submission not stored")
		return Submission{}, err
	}
	return sub, nil
}

// Match re-runs matching passes for a resting instruction
func (s *Service) Match(ctx context.Context, id int64) (MatchResult, error) {
	ins, err := s.ledger.GetInstruction(id)
	if err != nil {
		return MatchResult{}, err
	}
	var res MatchResult
	err = s.on(ctx, ins.Instrument, func(ctx context.Context) error {
		var err error
		res, err = s.match(ctx, id)
		return err
	})
	return res, err
}

// Cancel cancels an instruction that has not executed anything. After the
// cancellation commits the owner's funds are released; a custody failure
// there is logged and reconciled, not returned.
func (s *Service) Cancel(ctx context.Context, id int64) (ledger.Instruction, error) {
	ins, err := s.ledger.GetInstruction(id)
	if err != nil {
		return ledger.Instruction{}, err
	}

	var out ledger.Instruction
	err = s.on(ctx, ins.Instrument, func(ctx context.Context) error {
		return s.ledger.Update(ctx, ins.Instrument, func(tx *ledger.Tx) error {
			var err error
			out, err = tx.MarkCancelled(id)
			return err
		})
	})
	if err != nil {
		return ledger.Instruction{}, err
	}

	s.log.Info("instruction_cancelled", zap.Int64("id", id), zap.String("instrument", out.Instrument))
	s.release(ctx, out.Owner, id, "cancel")
	return out, nil
}

// CancelSide cancels an instruction after checking it is of the given side
func (s *Service) CancelSide(ctx context.Context, id int64, side ledger.Side) (ledger.Instruction, error) {
	ins, err := s.ledger.GetInstruction(id)
	if err != nil {
		return ledger.Instruction{}, err
	}
	if ins.Side != side {
		return ledger.Instruction{}, apperr.New(apperr.Validation, "instruction %d is a %s, not a %s", id, ins.Side, side)
	}
	return s.Cancel(ctx, id)
}

// release defreezes an owner's funds, recording a reconciliation entry if
// custody refuses
func (s *Service) release(ctx context.Context, owner string, instructionID int64, reason string) {
	if instructionID != 0 {
		ctx = custody.WithIdempotencyKey(ctx, fmt.Sprintf("cancel-%d", instructionID))
	}
	err := s.custody.Defreeze(ctx, owner)
	if err == nil {
		return
	}
	s.log.Error("custody_defreeze_failed",
		zap.String("owner", owner),
		zap.Int64("instruction_id", instructionID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if _, rerr := s.ledger.AppendReconciliation(ledger.Reconciliation{
		Action:        "defreeze",
		Token:         owner,
		InstructionID: instructionID,
		Reason:        err.Error(),
	}); rerr != nil {
		s.log.Error("reconciliation_append_failed", zap.Error(rerr))
	}
}

// Register opens a trading session for an instrument
func (s *Service) Register(ctx context.Context, code string, closing, surging, declining int64) (ledger.InstrumentState, error) {
	var st ledger.InstrumentState
	err := s.on(ctx, code, func(ctx context.Context) error {
		var err error
		st, err = s.registry.Register(ctx, code, closing, surging, declining)
		return err
	})
	return st, err
}

// Pause halts trading on an instrument, creating it if unknown
func (s *Service) Pause(ctx context.Context, code string) (ledger.Lookup, error) {
	var res ledger.Lookup
	err := s.on(ctx, code, func(ctx context.Context) error {
		var err error
		res, err = s.registry.Pause(ctx, code)
		return err
	})
	return res, err
}

// Resume returns an instrument to normal trading
func (s *Service) Resume(ctx context.Context, code string) (ledger.InstrumentState, error) {
	var st ledger.InstrumentState
	err := s.on(ctx, code, func(ctx context.Context) error {
		var err error
		st, err = s.registry.Resume(ctx, code)
		return err
	})
	return st, err
}

// SetSurgingLimit upserts the instrument's upper price bound
func (s *Service) SetSurgingLimit(ctx context.Context, code string, price int64) (ledger.Lookup, error) {
	var res ledger.Lookup
	err := s.on(ctx, code, func(ctx context.Context) error {
		var err error
		res, err = s.registry.SetSurgingLimit(ctx, code, price)
		return err
	})
	return res, err
}

// SetDecliningLimit upserts the instrument's lower price bound; 0 clears it
func (s *Service) SetDecliningLimit(ctx context.Context, code string, price int64) (ledger.Lookup, error) {
	var res ledger.Lookup
	err := s.on(ctx, code, func(ctx context.Context) error {
		var err error
		res, err = s.registry.SetDecliningLimit(ctx, code, price)
		return err
	})
	return res, err
}
