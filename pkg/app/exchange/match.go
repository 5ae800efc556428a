package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/app/core/matching"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// MatchResult collects what the matching passes of one instruction did
type MatchResult struct {
	Operations []ledger.Operation
	// Halted is set when a pass tripped the instrument's circuit breaker
	Halted bool
	Status ledger.Status
	// Retries counts stale proposals that were re-derived
	Retries int
}

// Filled returns the quantity executed by these passes
func (r MatchResult) Filled() int64 {
	var n int64
	for _, op := range r.Operations {
		n += op.Quantity
	}
	return n
}

// match runs single-trade passes for one instruction until it is filled,
// no compatible counterparty remains, the instrument halts, or MaxPasses
// is reached. Must run on the instrument's shard.
func (s *Service) match(ctx context.Context, id int64) (MatchResult, error) {
	var res MatchResult
	for passes := 0; passes < s.cfg.MaxPasses; {
		ins, err := s.ledger.GetInstruction(id)
		if err != nil {
			return res, err
		}
		if !ins.Resting() {
			return res, nil
		}

		book, err := s.ledger.ReadBook(ins.Instrument, ins.Side.Opposite())
		if err != nil {
			return res, err
		}
		// state is created on submission; a missing one means nothing can trade
		if !book.Known {
			return res, nil
		}
		p, ok := matching.Propose(matching.FromBook(ins, book))
		if !ok {
			return res, nil
		}

		out, err := s.coord.Settle(ctx, p)
		if err != nil {
			if !apperr.Retryable(err) {
				return res, err
			}
			if res.Retries >= s.cfg.MaxRetries {
				return res, apperr.Wrap(apperr.Busy, err, "instruction %d: gave up after %d retries", id, res.Retries)
			}
			res.Retries++
			s.log.Debug("proposal_stale", zap.Int64("id", id), zap.Int("retry", res.Retries), zap.Error(err))
			if err := s.backoff(ctx, res.Retries); err != nil {
				return res, err
			}
			continue
		}

		passes++
		if out.Halted {
			res.Halted, res.Status = true, out.Status
			return res, nil
		}
		res.Operations = append(res.Operations, out.Operation)
	}

	s.log.Warn("match_pass_limit", zap.Int64("id", id), zap.Int("passes", s.cfg.MaxPasses))
	return res, nil
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	if s.cfg.RetryBackoff <= 0 {
		return nil
	}
	select {
	case <-s.clock.After(time.Duration(attempt) * s.cfg.RetryBackoff):
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.Busy, ctx.Err(), "matching interrupted")
	}
}
