package custody

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Reconciler records custody adjustments that could not be applied
type Reconciler interface {
	AppendReconciliation(entry ledger.Reconciliation) (ledger.Reconciliation, error)
}

// Settler moves cash for every executed trade: the buyer is debited and
// the seller credited quantity × price. Only cash moves; holdings of the
// instrument itself are not adjusted here.
//
// A failed adjustment never unwinds the trade. It is logged and written to
// the reconciliation log.
type Settler struct {
	gw    Gateway
	recon Reconciler
	log   *zap.Logger
}

// NewSettler creates a settler; recon may be nil
func NewSettler(gw Gateway, recon Reconciler, logger *zap.Logger) *Settler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{gw: gw, recon: recon, log: logger}
}

// Handle is an events.Handler
func (s *Settler) Handle(ctx context.Context, e events.Event) error {
	te, ok := e.(events.TradeExecuted)
	if !ok {
		return nil
	}
	op := te.Operation
	amount := op.Notional()

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	record(s.adjust(ctx, "decrease", te.Buying.Owner, amount, op, "buyer"))
	record(s.adjust(ctx, "increase", te.Selling.Owner, amount, op, "seller"))
	return first
}

func (s *Settler) adjust(ctx context.Context, action, token string, amount int64, op ledger.Operation, leg string) error {
	ctx = WithIdempotencyKey(ctx, fmt.Sprintf("op-%d-%s", op.ID, leg))

	var err error
	if action == "decrease" {
		err = s.gw.DecreaseBalance(ctx, token, amount)
	} else {
		err = s.gw.IncreaseBalance(ctx, token, amount)
	}
	if err == nil {
		return nil
	}
	if !apperr.Is(err, apperr.UpstreamCustodyFailure) {
		err = apperr.Wrap(apperr.UpstreamCustodyFailure, err, "%s %s", action, token)
	}

	s.log.Error("custody_adjustment_failed",
		zap.String("action", action),
		zap.String("token", token),
		zap.String("amount", ledger.FormatPrice(amount)),
		zap.Int64("operation_id", op.ID),
		zap.String("instrument", op.Instrument),
		zap.Error(err),
	)
	if s.recon != nil {
		_, rerr := s.recon.AppendReconciliation(ledger.Reconciliation{
			Action:      action,
			Token:       token,
			Amount:      amount,
			OperationID: op.ID,
			Reason:      err.Error(),
		})
		if rerr != nil {
			s.log.Error("reconciliation_append_failed", zap.Int64("operation_id", op.ID), zap.Error(rerr))
		}
	}
	return err
}
