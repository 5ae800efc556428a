package instrument

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Ledger is the part of the ledger store the registry needs
type Ledger interface {
	Update(ctx context.Context, instrument string, fn func(*ledger.Tx) error) error
	GetInstrumentState(instrument string) (ledger.InstrumentState, error)
	ListInstrumentStates() ([]ledger.InstrumentState, error)
}

// Registry applies operator actions to instrument state.
// Every action is one ledger transaction on the instrument.
type Registry struct {
	ledger Ledger
	pub    events.Publisher
	log    *zap.Logger
}

// NewRegistry creates a registry; pub may be nil
func NewRegistry(l Ledger, pub events.Publisher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{ledger: l, pub: pub, log: logger}
}

func (r *Registry) notify(code string, from, to ledger.Status, reason string, at int64) {
	if from == to {
		return
	}
	r.log.Info("instrument_status_changed",
		zap.String("instrument", code),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
	if r.pub != nil {
		r.pub.Publish(events.NewStatusChanged(code, from, to, 0, reason, at))
	}
}

// Register opens a session for an instrument: status normal, no opening
// price yet, last price and extrema seeded from the previous close.
// A non-positive surging limit means unbounded.
func (r *Registry) Register(ctx context.Context, code string, closing, surging, declining int64) (ledger.InstrumentState, error) {
	if surging <= 0 {
		surging = ledger.NoSurgingLimit
	}
	switch {
	case closing < 0:
		return ledger.InstrumentState{}, apperr.New(apperr.Validation, "closing price must not be negative")
	case declining < 0:
		return ledger.InstrumentState{}, apperr.New(apperr.Validation, "declining limit must not be negative")
	case declining > surging:
		return ledger.InstrumentState{}, apperr.New(apperr.Validation, "declining limit above surging limit")
	}

	var (
		out  ledger.InstrumentState
		from = ledger.Normal
	)
	err := r.ledger.Update(ctx, code, func(tx *ledger.Tx) error {
		st := ledger.SeededState(code, closing, surging, declining)
		prev, err := tx.GetInstrumentState()
		switch {
		case err == nil:
			st.Version = prev.Version
			from = prev.Status
		case !apperr.Is(err, apperr.NotFound):
			return err
		}
		out, err = tx.PutInstrumentState(st)
		return err
	})
	if err != nil {
		return ledger.InstrumentState{}, err
	}
	r.notify(code, from, ledger.Normal, "session opened", 0)
	return out, nil
}

// Pause forces the instrument to paused. Pausing an unknown instrument
// creates it with sentinel bounds; pausing a paused one is a no-op.
func (r *Registry) Pause(ctx context.Context, code string) (ledger.Lookup, error) {
	var (
		res  ledger.Lookup
		from ledger.Status
		at   int64
	)
	err := r.ledger.Update(ctx, code, func(tx *ledger.Tx) error {
		var err error
		at = tx.Now().UnixNano()
		res, err = tx.UpsertInstrumentState(ledger.Paused, func(st *ledger.InstrumentState) {
			from = st.Status
			st.Status = ledger.Paused
		})
		return err
	})
	if err != nil {
		return ledger.Lookup{}, err
	}
	if res.Created {
		r.log.Info("instrument_created", zap.String("instrument", code), zap.String("by", "pause"))
		from = ledger.Normal
	}
	r.notify(code, from, ledger.Paused, "operator pause", at)
	return res, nil
}

// Resume forces the instrument back to normal from any status. An unknown
// instrument is NotFound; resuming a normal instrument succeeds unchanged.
func (r *Registry) Resume(ctx context.Context, code string) (ledger.InstrumentState, error) {
	var (
		out  ledger.InstrumentState
		from ledger.Status
		at   int64
	)
	err := r.ledger.Update(ctx, code, func(tx *ledger.Tx) error {
		st, err := tx.GetInstrumentState()
		if err != nil {
			return err
		}
		from, at = st.Status, tx.Now().UnixNano()
		if st.Status == ledger.Normal {
			out = st
			return nil
		}
		if !CanTransition(st.Status, ledger.Normal) {
			return apperr.New(apperr.Internal, "cannot resume %s from %s", code, st.Status)
		}
		st.Status = ledger.Normal
		out, err = tx.PutInstrumentState(st)
		return err
	})
	if err != nil {
		return ledger.InstrumentState{}, err
	}
	r.notify(code, from, ledger.Normal, "operator resume", at)
	return out, nil
}

// SetSurgingLimit upserts the upper price bound without touching status
func (r *Registry) SetSurgingLimit(ctx context.Context, code string, price int64) (ledger.Lookup, error) {
	if price <= 0 {
		return ledger.Lookup{}, apperr.New(apperr.Validation, "surging limit must be positive")
	}
	return r.upsertLimit(ctx, code, func(st *ledger.InstrumentState) { st.SurgingLimit = price })
}

// SetDecliningLimit upserts the lower price bound without touching status
func (r *Registry) SetDecliningLimit(ctx context.Context, code string, price int64) (ledger.Lookup, error) {
	if price < 0 {
		return ledger.Lookup{}, apperr.New(apperr.Validation, "declining limit must not be negative")
	}
	return r.upsertLimit(ctx, code, func(st *ledger.InstrumentState) { st.DecliningLimit = price })
}

func (r *Registry) upsertLimit(ctx context.Context, code string, set func(*ledger.InstrumentState)) (ledger.Lookup, error) {
	var res ledger.Lookup
	err := r.ledger.Update(ctx, code, func(tx *ledger.Tx) error {
		var err error
		res, err = tx.UpsertInstrumentState(ledger.Normal, set)
		return err
	})
	if err != nil {
		return ledger.Lookup{}, err
	}
	if res.Created {
		r.log.Info("instrument_created", zap.String("instrument", code), zap.String("by", "limit"))
	}
	return res, nil
}

// Get returns the recorded state of an instrument
func (r *Registry) Get(code string) (ledger.InstrumentState, error) {
	return r.ledger.GetInstrumentState(code)
}

// List returns every instrument with recorded state
func (r *Registry) List() ([]ledger.InstrumentState, error) {
	return r.ledger.ListInstrumentStates()
}

// ListHalted returns instruments halted by a circuit breaker
func (r *Registry) ListHalted() ([]ledger.InstrumentState, error) {
	all, err := r.ledger.ListInstrumentStates()
	if err != nil {
		return nil, err
	}
	halted := make([]ledger.InstrumentState, 0)
	for _, st := range all {
		if st.Status.Halted() {
			halted = append(halted, st)
		}
	}
	return halted, nil
}
