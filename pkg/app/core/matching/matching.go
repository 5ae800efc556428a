// Package matching derives trade proposals from a book snapshot.
// It is a pure function of its input: it reads nothing and mutates nothing.
// Proposals are committed, or rejected as stale, by settlement.
package matching

import (
	"cmp"
	"slices"

	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
)

// Snapshot is the input of one matching pass: the incoming instruction,
// the opposite side of its instrument's book in priority order, and the
// instrument state the book was read against.
type Snapshot struct {
	Incoming ledger.Instruction
	Opposite []ledger.Instruction
	State    ledger.InstrumentState
}

// FromBook builds a snapshot for incoming from a ledger read of the
// opposite side.
func FromBook(incoming ledger.Instruction, book ledger.Book) Snapshot {
	return Snapshot{Incoming: incoming, Opposite: book.Resting, State: book.State}
}

// Proposal is a single trade that settlement may commit if the instrument
// is still at ExpectedVersion.
type Proposal struct {
	Instrument      string
	ExpectedVersion uint64
	BuyingID        int64
	SellingID       int64
	Quantity        int64
	Price           int64 // minor units
}

// Notional returns quantity × price in minor units
func (p Proposal) Notional() int64 { return p.Quantity * p.Price }

// Propose scans the opposite side in priority order and proposes a trade
// with the first compatible resting instruction. At most one proposal is
// made per pass; nothing is proposed unless the instrument is normal.
// Self-trades are not prevented.
func Propose(s Snapshot) (Proposal, bool) {
	in := s.Incoming
	if !in.Resting() || !in.Side.Valid() || s.State.Status != ledger.Normal {
		return Proposal{}, false
	}

	for _, r := range s.Opposite {
		if r.ID == in.ID || r.Instrument != in.Instrument || r.Side != in.Side.Opposite() {
			continue
		}
		// zero remaining counts as filled
		if !r.Resting() {
			continue
		}
		if !Compatible(in, r) {
			continue
		}

		p := Proposal{
			Instrument:      in.Instrument,
			ExpectedVersion: s.State.Version,
			Quantity:        min(in.Remaining, r.Remaining),
			Price:           Midpoint(in.Price, r.Price),
		}
		if in.Side == ledger.Buy {
			p.BuyingID, p.SellingID = in.ID, r.ID
		} else {
			p.BuyingID, p.SellingID = r.ID, in.ID
		}
		return p, true
	}
	return Proposal{}, false
}

// Compatible reports whether resting crosses incoming: a buy accepts
// resting sells at or below its limit, a sell accepts resting buys at or
// above its limit.
func Compatible(incoming, resting ledger.Instruction) bool {
	if incoming.Side == ledger.Buy {
		return resting.Price <= incoming.Price
	}
	return resting.Price >= incoming.Price
}

// Midpoint returns the mean of two non-negative minor-unit prices rounded
// half-up to the minor unit, without overflowing.
func Midpoint(a, b int64) int64 {
	return a/2 + b/2 + (a%2+b%2+1)/2
}

// Less orders instructions of one side by price-time priority: better
// price first (higher for buys, lower for sells), then earlier arrival.
func Less(a, b ledger.Instruction) bool {
	return compare(a, b) < 0
}

func compare(a, b ledger.Instruction) int {
	if a.Price != b.Price {
		if a.Side == ledger.Buy {
			return cmp.Compare(b.Price, a.Price)
		}
		return cmp.Compare(a.Price, b.Price)
	}
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortResting orders one side of a book in place by price-time priority
func SortResting(side []ledger.Instruction) {
	slices.SortStableFunc(side, compare)
}
