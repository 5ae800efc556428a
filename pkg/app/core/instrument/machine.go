// Package instrument owns the trading status machine of an instrument and
// the operator actions that drive it.
//
//	normal ──pause──▶ paused ──resume──▶ normal
//	normal ──trip───▶ surged | declined ──resume──▶ normal
//
// Trips happen only inside settlement, as the side effect of a trade
// attempt that breaches a price bound.
package instrument

import "github.com/uhyunpark/stockcenter/pkg/app/core/ledger"

// CanTransition reports whether the status machine allows from → to.
// Pause and resume are forcing operations, so same-state moves are allowed
// and a halted instrument may also be paused.
func CanTransition(from, to ledger.Status) bool {
	if from == to {
		return true
	}
	switch to {
	case ledger.Normal:
		return from == ledger.Paused || from == ledger.Surged || from == ledger.Declined
	case ledger.Paused:
		return true
	case ledger.Surged, ledger.Declined:
		return from == ledger.Normal
	}
	return false
}

// Breach checks a trade price against the instrument's bounds and returns
// the status it trips to. The surging bound is checked first.
func Breach(st ledger.InstrumentState, price int64) (ledger.Status, bool) {
	if price > st.SurgingLimit {
		return ledger.Surged, true
	}
	if price < st.DecliningLimit {
		return ledger.Declined, true
	}
	return st.Status, false
}
