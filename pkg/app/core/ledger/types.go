package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an instruction of this side matches against
func (s Side) Opposite() Side { return -s }

// Valid reports whether s is Buy or Sell
func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, apperr.New(apperr.Validation, "unknown side %q", v)
}

// Status is the trading status of an instrument
type Status int8

const (
	Normal   Status = iota // Trading enabled
	Paused                 // Halted by an operator
	Surged                 // Halted: trade price broke the surging limit
	Declined               // Halted: trade price broke the declining limit
)

func (s Status) String() string {
	switch s {
	case Normal:
		return "normal"
	case Paused:
		return "paused"
	case Surged:
		return "surged"
	case Declined:
		return "declined"
	default:
		return "unknown"
	}
}

// Halted reports whether the status came from a circuit breaker
func (s Status) Halted() bool { return s == Surged || s == Declined }

// NoSurgingLimit is the sentinel upper bound of an unconfigured instrument
const NoSurgingLimit int64 = math.MaxInt64

// Instruction is a resting buy or sell limit order.
// Rows are never deleted; they are the audit trail.
type Instruction struct {
	ID         int64  `json:"id"`
	Owner      string `json:"owner"` // opaque custody token
	Instrument string `json:"instrument"`
	Side       Side   `json:"side"`
	Price      int64  `json:"price"` // minor units
	Original   int64  `json:"original"`
	Remaining  int64  `json:"remaining"`
	Cancelled  bool   `json:"cancelled"`
	CreatedAt  int64  `json:"created_at"` // unix nanos
}

// Filled returns the executed quantity
func (i Instruction) Filled() int64 { return i.Original - i.Remaining }

// Resting reports whether the instruction is eligible for matching
func (i Instruction) Resting() bool { return !i.Cancelled && i.Remaining > 0 }

// Cancellable reports whether nothing has been executed yet
func (i Instruction) Cancellable() bool { return !i.Cancelled && i.Remaining == i.Original }

// Operation is an executed trade. Append-only.
type Operation struct {
	ID         int64  `json:"id"`
	Time       int64  `json:"time"` // unix nanos
	BuyingID   int64  `json:"buying_id"`
	SellingID  int64  `json:"selling_id"`
	Instrument string `json:"instrument"`
	Quantity   int64  `json:"quantity"`
	Price      int64  `json:"price"` // minor units
}

// Notional returns quantity × price in minor units
func (o Operation) Notional() int64 { return o.Quantity * o.Price }

// InstrumentState is the versioned per-instrument aggregate.
// Version increases on every committed mutation and is the optimistic
// concurrency token carried by matching proposals.
type InstrumentState struct {
	Instrument     string `json:"instrument"`
	Status         Status `json:"status"`
	Version        uint64 `json:"version"`
	ClosingPrice   int64  `json:"closing_price"`
	OpeningPrice   int64  `json:"opening_price"` // 0 until the first trade of the session
	LastPrice      int64  `json:"last_price"`
	HighestPrice   int64  `json:"highest_price"`
	LowestPrice    int64  `json:"lowest_price"`
	SurgingLimit   int64  `json:"surging_limit"`
	DecliningLimit int64  `json:"declining_limit"`
	Volume         int64  `json:"volume"` // traded quantity this session
}

// DefaultState returns the sentinel state created by upserting operations
// on an unknown instrument.
func DefaultState(instrument string, status Status) InstrumentState {
	return InstrumentState{
		Instrument:     instrument,
		Status:         status,
		SurgingLimit:   NoSurgingLimit,
		DecliningLimit: 0,
	}
}

// SeededState returns the state of a newly registered instrument: extrema
// and last price start at the previous session's close.
func SeededState(instrument string, closing, surging, declining int64) InstrumentState {
	return InstrumentState{
		Instrument:     instrument,
		Status:         Normal,
		ClosingPrice:   closing,
		LastPrice:      closing,
		HighestPrice:   closing,
		LowestPrice:    closing,
		SurgingLimit:   surging,
		DecliningLimit: declining,
	}
}

// Opened reports whether the session's first trade has happened
func (s *InstrumentState) Opened() bool { return s.OpeningPrice != 0 }

// ApplyTrade folds an executed trade into prices, extrema and volume
func (s *InstrumentState) ApplyTrade(price, qty int64) {
	if !s.Opened() {
		s.OpeningPrice = price
		// an instrument created with sentinel defaults has no close to seed extrema from
		if s.ClosingPrice == 0 {
			s.HighestPrice = price
			s.LowestPrice = price
		}
	}
	s.LastPrice = price
	if price > s.HighestPrice {
		s.HighestPrice = price
	}
	if price < s.LowestPrice {
		s.LowestPrice = price
	}
	if qty > math.MaxInt64-s.Volume {
		s.Volume = math.MaxInt64
		return
	}
	s.Volume += qty
}

// ValidateInstrument checks an instrument code is usable as a key segment
func ValidateInstrument(code string) error {
	if code == "" {
		return apperr.New(apperr.Validation, "instrument code cannot be empty")
	}
	if strings.ContainsAny(code, ": \t\n") {
		return apperr.New(apperr.Validation, "instrument code %q contains reserved characters", code)
	}
	return nil
}

func (i Instruction) String() string {
	return fmt.Sprintf("#%d %s %s %d/%d@%s", i.ID, i.Instrument, i.Side, i.Remaining, i.Original, FormatPrice(i.Price))
}
