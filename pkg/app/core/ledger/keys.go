package ledger

import (
	"fmt"
	"math"
	"strconv"
)

// Pebble key schema
//
//	ins:{id}                                  → Instruction (JSON)
//	rest:{instrument}:{b|s}:{pricekey}:{id}   → empty; resting index in price-time order
//	op:{id}                                   → Operation (JSON)
//	opx:{instrument}:{id}                     → empty; operations of an instrument
//	st:{instrument}                           → InstrumentState (JSON)
//	recon:{id}                                → Reconciliation (JSON)
//
// Numeric segments are zero-padded to 20 digits so that lexicographic order
// equals numeric order. Buy price keys are inverted (MaxInt64 - price) so a
// forward scan yields the highest bid first; ids break ties in arrival order.
const (
	prefixInstruction = "ins:"
	prefixResting     = "rest:"
	prefixOperation   = "op:"
	prefixOpIndex     = "opx:"
	prefixState       = "st:"
	prefixRecon       = "recon:"
)

func instructionKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixInstruction, id))
}

func sideTag(side Side) string {
	if side == Buy {
		return "b"
	}
	return "s"
}

// restingPrefix returns the prefix of one side of an instrument's book
// Format: "rest:{instrument}:{b|s}:"
func restingPrefix(instrument string, side Side) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixResting, instrument, sideTag(side)))
}

func restingKey(ins *Instruction) []byte {
	priceKey := ins.Price
	if ins.Side == Buy {
		priceKey = math.MaxInt64 - ins.Price
	}
	return []byte(fmt.Sprintf("%s%020d:%020d", restingPrefix(ins.Instrument, ins.Side), priceKey, ins.ID))
}

func operationKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOperation, id))
}

func operationIndexPrefix(instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOpIndex, instrument))
}

func operationIndexKey(instrument string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", operationIndexPrefix(instrument), id))
}

func stateKey(instrument string) []byte {
	return []byte(prefixState + instrument)
}

func reconKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRecon, id))
}

// trailingID parses the last 20 bytes of a key as an id
func trailingID(key []byte) (int64, error) {
	if len(key) < 20 {
		return 0, fmt.Errorf("key %q too short", key)
	}
	return strconv.ParseInt(string(key[len(key)-20:]), 10, 64)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
