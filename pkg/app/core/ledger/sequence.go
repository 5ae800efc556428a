package ledger

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// sequence hands out strictly increasing row ids.
// Ids consumed by a transaction that is later discarded are not reused.
type sequence struct {
	next atomic.Int64
}

func (s *sequence) Next() int64 { return s.next.Add(1) }

func (s *sequence) Current() int64 { return s.next.Load() }

// seedSequence starts a sequence after the highest id stored under prefix.
// Only keys of the form {prefix}{20-digit id} may live under prefix.
func seedSequence(db pebble.Reader, prefix string) (*sequence, error) {
	lower := []byte(prefix)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", prefix)
	}
	defer iter.Close()

	s := &sequence{}
	if iter.Last() {
		last, err := trailingID(iter.Key())
		if err != nil {
			return nil, errors.Wrapf(err, "seed %s", prefix)
		}
		s.next.Store(last)
	}
	return s, iter.Error()
}
