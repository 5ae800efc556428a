package ledger

import (
	"math"
	"testing"
)

func TestApplyTrade(t *testing.T) {
	st := DefaultState("ACME", Normal)
	st.ApplyTrade(1000, 3)
	st.ApplyTrade(1200, 2)
	st.ApplyTrade(900, 1)

	if st.OpeningPrice != 1000 || st.LastPrice != 900 {
		t.Errorf("open/last = %d/%d", st.OpeningPrice, st.LastPrice)
	}
	if st.HighestPrice != 1200 || st.LowestPrice != 900 {
		t.Errorf("high/low = %d/%d", st.HighestPrice, st.LowestPrice)
	}
	if st.Volume != 6 {
		t.Errorf("volume = %d, want 6", st.Volume)
	}
}

func TestApplyTradeVolumeSaturates(t *testing.T) {
	st := DefaultState("ACME", Normal)
	st.ApplyTrade(100, math.MaxInt64-1)
	st.ApplyTrade(100, 5)
	if st.Volume != math.MaxInt64 {
		t.Errorf("volume = %d, want MaxInt64", st.Volume)
	}
}
