package instrument

import (
	"context"
	"sync"
	"testing"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newTestRegistry(t *testing.T) (*Registry, *ledger.Store, *recorder) {
	t.Helper()
	store, err := ledger.OpenInMemory(ledger.Options{})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	rec := &recorder{}
	return NewRegistry(store, rec, nil), store, rec
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ledger.Status
		want     bool
	}{
		{ledger.Normal, ledger.Paused, true},
		{ledger.Normal, ledger.Surged, true},
		{ledger.Normal, ledger.Declined, true},
		{ledger.Paused, ledger.Normal, true},
		{ledger.Surged, ledger.Normal, true},
		{ledger.Declined, ledger.Normal, true},
		{ledger.Paused, ledger.Paused, true},
		{ledger.Surged, ledger.Paused, true},
		{ledger.Paused, ledger.Surged, false},
		{ledger.Surged, ledger.Declined, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBreach(t *testing.T) {
	st := ledger.SeededState("X", 1000, 1500, 500)
	tests := []struct {
		price  int64
		want   ledger.Status
		breach bool
	}{
		{1500, ledger.Normal, false},
		{1501, ledger.Surged, true},
		{500, ledger.Normal, false},
		{499, ledger.Declined, true},
	}
	for _, tt := range tests {
		got, breach := Breach(st, tt.price)
		if got != tt.want || breach != tt.breach {
			t.Errorf("Breach(%d) = %s,%v want %s,%v", tt.price, got, breach, tt.want, tt.breach)
		}
	}
	if _, breach := Breach(ledger.DefaultState("Y", ledger.Normal), 1<<40); breach {
		t.Errorf("sentinel bounds must not trip")
	}
}

func TestPauseCreatesUnknownInstrument(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.Pause(ctx, "X")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !res.Created || res.State.Status != ledger.Paused || res.State.SurgingLimit != ledger.NoSurgingLimit || res.State.DecliningLimit != 0 {
		t.Errorf("unexpected created state %+v", res)
	}

	again, err := reg.Pause(ctx, "X")
	if err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if again.Created || again.State.Status != ledger.Paused {
		t.Errorf("pause is not idempotent: %+v", again)
	}
	if len(rec.events) != 1 {
		t.Errorf("expected one status event, got %d", len(rec.events))
	}
}

func TestResume(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Resume(ctx, "NOPE"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("resume unknown: expected NotFound, got %v", err)
	}

	if _, err := reg.Register(ctx, "X", 1000, 1500, 500); err != nil {
		t.Fatal(err)
	}
	before, _ := reg.Get("X")
	st, err := reg.Resume(ctx, "X")
	if err != nil {
		t.Fatalf("resume normal: %v", err)
	}
	if st != before {
		t.Errorf("resume of normal instrument changed state: %+v -> %+v", before, st)
	}

	if _, err := reg.Pause(ctx, "X"); err != nil {
		t.Fatal(err)
	}
	st, err = reg.Resume(ctx, "X")
	if err != nil || st.Status != ledger.Normal {
		t.Errorf("resume paused: %+v, %v", st, err)
	}
}

func TestLimitsDoNotChangeStatus(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := reg.SetSurgingLimit(ctx, "X", 1500)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.State.Status != ledger.Normal || res.State.SurgingLimit != 1500 {
		t.Errorf("unexpected state %+v", res)
	}

	if _, err := reg.Pause(ctx, "X"); err != nil {
		t.Fatal(err)
	}
	res, err = reg.SetDecliningLimit(ctx, "X", 800)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || res.State.Status != ledger.Paused || res.State.DecliningLimit != 800 || res.State.SurgingLimit != 1500 {
		t.Errorf("unexpected state %+v", res)
	}

	if _, err := reg.SetSurgingLimit(ctx, "X", 0); !apperr.Is(err, apperr.Validation) {
		t.Errorf("expected ValidationError for zero surging limit, got %v", err)
	}
	if _, err := reg.SetDecliningLimit(ctx, "X", -1); !apperr.Is(err, apperr.Validation) {
		t.Errorf("expected ValidationError for negative declining limit, got %v", err)
	}
}

func TestRegisterSeedsFromClose(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	st, err := reg.Register(context.Background(), "X", 1000, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != ledger.Normal || st.OpeningPrice != 0 || st.LastPrice != 1000 ||
		st.HighestPrice != 1000 || st.LowestPrice != 1000 || st.SurgingLimit != ledger.NoSurgingLimit {
		t.Errorf("unexpected registered state %+v", st)
	}

	if _, err := reg.Register(context.Background(), "Y", 1000, 500, 600); !apperr.Is(err, apperr.Validation) {
		t.Errorf("expected ValidationError for inverted bounds, got %v", err)
	}
}

func TestListHalted(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, code := range []string{"A", "B", "C", "D"} {
		if _, err := reg.Register(ctx, code, 1000, 1500, 500); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := reg.Pause(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	trip := func(code string, status ledger.Status) {
		err := store.Update(ctx, code, func(tx *ledger.Tx) error {
			st, err := tx.GetInstrumentState()
			if err != nil {
				return err
			}
			st.Status = status
			_, err = tx.PutInstrumentState(st)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	trip("B", ledger.Surged)
	trip("C", ledger.Declined)

	halted, err := reg.ListHalted()
	if err != nil {
		t.Fatal(err)
	}
	if len(halted) != 2 || halted[0].Instrument != "B" || halted[1].Instrument != "C" {
		t.Errorf("unexpected halted list %+v", halted)
	}

	all, _ := reg.List()
	if len(all) != 4 {
		t.Errorf("expected 4 instruments, got %d", len(all))
	}
}
