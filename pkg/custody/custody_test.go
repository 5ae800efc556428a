package custody

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

type fakeAccountService struct {
	mu       sync.Mutex
	calls    []string
	forms    []map[string]string
	keys     []string
	rejectOn string
}

func (f *fakeAccountService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	f.forms = append(f.forms, map[string]string{"token": r.PostForm.Get("token"), "amount": r.PostForm.Get("amount")})
	f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
	reject := f.rejectOn == r.URL.Path
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reject {
		json.NewEncoder(w).Encode(map[string]string{"state": "error", "info": "insufficient funds"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"state": "ok"})
}

func TestHTTPGatewayCalls(t *testing.T) {
	svc := &fakeAccountService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL+"/", time.Second, nil)
	ctx := WithIdempotencyKey(context.Background(), "op-1-buyer")

	require.NoError(t, gw.Freeze(context.Background(), "alice"))
	require.NoError(t, gw.Defreeze(context.Background(), "alice"))
	require.NoError(t, gw.DecreaseBalance(ctx, "alice", 47500))
	require.NoError(t, gw.IncreaseBalance(context.Background(), "bob", 47500))

	require.Equal(t, []string{"/capital/freeze", "/capital/defreeze", "/capital/decrease", "/capital/increase"}, svc.calls)
	require.Equal(t, "475.00", svc.forms[2]["amount"])
	require.Equal(t, "bob", svc.forms[3]["token"])
	require.Equal(t, "op-1-buyer", svc.keys[2])
	require.Empty(t, svc.keys[0])
}

func TestHTTPGatewayErrors(t *testing.T) {
	svc := &fakeAccountService{rejectOn: "/capital/freeze"}
	srv := httptest.NewServer(svc)
	gw := NewHTTPGateway(srv.URL, time.Second, nil)

	err := gw.Freeze(context.Background(), "alice")
	require.True(t, apperr.Is(err, apperr.UpstreamCustodyFailure))
	require.Contains(t, err.Error(), "insufficient funds")

	srv.Close()
	err = gw.Defreeze(context.Background(), "alice")
	require.True(t, apperr.Is(err, apperr.UpstreamCustodyFailure), "unreachable service: %v", err)
}

func TestMemoryGateway(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Freeze(ctx, "alice"))
	require.NoError(t, m.Freeze(ctx, "alice"))
	require.Equal(t, 2, m.Frozen("alice"))
	require.NoError(t, m.Defreeze(ctx, "alice"))
	require.Equal(t, 1, m.Frozen("alice"))

	m.Deposit("alice", 1000)
	require.NoError(t, m.DecreaseBalance(ctx, "alice", 300))
	require.Equal(t, int64(700), m.Balance("alice"))

	keyed := WithIdempotencyKey(ctx, "op-9-seller")
	require.NoError(t, m.IncreaseBalance(keyed, "bob", 500))
	require.NoError(t, m.IncreaseBalance(keyed, "bob", 500))
	require.Equal(t, int64(500), m.Balance("bob"), "keyed call must apply once")

	m.Reject("carol")
	require.True(t, apperr.Is(m.Freeze(ctx, "carol"), apperr.UpstreamCustodyFailure))
	m.Accept("carol")
	require.NoError(t, m.Freeze(ctx, "carol"))

	require.Error(t, m.Freeze(ctx, ""))
}

type reconLog struct {
	entries []ledger.Reconciliation
}

func (r *reconLog) AppendReconciliation(e ledger.Reconciliation) (ledger.Reconciliation, error) {
	e.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, e)
	return e, nil
}

func trade() events.TradeExecuted {
	return events.NewTradeExecuted(
		ledger.Operation{ID: 3, Instrument: "X", Quantity: 50, Price: 950, BuyingID: 1, SellingID: 2},
		ledger.Instruction{ID: 1, Owner: "buyer"},
		ledger.Instruction{ID: 2, Owner: "seller"},
	)
}

func TestSettlerMovesCashOnly(t *testing.T) {
	m := NewMemory()
	m.Deposit("buyer", 100000)
	s := NewSettler(m, nil, nil)

	require.NoError(t, s.Handle(context.Background(), trade()))
	require.Equal(t, int64(100000-47500), m.Balance("buyer"))
	require.Equal(t, int64(47500), m.Balance("seller"))

	// redelivery of the same operation is absorbed by the idempotency keys
	require.NoError(t, s.Handle(context.Background(), trade()))
	require.Equal(t, int64(47500), m.Balance("seller"))

	// status events are ignored
	require.NoError(t, s.Handle(context.Background(), events.NewStatusChanged("X", ledger.Normal, ledger.Paused, 0, "", 0)))
}

func TestSettlerRecordsFailures(t *testing.T) {
	m := NewMemory()
	m.Reject("seller")
	log := &reconLog{}
	s := NewSettler(m, log, nil)

	err := s.Handle(context.Background(), trade())
	require.True(t, apperr.Is(err, apperr.UpstreamCustodyFailure))

	// the buyer leg still applied; the failed seller leg is queued for reconciliation
	require.Equal(t, int64(-47500), m.Balance("buyer"))
	require.Len(t, log.entries, 1)
	require.Equal(t, "increase", log.entries[0].Action)
	require.Equal(t, "seller", log.entries[0].Token)
	require.Equal(t, int64(47500), log.entries[0].Amount)
	require.Equal(t, int64(3), log.entries[0].OperationID)
}
