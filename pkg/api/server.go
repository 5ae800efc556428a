// Package api serves the trading core over HTTP: form-encoded POST
// commands and queries under /center, and a websocket feed of committed
// trades and status changes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/app/exchange"
	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Exchange is the part of *exchange.Service the server drives
type Exchange interface {
	Submit(ctx context.Context, owner, code string, side ledger.Side, price, qty int64) (exchange.Submission, error)
	CancelSide(ctx context.Context, id int64, side ledger.Side) (ledger.Instruction, error)
	Pause(ctx context.Context, code string) (ledger.Lookup, error)
	Resume(ctx context.Context, code string) (ledger.InstrumentState, error)
	SetSurgingLimit(ctx context.Context, code string, price int64) (ledger.Lookup, error)
	SetDecliningLimit(ctx context.Context, code string, price int64) (ledger.Lookup, error)
	Instrument(code string) (exchange.Quote, error)
	Instruments() ([]exchange.Quote, error)
	Instruction(id int64) (ledger.Instruction, error)
	Halted() ([]ledger.InstrumentState, error)
}

var _ Exchange = (*exchange.Service)(nil)

// Server handles REST requests and websocket connections
type Server struct {
	ex      Exchange
	router  *mux.Router
	hub     *Hub
	origins []string
	log     *zap.Logger
}

// NewServer builds the routes. An empty origins list allows any origin.
func NewServer(ex Exchange, hub *Hub, origins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ex:      ex,
		router:  mux.NewRouter(),
		hub:     hub,
		origins: origins,
		log:     logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	center := s.router.PathPrefix("/center").Subrouter()
	center.Use(s.logRequests)

	// instructions
	center.HandleFunc("/buy", s.handleSubmit(ledger.Buy)).Methods(http.MethodPost)
	center.HandleFunc("/sell", s.handleSubmit(ledger.Sell)).Methods(http.MethodPost)
	center.HandleFunc("/undo/buy", s.handleCancel(ledger.Buy)).Methods(http.MethodPost)
	center.HandleFunc("/undo/sell", s.handleCancel(ledger.Sell)).Methods(http.MethodPost)

	// operator controls
	center.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	center.HandleFunc("/restart", s.handleRestart).Methods(http.MethodPost)
	center.HandleFunc("/limit/surging", s.handleLimit(true)).Methods(http.MethodPost)
	center.HandleFunc("/limit/decline", s.handleLimit(false)).Methods(http.MethodPost)

	// queries
	center.HandleFunc("/stock/code", s.handleStock).Methods(http.MethodPost)
	center.HandleFunc("/stock/all", s.handleStocks).Methods(http.MethodPost)
	center.HandleFunc("/stock/closed", s.handleClosed).Methods(http.MethodPost)
	center.HandleFunc("/order/id", s.handleOrder).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: len(s.origins) > 0,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("api_listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "api shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "api server")
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
	})
}

// ==============================
// Command Handlers
// ==============================

func (s *Server) handleSubmit(side ledger.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		price, err := formPrice(r, "price")
		if err != nil {
			s.respondError(w, err)
			return
		}
		qty, err := formInt(r, "amount")
		if err != nil {
			s.respondError(w, err)
			return
		}

		sub, err := s.ex.Submit(r.Context(), r.FormValue("token"), r.FormValue("code"), side, price, qty)
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, SubmitResponse{
			State:     stateOK,
			ID:        sub.Instruction.ID,
			Filled:    sub.Match.Filled(),
			Remaining: sub.Instruction.Remaining,
			Halted:    sub.Match.Halted,
		})
	}
}

func (s *Server) handleCancel(side ledger.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := formInt(r, "id")
		if err != nil {
			s.respondError(w, err)
			return
		}
		if _, err := s.ex.CancelSide(r.Context(), id, side); err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, StatusResponse{State: stateOK})
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ex.Pause(r.Context(), r.FormValue("code")); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, StatusResponse{State: stateOK})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ex.Resume(r.Context(), r.FormValue("code")); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, StatusResponse{State: stateOK})
}

func (s *Server) handleLimit(surging bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := formPrice(r, "limit")
		if err != nil {
			s.respondError(w, err)
			return
		}
		code := r.FormValue("code")
		if surging {
			_, err = s.ex.SetSurgingLimit(r.Context(), code, limit)
		} else {
			_, err = s.ex.SetDecliningLimit(r.Context(), code, limit)
		}
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, StatusResponse{State: stateOK})
	}
}

// ==============================
// Query Handlers
// ==============================

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	q, err := s.ex.Instrument(r.FormValue("code"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, StockResponse{State: stateOK, Stock: stockInfo(q)})
}

func (s *Server) handleStocks(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.ex.Instruments()
	if err != nil {
		s.respondError(w, err)
		return
	}
	stocks := make([]StockInfo, len(quotes))
	for i, q := range quotes {
		stocks[i] = stockInfo(q)
	}
	respondJSON(w, StocksResponse{State: stateOK, Stocks: stocks})
}

func (s *Server) handleClosed(w http.ResponseWriter, r *http.Request) {
	halted, err := s.ex.Halted()
	if err != nil {
		s.respondError(w, err)
		return
	}
	stocks := make([]ClosedStock, len(halted))
	for i, st := range halted {
		stocks[i] = ClosedStock{Stock: st.Instrument, State: st.Status.String()}
	}
	respondJSON(w, ClosedResponse{State: stateOK, Stocks: stocks})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, err := formInt(r, "id")
	if err != nil {
		s.respondError(w, err)
		return
	}
	ins, err := s.ex.Instruction(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, OrderResponse{
		State: stateOK,
		Order: OrderInfo{
			ID:        ins.ID,
			Code:      ins.Instrument,
			Type:      ins.Side.String(),
			Amount:    ins.Original,
			Remaining: ins.Remaining,
			Price:     ledger.FormatPrice(ins.Price),
			Cancelled: ins.Cancelled,
			Timestamp: time.Unix(0, ins.CreatedAt).UTC().Format(time.RFC3339Nano),
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusResponse{State: stateOK})
}

// ==============================
// Helper Functions
// ==============================

func stockInfo(q exchange.Quote) StockInfo {
	info := StockInfo{
		Code:         q.Code,
		Price:        ledger.FormatPrice(q.Price),
		DeclineRange: ledger.FormatPrice(q.DecliningLimit),
		LowestPrice:  ledger.FormatPrice(q.LowestPrice),
		HighestPrice: ledger.FormatPrice(q.HighestPrice),
		Amount:       q.Volume,
		LastPrice:    ledger.FormatPrice(q.LastPrice),
		ClosingPrice: ledger.FormatPrice(q.ClosingPrice),
		OpeningPrice: ledger.FormatPrice(q.OpeningPrice),
		Pause:        q.Paused,
		Status:       q.Status.String(),
	}
	if q.SurgingLimit != ledger.NoSurgingLimit {
		info.SurgingRange = ledger.FormatPrice(q.SurgingLimit)
	}
	return info
}

func formInt(r *http.Request, field string) (int64, error) {
	v := strings.TrimSpace(r.FormValue(field))
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.Validation, "%s must be an integer, got %q", field, v)
	}
	return n, nil
}

func formPrice(r *http.Request, field string) (int64, error) {
	v := strings.TrimSpace(r.FormValue(field))
	p, err := ledger.ParsePrice(v)
	if err != nil {
		return 0, apperr.Wrap(apperr.Validation, err, "%s", field)
	}
	return p, nil
}

// statusOf maps an error kind to its HTTP status
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation, apperr.InvalidInstruction, apperr.InsufficientQuantity:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.NotCancellable, apperr.NotTradable, apperr.ConcurrentModification:
		return http.StatusConflict
	case apperr.UpstreamCustodyFailure:
		return http.StatusBadGateway
	case apperr.Busy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	info := err.Error()
	if kind == apperr.Internal {
		s.log.Error("request_failed", zap.Error(err))
		info = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(kind))
	json.NewEncoder(w).Encode(ErrorResponse{
		State: stateError,
		Kind:  kind.String(),
		Info:  info,
	})
}
