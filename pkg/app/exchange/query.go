package exchange

import (
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
)

// Quote is the caller-facing snapshot of an instrument
type Quote struct {
	Code           string
	Price          int64 // last traded price
	LastPrice      int64
	ClosingPrice   int64
	OpeningPrice   int64
	HighestPrice   int64
	LowestPrice    int64
	SurgingLimit   int64
	DecliningLimit int64
	Volume         int64
	Paused         bool
	Status         ledger.Status
}

func quoteOf(st ledger.InstrumentState) Quote {
	return Quote{
		Code:           st.Instrument,
		Price:          st.LastPrice,
		LastPrice:      st.LastPrice,
		ClosingPrice:   st.ClosingPrice,
		OpeningPrice:   st.OpeningPrice,
		HighestPrice:   st.HighestPrice,
		LowestPrice:    st.LowestPrice,
		SurgingLimit:   st.SurgingLimit,
		DecliningLimit: st.DecliningLimit,
		Volume:         st.Volume,
		Paused:         st.Status == ledger.Paused,
		Status:         st.Status,
	}
}

// Instrument returns the snapshot of one instrument
func (s *Service) Instrument(code string) (Quote, error) {
	st, err := s.registry.Get(code)
	if err != nil {
		return Quote{}, err
	}
	return quoteOf(st), nil
}

// Instruments returns snapshots of every instrument that has traded
func (s *Service) Instruments() ([]Quote, error) {
	states, err := s.registry.List()
	if err != nil {
		return nil, err
	}
	quotes := make([]Quote, 0, len(states))
	for _, st := range states {
		if st.Opened() {
			quotes = append(quotes, quoteOf(st))
		}
	}
	return quotes, nil
}

// Instruction returns an instruction by id
func (s *Service) Instruction(id int64) (ledger.Instruction, error) {
	return s.ledger.GetInstruction(id)
}

// Halted lists instruments stopped by a circuit breaker
func (s *Service) Halted() ([]ledger.InstrumentState, error) {
	return s.registry.ListHalted()
}

// Operations returns the trades of an instrument in execution order
func (s *Service) Operations(code string) ([]ledger.Operation, error) {
	if err := ledger.ValidateInstrument(code); err != nil {
		return nil, err
	}
	return s.ledger.ListOperations(code)
}

// Book returns the resting instructions of one side in priority order
func (s *Service) Book(code string, side ledger.Side) ([]ledger.Instruction, error) {
	if err := ledger.ValidateInstrument(code); err != nil {
		return nil, err
	}
	return s.ledger.ListResting(code, side)
}

// Reconciliation returns custody side effects that failed after commit
func (s *Service) Reconciliation() ([]ledger.Reconciliation, error) {
	return s.ledger.ListReconciliation()
}
