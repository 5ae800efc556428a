package custody

import (
	"context"
	"sync"

	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Memory is an in-process custody ledger: cash balances and freeze counts
// per token. Calls tagged with an idempotency key apply at most once.
type Memory struct {
	mu       sync.RWMutex
	balances map[string]int64
	frozen   map[string]int
	applied  map[string]bool
	rejected map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		frozen:   make(map[string]int),
		applied:  make(map[string]bool),
		rejected: make(map[string]bool),
	}
}

// Deposit credits a token directly (seeding balances)
func (m *Memory) Deposit(token string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[token] += amount
}

// Balance returns a token's cash balance
func (m *Memory) Balance(token string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[token]
}

// Frozen returns how many freezes are outstanding for a token
func (m *Memory) Frozen(token string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen[token]
}

// Reject makes every call for token fail until Accept is called
func (m *Memory) Reject(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[token] = true
}

func (m *Memory) Accept(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejected, token)
}

// apply runs fn under the lock unless the token is rejected or the call's
// idempotency key was already applied
func (m *Memory) apply(ctx context.Context, action, token string, fn func() error) error {
	if token == "" {
		return apperr.New(apperr.UpstreamCustodyFailure, "%s: empty token", action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected[token] {
		return apperr.New(apperr.UpstreamCustodyFailure, "%s rejected for %s", action, token)
	}
	key := IdempotencyKey(ctx)
	if key != "" && m.applied[key] {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	if key != "" {
		m.applied[key] = true
	}
	return nil
}

func (m *Memory) Freeze(ctx context.Context, token string) error {
	return m.apply(ctx, "freeze", token, func() error {
		m.frozen[token]++
		return nil
	})
}

func (m *Memory) Defreeze(ctx context.Context, token string) error {
	return m.apply(ctx, "defreeze", token, func() error {
		if m.frozen[token] > 0 {
			m.frozen[token]--
		}
		return nil
	})
}

func (m *Memory) IncreaseBalance(ctx context.Context, token string, amount int64) error {
	return m.apply(ctx, "increase", token, func() error {
		if amount < 0 {
			return apperr.New(apperr.UpstreamCustodyFailure, "increase amount must not be negative: %d", amount)
		}
		m.balances[token] += amount
		return nil
	})
}

// DecreaseBalance debits a token. Balances may go negative: settlement
// debits after the trade has committed and cannot be refused.
func (m *Memory) DecreaseBalance(ctx context.Context, token string, amount int64) error {
	return m.apply(ctx, "decrease", token, func() error {
		if amount < 0 {
			return apperr.New(apperr.UpstreamCustodyFailure, "decrease amount must not be negative: %d", amount)
		}
		m.balances[token] -= amount
		return nil
	})
}
