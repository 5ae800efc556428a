// Package custody adapts the external account service that holds
// participants' cash. The trading core only ever reaches it through
// Gateway, outside of any ledger transaction.
package custody

import "context"

// Gateway freezes and adjusts a participant's funds. Participants are
// identified by an opaque token; amounts are minor units.
type Gateway interface {
	Freeze(ctx context.Context, token string) error
	Defreeze(ctx context.Context, token string) error
	IncreaseBalance(ctx context.Context, token string, amount int64) error
	DecreaseBalance(ctx context.Context, token string, amount int64) error
}

type idempotencyKey struct{}

// WithIdempotencyKey tags ctx so the gateway can deduplicate a retried call
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key set by WithIdempotencyKey, or ""
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
