package cachetier

import (
	"context"
	"sync/atomic"
)

// txGuard is the explicit, context-carried replacement for the original
// provider's ThreadLocal file counter: every OpenOutput/Delete/Copy under
// the same context shares one txGuard, and its identity is used as the
// owner token for file-lock re-entrance, so nested writes to resources that
// share a parent directory coalesce into a single ownership-map commit
// instead of committing (and unlocking) after the first one returns.
type txGuard struct {
	counter int32
}

func (g *txGuard) increment() int32 { return atomic.AddInt32(&g.counter, 1) }
func (g *txGuard) decrement() int32 { return atomic.AddInt32(&g.counter, -1) }
func (g *txGuard) value() int32     { return atomic.LoadInt32(&g.counter) }

type txKey struct{}

// WithTransaction returns a context carrying a fresh txGuard, or ctx
// unchanged if one is already present. Callers that want two or more
// OpenOutput/Delete/Copy calls on resources under the same key to share one
// ownership-map commit must call this once and reuse the returned context
// for all of them.
func WithTransaction(ctx context.Context) context.Context {
	if _, ok := ctx.Value(txKey{}).(*txGuard); ok {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, &txGuard{})
}

// guardFrom returns the txGuard carried by ctx, creating and attaching one
// (via the returned context) if none is present. Every cachetier public
// operation calls this so that operations invoked without an explicit
// WithTransaction still get a guard scoped to that single call.
func guardFrom(ctx context.Context) (*txGuard, context.Context) {
	if g, ok := ctx.Value(txKey{}).(*txGuard); ok {
		return g, ctx
	}
	g := &txGuard{}
	return g, context.WithValue(ctx, txKey{}, g)
}
