package cachetier

import (
	"context"
	"log"
	"time"

	"github.com/brindlefs/duotier/pkg/cache"
)

// ExpirationListener reclaims local disk space by deleting a resource's
// locally cached copy once it has gone unused for its TTL, without ever
// touching the shared tier — the Go realization of the original provider's
// @CacheEntryExpired listener on its local Infinispan cache (C9 in the
// component design). The shared tier remains the durable copy; losing the
// local one only costs a future miss-path re-copy.
type ExpirationListener struct {
	local LocalProvider
	seen  *cache.Cache
	logf  func(string, ...any)
}

// NewExpirationListener builds a listener that tracks up to capacity
// recently-touched resources and evicts their local copy ttl after the last
// touch. logf defaults to log.Printf when nil.
func NewExpirationListener(local LocalProvider, capacity int, ttl time.Duration, logf func(string, ...any)) *ExpirationListener {
	if logf == nil {
		logf = log.Printf
	}
	l := &ExpirationListener{local: local, seen: cache.New(capacity, ttl), logf: logf}
	l.seen.OnExpired(l.onExpired)
	return l
}

// Touch records that key (typically a resource's lock key) now has a fresh
// local copy, resetting its TTL countdown.
func (l *ExpirationListener) Touch(key string, r Resource) {
	l.seen.Set(key, r)
}

// Forget stops tracking key, e.g. because the resource was deleted through
// the normal Delete path and the local copy is already gone.
func (l *ExpirationListener) Forget(key string) {
	l.seen.Delete(key)
}

func (l *ExpirationListener) onExpired(key string, value any, pre bool) {
	if pre {
		return
	}
	r, ok := value.(Resource)
	if !ok {
		return
	}
	if ok, err := l.local.Delete(context.Background(), r); err != nil {
		l.logf("cachetier: local expiration delete of %s failed: %v", key, err)
	} else if ok {
		l.logf("cachetier: evicted local copy of %s after ttl", key)
	}
}

// Close stops the listener's background sweep.
func (l *ExpirationListener) Close() error {
	return l.seen.Close()
}
