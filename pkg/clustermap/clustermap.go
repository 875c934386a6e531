// Package clustermap provides reference cachetier.OwnershipMap
// implementations: an in-memory map suitable for single-process tests and a
// bbolt-backed variant that persists ownership records across restarts.
package clustermap

import (
	"context"
	"sync"
	"time"

	"github.com/brindlefs/duotier/pkg/cache"
	"github.com/brindlefs/duotier/pkg/cachetier"
)

// lockEntry tracks the current holder of one key's advisory cluster lock.
type lockEntry struct {
	owner any
}

// txEntry tracks one owner's outstanding transaction.
type txEntry struct {
	status cachetier.TxStatus
}

// InMemoryMap is a single-process reference OwnershipMap: ownership records
// live in an adapted pkg/cache.Cache (so they can expire like any other TTL
// entry, firing C9's listener the same way a local cached copy would), and
// locking/transaction bookkeeping live in plain maps guarded by one mutex.
type InMemoryMap struct {
	records *cache.Cache

	mu    sync.Mutex
	locks map[string]*lockEntry
	cond  *sync.Cond
	txs   map[any]*txEntry
}

// New returns an InMemoryMap whose ownership records expire after ttl (0
// disables expiry) and whose backing cache holds up to capacity entries.
func New(capacity int, ttl time.Duration) *InMemoryMap {
	m := &InMemoryMap{
		records: cache.New(capacity, ttl),
		locks:   make(map[string]*lockEntry),
		txs:     make(map[any]*txEntry),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *InMemoryMap) Put(ctx context.Context, key, owner string) error {
	m.records.Set(key, owner)
	return nil
}

func (m *InMemoryMap) PutIfAbsent(ctx context.Context, key, owner string) (bool, error) {
	if _, ok := m.records.Get(key); ok {
		return false, nil
	}
	m.records.Set(key, owner)
	return true, nil
}

func (m *InMemoryMap) Remove(ctx context.Context, key string) error {
	m.records.Delete(key)
	return nil
}

func (m *InMemoryMap) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := m.records.Get(key)
	if !ok {
		return "", false, nil
	}
	owner, ok := v.(string)
	if !ok {
		return "", false, nil
	}
	return owner, true, nil
}

// Lock acquires key for owner, blocking up to timeout (or indefinitely if
// timeout <= 0) and honoring ctx cancellation. A caller that already holds
// key may re-lock it without blocking.
func (m *InMemoryMap) Lock(ctx context.Context, owner any, timeout time.Duration, keys ...string) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-expired:
		case <-stop:
			return
		}
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	defer close(stop)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		for {
			e, held := m.locks[key]
			if !held || e.owner == owner {
				m.locks[key] = &lockEntry{owner: owner}
				break
			}
			if err := ctx.Err(); err != nil {
				return cachetier.Wrap(cachetier.KindInterrupted, "clustermap.Lock", key, err)
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return cachetier.E(cachetier.KindTimeout, "clustermap.Lock", key)
			}
			m.cond.Wait()
		}
	}
	return nil
}

// Unlock releases owner's hold on each of keys, if any.
func (m *InMemoryMap) Unlock(owner any, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if e, ok := m.locks[key]; ok && e.owner == owner {
			delete(m.locks, key)
		}
	}
	m.cond.Broadcast()
}

// IsLocked reports whether key currently has any holder.
func (m *InMemoryMap) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[key]
	return ok
}

// LockOwner returns key's current holder, if any.
func (m *InMemoryMap) LockOwner(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return nil, false
	}
	return e.owner, true
}

func (m *InMemoryMap) BeginTx(ctx context.Context, owner any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[owner] = &txEntry{status: cachetier.TxActive}
	return nil
}

func (m *InMemoryMap) Commit(ctx context.Context, owner any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, owner)
	return nil
}

func (m *InMemoryMap) Rollback(ctx context.Context, owner any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, owner)
	return nil
}

func (m *InMemoryMap) TxStatus(owner any) cachetier.TxStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[owner]
	if !ok {
		return cachetier.TxNone
	}
	return t.status
}

// OnExpired registers fn against the backing ownership-record cache, so a
// record's natural TTL expiry (a peer that never renewed its claim) is
// visible the same way a local-tier expiration is.
func (m *InMemoryMap) OnExpired(fn func(key string, pre bool)) {
	m.records.OnExpired(func(key string, value any, pre bool) {
		fn(key, pre)
	})
}

// Close stops the backing cache's background sweep.
func (m *InMemoryMap) Close() error {
	return m.records.Close()
}
