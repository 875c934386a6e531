package cachetier

import (
	"context"
	"io"
	"sync"
	"time"
)

// fakeOwnershipMap is a minimal in-package OwnershipMap used by cachetier's
// own tests. pkg/clustermap provides the real reference implementation, but
// it imports cachetier (for error kinds and TxStatus), so it cannot be used
// from cachetier's own test files without an import cycle.
type fakeOwnershipMap struct {
	mu      sync.Mutex
	records map[string]string
	locks   map[string]any
	cond    *sync.Cond
	txs     map[any]TxStatus

	beginTxCalls int
	commitCalls  int
	rollbackCalls int
}

func newFakeOwnershipMap() *fakeOwnershipMap {
	m := &fakeOwnershipMap{
		records: make(map[string]string),
		locks:   make(map[string]any),
		txs:     make(map[any]TxStatus),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *fakeOwnershipMap) Put(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = owner
	return nil
}

func (m *fakeOwnershipMap) PutIfAbsent(ctx context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	m.records[key] = owner
	return true, nil
}

func (m *fakeOwnershipMap) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *fakeOwnershipMap) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[key]
	return v, ok, nil
}

func (m *fakeOwnershipMap) Lock(ctx context.Context, owner any, timeout time.Duration, keys ...string) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		for {
			held, ok := m.locks[key]
			if !ok || held == owner {
				m.locks[key] = owner
				break
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return E(KindTimeout, "fakeOwnershipMap.Lock", key)
			}
			if err := ctx.Err(); err != nil {
				return Wrap(KindInterrupted, "fakeOwnershipMap.Lock", key, err)
			}
			m.cond.Wait()
		}
	}
	return nil
}

func (m *fakeOwnershipMap) Unlock(owner any, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if held, ok := m.locks[key]; ok && held == owner {
			delete(m.locks, key)
		}
	}
	m.cond.Broadcast()
}

func (m *fakeOwnershipMap) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[key]
	return ok
}

func (m *fakeOwnershipMap) LockOwner(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.locks[key]
	return v, ok
}

func (m *fakeOwnershipMap) BeginTx(ctx context.Context, owner any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginTxCalls++
	m.txs[owner] = TxActive
	return nil
}

func (m *fakeOwnershipMap) Commit(ctx context.Context, owner any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCalls++
	delete(m.txs, owner)
	return nil
}

func (m *fakeOwnershipMap) Rollback(ctx context.Context, owner any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCalls++
	delete(m.txs, owner)
	return nil
}

func (m *fakeOwnershipMap) TxStatus(owner any) TxStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[owner]
}

func (m *fakeOwnershipMap) OnExpired(fn func(key string, pre bool)) {}

// fakeLocalProvider is a minimal in-memory LocalProvider for cachetier's
// own tests; pkg/localdisk is the real reference implementation.
type fakeLocalProvider struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeLocalProvider() *fakeLocalProvider {
	return &fakeLocalProvider{data: make(map[string][]byte)}
}

func (p *fakeLocalProvider) key(r Resource) string { return r.Location + "/" + r.Path }

// fakeBuffer writes through to the shared data map on every Write, matching
// how a real billy.Filesystem (and the osfs-backed localdisk.Provider) makes
// bytes visible to a concurrent reader as they are written rather than only
// once Close runs.
type fakeBuffer struct {
	p   *fakeLocalProvider
	key string
}

func (b *fakeBuffer) Write(data []byte) (int, error) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	b.p.data[b.key] = append(b.p.data[b.key], data...)
	return len(data), nil
}

func (b *fakeBuffer) Close() error { return nil }

type fakeReader struct {
	data []byte
	pos  int
}

func (r *fakeReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
func (r *fakeReader) Close() error { return nil }

func (p *fakeLocalProvider) OpenInput(ctx context.Context, r Resource) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.data[p.key(r)]
	if !ok {
		return nil, E(KindIO, "fakeLocalProvider.OpenInput", r.Path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return &fakeReader{data: cp}, nil
}

func (p *fakeLocalProvider) OpenOutput(ctx context.Context, r Resource) (io.WriteCloser, error) {
	key := p.key(r)
	p.mu.Lock()
	p.data[key] = []byte{}
	p.mu.Unlock()
	return &fakeBuffer{p: p, key: key}, nil
}

func (p *fakeLocalProvider) Exists(ctx context.Context, r Resource) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.data[p.key(r)]
	return ok
}

func (p *fakeLocalProvider) Delete(ctx context.Context, r Resource) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.data[p.key(r)]
	delete(p.data, p.key(r))
	return ok, nil
}

func (p *fakeLocalProvider) Copy(ctx context.Context, from, to Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.data[p.key(from)]
	if !ok {
		return E(KindIO, "fakeLocalProvider.Copy", from.Path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.data[p.key(to)] = cp
	return nil
}

func (p *fakeLocalProvider) Length(ctx context.Context, r Resource) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.data[p.key(r)]))
}

func (p *fakeLocalProvider) LastModified(ctx context.Context, r Resource) (t time.Time) { return }

func (p *fakeLocalProvider) Mkdirs(ctx context.Context, r Resource) error { return nil }

func (p *fakeLocalProvider) CreateFile(ctx context.Context, r Resource) (bool, error) {
	if p.Exists(ctx, r) {
		return false, nil
	}
	w, _ := p.OpenOutput(ctx, r)
	w.Close()
	return true, nil
}

func (p *fakeLocalProvider) IsReadLocked(r Resource) bool  { return false }
func (p *fakeLocalProvider) IsWriteLocked(r Resource) bool { return false }
func (p *fakeLocalProvider) WaitForReadUnlock(ctx context.Context, r Resource) error  { return nil }
func (p *fakeLocalProvider) WaitForWriteUnlock(ctx context.Context, r Resource) error { return nil }
func (p *fakeLocalProvider) DetachedPath(r Resource) string                           { return p.key(r) }
