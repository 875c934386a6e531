// Package localdisk is a reference cachetier.LocalProvider backed by a
// billy.Filesystem: osfs.New for real disk-backed use, memfs.New for tests.
package localdisk

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/brindlefs/duotier/pkg/cachetier"
)

// lockRecord tracks the read/write hold state of one path, the Go analogue
// of the teacher's inode-filesystem lockRecord, narrowed here to the
// reader-count/writer-flag shape cachetier.LocalProvider's lock queries
// need rather than full POSIX advisory semantics.
type lockRecord struct {
	readers int
	writer  bool
}

// Provider is a single-tier local cache rooted at a billy.Filesystem.
type Provider struct {
	fs billy.Filesystem

	mu    sync.Mutex
	cond  *sync.Cond
	locks map[string]*lockRecord
}

// New returns a Provider backed by fs.
func New(fs billy.Filesystem) *Provider {
	p := &Provider{fs: fs, locks: make(map[string]*lockRecord)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewOSBacked returns a Provider rooted at root on the real filesystem,
// creating root if it does not exist.
func NewOSBacked(root string) (*Provider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cachetier.Wrap(cachetier.KindIO, "localdisk.NewOSBacked", root, err)
	}
	return New(osfs.New(root)), nil
}

func relPath(r cachetier.Resource) string {
	return filepath.Join(r.Location, r.Path)
}

type readCloser struct {
	billy.File
	release func()
	once    sync.Once
}

func (r *readCloser) Close() error {
	err := r.File.Close()
	r.once.Do(r.release)
	return err
}

type writeCloser struct {
	billy.File
	release func()
	once    sync.Once
}

func (w *writeCloser) Close() error {
	err := w.File.Close()
	w.once.Do(w.release)
	return err
}

// OpenInput opens r for reading, tracking it as a read hold until Close.
func (p *Provider) OpenInput(ctx context.Context, r cachetier.Resource) (io.ReadCloser, error) {
	path := relPath(r)
	f, err := p.fs.Open(path)
	if err != nil {
		return nil, cachetier.Wrap(cachetier.KindIO, "localdisk.OpenInput", path, err)
	}
	p.addReader(path)
	return &readCloser{File: f, release: func() { p.removeReader(path) }}, nil
}

// OpenOutput opens (creating or truncating) r for writing, tracking it as a
// write hold until Close.
func (p *Provider) OpenOutput(ctx context.Context, r cachetier.Resource) (io.WriteCloser, error) {
	path := relPath(r)
	if dir := filepath.Dir(path); dir != "." {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, cachetier.Wrap(cachetier.KindIO, "localdisk.OpenOutput", path, err)
		}
	}
	f, err := p.fs.Create(path)
	if err != nil {
		return nil, cachetier.Wrap(cachetier.KindIO, "localdisk.OpenOutput", path, err)
	}
	p.setWriter(path, true)
	return &writeCloser{File: f, release: func() { p.setWriter(path, false) }}, nil
}

// Exists reports whether r has a local copy.
func (p *Provider) Exists(ctx context.Context, r cachetier.Resource) bool {
	_, err := p.fs.Stat(relPath(r))
	return err == nil
}

// Delete removes r's local copy, reporting whether it was present.
func (p *Provider) Delete(ctx context.Context, r cachetier.Resource) (bool, error) {
	path := relPath(r)
	if _, err := p.fs.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, cachetier.Wrap(cachetier.KindIO, "localdisk.Delete", path, err)
	}
	if err := p.fs.Remove(path); err != nil {
		return false, cachetier.Wrap(cachetier.KindIO, "localdisk.Delete", path, err)
	}
	return true, nil
}

// Copy copies from's local content to to.
func (p *Provider) Copy(ctx context.Context, from, to cachetier.Resource) error {
	fromPath, toPath := relPath(from), relPath(to)
	src, err := p.fs.Open(fromPath)
	if err != nil {
		return cachetier.Wrap(cachetier.KindIO, "localdisk.Copy", fromPath, err)
	}
	defer src.Close()

	if dir := filepath.Dir(toPath); dir != "." {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return cachetier.Wrap(cachetier.KindIO, "localdisk.Copy", toPath, err)
		}
	}
	dst, err := p.fs.Create(toPath)
	if err != nil {
		return cachetier.Wrap(cachetier.KindIO, "localdisk.Copy", toPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return cachetier.Wrap(cachetier.KindIO, "localdisk.Copy", toPath, err)
	}
	if err := dst.Close(); err != nil {
		return cachetier.Wrap(cachetier.KindIO, "localdisk.Copy", toPath, err)
	}
	return nil
}

// Length returns r's local size, or 0 if absent.
func (p *Provider) Length(ctx context.Context, r cachetier.Resource) int64 {
	info, err := p.fs.Stat(relPath(r))
	if err != nil {
		return 0
	}
	return info.Size()
}

// LastModified returns r's local modification time, or the zero time if
// absent.
func (p *Provider) LastModified(ctx context.Context, r cachetier.Resource) time.Time {
	info, err := p.fs.Stat(relPath(r))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Mkdirs ensures r's path exists as a directory locally.
func (p *Provider) Mkdirs(ctx context.Context, r cachetier.Resource) error {
	path := relPath(r)
	if err := p.fs.MkdirAll(path, 0o755); err != nil {
		return cachetier.Wrap(cachetier.KindIO, "localdisk.Mkdirs", path, err)
	}
	return nil
}

// CreateFile creates an empty local file for r if it does not already
// exist, reporting whether it created one.
func (p *Provider) CreateFile(ctx context.Context, r cachetier.Resource) (bool, error) {
	if p.Exists(ctx, r) {
		return false, nil
	}
	w, err := p.OpenOutput(ctx, r)
	if err != nil {
		return false, err
	}
	return true, w.Close()
}

// DetachedPath returns the absolute OS path for r when the underlying
// filesystem is rooted on real disk, or a best-effort joined path
// otherwise.
func (p *Provider) DetachedPath(r cachetier.Resource) string {
	path := relPath(r)
	type rooted interface{ Root() string }
	if rt, ok := p.fs.(rooted); ok {
		return filepath.Join(rt.Root(), path)
	}
	return path
}

func (p *Provider) record(path string) *lockRecord {
	st, ok := p.locks[path]
	if !ok {
		st = &lockRecord{}
		p.locks[path] = st
	}
	return st
}

func (p *Provider) addReader(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(path).readers++
}

func (p *Provider) removeReader(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.locks[path]
	if !ok {
		return
	}
	st.readers--
	if st.readers <= 0 && !st.writer {
		delete(p.locks, path)
	}
	p.cond.Broadcast()
}

func (p *Provider) setWriter(path string, writing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if writing {
		p.record(path).writer = true
		return
	}
	st, ok := p.locks[path]
	if !ok {
		return
	}
	st.writer = false
	if st.readers <= 0 {
		delete(p.locks, path)
	}
	p.cond.Broadcast()
}

// IsReadLocked reports whether r currently has an open read stream.
func (p *Provider) IsReadLocked(r cachetier.Resource) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.locks[relPath(r)]
	return ok && st.readers > 0
}

// IsWriteLocked reports whether r currently has an open write stream.
func (p *Provider) IsWriteLocked(r cachetier.Resource) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.locks[relPath(r)]
	return ok && st.writer
}

// WaitForReadUnlock blocks until r has no open read streams or ctx is done.
func (p *Provider) WaitForReadUnlock(ctx context.Context, r cachetier.Resource) error {
	return p.waitUntil(ctx, r, func(st *lockRecord) bool { return st == nil || st.readers == 0 })
}

// WaitForWriteUnlock blocks until r has no open write stream or ctx is done.
func (p *Provider) WaitForWriteUnlock(ctx context.Context, r cachetier.Resource) error {
	return p.waitUntil(ctx, r, func(st *lockRecord) bool { return st == nil || !st.writer })
}

func (p *Provider) waitUntil(ctx context.Context, r cachetier.Resource, free func(*lockRecord) bool) error {
	path := relPath(r)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	p.mu.Lock()
	defer p.mu.Unlock()
	for !free(p.locks[path]) {
		if err := ctx.Err(); err != nil {
			return cachetier.Wrap(cachetier.KindInterrupted, "localdisk.waitUntil", path, err)
		}
		p.cond.Wait()
	}
	return nil
}
