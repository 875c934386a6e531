package cachetier

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Provider is the two-tier cache engine: it keeps a fast LocalProvider in
// sync with a shared, NFS-style mount it accesses directly (the shared tier
// is just a directory on disk once mounted — there is no interface for it,
// matching how the original provider talks to its NFS mount with plain
// java.io.File calls), arbitrating concurrent access across both tiers and
// across peer nodes through an OwnershipMap. This is C8, the public
// operation surface spec.md §4.5 names.
type Provider struct {
	local LocalProvider
	owns  OwnershipMap
	keys  *KeyDeriver
	coord *Coordinator
	mutex *MutexRegistry
	copy  *CopyTaskManager
	strm  *StreamRegistry
	expr  *ExpirationListener

	sharedRoot  string
	node        string
	lockTimeout time.Duration
	logf        func(string, ...any)
}

// NewProvider builds a Provider from cfg, local, owns, and a PathGenerator
// used to derive shared-tier paths and lock keys.
func NewProvider(cfg Config, local LocalProvider, owns OwnershipMap, paths PathGenerator) (*Provider, error) {
	if local == nil || owns == nil {
		return nil, E(KindIllegalArgument, "NewProvider", "local provider and ownership map are required")
	}
	sharedRoot, err := cfg.ResolveSharedRoot()
	if err != nil {
		return nil, err
	}
	node, err := cfg.resolveNodeIP()
	if err != nil {
		return nil, err
	}
	exec := cfg.Executor
	if exec == nil {
		exec = NewGoExecutor(8)
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	facade := NewFileLockFacade()
	keys := NewKeyDeriver(sharedRoot, paths)
	timeout := cfg.resolveTimeout()
	coord := NewCoordinator(facade, owns, node, timeout, cfg.resolvePoll())

	p := &Provider{
		local:       local,
		owns:        owns,
		keys:        keys,
		coord:       coord,
		mutex:       NewMutexRegistry(),
		copy:        NewCopyTaskManager(exec),
		strm:        NewStreamRegistry(),
		expr:        NewExpirationListener(local, cfg.ExpirationCapacity, cfg.ExpirationTTL, logf),
		sharedRoot:  sharedRoot,
		node:        node,
		lockTimeout: timeout,
		logf:        logf,
	}
	return p, nil
}

// Close stops the provider's background expiration sweep.
func (p *Provider) Close() error {
	return p.expr.Close()
}

// resourceKey derives C2's per-resource mutex key for r.
func (p *Provider) resourceKey(r Resource) (string, error) {
	return p.keys.ResourceKey(r)
}

// OpenInput opens r for reading, preferring the local tier. On a local miss
// it schedules a background copy (C7) that opens the local tier's output,
// marks itself readable as soon as that local stream is safe to read from,
// and only then does OpenInput return — the reader always gets the local
// stream, never the shared file directly, honoring the readable/copy_error
// gate spec.md §4.5.1 and §4.7 describe. A copy that fails before ever
// becoming readable is reported as a miss, not an I/O error.
func (p *Provider) OpenInput(ctx context.Context, r Resource) (io.ReadCloser, error) {
	rkey, err := p.resourceKey(r)
	if err != nil {
		return nil, err
	}
	return TryLockAnd(p.mutex, ctx, rkey, p.lockTimeout, func(ctx context.Context) (io.ReadCloser, error) {
		return p.openInputLocked(ctx, r)
	})
}

func (p *Provider) openInputLocked(ctx context.Context, r Resource) (io.ReadCloser, error) {
	if p.local.Exists(ctx, r) {
		rc, err := p.local.OpenInput(ctx, r)
		if err != nil {
			return nil, Wrap(KindIO, "Provider.OpenInput", r.Path, err)
		}
		return rc, nil
	}

	key, err := p.keys.KeyFor(r)
	if err != nil {
		return nil, err
	}

	task := p.copy.EnsureCopied(ctx, key, func(bg context.Context, t *copyTask) error {
		return p.populateLocal(bg, r, key, t)
	})

	ok, err := task.waitReadable(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	rc, err := p.local.OpenInput(ctx, r)
	if err != nil {
		return nil, Wrap(KindIO, "Provider.OpenInput", r.Path, err)
	}
	return rc, nil
}

// populateLocal copies the shared tier's copy of r into the local tier on a
// fresh, independent transaction — used by the miss-path copy task so a
// warming copy never shares a guard (and therefore never shares a commit)
// with the read that triggered it. It marks task readable the moment the
// local output is open, before the copy itself finishes, so OpenInput's
// waiting reader can start streaming the local file concurrently with the
// rest of the copy rather than waiting for it in full.
func (p *Provider) populateLocal(ctx context.Context, r Resource, key string, task *copyTask) error {
	ctx = WithTransaction(ctx)
	guard, ctx := guardFrom(ctx)
	if err := p.coord.Acquire(ctx, guard, key, LockWrite); err != nil {
		return err
	}
	// A miss-path warming copy never commits an ownership record of its own
	// (unlike OpenOutput, it has none to commit), so it always releases with
	// commit=false, matching the original's unconditional unlockByISPN(...,
	// false, ...) for this path.
	defer p.coord.Release(ctx, guard, key, false)

	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		return err
	}
	src, err := os.Open(sharedPath)
	if err != nil {
		return Wrap(KindIO, "Provider.populateLocal", sharedPath, err)
	}
	defer src.Close()

	dst, err := p.local.OpenOutput(ctx, r)
	if err != nil {
		return Wrap(KindIO, "Provider.populateLocal", r.Path, err)
	}
	task.markReadable()

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return Wrap(KindIO, "Provider.populateLocal", r.Path, err)
	}
	if err := dst.Close(); err != nil {
		return Wrap(KindIO, "Provider.populateLocal", r.Path, err)
	}
	p.expr.Touch(key, r)
	return nil
}

// OpenOutput opens r for writing and returns a stream that duplicates every
// write into both tiers simultaneously (C6's DualWriteCloser), so the write
// only needs to happen once. Resolves Open Question 1: any failure before
// the dual stream is handed back to the caller releases the lock and rolls
// back rather than leaking it.
func (p *Provider) OpenOutput(ctx context.Context, r Resource) (io.WriteCloser, error) {
	rkey, err := p.resourceKey(r)
	if err != nil {
		return nil, err
	}
	return TryLockAnd(p.mutex, ctx, rkey, p.lockTimeout, func(ctx context.Context) (io.WriteCloser, error) {
		return p.openOutputLocked(ctx, r)
	})
}

func (p *Provider) openOutputLocked(ctx context.Context, r Resource) (io.WriteCloser, error) {
	guard, ctx := guardFrom(ctx)
	key, err := p.keys.KeyFor(r)
	if err != nil {
		return nil, err
	}
	if err := p.coord.Acquire(ctx, guard, key, LockWrite); err != nil {
		return nil, err
	}
	if err := p.owns.Put(ctx, key, p.node); err != nil {
		p.coord.Release(ctx, guard, key, false)
		return nil, err
	}

	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		p.coord.Release(ctx, guard, key, false)
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(sharedPath), 0o755); err != nil {
		p.coord.Release(ctx, guard, key, false)
		return nil, Wrap(KindIO, "Provider.OpenOutput", sharedPath, err)
	}
	sharedFile, err := os.Create(sharedPath)
	if err != nil {
		p.coord.Release(ctx, guard, key, false)
		return nil, Wrap(KindIO, "Provider.OpenOutput", sharedPath, err)
	}

	localWriter, err := p.local.OpenOutput(ctx, r)
	if err != nil {
		sharedFile.Close()
		os.Remove(sharedPath)
		p.coord.Release(ctx, guard, key, false)
		return nil, Wrap(KindIO, "Provider.OpenOutput", r.Path, err)
	}

	dual := NewDualWriteCloser(localWriter, sharedFile, func(closeErr error) error {
		commit := closeErr == nil
		if err := p.coord.Release(ctx, guard, key, commit); err != nil && closeErr == nil {
			closeErr = err
		}
		if commit {
			p.expr.Touch(key, r)
		}
		return closeErr
	})
	p.strm.Track(guard, dual)
	return &trackedDual{DualWriteCloser: dual, registry: p.strm, owner: guard}, nil
}

// Delete removes r from both tiers. Resolves Open Question 2: the
// ownership-map lock release always carries commit=false here because a
// delete removes the ownership record outright (via OwnershipMap.Remove)
// rather than committing a new one, regardless of whether the delete itself
// succeeded.
func (p *Provider) Delete(ctx context.Context, r Resource) (bool, error) {
	rkey, err := p.resourceKey(r)
	if err != nil {
		return false, err
	}
	return TryLockAnd(p.mutex, ctx, rkey, p.lockTimeout, func(ctx context.Context) (bool, error) {
		return p.deleteLocked(ctx, r)
	})
}

func (p *Provider) deleteLocked(ctx context.Context, r Resource) (bool, error) {
	guard, ctx := guardFrom(ctx)
	key, err := p.keys.KeyFor(r)
	if err != nil {
		return false, err
	}
	if err := p.coord.Acquire(ctx, guard, key, LockDelete); err != nil {
		return false, err
	}
	defer p.coord.Release(ctx, guard, key, false)

	localDeleted, err := p.local.Delete(ctx, r)
	if err != nil {
		return false, Wrap(KindIO, "Provider.Delete", r.Path, err)
	}

	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		return localDeleted, err
	}
	sharedDeleted := false
	if err := os.Remove(sharedPath); err == nil {
		sharedDeleted = true
	} else if !os.IsNotExist(err) {
		return localDeleted, Wrap(KindIO, "Provider.Delete", sharedPath, err)
	}

	if err := p.owns.Remove(ctx, key); err != nil {
		return localDeleted || sharedDeleted, err
	}
	p.expr.Forget(key)
	return localDeleted || sharedDeleted, nil
}

// Copy copies from's content to to, acquiring both keys' write locks in a
// fixed lexical order regardless of call order so that two concurrent
// copies in opposite directions cannot deadlock against each other — P6 in
// the testable properties, and C4's deadlock-free multi-key locking.
func (p *Provider) Copy(ctx context.Context, from, to Resource) error {
	guard, ctx := guardFrom(ctx)
	fromKey, err := p.keys.KeyFor(from)
	if err != nil {
		return err
	}
	toKey, err := p.keys.KeyFor(to)
	if err != nil {
		return err
	}

	first, second := fromKey, toKey
	if second < first {
		first, second = second, first
	}
	if err := p.coord.Acquire(ctx, guard, first, LockWrite); err != nil {
		return err
	}
	defer p.coord.Release(ctx, guard, first, true)
	if second != first {
		if err := p.coord.Acquire(ctx, guard, second, LockWrite); err != nil {
			return err
		}
		defer p.coord.Release(ctx, guard, second, true)
	}

	if err := p.local.Copy(ctx, from, to); err != nil {
		return Wrap(KindIO, "Provider.Copy", to.Path, err)
	}

	fromShared, err := p.keys.SharedPath(from)
	if err != nil {
		return err
	}
	toShared, err := p.keys.SharedPath(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(toShared), 0o755); err != nil {
		return Wrap(KindIO, "Provider.Copy", toShared, err)
	}
	src, err := os.Open(fromShared)
	if err != nil {
		return Wrap(KindIO, "Provider.Copy", fromShared, err)
	}
	defer src.Close()
	dst, err := os.Create(toShared)
	if err != nil {
		return Wrap(KindIO, "Provider.Copy", toShared, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return Wrap(KindIO, "Provider.Copy", toShared, err)
	}
	if err := dst.Close(); err != nil {
		return Wrap(KindIO, "Provider.Copy", toShared, err)
	}
	p.expr.Touch(toKey, to)
	return nil
}

// Exists reports whether r has a copy in either tier.
func (p *Provider) Exists(ctx context.Context, r Resource) bool {
	if p.local.Exists(ctx, r) {
		return true
	}
	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		return false
	}
	_, err = os.Stat(sharedPath)
	return err == nil
}

// Length returns r's size, preferring the local tier's accounting.
func (p *Provider) Length(ctx context.Context, r Resource) int64 {
	if p.local.Exists(ctx, r) {
		return p.local.Length(ctx, r)
	}
	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		return 0
	}
	info, err := os.Stat(sharedPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// LastModified returns r's modification time, preferring the local tier.
func (p *Provider) LastModified(ctx context.Context, r Resource) time.Time {
	if p.local.Exists(ctx, r) {
		return p.local.LastModified(ctx, r)
	}
	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		return time.Time{}
	}
	info, err := os.Stat(sharedPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Mkdirs ensures r's directory exists in both tiers.
func (p *Provider) Mkdirs(ctx context.Context, r Resource) error {
	guard, ctx := guardFrom(ctx)
	key, err := p.keys.KeyFor(r)
	if err != nil {
		return err
	}
	if err := p.coord.Acquire(ctx, guard, key, LockWrite); err != nil {
		return err
	}
	defer p.coord.Release(ctx, guard, key, true)

	if err := p.local.Mkdirs(ctx, r); err != nil {
		return Wrap(KindIO, "Provider.Mkdirs", r.Path, err)
	}
	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sharedPath, 0o755); err != nil {
		return Wrap(KindIO, "Provider.Mkdirs", sharedPath, err)
	}
	return nil
}

// List lists the names present directly under r's shared-tier directory,
// sorted lexically. C8's list(r): unlike every other operation it never
// consults the local tier, matching spec.md §4.5.5's "lists the shared
// directory only" — the local tier is a sparse, demand-populated cache and
// is never treated as an authoritative directory index. A missing shared
// directory is reported as an empty listing rather than an error.
func (p *Provider) List(ctx context.Context, r Resource) ([]string, error) {
	sharedPath, err := p.keys.SharedPath(r)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(sharedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Wrap(KindIO, "Provider.List", sharedPath, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CreateFile idempotently creates an empty r if it does not already exist
// in either tier — a thin, deprecated-but-still-named operation carried
// over from the original provider (SPEC_FULL.md §11).
func (p *Provider) CreateFile(ctx context.Context, r Resource) (bool, error) {
	if p.Exists(ctx, r) {
		return false, nil
	}
	w, err := p.OpenOutput(ctx, r)
	if err != nil {
		return false, err
	}
	if err := w.Close(); err != nil {
		return false, err
	}
	return true, nil
}

// CreateAlias copies from to to unless both name the same location and path,
// which it treats as already aliased (no-op) —
// carried over from the original provider (SPEC_FULL.md §11).
func (p *Provider) CreateAlias(ctx context.Context, from, to Resource) error {
	if from.Location == to.Location && from.Path == to.Path {
		return nil
	}
	return p.Copy(ctx, from, to)
}

// IsReadLocked reports whether r is currently held for reading, either
// locally or on the cluster's ownership map — a peer mid-write, or an
// in-flight OpenOutput on another goroutine that has staked the ownership
// lock before its local stream is even open, both count. Runs under C2, as
// IsWriteLocked and the wait-for-unlock operations do; Exists, Length,
// LastModified and List do not.
func (p *Provider) IsReadLocked(ctx context.Context, r Resource) (bool, error) {
	rkey, err := p.resourceKey(r)
	if err != nil {
		return false, err
	}
	return TryLockAnd(p.mutex, ctx, rkey, p.lockTimeout, func(ctx context.Context) (bool, error) {
		if p.local.IsReadLocked(r) {
			return true, nil
		}
		key, err := p.keys.KeyFor(r)
		if err != nil {
			return false, err
		}
		return p.owns.IsLocked(key), nil
	})
}

// IsWriteLocked reports whether r is currently held for writing, either
// locally or on the cluster's ownership map, for the same reason
// IsReadLocked checks both. Runs under C2, as IsReadLocked does.
func (p *Provider) IsWriteLocked(ctx context.Context, r Resource) (bool, error) {
	rkey, err := p.resourceKey(r)
	if err != nil {
		return false, err
	}
	return TryLockAnd(p.mutex, ctx, rkey, p.lockTimeout, func(ctx context.Context) (bool, error) {
		if p.local.IsWriteLocked(r) {
			return true, nil
		}
		key, err := p.keys.KeyFor(r)
		if err != nil {
			return false, err
		}
		return p.owns.IsLocked(key), nil
	})
}

// WaitForReadUnlock blocks until r's local read lock clears and then until
// any peer's cluster lock on r clears too, or ctx is done, running under C2
// for the duration of both waits.
func (p *Provider) WaitForReadUnlock(ctx context.Context, r Resource) error {
	rkey, err := p.resourceKey(r)
	if err != nil {
		return err
	}
	_, err = TryLockAnd(p.mutex, ctx, rkey, p.lockTimeout, func(ctx context.Context) (struct{}, error) {
		if err := p.local.WaitForReadUnlock(ctx, r); err != nil {
			return struct{}{}, err
		}
		key, err := p.keys.KeyFor(r)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, p.coord.WaitForForeignLock(ctx, key)
	})
	return err
}

// WaitForWriteUnlock blocks until r's local write lock clears and then until
// any peer's cluster lock on r clears too, or ctx is done, running under C2
// for the duration of both waits.
func (p *Provider) WaitForWriteUnlock(ctx context.Context, r Resource) error {
	rkey, err := p.resourceKey(r)
	if err != nil {
		return err
	}
	_, err = TryLockAnd(p.mutex, ctx, rkey, p.lockTimeout, func(ctx context.Context) (struct{}, error) {
		if err := p.local.WaitForWriteUnlock(ctx, r); err != nil {
			return struct{}{}, err
		}
		key, err := p.keys.KeyFor(r)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, p.coord.WaitForForeignLock(ctx, key)
	})
	return err
}

// CleanupSession force-closes every stream still open under owner, for use
// when a session ends abnormally without each of its streams being closed
// individually. OpenOutput tracks each stream under the transaction guard its
// context carries (the one WithTransaction attaches); that guard's type is
// unexported and no exported function returns it from a context.
func (p *Provider) CleanupSession(owner any) error {
	return p.strm.CloseAll(owner)
}

// trackedDual removes a DualWriteCloser from its registry as part of Close.
type trackedDual struct {
	*DualWriteCloser
	registry *StreamRegistry
	owner    any
}

func (t *trackedDual) Close() error {
	t.registry.Untrack(t.owner, t.DualWriteCloser)
	return t.DualWriteCloser.Close()
}
