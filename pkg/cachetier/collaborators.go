package cachetier

import (
	"context"
	"io"
	"time"
)

// LocalProvider is the fast, single-tier local cache that cachetier keeps in
// sync with the shared tier. It is supplied by the caller; pkg/localdisk is
// a reference implementation backed by a billy.Filesystem.
type LocalProvider interface {
	OpenInput(ctx context.Context, r Resource) (io.ReadCloser, error)
	OpenOutput(ctx context.Context, r Resource) (io.WriteCloser, error)
	Exists(ctx context.Context, r Resource) bool
	Delete(ctx context.Context, r Resource) (bool, error)
	Copy(ctx context.Context, from, to Resource) error
	Length(ctx context.Context, r Resource) int64
	LastModified(ctx context.Context, r Resource) time.Time
	Mkdirs(ctx context.Context, r Resource) error
	CreateFile(ctx context.Context, r Resource) (bool, error)

	IsReadLocked(r Resource) bool
	IsWriteLocked(r Resource) bool
	WaitForReadUnlock(ctx context.Context, r Resource) error
	WaitForWriteUnlock(ctx context.Context, r Resource) error

	DetachedPath(r Resource) string
}

// TxStatus mirrors the small state machine the ownership map's transaction
// tracking needs: idle, active, or in one of the phases of a two-phase
// commit/rollback.
type TxStatus int

const (
	TxNone TxStatus = iota
	TxActive
	TxPreparing
	TxPrepared
	TxCommitting
	TxRollingBack
)

func (s TxStatus) active() bool {
	return s != TxNone
}

// OwnershipMap is the cluster-visible map of resource key to owning node,
// plus the advisory multi-key locking and transaction primitives the
// coordinator needs to make writes visible across peers atomically.
// pkg/clustermap is a reference implementation.
type OwnershipMap interface {
	Put(ctx context.Context, key, owner string) error
	PutIfAbsent(ctx context.Context, key, owner string) (bool, error)
	Remove(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (string, bool, error)

	Lock(ctx context.Context, owner any, timeout time.Duration, keys ...string) error
	Unlock(owner any, keys ...string)
	IsLocked(key string) bool
	LockOwner(key string) (any, bool)

	BeginTx(ctx context.Context, owner any) error
	Commit(ctx context.Context, owner any) error
	Rollback(ctx context.Context, owner any) error
	TxStatus(owner any) TxStatus

	OnExpired(fn func(key string, pre bool))
}

// PathGenerator computes the shared-tier relative path for a resource. This
// is intentionally opaque to cachetier: callers may derive it from a
// resource's content type, checksum, or simply its Path.
type PathGenerator interface {
	FilePath(r Resource) (string, error)
}

// Executor runs copy tasks off the calling goroutine, bounding concurrency.
// cachetier.GoExecutor is the reference implementation.
type Executor interface {
	Go(fn func())
}
