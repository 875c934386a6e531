package cachetier

import (
	"context"
	"time"
)

// DefaultLockTimeout is the default amount of time a coordinator waits on
// the ownership map for a key (for a foreign holder to clear, and for its own
// lock call) before giving up with KindTimeout. The wait for the local
// FileLockFacade is bounded only by the caller's context.
const DefaultLockTimeout = 600 * time.Second

// DefaultForeignLockPollInterval is how often the coordinator re-checks
// whether a foreign (another node's) lock on a key has cleared while
// waiting for it.
const DefaultForeignLockPollInterval = 1 * time.Second

// Coordinator layers the ownership map's cluster-wide advisory lock on top
// of the local, re-entrant FileLockFacade: a key is only actually pushed to
// the ownership map on the first (non-re-entrant) acquisition under a given
// txGuard, and the map's transaction is only committed or rolled back once
// every key that guard acquired has been released — the Go realization of
// the original provider's lockByISPN/unlockByISPN pairing with
// ThreadLocal-counted nested writes, C4 in the component design.
type Coordinator struct {
	facade  *FileLockFacade
	owners  OwnershipMap
	node    string
	timeout time.Duration
	poll    time.Duration
}

// NewCoordinator builds a coordinator. node identifies the current peer (see
// CurrentNodeIP); timeout and poll fall back to DefaultLockTimeout and
// DefaultForeignLockPollInterval when zero.
func NewCoordinator(facade *FileLockFacade, owners OwnershipMap, node string, timeout, poll time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if poll <= 0 {
		poll = DefaultForeignLockPollInterval
	}
	return &Coordinator{facade: facade, owners: owners, node: node, timeout: timeout, poll: poll}
}

// Acquire locks key at level under guard's ownership. Re-entrant calls by a
// guard that already holds key succeed immediately without touching the
// ownership map. The first acquisition waits for any foreign (other node's)
// lock to clear, stakes the local claim on the ownership map, and begins a
// transaction on the map if guard has none outstanding yet.
func (c *Coordinator) Acquire(ctx context.Context, guard *txGuard, key string, level LockLevel) error {
	if already := c.facade.IsLockedByOwner(guard, key); already {
		c.facade.Lock(ctx, guard, key, level)
		return nil
	}

	if err := c.facade.Lock(ctx, guard, key, level); err != nil {
		return err
	}

	if err := c.waitForForeignLock(ctx, key); err != nil {
		c.facade.Unlock(guard, key)
		return err
	}

	if err := c.owners.Lock(ctx, c.node, c.timeout, key); err != nil {
		c.facade.Unlock(guard, key)
		return err
	}

	if guard.value() == 0 {
		if err := c.owners.BeginTx(ctx, guard); err != nil {
			c.owners.Unlock(c.node, key)
			c.facade.Unlock(guard, key)
			return err
		}
	}
	guard.increment()
	return nil
}

// Release releases one hold of key under guard. When this is guard's last
// outstanding hold on key, the ownership-map lock is released too; when
// guard's transaction counter reaches zero, the transaction is committed if
// commit is true, otherwise rolled back.
func (c *Coordinator) Release(ctx context.Context, guard *txGuard, key string, commit bool) error {
	last := c.facade.HoldCount(guard, key) == 1
	defer c.facade.Unlock(guard, key)
	if !last {
		return nil
	}

	c.owners.Unlock(c.node, key)
	if guard.decrement() == 0 {
		if commit {
			return c.owners.Commit(ctx, guard)
		}
		return c.owners.Rollback(ctx, guard)
	}
	return nil
}

// WaitForForeignLock blocks until key is unlocked on the ownership map or
// owned by the current node, or ctx/the coordinator's timeout expires. It is
// the exported half of waitForForeignLock, for callers (the wait-for-unlock
// operations) that need to wait out a peer's cluster lock without otherwise
// going through Acquire.
func (c *Coordinator) WaitForForeignLock(ctx context.Context, key string) error {
	return c.waitForForeignLock(ctx, key)
}

// waitForForeignLock polls the ownership map until key is unlocked or owned
// by the current node, or ctx/timeout expires. This is distinct from the
// ownership map's own Lock timeout: it models waiting out another peer's
// in-flight write before this node even attempts to stake its own claim,
// mirroring waitForISPNLock's separate poll loop in the original provider.
func (c *Coordinator) waitForForeignLock(ctx context.Context, key string) error {
	deadline := time.Now().Add(c.timeout)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		owner, locked := c.owners.LockOwner(key)
		if !locked || owner == c.node {
			return nil
		}
		if time.Now().After(deadline) {
			return E(KindTimeout, "Coordinator.waitForForeignLock", key)
		}
		select {
		case <-ctx.Done():
			return Wrap(KindInterrupted, "Coordinator.waitForForeignLock", key, ctx.Err())
		case <-ticker.C:
		}
	}
}
