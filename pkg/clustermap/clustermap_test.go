package clustermap

import (
	"context"
	"testing"
	"time"

	"github.com/brindlefs/duotier/pkg/cachetier"
)

func TestPutGetRemove(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected missing key to report absent")
	}
	if err := m.Put(ctx, "k", "node-a"); err != nil {
		t.Fatal(err)
	}
	owner, ok, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || owner != "node-a" {
		t.Fatalf("expected owner node-a, got %q ok=%v", owner, ok)
	}

	if err := m.Remove(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected key removed")
	}
}

func TestPutIfAbsent(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	ok, err := m.PutIfAbsent(ctx, "k", "node-a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected first PutIfAbsent to succeed")
	}
	ok, err = m.PutIfAbsent(ctx, "k", "node-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second PutIfAbsent to fail since key is already present")
	}
	owner, _, _ := m.Get(ctx, "k")
	if owner != "node-a" {
		t.Fatalf("expected original owner to survive, got %q", owner)
	}
}

func TestLockExcludesOtherOwners(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx, "node-a", time.Second, "k"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(context.Background(), "node-b", time.Second, "k")
	}()

	select {
	case <-done:
		t.Fatal("expected node-b's lock to block while node-a holds it")
	case <-time.After(30 * time.Millisecond):
	}

	m.Unlock("node-a", "k")

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected node-b to acquire the lock after node-a released it")
	}
}

func TestLockIsReentrantForSameOwner(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx, "node-a", time.Second, "k"); err != nil {
		t.Fatal(err)
	}
	if err := m.Lock(ctx, "node-a", time.Second, "k"); err != nil {
		t.Fatal("expected the same owner to re-lock without blocking:", err)
	}
}

func TestLockTimesOut(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx, "node-a", 0, "k"); err != nil {
		t.Fatal(err)
	}
	err := m.Lock(context.Background(), "node-b", 30*time.Millisecond, "k")
	if cachetier.KindOf(err) != cachetier.KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
}

func TestLockHonorsContextCancellation(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx, "node-a", 0, "k"); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Lock(waitCtx, "node-b", time.Minute, "k")
	if cachetier.KindOf(err) != cachetier.KindInterrupted {
		t.Fatalf("expected KindInterrupted, got %v", err)
	}
}

func TestTxLifecyclePerOwner(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	if got := m.TxStatus("owner-1"); got != cachetier.TxNone {
		t.Fatalf("expected TxNone before BeginTx, got %v", got)
	}
	if err := m.BeginTx(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if got := m.TxStatus("owner-1"); got != cachetier.TxActive {
		t.Fatalf("expected TxActive after BeginTx, got %v", got)
	}
	if got := m.TxStatus("owner-2"); got != cachetier.TxNone {
		t.Fatal("expected a different owner's transaction state to stay isolated")
	}

	if err := m.Commit(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if got := m.TxStatus("owner-1"); got != cachetier.TxNone {
		t.Fatalf("expected TxNone after Commit, got %v", got)
	}
}

func TestRollbackClearsTxState(t *testing.T) {
	m := New(16, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.BeginTx(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Rollback(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if got := m.TxStatus("owner-1"); got != cachetier.TxNone {
		t.Fatalf("expected TxNone after Rollback, got %v", got)
	}
}

func TestOnExpiredFiresFromBackingCache(t *testing.T) {
	// The backing cache's background sweep only ticks once a minute for a
	// sub-minute ttl, so the expiry has to be observed via Get rather than
	// by waiting on the sweep (see pkg/cache's own TestOnExpired).
	m := New(16, 10*time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	fired := make(chan string, 4)
	m.OnExpired(func(key string, pre bool) {
		fired <- key
	})

	if err := m.Put(ctx, "k", "node-a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected the record to have expired")
	}

	select {
	case key := <-fired:
		if key != "k" {
			t.Fatalf("expected expiry for key %q, got %q", "k", key)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnExpired to fire once Get observed the expired record")
	}
}
