package cachetier

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestCopyTaskManagerDeduplicatesConcurrentMisses(t *testing.T) {
	mgr := NewCopyTaskManager(NewGoExecutor(4))
	var runs int32

	release := make(chan struct{})
	copyFn := func(ctx context.Context, t *copyTask) error {
		atomic.AddInt32(&runs, 1)
		<-release
		return nil
	}

	t1 := mgr.EnsureCopied(context.Background(), "k", copyFn)
	t2 := mgr.EnsureCopied(context.Background(), "k", copyFn)
	if t1 != t2 {
		t.Fatal("expected the second EnsureCopied call to join the first's in-flight task")
	}

	close(release)
	if err := t1.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("expected exactly one copy to run, got %d", got)
	}
}

func TestCopyTaskManagerWaitHonorsContext(t *testing.T) {
	mgr := NewCopyTaskManager(NewGoExecutor(1))
	release := make(chan struct{})
	task := mgr.EnsureCopied(context.Background(), "k", func(ctx context.Context, t *copyTask) error {
		<-release
		return nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := task.Wait(ctx); err == nil {
		t.Fatal("expected Wait to respect context cancellation while the copy is still running")
	}
}

func TestCopyTaskWaitReadableUnblocksBeforeCopyFinishes(t *testing.T) {
	mgr := NewCopyTaskManager(NewGoExecutor(1))
	finish := make(chan struct{})
	task := mgr.EnsureCopied(context.Background(), "k", func(ctx context.Context, t *copyTask) error {
		t.markReadable()
		<-finish
		return nil
	})

	ok, err := task.waitReadable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected waitReadable to report readable once markReadable was called")
	}
	close(finish)
	if err := task.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCopyTaskWaitReadableReportsMissOnCopyError(t *testing.T) {
	mgr := NewCopyTaskManager(NewGoExecutor(1))
	boom := E(KindIO, "copy", "k")
	task := mgr.EnsureCopied(context.Background(), "k", func(ctx context.Context, t *copyTask) error {
		return boom
	})

	ok, err := task.waitReadable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected waitReadable to report not-readable after a pre-readable copy failure")
	}
}
