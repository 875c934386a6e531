package cachetier

import (
	"context"
	"sync"
)

// copyTask tracks one in-flight background population of the local tier
// from the shared tier for a single key, so concurrent misses on the same
// key join the same copy instead of each starting their own.
//
// Besides the terminal done/err pair, it carries the readable/copyErr
// condition the miss path gates on: the copy function opens the local
// output and, as soon as the reader can safely stream from it, calls
// markReadable so a waiting OpenInput call returns the local stream instead
// of blocking for the whole copy to finish. If the copy fails before ever
// becoming readable, markCopyError wakes waiters with a miss instead.
type copyTask struct {
	done chan struct{}
	err  error

	mu       sync.Mutex
	cond     *sync.Cond
	readable bool
	copyErr  error
	settled  bool
}

func newCopyTask() *copyTask {
	t := &copyTask{done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// markReadable signals that the local output is safe to open for reading.
// Once readable, a later markCopyError call is ignored: readers already let
// through keep streaming the partially- or fully-copied local file.
func (t *copyTask) markReadable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled {
		return
	}
	t.readable = true
	t.settled = true
	t.cond.Broadcast()
}

// markCopyError signals that the copy failed before ever becoming readable;
// waiters should treat the resource as a miss rather than retry the error.
func (t *copyTask) markCopyError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled {
		return
	}
	t.copyErr = err
	t.settled = true
	t.cond.Broadcast()
}

// waitReadable blocks until the copy task becomes readable or fails before
// doing so, or ctx is done. ok reports whether the local output is safe to
// open; when !ok and err is nil, the copy failed and the caller should
// report a miss rather than an I/O error.
func (t *copyTask) waitReadable(ctx context.Context) (ok bool, err error) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.mu.Lock()
				t.cond.Broadcast()
				t.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.settled {
		if ctx != nil {
			if cerr := ctx.Err(); cerr != nil {
				return false, Wrap(KindInterrupted, "copyTask.waitReadable", "", cerr)
			}
		}
		t.cond.Wait()
	}
	return t.readable, nil
}

// CopyTaskManager deduplicates and runs the miss-path population that keeps
// the local tier warm after a read is served from it — C7 in the component
// design. EnsureCopied schedules the copy on the executor and returns a
// handle the caller waits on for readability, not for the whole copy.
type CopyTaskManager struct {
	mu       sync.Mutex
	inflight map[string]*copyTask
	exec     Executor
}

// NewCopyTaskManager builds a manager that runs copies on exec.
func NewCopyTaskManager(exec Executor) *CopyTaskManager {
	return &CopyTaskManager{inflight: make(map[string]*copyTask), exec: exec}
}

// EnsureCopied starts copyFn in the background for key unless a copy for key
// is already running, in which case the caller joins the existing one.
// copyFn is handed the task itself so it can call markReadable once the
// local output is safe to stream from, ahead of the copy's own completion.
func (m *CopyTaskManager) EnsureCopied(ctx context.Context, key string, copyFn func(context.Context, *copyTask) error) *copyTask {
	m.mu.Lock()
	if t, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		return t
	}
	t := newCopyTask()
	m.inflight[key] = t
	m.mu.Unlock()

	m.exec.Go(func() {
		// The background copy gets its own context: the triggering request's
		// context may be cancelled (e.g. the caller disconnects) well before
		// the local tier should stop warming.
		err := copyFn(context.Background(), t)
		t.err = err
		if err != nil {
			t.markCopyError(err)
		} else {
			t.markReadable()
		}
		close(t.done)
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
	})
	return t
}

// Wait blocks until t's copy finishes or ctx is done, returning the copy's
// error or ctx's error, whichever comes first.
func (t *copyTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return Wrap(KindInterrupted, "copyTask.Wait", "", ctx.Err())
	}
}
