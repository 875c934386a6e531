package cachetier

import (
	"io"
	"sync"
)

// DualWriteCloser fans every Write out to both a local sink and a shared
// sink, and commits (closes) both exactly once on Close no matter how many
// times Close is called — the Go shape of DualOutputStreamsWrapper, which
// lets a single write from the caller land in the local tier and the shared
// tier simultaneously instead of copying the local file up afterward.
type DualWriteCloser struct {
	local  io.WriteCloser
	shared io.WriteCloser

	once    sync.Once
	onClose func(err error) error
	closeEr error
}

// NewDualWriteCloser wraps local and shared. onClose, if non-nil, runs
// exactly once as part of Close, after both underlying writers have been
// closed; its argument is the first close error seen (nil if both closed
// cleanly), and its return value becomes Close's final error — this is the
// coordinator-release hook Provider.OpenOutput installs to release the
// cluster lock and commit or roll back the transaction.
func NewDualWriteCloser(local, shared io.WriteCloser, onClose func(err error) error) *DualWriteCloser {
	return &DualWriteCloser{local: local, shared: shared, onClose: onClose}
}

func (d *DualWriteCloser) Write(p []byte) (int, error) {
	n, err := d.local.Write(p)
	if err != nil {
		return n, Wrap(KindIO, "DualWriteCloser.Write", "", err)
	}
	if n != len(p) {
		return n, Wrap(KindIO, "DualWriteCloser.Write", "", io.ErrShortWrite)
	}
	n2, err := d.shared.Write(p)
	if err != nil {
		return n2, Wrap(KindIO, "DualWriteCloser.Write", "", err)
	}
	return n2, nil
}

// Close closes both underlying writers and runs onClose exactly once,
// regardless of how many times Close is called — callers (including a
// deferred cleanup after an error) can always call Close safely.
func (d *DualWriteCloser) Close() error {
	d.once.Do(func() {
		errLocal := d.local.Close()
		errShared := d.shared.Close()
		err := errLocal
		if err == nil {
			err = errShared
		}
		if d.onClose != nil {
			err = d.onClose(err)
		}
		d.closeEr = err
	})
	return d.closeEr
}
