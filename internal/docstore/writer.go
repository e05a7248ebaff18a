package docstore

import (
	"context"
	"sync"
)

// Version is an encoded document tagged with its position in the write
// order. Obtain it with Writer.Stamp while holding the lock that guards the
// document, then pass it to Writer.Write after releasing that lock.
type Version struct {
	seq  uint64
	data []byte
}

// Writer serializes saves of one document so the encode can happen under
// the owner's lock while the store I/O happens outside it. A version older
// than one already written is dropped.
type Writer struct {
	store Store

	seqMu sync.Mutex
	seq   uint64

	ioMu    sync.Mutex
	written uint64

	errMu   sync.Mutex
	lastErr error
}

// NewWriter wraps store.
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// Stamp assigns the next sequence number to data.
func (w *Writer) Stamp(data []byte) Version {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()
	w.seq++
	return Version{seq: w.seq, data: data}
}

// Write saves v unless a newer version is already stored. The outcome is
// remembered for Err; a skipped version leaves it unchanged.
func (w *Writer) Write(ctx context.Context, v Version) error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	if v.seq <= w.written {
		return nil
	}
	err := w.store.Save(ctx, v.data)
	if err == nil {
		w.written = v.seq
	}
	w.errMu.Lock()
	w.lastErr = err
	w.errMu.Unlock()
	return err
}

// Err returns the error from the most recent write that reached the store.
// It never waits on a write in progress.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.lastErr
}
