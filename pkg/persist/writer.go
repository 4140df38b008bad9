package persist

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const writerBuffer = 1024

var (
	ErrWriterClosed = errors.New("writer closed")
	ErrWriterBusy   = errors.New("writer buffer full")
)

type opKind int

const (
	opPut opKind = iota
	opUpdate
	opDelete
	opFlush
)

type op struct {
	kind  opKind
	rec   Record
	id    string
	patch map[string]interface{}
	done  chan struct{}
}

// Writer applies repository writes in the background and in submission
// order. Failures are logged and counted. Callers never block on storage:
// when the buffer is full the write is refused with ErrWriterBusy.
type Writer struct {
	repo Repository
	log  *zap.Logger
	ops  chan op

	// mu guards closed. Senders hold the read lock so Close cannot close
	// ops under them.
	mu       sync.RWMutex
	closed   bool
	failures atomic.Int64

	wg sync.WaitGroup
}

func NewWriter(repo Repository, log *zap.Logger) *Writer {
	return newWriter(repo, log, writerBuffer)
}

func newWriter(repo Repository, log *zap.Logger, buffer int) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{repo: repo, log: log, ops: make(chan op, buffer)}
	w.wg.Add(1)
	go w.run()
	return w
}

// Repository returns the repository the writer applies to.
func (w *Writer) Repository() Repository { return w.repo }

// Put stores rec, replacing any record with the same id.
func (w *Writer) Put(rec Record) error {
	return w.submit(op{kind: opPut, rec: rec, id: rec.ID})
}

func (w *Writer) Update(id string, patch map[string]interface{}) error {
	return w.submit(op{kind: opUpdate, id: id, patch: patch})
}

func (w *Writer) Delete(id string) error {
	return w.submit(op{kind: opDelete, id: id})
}

// Flush waits until every write submitted before the call was applied.
// Unlike the writes it waits for buffer space, up to ctx.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.ops <- op{kind: opFlush, done: done}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures reports how many writes failed or were refused so far.
func (w *Writer) Failures() int {
	return int(w.failures.Load())
}

// Close drains pending writes and stops the writer. It does not close the
// repository.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

func (w *Writer) submit(o op) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.ops <- o:
		return nil
	default:
		w.failures.Add(1)
		w.log.Warn("persist_write_refused", zap.String("id", o.id), zap.Int("buffer", cap(w.ops)))
		return errors.WithStack(ErrWriterBusy)
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for o := range w.ops {
		if o.kind == opFlush {
			close(o.done)
			continue
		}
		if err := w.apply(o); err != nil {
			w.failures.Add(1)
			w.log.Error("persist_write_failed", zap.String("id", o.id), zap.Error(err))
		}
	}
}

func (w *Writer) apply(o op) error {
	ctx := context.Background()
	switch o.kind {
	case opPut:
		_, err := w.repo.Put(ctx, o.rec)
		return err
	case opUpdate:
		return w.repo.Update(ctx, o.id, o.patch)
	case opDelete:
		err := w.repo.Delete(ctx, o.id)
		if errors.Cause(err) == ErrNotFound {
			return nil
		}
		return err
	}
	return nil
}
