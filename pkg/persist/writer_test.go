package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// failingRepo fails every update and records the order of calls.
type failingRepo struct {
	Repository
	mu    sync.Mutex
	calls []string
}

func (f *failingRepo) Update(ctx context.Context, id string, patch map[string]interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, "update:"+id)
	f.mu.Unlock()
	return errors.New("disk full")
}

// stalledRepo blocks every Put until release is closed.
type stalledRepo struct {
	Repository
	entered chan struct{}
	release chan struct{}
}

func (r *stalledRepo) Put(ctx context.Context, rec Record) (Record, error) {
	r.entered <- struct{}{}
	<-r.release
	return rec, nil
}

func TestWriterAppliesInOrder(t *testing.T) {
	repo := openMem(t)
	w := NewWriter(repo, zaptest.NewLogger(t))
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, w.Put(mustRecord(t, KindMessage, "m1", "c1", at, body{Content: "a"})))
	require.NoError(t, w.Update("m1", map[string]interface{}{"content": "b"}))
	require.NoError(t, w.Put(mustRecord(t, KindMessage, "m2", "c1", at.Add(time.Second), body{Content: "c"})))
	require.NoError(t, w.Delete("m2"))
	require.NoError(t, w.Flush(context.Background()))

	list, err := repo.List(context.Background(), Filter{Kind: KindMessage})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.JSONEq(t, `{"content":"b"}`, string(list[0].Data))
	assert.Zero(t, w.Failures())

	require.NoError(t, w.Close())
	assert.Equal(t, ErrWriterClosed, w.Put(Record{}))
	assert.Equal(t, ErrWriterClosed, w.Flush(context.Background()))
}

func TestWriterPutReplacesExisting(t *testing.T) {
	repo := openMem(t)
	w := NewWriter(repo, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = w.Close() })
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, w.Put(mustRecord(t, KindMessage, "m1", "c1", at, body{Content: "a", Pinned: true})))
	require.NoError(t, w.Put(mustRecord(t, KindMessage, "m1", "c1", at, body{Content: "b"})))
	require.NoError(t, w.Flush(context.Background()))

	list, err := repo.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.JSONEq(t, `{"content":"b"}`, string(list[0].Data))
	assert.Equal(t, at, list[0].CreatedAt.UTC())
}

func TestWriterCountsFailures(t *testing.T) {
	repo := &failingRepo{}
	w := NewWriter(repo, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.Update("a", nil))
	require.NoError(t, w.Update("b", nil))
	require.NoError(t, w.Flush(context.Background()))

	assert.Equal(t, 2, w.Failures())
	assert.Equal(t, []string{"update:a", "update:b"}, repo.calls)
	assert.Same(t, repo, w.Repository())
}

func TestWriterRefusesWhenStalled(t *testing.T) {
	repo := &stalledRepo{entered: make(chan struct{}, 8), release: make(chan struct{})}
	w := newWriter(repo, zaptest.NewLogger(t), 2)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := func(id string) Record { return mustRecord(t, KindMessage, id, "c1", at, body{Content: id}) }

	require.NoError(t, w.Put(rec("m1")))
	<-repo.entered
	require.NoError(t, w.Put(rec("m2")))
	require.NoError(t, w.Put(rec("m3")))

	done := make(chan error, 1)
	go func() { done <- w.Put(rec("m4")) }()
	select {
	case err := <-done:
		assert.Equal(t, ErrWriterBusy, errors.Cause(err))
	case <-time.After(time.Second):
		t.Fatal("Put blocked on a stalled repository")
	}
	assert.Equal(t, 1, w.Failures())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, w.Flush(ctx))

	close(repo.release)
	require.NoError(t, w.Flush(context.Background()))
	require.NoError(t, w.Close())
	assert.Len(t, repo.entered, 2, "m2 and m3 still applied")
}
