package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/pubsub"
)

// fakeServer is an in-memory Dialer. Every successful dial yields a
// fakeConn that records what the manager writes.
type fakeServer struct {
	mu        sync.Mutex
	dials     int
	endpoints []string
	fail      bool
	block     bool
	started   chan struct{}
	authReply *model.AuthResult
	failKind  model.Kind
	conns     []*fakeConn
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		started:   make(chan struct{}, 8),
		authReply: &model.AuthResult{Success: true, UserID: "u1"},
	}
}

func (s *fakeServer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	s.mu.Lock()
	s.dials++
	s.endpoints = append(s.endpoints, endpoint)
	fail, block := s.fail, s.block
	s.mu.Unlock()

	if block {
		s.started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{srv: s, in: make(chan []byte, 64), closed: make(chan struct{})}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

func (s *fakeServer) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) conn(i int) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

type fakeConn struct {
	srv       *fakeServer
	in        chan []byte
	closed    chan struct{}
	once      sync.Once
	mu        sync.Mutex
	written   []model.Envelope
	closeCode int
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	env, err := model.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	c.srv.mu.Lock()
	failKind, reply := c.srv.failKind, c.srv.authReply
	c.srv.mu.Unlock()
	if failKind != "" && env.Kind == failKind {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	if env.Kind == model.KindAuth && reply != nil {
		c.push(model.MustEnvelope(model.KindAuth, reply))
	}
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errors.New("connection reset by peer")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) push(env model.Envelope) {
	b, err := env.Encode()
	if err != nil {
		panic(err)
	}
	c.in <- b
}

// drop simulates the network going away under the manager.
func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) sent(kind model.Kind) []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Envelope
	for _, env := range c.written {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// kinds lists the written frame kinds in write order.
func (c *fakeConn) kinds() []model.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Kind, 0, len(c.written))
	for _, env := range c.written {
		out = append(out, env.Kind)
	}
	return out
}

func subscribedChannels(c *fakeConn) []string {
	var out []string
	for _, env := range c.sent(model.KindSubscribe) {
		out = append(out, env.ChannelID)
	}
	return out
}

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func record[T any](f *pubsub.Feed[T]) *recorder[T] {
	r := &recorder[T]{}
	f.Subscribe(func(v T) {
		r.mu.Lock()
		r.items = append(r.items, v)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func testConfig() config.Connection {
	return config.Connection{
		URL:                "http://chat.test/ws",
		Token:              "secret-token",
		UserID:             "u1",
		ReconnectAttempts:  3,
		ReconnectDelay:     100 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		ConnectionTimeout:  10 * time.Second,
		QueueCapacity:      10,
		MessageMaxAttempts: 3,
	}
}

func newTestManager(t *testing.T, cfg config.Connection, srv *fakeServer) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	m, err := NewManager(cfg,
		WithDialer(srv),
		WithClock(mock),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m, mock
}

func chatMessage(t *testing.T, text string) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(model.KindMessage, model.Message{Content: text, ChannelID: "ch1"})
	require.NoError(t, err)
	return env.For("u1", "ch1")
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
