package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/realtime"
)

// tapDialer wraps the websocket dialer and keeps every transport so a test
// can count frames and break connections.
type tapDialer struct {
	inner realtime.WebsocketDialer
	mu    sync.Mutex
	taps  []*tap
}

func (d *tapDialer) Dial(ctx context.Context, endpoint string) (realtime.Transport, error) {
	tr, err := d.inner.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	t := &tap{Transport: tr}
	d.mu.Lock()
	d.taps = append(d.taps, t)
	d.mu.Unlock()
	return t, nil
}

func (d *tapDialer) get(i int) *tap {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.taps) {
		return nil
	}
	return d.taps[i]
}

type tap struct {
	realtime.Transport
	mu      sync.Mutex
	written []model.Envelope
}

func (t *tap) WriteMessage(data []byte) error {
	if env, err := model.DecodeEnvelope(data); err == nil {
		t.mu.Lock()
		t.written = append(t.written, env)
		t.mu.Unlock()
	}
	return t.Transport.WriteMessage(data)
}

func (t *tap) subscribes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, env := range t.written {
		if env.Kind == model.KindSubscribe {
			out = append(out, env.ChannelID)
		}
	}
	return out
}

func TestManagerAgainstGateway(t *testing.T) {
	s := newTestServer(t, nil)
	dialer := &tapDialer{}
	m, err := realtime.NewManager(config.Connection{
		URL:               s.srv.URL + "/ws",
		Token:             s.token(t, "alice"),
		UserID:            "alice",
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		ConnectionTimeout: time.Second,
	}, realtime.WithDialer(dialer), realtime.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	var mu sync.Mutex
	var inbound []model.Envelope
	m.Inbound().Subscribe(func(env model.Envelope) {
		mu.Lock()
		inbound = append(inbound, env)
		mu.Unlock()
	})
	echoed := func(id string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, env := range inbound {
			if env.ID == id {
				return true
			}
		}
		return false
	}

	m.Subscribe("A")
	m.Subscribe("B")
	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, m.IsAuthenticated, waitFor, tick)
	require.Eventually(t, func() bool {
		a, _ := s.hub.Members(context.Background(), "A")
		b, _ := s.hub.Members(context.Background(), "B")
		return len(a) == 1 && len(b) == 1
	}, waitFor, tick)

	msg := model.MustEnvelope(model.KindMessage, model.Message{ID: "m1", Content: "hi"}).For("alice", "A")
	assert.Equal(t, realtime.Sent, m.Send(msg))
	require.Eventually(t, func() bool { return echoed(msg.ID) }, waitFor, tick)

	// The heartbeat gets answered by the gateway.
	require.Eventually(t, func() bool { return m.Latency() > 0 }, waitFor, tick)

	// Break the socket under the manager.
	first := dialer.get(0)
	require.NoError(t, first.Close(realtime.CloseAbnormal, "test"))
	require.Eventually(t, func() bool { return dialer.get(1) != nil }, waitFor, tick)
	require.Eventually(t, m.IsAuthenticated, waitFor, tick)
	second := dialer.get(1)
	require.Eventually(t, func() bool { return len(second.subscribes()) == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, second.subscribes())
	assert.Equal(t, []string{"A", "B"}, first.subscribes())

	msg2 := model.MustEnvelope(model.KindMessage, model.Message{ID: "m2", Content: "back"}).For("alice", "B")
	assert.Equal(t, realtime.Sent, m.Send(msg2))
	require.Eventually(t, func() bool { return echoed(msg2.ID) }, waitFor, tick)

	m.Disconnect()
	assert.Equal(t, realtime.StatusDisconnected, m.Status())
	require.Eventually(t, func() bool { return !s.hub.Online("alice") }, waitFor, tick)
}
