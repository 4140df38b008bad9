package commstore

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/pubsub"
	"github.com/mahaj/commlayer/pkg/realtime"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeConn records what the store sends. Envelopes are confirmed on the
// Sent feed only when outcome is realtime.Sent.
type fakeConn struct {
	mu      sync.Mutex
	outcome realtime.Outcome
	out     []model.Envelope
	subs    []string
	unsubs  []string

	statuses pubsub.Feed[realtime.StatusChange]
	inbound  pubsub.Feed[model.Envelope]
	sent     pubsub.Feed[model.Envelope]
	dropped  pubsub.Feed[realtime.DropEvent]
}

func newFakeConn() *fakeConn { return &fakeConn{outcome: realtime.Queued} }

func (f *fakeConn) Send(env model.Envelope) realtime.Outcome {
	f.mu.Lock()
	f.out = append(f.out, env)
	outcome := f.outcome
	f.mu.Unlock()
	if outcome == realtime.Sent {
		f.sent.Publish(env)
	}
	return outcome
}

func (f *fakeConn) Subscribe(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, channelID)
	return true
}

func (f *fakeConn) Unsubscribe(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, channelID)
	return true
}

func (f *fakeConn) Statuses() *pubsub.Feed[realtime.StatusChange] { return &f.statuses }
func (f *fakeConn) Inbound() *pubsub.Feed[model.Envelope]        { return &f.inbound }
func (f *fakeConn) Sent() *pubsub.Feed[model.Envelope]           { return &f.sent }
func (f *fakeConn) Dropped() *pubsub.Feed[realtime.DropEvent]    { return &f.dropped }

func (f *fakeConn) envelopes() []model.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Envelope(nil), f.out...)
}

func (f *fakeConn) last(t *testing.T) model.Envelope {
	t.Helper()
	out := f.envelopes()
	require.NotEmpty(t, out)
	return out[len(out)-1]
}

// events returns the names of every event envelope sent so far.
func (f *fakeConn) events(t *testing.T) []string {
	t.Helper()
	var names []string
	for _, env := range f.envelopes() {
		if env.Kind != model.KindEvent {
			continue
		}
		var p model.EventPayload
		require.NoError(t, env.Decode(&p))
		names = append(names, p.Name)
	}
	return names
}

func (f *fakeConn) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

// confirmAll publishes every recorded envelope on the Sent feed.
func (f *fakeConn) confirmAll() {
	for _, env := range f.envelopes() {
		f.sent.Publish(env)
	}
}

func newTestStore(t *testing.T, me string, cfg config.Store, opts ...Option) (*Store, *fakeConn, *clock.Mock) {
	t.Helper()
	conn := newFakeConn()
	mock := clock.NewMock()
	opts = append([]Option{
		WithConnection(conn),
		WithClock(mock),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	s, err := NewStore(model.User{ID: me, Name: me}, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, conn, mock
}

func inboundMessage(t *testing.T, m model.Message) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(model.KindMessage, m)
	require.NoError(t, err)
	return env.For(m.AuthorID, m.ChannelID)
}

func inboundEvent(t *testing.T, name, userID, channelID string, data interface{}) model.Envelope {
	t.Helper()
	env, err := model.NewEvent(name, data)
	require.NoError(t, err)
	return env.For(userID, channelID)
}

type fakeNotifier struct {
	mu      sync.Mutex
	granted bool
	shown   []model.Notification
}

func (n *fakeNotifier) Granted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.granted
}

func (n *fakeNotifier) Notify(x model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, x)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

func ids(list []model.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}
