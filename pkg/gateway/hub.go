// Package gateway is the websocket server side of the envelope protocol. It
// authenticates connections, tracks channel subscriptions and fans routed
// envelopes out to subscribers through a Broker.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mahaj/commlayer/pkg/auth"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/snowflake"
)

type Options struct {
	Signer     *auth.Signer
	Broker     Broker
	Presence   Presence
	Node       *snowflake.Node
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	RateLimit  rate.Limit
	RateBurst  int
	Now        func() time.Time
}

// Hub tracks connected clients by channel and by user.
type Hub struct {
	opts    Options
	log     *zap.Logger
	metrics *hubMetrics

	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	users    map[string]map[*Client]struct{}

	unregister chan *Client
}

func NewHub(opts Options) (*Hub, error) {
	if opts.Signer == nil {
		return nil, errors.New("gateway needs a token signer")
	}
	if opts.Broker == nil {
		opts.Broker = NewMemoryBroker(1024)
	}
	if opts.Presence == nil {
		opts.Presence = NewMemoryPresence()
	}
	if opts.Node == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, err
		}
		opts.Node = node
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = 40
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts:       opts,
		log:        opts.Logger,
		metrics:    newHubMetrics(opts.Registerer),
		channels:   make(map[string]map[*Client]struct{}),
		users:      make(map[string]map[*Client]struct{}),
		unregister: make(chan *Client, 64),
	}, nil
}

// Run fans broker envelopes out to local clients until ctx is done or the
// broker stream ends.
func (h *Hub) Run(ctx context.Context) {
	msgs := h.opts.Broker.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.unregister:
			h.remove(c)
		case env, ok := <-msgs:
			if !ok {
				h.log.Warn("broker stream closed")
				return
			}
			h.deliver(env)
		}
	}
}

// authenticated registers c under its user id. It reports whether this is
// the user's first live connection.
func (h *Hub) authenticated(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[c.user()]
	if set == nil {
		set = make(map[*Client]struct{})
		h.users[c.user()] = set
	}
	set[c] = struct{}{}
	return len(set) == 1
}

func (h *Hub) subscribe(c *Client, channelID string) {
	h.mu.Lock()
	set := h.channels[channelID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.channels[channelID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if err := h.opts.Presence.Join(context.Background(), channelID, c.user()); err != nil {
		h.log.Warn("presence join failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (h *Hub) unsubscribe(c *Client, channelID string) {
	h.mu.Lock()
	if set, ok := h.channels[channelID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, channelID)
		}
	}
	h.mu.Unlock()

	if err := h.opts.Presence.Leave(context.Background(), channelID, c.user()); err != nil {
		h.log.Warn("presence leave failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// remove drops c from every index and closes its send queue. When c was
// the user's last connection an offline presence update is published.
func (h *Hub) remove(c *Client) {
	subs := c.subscriptions()
	for _, id := range subs {
		h.unsubscribe(c, id)
	}
	lastForUser := false
	h.mu.Lock()
	if set, ok := h.users[c.user()]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.user())
				lastForUser = true
			}
		}
	}
	h.mu.Unlock()
	if c.close() {
		h.metrics.clients.Dec()
		h.log.Info("client unregistered", zap.String("user_id", c.user()), zap.Int("subscriptions", len(subs)))
	}
	if lastForUser {
		h.publishPresence(c.user(), model.UserOffline)
	}
}

func (h *Hub) publishPresence(userID string, status model.UserStatus) {
	env, err := model.NewEvent(model.EventPresenceUpdate, model.Presence{
		UserID:   userID,
		Status:   status,
		LastSeen: h.opts.Now(),
	})
	if err != nil {
		return
	}
	h.publish(env.For(userID, ""))
}

func (h *Hub) publish(env model.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.opts.Broker.Publish(ctx, env); err != nil {
		h.log.Error("publish failed", zap.String("envelope_id", env.ID), zap.Error(err))
	}
}

// recipients resolves who receives env. Direct channels named dm:<a>:<b>
// reach both users on every connection; envelopes without a channel reach
// every authenticated client; everything else reaches channel subscribers.
func (h *Hub) recipients(env model.Envelope) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Client]struct{})
	var out []*Client
	add := func(set map[*Client]struct{}) {
		for c := range set {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	switch {
	case env.ChannelID == "":
		for _, set := range h.users {
			add(set)
		}
	case model.IsDirectChannelID(env.ChannelID):
		a, b, _ := model.DirectParticipants(env.ChannelID)
		add(h.users[a])
		add(h.users[b])
		add(h.channels[env.ChannelID])
	default:
		add(h.channels[env.ChannelID])
	}
	return out
}

func (h *Hub) deliver(env model.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.log.Error("encode failed", zap.Error(err))
		return
	}
	for _, c := range h.recipients(env) {
		if !c.enqueue(data) {
			h.log.Warn("slow client dropped", zap.String("user_id", c.user()))
			h.remove(c)
		}
	}
	h.metrics.routed.WithLabelValues(string(env.Kind)).Inc()
}

// Members returns the users present in channelID.
func (h *Hub) Members(ctx context.Context, channelID string) ([]string, error) {
	return h.opts.Presence.Members(ctx, channelID)
}

// Online reports whether userID has at least one authenticated connection
// on this instance.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}
