// Package commstore is the in-memory model of the communication domain:
// users and presence, channels, messages, calls, typing indicators and
// notifications. Commands mutate the model optimistically and hand
// envelopes to a Connection; inbound envelopes reconcile the model.
package commstore

import (
	"hash/fnv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/persist"
	"github.com/mahaj/commlayer/pkg/pubsub"
	"github.com/mahaj/commlayer/pkg/realtime"
	"github.com/mahaj/commlayer/pkg/snowflake"
)

var (
	ErrChannelNotFound      = errors.New("channel not found")
	ErrChannelExists        = errors.New("channel already exists")
	ErrInvalidChannel       = errors.New("invalid channel")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message has no content")
	ErrCallNotFound         = errors.New("call not found")
	ErrCallInProgress       = errors.New("channel already has an active call")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrNotParticipant       = errors.New("not a participant")
	ErrForbidden            = errors.New("not allowed")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidStatus        = errors.New("invalid user status")
	ErrNotificationNotFound = errors.New("notification not found")
)

// Connection is the part of the connection manager the store drives.
// *realtime.Manager implements it.
type Connection interface {
	Send(env model.Envelope) realtime.Outcome
	Subscribe(channelID string) bool
	Unsubscribe(channelID string) bool
	Statuses() *pubsub.Feed[realtime.StatusChange]
	Inbound() *pubsub.Feed[model.Envelope]
	Sent() *pubsub.Feed[model.Envelope]
	Dropped() *pubsub.Feed[realtime.DropEvent]
}

type Option func(*Store)

// WithConnection makes the store send through conn and reconcile from its
// feeds.
func WithConnection(conn Connection) Option { return func(s *Store) { s.conn = conn } }

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

// WithWriter persists channels, messages and notifications behind the
// model through w.
func WithWriter(w *persist.Writer) Option { return func(s *Store) { s.writer = w } }

// WithIDNode sets the snowflake node used for entity ids.
func WithIDNode(n *snowflake.Node) Option { return func(s *Store) { s.ids = n } }

// Store is safe for concurrent use. Feed handlers run after the store lock
// is released, so they may call back into the store.
type Store struct {
	cfg      config.Store
	clock    clock.Clock
	log      *zap.Logger
	conn     Connection
	notifier Notifier
	writer   *persist.Writer
	ids      *snowflake.Node

	mu            sync.Mutex
	me            string
	users         map[string]*model.User
	channels      map[string]*model.Channel
	channelOrder  []string
	messages      map[string][]*model.Message
	byID          map[string]*model.Message
	inFlight      map[string]string
	calls         map[string]*model.Call
	activeCalls   map[string]string
	currentCall   string
	typing        map[typingKey]*typingEntry
	notifications []*model.Notification
	activeChannel string
	awayTimer     *clock.Timer

	changes pubsub.Feed[Change]
	unsubs  []func()
}

// NewStore builds a store for the local user me. A zero status starts the
// user online.
func NewStore(me model.User, cfg config.Store, opts ...Option) (*Store, error) {
	if me.ID == "" {
		return nil, errors.New("current user needs an id")
	}
	if cfg.AutoAwayDelay < 0 || cfg.TypingTimeout < 0 {
		return nil, errors.New("store durations must not be negative")
	}
	if me.Status == "" {
		me.Status = model.UserOnline
	}
	s := &Store{
		cfg:         cfg,
		clock:       clock.New(),
		log:         zap.NewNop(),
		me:          me.ID,
		users:       map[string]*model.User{me.ID: &me},
		channels:    make(map[string]*model.Channel),
		messages:    make(map[string][]*model.Message),
		byID:        make(map[string]*model.Message),
		inFlight:    make(map[string]string),
		calls:       make(map[string]*model.Call),
		activeCalls: make(map[string]string),
		typing:      make(map[typingKey]*typingEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		node, err := snowflake.NewNode(nodeFor(me.ID))
		if err != nil {
			return nil, err
		}
		s.ids = node
	}
	if s.users[s.me].LastSeen.IsZero() {
		s.users[s.me].LastSeen = s.clock.Now()
	}
	if s.conn != nil {
		s.unsubs = append(s.unsubs,
			s.conn.Inbound().Subscribe(s.handleInbound),
			s.conn.Sent().Subscribe(s.handleSent),
			s.conn.Dropped().Subscribe(s.handleDropped),
			s.conn.Statuses().Subscribe(s.handleStatus),
		)
	}
	return s, nil
}

// nodeFor spreads users over snowflake nodes so two clients rarely share
// one.
func nodeFor(userID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int64(h.Sum32() % 1024)
}

// Close detaches the store from its connection and stops its timers. It
// does not close the writer.
func (s *Store) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	if s.awayTimer != nil {
		s.awayTimer.Stop()
		s.awayTimer = nil
	}
	for _, t := range s.typing {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Changes publishes one Change per mutation.
func (s *Store) Changes() *pubsub.Feed[Change] { return &s.changes }

// after collects work that must run once the store lock is released:
// change publications, sends and desktop notifications.
type after []func()

func (a *after) add(fn func()) { *a = append(*a, fn) }

func (a after) run() {
	for _, fn := range a {
		fn()
	}
}

func (s *Store) changed(ev *after, kind ChangeKind, id, channelID string) {
	c := Change{Kind: kind, ID: id, ChannelID: channelID}
	ev.add(func() { s.changes.Publish(c) })
}

// send queues env for the connection once the lock is released. Without a
// connection the envelope is discarded.
func (s *Store) send(ev *after, env model.Envelope) {
	if s.conn == nil {
		return
	}
	ev.add(func() {
		outcome := s.conn.Send(env)
		s.log.Debug("envelope handed off",
			zap.String("envelope_id", env.ID),
			zap.String("kind", string(env.Kind)),
			zap.Stringer("outcome", outcome))
	})
}

// sendEvent wraps data in a named event addressed to channelID.
func (s *Store) sendEvent(ev *after, name, channelID string, data interface{}) {
	env, err := model.NewEvent(name, data)
	if err != nil {
		s.log.Error("event not sent", zap.String("event", name), zap.Error(err))
		return
	}
	s.send(ev, env.For(s.me, channelID))
}

func (s *Store) nextID() string {
	return s.ids.NextString()
}

// CurrentUserID returns the local user id.
func (s *Store) CurrentUserID() string { return s.me }

// SetActiveChannel selects the channel the user is looking at. Messages
// arriving in it do not create notifications.
func (s *Store) SetActiveChannel(channelID string) error {
	var ev after
	s.mu.Lock()
	if channelID != "" {
		if _, ok := s.channels[channelID]; !ok {
			s.mu.Unlock()
			return errors.Wrap(ErrChannelNotFound, channelID)
		}
	}
	s.activeChannel = channelID
	s.changed(&ev, ChangeSelection, channelID, channelID)
	s.mu.Unlock()
	ev.run()
	return nil
}

func (s *Store) ActiveChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChannel
}
