// Package realtime keeps one resilient logical connection to the
// communication server. It owns the outbound envelope queue and the channel
// subscription set, and reports everything else through typed feeds.
package realtime

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/pubsub"
)

var (
	ErrConnectTimeout = errors.New("connection timeout")
	ErrDisconnected   = errors.New("disconnected by caller")
	ErrPongTimeout    = errors.New("no pong within the heartbeat window")
	ErrAuthRejected   = errors.New("authentication rejected")
)

type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithRegisterer registers the manager metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerer = reg }
}

// Manager owns at most one transport at a time. Every exported method is
// safe for concurrent use and none of them block except Connect.
type Manager struct {
	cfg        config.Connection
	dialer     Dialer
	clock      clock.Clock
	log        *zap.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	mu             sync.Mutex
	writeMu        sync.Mutex
	status         Status
	token          string
	conn           Transport
	gen            uint64
	authenticated  bool
	intentional    bool
	flushing       bool
	announced      bool
	attempts       int
	gaveUp         bool
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *clock.Timer
	dialTimer      *clock.Timer
	cancelDial     context.CancelFunc
	stopHeartbeat  chan struct{}
	lastPing       time.Time
	lastPingID     string
	missedPongs    int
	latency        time.Duration
	queue          *outbox
	subs           *subscriptionSet

	statuses   pubsub.Feed[StatusChange]
	inbound    pubsub.Feed[model.Envelope]
	errs       pubsub.Feed[ErrorEvent]
	auths      pubsub.Feed[AuthEvent]
	sent       pubsub.Feed[model.Envelope]
	dropped    pubsub.Feed[DropEvent]
	reconnects pubsub.Feed[ReconnectEvent]
	giveUps    pubsub.Feed[GiveUpEvent]
	heartbeats pubsub.Feed[time.Duration]
}

// NewManager validates cfg and builds a disconnected manager.
func NewManager(cfg config.Connection, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "connection config")
	}
	m := &Manager{
		cfg:        cfg,
		dialer:     WebsocketDialer{},
		clock:      clock.New(),
		log:        zap.NewNop(),
		registerer: prometheus.NewRegistry(),
		status:     StatusDisconnected,
		token:      cfg.Token,
		queue:      newOutbox(cfg.QueueCapacity),
		subs:       newSubscriptionSet(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = newMetrics(m.registerer)
	m.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ReconnectDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	m.backoff.Reset()
	return m, nil
}

func (m *Manager) Statuses() *pubsub.Feed[StatusChange]     { return &m.statuses }
func (m *Manager) Inbound() *pubsub.Feed[model.Envelope]    { return &m.inbound }
func (m *Manager) Errors() *pubsub.Feed[ErrorEvent]         { return &m.errs }
func (m *Manager) Auth() *pubsub.Feed[AuthEvent]            { return &m.auths }
func (m *Manager) Sent() *pubsub.Feed[model.Envelope]       { return &m.sent }
func (m *Manager) Dropped() *pubsub.Feed[DropEvent]         { return &m.dropped }
func (m *Manager) Reconnects() *pubsub.Feed[ReconnectEvent] { return &m.reconnects }
func (m *Manager) GiveUps() *pubsub.Feed[GiveUpEvent]       { return &m.giveUps }

// Heartbeats publishes the latency of every answered ping.
func (m *Manager) Heartbeats() *pubsub.Feed[time.Duration] { return &m.heartbeats }

// pending collects feed publications made while holding mu so they run
// after it is released.
type pending []func()

func (p *pending) add(fn func()) { *p = append(*p, fn) }

func (p pending) run() {
	for _, fn := range p {
		fn()
	}
}

// Connect opens a transport unless one is already open or opening. It
// returns an error only when establishment fails; in that case a reconnect
// has already been scheduled. Auth results arrive later on the Auth feed.
func (m *Manager) Connect(ctx context.Context) error {
	var ev pending
	m.mu.Lock()
	if m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.gaveUp {
		m.gaveUp = false
		m.attempts = 0
		m.backoff.Reset()
	}
	m.intentional = false
	m.stopReconnectTimerLocked()
	m.gen++
	gen := m.gen
	m.setStatusLocked(StatusConnecting, &ev)
	m.mu.Unlock()
	ev.run()

	return m.establish(ctx, gen)
}

func (m *Manager) establish(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return errors.WithStack(ErrDisconnected)
	}
	endpoint, err := Endpoint(m.cfg.URL, m.token)
	if err != nil {
		m.mu.Unlock()
		m.fail(gen, err)
		return err
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	timer := m.clock.AfterFunc(m.cfg.ConnectionTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	m.cancelDial, m.dialTimer = cancel, timer
	m.mu.Unlock()

	m.log.Debug("dialing", zap.String("endpoint", redact(endpoint)), zap.Uint64("generation", gen))
	conn, err := m.dialer.Dial(dialCtx, endpoint)
	timer.Stop()
	if timedOut.Load() {
		if err == nil {
			_ = conn.Close(CloseAbnormal, "connection timeout")
		}
		err = errors.WithStack(ErrConnectTimeout)
	}

	var ev pending
	m.mu.Lock()
	m.cancelDial, m.dialTimer = nil, nil
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close(CloseIntentional, "superseded")
		}
		return errors.WithStack(ErrDisconnected)
	}
	if err != nil {
		m.mu.Unlock()
		m.fail(gen, err)
		return err
	}
	m.conn = conn
	m.authenticated = false
	m.attempts = 0
	m.backoff.Reset()
	m.lastPingID = ""
	m.missedPongs = 0
	// Sends queue until the handshake and the flush are done.
	m.flushing = true
	m.setStatusLocked(StatusConnected, &ev)
	m.startHeartbeatLocked(gen)
	m.mu.Unlock()
	ev.run()
	m.log.Info("connected", zap.String("user_id", m.cfg.UserID))

	go m.readLoop(gen, conn)
	if err := m.handshake(gen, conn); err != nil {
		m.fail(gen, err)
		return err
	}
	m.flush(gen)
	return nil
}

// handshake writes auth followed by one subscribe per channel in the set.
// The server handles a connection's frames in order, so the replay lands
// before any flushed message and the echoes come back to this client.
func (m *Manager) handshake(gen uint64, conn Transport) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return errors.WithStack(ErrDisconnected)
	}
	frames := []model.Envelope{
		model.MustEnvelope(model.KindAuth, model.AuthRequest{Token: m.token, UserID: m.cfg.UserID}).For(m.cfg.UserID, ""),
	}
	for _, id := range m.subs.list() {
		frames = append(frames, model.MustEnvelope(model.KindSubscribe, model.SubscriptionRequest{ChannelID: id}).For(m.cfg.UserID, id))
	}
	// Later Subscribe calls write their own frame, queued behind writeMu.
	m.announced = true
	m.mu.Unlock()

	for _, env := range frames {
		if err := m.writeLocked(conn, env); err != nil {
			return errors.Wrap(err, "handshake")
		}
	}
	m.log.Debug("handshake sent", zap.Int("subscriptions", len(frames)-1))
	return nil
}

// fail tears down the current transport and schedules a reconnect. Stale
// generations and caller-requested disconnects are ignored.
func (m *Manager) fail(gen uint64, cause error) {
	var ev pending
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	m.gen++
	m.setStatusLocked(StatusError, &ev)
	ev.add(func() { m.errs.Publish(ErrorEvent{Kind: ErrorTransport, Err: cause}) })
	m.scheduleReconnectLocked(&ev)
	m.mu.Unlock()

	m.log.Warn("connection failed", zap.Error(cause))
	if conn != nil {
		_ = conn.Close(CloseAbnormal, "transport failure")
	}
	ev.run()
}

func (m *Manager) scheduleReconnectLocked(ev *pending) {
	if m.attempts >= m.cfg.ReconnectAttempts {
		if !m.gaveUp {
			m.gaveUp = true
			attempts := m.attempts
			m.metrics.giveUps.Inc()
			m.log.Warn("giving up reconnecting", zap.Int("attempts", attempts))
			ev.add(func() { m.giveUps.Publish(GiveUpEvent{Attempts: attempts}) })
		}
		return
	}
	delay := m.backoff.NextBackOff()
	m.attempts++
	attempt, gen := m.attempts, m.gen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.metrics.reconnects.Inc()
	m.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	ev.add(func() { m.reconnects.Publish(ReconnectEvent{Attempt: attempt, Delay: delay}) })
}

func (m *Manager) reconnect(gen uint64) {
	var ev pending
	m.mu.Lock()
	if gen != m.gen || m.intentional || m.status != StatusError {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.gen++
	next := m.gen
	m.setStatusLocked(StatusConnecting, &ev)
	m.mu.Unlock()
	ev.run()

	if err := m.establish(context.Background(), next); err != nil {
		m.log.Debug("reconnect attempt failed", zap.Error(err))
	}
}

// Disconnect closes the transport with the intentional close code and
// clears every pending timer. It never schedules a reconnect. Queued
// envelopes and subscriptions are kept for the next Connect.
func (m *Manager) Disconnect() {
	var ev pending
	m.mu.Lock()
	m.intentional = true
	m.gen++
	m.stopReconnectTimerLocked()
	if m.dialTimer != nil {
		m.dialTimer.Stop()
		m.dialTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.teardownLocked()
	m.setStatusLocked(StatusDisconnected, &ev)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(CloseIntentional, "client disconnect")
	}
	m.log.Info("disconnected")
	ev.run()
}

// teardownLocked detaches the transport and stops the heartbeat. The caller
// closes the returned transport after releasing mu.
func (m *Manager) teardownLocked() Transport {
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	conn := m.conn
	m.conn = nil
	m.authenticated = false
	m.announced = false
	m.flushing = false
	m.lastPingID = ""
	return conn
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStatusLocked(s Status, ev *pending) {
	if m.status == s {
		return
	}
	from := m.status
	m.status = s
	m.metrics.status.Set(s.gaugeValue())
	m.log.Debug("status", zap.String("from", string(from)), zap.String("to", string(s)))
	ev.add(func() { m.statuses.Publish(StatusChange{From: from, To: s}) })
}

func (m *Manager) readLoop(gen uint64, conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if IsIntentionalClose(err) {
				m.log.Info("server closed the connection")
			}
			m.fail(gen, errors.Wrap(err, "read"))
			return
		}
		env, err := model.DecodeEnvelope(data)
		if err != nil {
			m.errs.Publish(ErrorEvent{Kind: ErrorDecode, Err: err})
			continue
		}
		if !m.current(gen) {
			return
		}
		m.dispatch(gen, conn, env)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) dispatch(gen uint64, conn Transport, env model.Envelope) {
	switch env.Kind {
	case model.KindPing:
		pong := model.Envelope{ID: env.ID, Kind: model.KindPong, Timestamp: m.clock.Now().UnixMilli()}
		if err := m.write(conn, pong); err != nil {
			m.errs.Publish(ErrorEvent{Kind: ErrorSend, Err: err, EnvelopeID: pong.ID})
		}
	case model.KindPong:
		m.handlePong(gen, env)
	case model.KindAuth:
		m.handleAuth(gen, env)
	case model.KindError:
		m.handleServerError(gen, env)
	default:
		m.inbound.Publish(env)
	}
}

func (m *Manager) handlePong(gen uint64, env model.Envelope) {
	m.mu.Lock()
	if gen != m.gen || env.ID == "" || env.ID != m.lastPingID {
		m.mu.Unlock()
		return
	}
	latency := m.clock.Since(m.lastPing)
	m.latency = latency
	m.lastPingID = ""
	m.missedPongs = 0
	m.mu.Unlock()

	m.metrics.latency.Set(latency.Seconds())
	m.heartbeats.Publish(latency)
}

func (m *Manager) handleAuth(gen uint64, env model.Envelope) {
	var res model.AuthResult
	if err := env.Decode(&res); err != nil {
		m.errs.Publish(ErrorEvent{Kind: ErrorDecode, Err: err})
		return
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.authenticated = res.Success
	m.mu.Unlock()

	m.auths.Publish(AuthEvent{Success: res.Success, UserID: res.UserID, Reason: res.Reason})
	if !res.Success {
		m.log.Warn("authentication rejected", zap.String("reason", res.Reason))
		m.errs.Publish(ErrorEvent{
			Kind: ErrorAuth,
			Err:  errors.Wrap(ErrAuthRejected, res.Reason),
			Code: model.CodeAuthFailed,
		})
		return
	}
	m.log.Debug("authenticated", zap.String("user_id", res.UserID))
}

func (m *Manager) handleServerError(gen uint64, env model.Envelope) {
	var p model.ErrorPayload
	if err := env.Decode(&p); err != nil {
		m.errs.Publish(ErrorEvent{Kind: ErrorDecode, Err: err})
		return
	}
	if p.Code != model.CodeAuthFailed {
		m.errs.Publish(ErrorEvent{Kind: ErrorServer, Err: errors.Errorf("server error %s: %s", p.Code, p.Message), Code: p.Code})
		return
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.authenticated = false
	m.mu.Unlock()
	m.auths.Publish(AuthEvent{Success: false, Reason: p.Message})
	m.errs.Publish(ErrorEvent{Kind: ErrorAuth, Err: errors.Wrap(ErrAuthRejected, p.Message), Code: p.Code})
}

// Send writes env when connected and queues it otherwise. Failures are
// reported on the Errors and Dropped feeds, never returned.
func (m *Manager) Send(env model.Envelope) Outcome {
	it := queued{env: env, maxAttempts: m.cfg.MessageMaxAttempts}
	var ev pending
	m.mu.Lock()
	if m.status != StatusConnected || m.conn == nil || m.flushing {
		outcome := m.enqueueLocked(it, false, &ev)
		m.mu.Unlock()
		ev.run()
		return outcome
	}
	conn := m.conn
	m.mu.Unlock()
	return m.deliver(conn, it, false)
}

// deliver makes one write attempt. A failed write goes back to the queue
// until the entry runs out of attempts.
func (m *Manager) deliver(conn Transport, it queued, front bool) Outcome {
	it.attempts++
	if err := m.write(conn, it.env); err != nil {
		ev := pending{func() { m.errs.Publish(ErrorEvent{Kind: ErrorSend, Err: err, EnvelopeID: it.env.ID}) }}
		m.mu.Lock()
		outcome := m.enqueueLocked(it, front, &ev)
		m.mu.Unlock()
		ev.run()
		return outcome
	}
	m.sent.Publish(it.env)
	return Sent
}

func (m *Manager) enqueueLocked(it queued, front bool, ev *pending) Outcome {
	if it.attempts >= it.maxAttempts {
		m.dropLocked(it, DropExhausted, ev)
		return Dropped
	}
	var evicted queued
	var ok bool
	if front {
		evicted, ok = m.queue.pushFront(it)
	} else {
		evicted, ok = m.queue.push(it)
	}
	m.metrics.queueDepth.Set(float64(m.queue.len()))
	if ok {
		m.dropLocked(evicted, DropEvicted, ev)
		if evicted.env.ID == it.env.ID {
			return Dropped
		}
	}
	return Queued
}

func (m *Manager) dropLocked(it queued, reason DropReason, ev *pending) {
	m.metrics.dropped.WithLabelValues(string(reason)).Inc()
	m.log.Warn("envelope dropped",
		zap.String("envelope_id", it.env.ID),
		zap.String("kind", string(it.env.Kind)),
		zap.String("reason", string(reason)),
		zap.Int("attempts", it.attempts))
	ev.add(func() { m.dropped.Publish(DropEvent{Envelope: it.env, Reason: reason, Attempts: it.attempts}) })
}

// flush drains the queue in FIFO order. establish sets flushing before it
// publishes StatusConnected; sends made meanwhile join the back of the
// queue so they cannot overtake older entries or the handshake.
func (m *Manager) flush(gen uint64) {
	for {
		m.mu.Lock()
		if gen != m.gen || m.conn == nil {
			m.mu.Unlock()
			return
		}
		it, ok := m.queue.pop()
		if !ok {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		m.metrics.queueDepth.Set(float64(m.queue.len()))
		conn := m.conn
		m.mu.Unlock()

		if m.deliver(conn, it, true) == Queued {
			m.mu.Lock()
			if gen == m.gen {
				m.flushing = false
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) write(conn Transport, env model.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writeEncoded(conn, env.Kind, data)
}

// writeLocked is write for callers already holding writeMu.
func (m *Manager) writeLocked(conn Transport, env model.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return m.writeEncoded(conn, env.Kind, data)
}

func (m *Manager) writeEncoded(conn Transport, kind model.Kind, data []byte) error {
	if err := conn.WriteMessage(data); err != nil {
		return errors.Wrapf(err, "write %s envelope", kind)
	}
	m.metrics.sent.Inc()
	return nil
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.ping(gen)
			}
		}
	}()
}

func (m *Manager) ping(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	if m.lastPingID != "" {
		m.missedPongs++
	}
	if limit := m.cfg.PongTimeoutIntervals; limit > 0 && m.missedPongs >= limit {
		m.mu.Unlock()
		m.fail(gen, errors.WithStack(ErrPongTimeout))
		return
	}
	now := m.clock.Now()
	env := model.MustEnvelope(model.KindPing, nil)
	env.Timestamp = now.UnixMilli()
	m.lastPing, m.lastPingID = now, env.ID
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, env); err != nil {
		m.errs.Publish(ErrorEvent{Kind: ErrorSend, Err: err, EnvelopeID: env.ID})
	}
}

// Subscribe adds channelID to the subscription set. The server is told
// right away once the handshake for the current connection went out;
// otherwise the next handshake replays the whole set. It reports whether the set changed.
func (m *Manager) Subscribe(channelID string) bool {
	return m.updateSubscription(model.KindSubscribe, channelID)
}

// Unsubscribe removes channelID from the subscription set.
func (m *Manager) Unsubscribe(channelID string) bool {
	return m.updateSubscription(model.KindUnsubscribe, channelID)
}

func (m *Manager) updateSubscription(kind model.Kind, channelID string) bool {
	if channelID == "" {
		return false
	}
	m.mu.Lock()
	var changed bool
	if kind == model.KindSubscribe {
		changed = m.subs.add(channelID)
	} else {
		changed = m.subs.remove(channelID)
	}
	live := changed && m.status == StatusConnected && m.announced && m.conn != nil
	conn := m.conn
	m.mu.Unlock()

	if live {
		env := model.MustEnvelope(kind, model.SubscriptionRequest{ChannelID: channelID}).For(m.cfg.UserID, channelID)
		if err := m.write(conn, env); err != nil {
			m.errs.Publish(ErrorEvent{Kind: ErrorSend, Err: err, EnvelopeID: env.ID})
		}
	}
	return changed
}

// SetToken replaces the credential used by later auth handshakes. The open
// connection is left alone.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) IsConnected() bool { return m.Status() == StatusConnected }

// IsAuthenticated reports whether the server accepted the last auth
// envelope on the current connection.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected && m.authenticated
}

// Latency returns the round trip of the last answered ping.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Queued returns the envelopes waiting for a connection, oldest first.
func (m *Manager) Queued() []model.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.snapshot()
}

func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.list()
}

func (m *Manager) IsSubscribed(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.has(channelID)
}

// Attempts returns the reconnect attempts scheduled since the last
// successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) UserID() string { return m.cfg.UserID }
