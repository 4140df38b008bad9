package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mahaj/commlayer/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
	userID string
	subs   map[string]struct{}
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send queue once and reports whether this call did it.
func (c *Client) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *Client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

func (c *Client) reply(env model.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.hub.log.Error("encode reply failed", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.hub.unregister <- c
	}
}

func (c *Client) replyError(code, message string) {
	c.reply(model.MustEnvelope(model.KindError, model.ErrorPayload{Code: code, Message: message}))
}

// readPump pumps envelopes from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Info("connection closed", zap.String("user_id", c.user()), zap.Error(err))
			}
			return
		}
		// Any envelope proves the peer is alive.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := model.DecodeEnvelope(data)
		if err != nil {
			c.replyError(model.CodeBadEnvelope, err.Error())
			continue
		}
		if env.Kind != model.KindPing && env.Kind != model.KindPong && !c.limiter.Allow() {
			c.hub.metrics.rateLimited.Inc()
			c.replyError(model.CodeRateLimited, "slow down")
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handle(env model.Envelope) {
	switch env.Kind {
	case model.KindPing:
		c.reply(model.Envelope{ID: env.ID, Kind: model.KindPong, Timestamp: c.hub.opts.Now().UnixMilli()})
	case model.KindPong:
	case model.KindAuth:
		c.handleAuth(env)
	case model.KindSubscribe, model.KindUnsubscribe:
		c.handleSubscription(env)
	case model.KindMessage, model.KindEvent:
		c.handleRouted(env)
	default:
		c.replyError(model.CodeBadEnvelope, "unexpected "+string(env.Kind)+" envelope")
	}
}

func (c *Client) handleAuth(env model.Envelope) {
	var req model.AuthRequest
	if err := env.Decode(&req); err != nil {
		c.reply(model.MustEnvelope(model.KindAuth, model.AuthResult{Success: false, Reason: "malformed auth request"}))
		return
	}
	claims, err := c.hub.opts.Signer.ValidateToken(req.Token)
	if err != nil {
		c.hub.log.Info("auth rejected", zap.Error(err))
		c.reply(model.MustEnvelope(model.KindAuth, model.AuthResult{Success: false, Reason: "invalid token"}))
		return
	}
	if req.UserID != "" && req.UserID != claims.UserID {
		c.reply(model.MustEnvelope(model.KindAuth, model.AuthResult{Success: false, Reason: "user mismatch"}))
		return
	}

	c.mu.Lock()
	previous := c.userID
	c.userID = claims.UserID
	c.mu.Unlock()
	first := false
	if previous == "" {
		first = c.hub.authenticated(c)
	}
	c.reply(model.MustEnvelope(model.KindAuth, model.AuthResult{Success: true, UserID: claims.UserID}))
	c.hub.log.Info("client authenticated", zap.String("user_id", claims.UserID))
	if first {
		c.hub.publishPresence(claims.UserID, model.UserOnline)
	}
}

func (c *Client) handleSubscription(env model.Envelope) {
	userID := c.user()
	if userID == "" {
		c.replyError(model.CodeUnauthenticated, "authenticate first")
		return
	}
	var req model.SubscriptionRequest
	if err := env.Decode(&req); err != nil || req.ChannelID == "" {
		c.replyError(model.CodeBadEnvelope, "subscription needs a channel id")
		return
	}
	if strings.HasPrefix(req.ChannelID, "dm:") {
		a, b, ok := model.DirectParticipants(req.ChannelID)
		if !ok || (a != userID && b != userID) {
			c.replyError(model.CodeForbidden, "not a participant of "+req.ChannelID)
			return
		}
	}

	c.mu.Lock()
	_, had := c.subs[req.ChannelID]
	if env.Kind == model.KindSubscribe {
		c.subs[req.ChannelID] = struct{}{}
	} else {
		delete(c.subs, req.ChannelID)
	}
	c.mu.Unlock()

	switch {
	case env.Kind == model.KindSubscribe && !had:
		c.hub.subscribe(c, req.ChannelID)
	case env.Kind == model.KindUnsubscribe && had:
		c.hub.unsubscribe(c, req.ChannelID)
	}
}

// handleRouted stamps the sender on a domain envelope and hands it to the
// broker. The sender receives its own envelope back as confirmation.
func (c *Client) handleRouted(env model.Envelope) {
	userID := c.user()
	if userID == "" {
		c.replyError(model.CodeUnauthenticated, "authenticate first")
		return
	}
	if env.ChannelID == "" && env.Kind == model.KindMessage {
		c.replyError(model.CodeBadEnvelope, "message needs a channel id")
		return
	}
	env.UserID = userID
	if env.Kind == model.KindMessage {
		var msg model.Message
		if err := env.Decode(&msg); err != nil {
			c.replyError(model.CodeBadEnvelope, err.Error())
			return
		}
		if msg.ID == "" {
			msg.ID = c.hub.opts.Node.Generate().String()
		}
		msg.AuthorID = userID
		msg.ChannelID = env.ChannelID
		msg.CreatedAt = c.hub.opts.Now().UTC()
		msg.Status = model.StatusSent
		stamped, err := model.NewEnvelope(model.KindMessage, msg)
		if err != nil {
			c.replyError(model.CodeBadEnvelope, err.Error())
			return
		}
		env.Payload = stamped.Payload
	}
	c.hub.publish(env)
}

// writePump pumps envelopes from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request. A token in the Authorization header or the
// token query parameter is checked up front when present; the auth envelope
// decides who the connection belongs to.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		if _, err := h.opts.Signer.ValidateToken(token); err != nil {
			h.log.Info("unauthorized upgrade", zap.Error(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		hub:     h,
		conn:    conn,
		limiter: rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst),
		send:    make(chan []byte, sendBuffer),
		subs:    make(map[string]struct{}),
	}
	h.metrics.clients.Inc()

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
