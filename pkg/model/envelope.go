package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind is the transport-level category of an envelope.
type Kind string

const (
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
	KindAuth        Kind = "auth"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindMessage     Kind = "message"
	KindEvent       Kind = "event"
	KindError       Kind = "error"
)

// Valid reports whether k is one of the known envelope kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPing, KindPong, KindAuth, KindSubscribe, KindUnsubscribe, KindMessage, KindEvent, KindError:
		return true
	}
	return false
}

// Envelope is the only unit the connection layer understands. The payload is
// kept as raw JSON so an envelope never changes after it has been built.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the current time.
func NewEnvelope(kind Kind, payload interface{}) (Envelope, error) {
	env := Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", kind)
	}
	env.Payload = raw
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that are known to marshal.
func MustEnvelope(kind Kind, payload interface{}) Envelope {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// For returns a copy of the envelope addressed by user and channel.
func (e Envelope) For(userID, channelID string) Envelope {
	e.UserID = userID
	e.ChannelID = channelID
	return e
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("envelope %s (%s) has no payload", e.ID, e.Kind)
	}
	return errors.Wrapf(json.Unmarshal(e.Payload, v), "decode %s payload", e.Kind)
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	return b, errors.Wrap(err, "encode envelope")
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if !env.Kind.Valid() {
		return Envelope{}, errors.Errorf("unknown envelope type %q", env.Kind)
	}
	return env, nil
}

// AuthRequest is the payload of a client auth envelope.
type AuthRequest struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// AuthResult is the server's answer to an auth envelope.
type AuthResult struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SubscriptionRequest is the payload of subscribe and unsubscribe envelopes.
type SubscriptionRequest struct {
	ChannelID string `json:"channelId"`
}

// Error codes carried by error envelopes.
const (
	CodeAuthFailed      = "auth_failed"
	CodeUnauthenticated = "unauthenticated"
	CodeRateLimited     = "rate_limited"
	CodeBadEnvelope     = "bad_envelope"
	CodeForbidden       = "forbidden"
)

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// EventPayload carries a named domain event.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event envelope for name with data marshalled as its body.
func NewEvent(name string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s event", name)
	}
	return NewEnvelope(KindEvent, EventPayload{Name: name, Data: raw})
}

// Domain event names carried in event envelopes.
const (
	EventMessageEdited      = "message.edited"
	EventMessageDeleted     = "message.deleted"
	EventMessageRead        = "message.read"
	EventMessageDelivered   = "message.delivered"
	EventMessagePinned      = "message.pinned"
	EventReactionToggled    = "reaction.toggled"
	EventTypingStart        = "typing.start"
	EventTypingStop         = "typing.stop"
	EventPresenceUpdate     = "presence.update"
	EventChannelCreated     = "channel.created"
	EventChannelUpdated     = "channel.updated"
	EventChannelMemberJoin  = "channel.member_joined"
	EventChannelMemberLeave = "channel.member_left"
	EventCallInitiated      = "call.initiated"
	EventCallAnswered       = "call.answered"
	EventCallDeclined       = "call.declined"
	EventCallEnded          = "call.ended"
	EventCallMissed         = "call.missed"
	EventCallMedia          = "call.media"
	EventCallSignal         = "call.signal"
	EventNotification       = "notification.created"
)
