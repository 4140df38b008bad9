package realtime

import (
	"time"

	"github.com/mahaj/commlayer/pkg/model"
)

// Status is the state of the logical connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

func (s Status) gaugeValue() float64 {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusError:
		return -1
	}
	return 0
}

type StatusChange struct {
	From Status
	To   Status
}

// ErrorKind classifies reported failures.
type ErrorKind string

const (
	ErrorTransport ErrorKind = "transport"
	ErrorAuth      ErrorKind = "auth"
	ErrorSend      ErrorKind = "send"
	ErrorDecode    ErrorKind = "decode"
	ErrorServer    ErrorKind = "server"
)

// ErrorEvent reports a failure that did not escape as a return value.
// EnvelopeID is set for send failures.
type ErrorEvent struct {
	Kind       ErrorKind
	Err        error
	EnvelopeID string
	Code       string
}

type AuthEvent struct {
	Success bool
	UserID  string
	Reason  string
}

// DropReason says why a queued envelope was discarded.
type DropReason string

const (
	// DropEvicted means a newer envelope pushed it out of a full queue.
	DropEvicted DropReason = "evicted"
	// DropExhausted means it used up its delivery attempts.
	DropExhausted DropReason = "exhausted"
)

// DropEvent carries the full envelope so owners of optimistic state can
// mark the matching entity failed.
type DropEvent struct {
	Envelope model.Envelope
	Reason   DropReason
	Attempts int
}

type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
}

type GiveUpEvent struct {
	Attempts int
}

// Outcome is the immediate result of Send.
type Outcome int

const (
	Sent Outcome = iota
	Queued
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}
