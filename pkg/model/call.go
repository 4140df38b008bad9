package model

import "time"

type CallType string

const (
	CallAudio       CallType = "audio"
	CallVideo       CallType = "video"
	CallScreenShare CallType = "screen_share"
)

func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo || t == CallScreenShare
}

// CallStatus is the lifecycle state of a call.
//
//	ringing -> active -> ended
//	ringing -> declined | missed | ended
type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallActive   CallStatus = "active"
	CallEnded    CallStatus = "ended"
	CallDeclined CallStatus = "declined"
	CallMissed   CallStatus = "missed"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallRinging: {CallActive, CallEnded, CallDeclined, CallMissed},
	CallActive:  {CallActive, CallEnded},
}

func (s CallStatus) CanTransition(next CallStatus) bool {
	for _, to := range callTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallDeclined || s == CallMissed
}

type CallParticipant struct {
	UserID        string    `json:"userId"`
	JoinedAt      time.Time `json:"joinedAt"`
	AudioEnabled  bool      `json:"audioEnabled"`
	VideoEnabled  bool      `json:"videoEnabled"`
	ScreenSharing bool      `json:"screenSharing"`
}

type Call struct {
	ID           string            `json:"id"`
	ChannelID    string            `json:"channelId"`
	Type         CallType          `json:"type"`
	InitiatorID  string            `json:"initiatorId"`
	Participants []CallParticipant `json:"participants"`
	Status       CallStatus        `json:"status"`
	StartedAt    time.Time         `json:"startedAt"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	Duration     *time.Duration    `json:"duration,omitempty"`
}

func (c Call) Clone() Call {
	c.Participants = append([]CallParticipant(nil), c.Participants...)
	if c.EndedAt != nil {
		t := *c.EndedAt
		c.EndedAt = &t
	}
	if c.Duration != nil {
		d := *c.Duration
		c.Duration = &d
	}
	return c
}

// Participant returns a pointer into Participants for userID, or nil.
func (c *Call) Participant(userID string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// CallMedia is the payload of call.media events.
type CallMedia struct {
	CallID        string `json:"callId"`
	UserID        string `json:"userId"`
	AudioEnabled  bool   `json:"audioEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	ScreenSharing bool   `json:"screenSharing"`
}

// CallSignal carries opaque negotiation data (offers, answers, candidates).
type CallSignal struct {
	CallID string `json:"callId"`
	Signal string `json:"signal"`
	Data   []byte `json:"data,omitempty"`
}
