package model

import "time"

type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserAway    UserStatus = "away"
	UserBusy    UserStatus = "busy"
	UserOffline UserStatus = "offline"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserOnline, UserAway, UserBusy, UserOffline:
		return true
	}
	return false
}

type User struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email,omitempty"`
	Avatar          string     `json:"avatar,omitempty"`
	Status          UserStatus `json:"status"`
	LastSeen        time.Time  `json:"lastSeen"`
	CurrentActivity string     `json:"currentActivity,omitempty"`
}

// Presence is the payload of presence.update events.
type Presence struct {
	UserID          string     `json:"userId"`
	Status          UserStatus `json:"status"`
	LastSeen        time.Time  `json:"lastSeen"`
	CurrentActivity string     `json:"currentActivity,omitempty"`
}

// TypingIndicator is keyed by (UserID, ChannelID).
type TypingIndicator struct {
	UserID    string    `json:"userId"`
	ChannelID string    `json:"channelId"`
	StartedAt time.Time `json:"startedAt"`
}
