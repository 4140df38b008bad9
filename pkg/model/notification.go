package model

import "time"

type NotificationType string

const (
	NotifyMessage  NotificationType = "message"
	NotifyMention  NotificationType = "mention"
	NotifyReaction NotificationType = "reaction"
	NotifyCall     NotificationType = "call"
	NotifyChannel  NotificationType = "channel"
	NotifySystem   NotificationType = "system"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is append-only except for Read.
type Notification struct {
	ID        string            `json:"id"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	UserID    string            `json:"userId"`
	ChannelID string            `json:"channelId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"createdAt"`
	Priority  Priority          `json:"priority"`
}

func (n Notification) Clone() Notification {
	if n.Data != nil {
		d := make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			d[k] = v
		}
		n.Data = d
	}
	return n
}
