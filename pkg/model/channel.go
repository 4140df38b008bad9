package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ChannelType string

const (
	ChannelDirect       ChannelType = "direct"
	ChannelGroup        ChannelType = "group"
	ChannelPublic       ChannelType = "public"
	ChannelPrivate      ChannelType = "private"
	ChannelAnnouncement ChannelType = "announcement"
	ChannelProject      ChannelType = "project"
)

func (t ChannelType) Valid() bool {
	switch t {
	case ChannelDirect, ChannelGroup, ChannelPublic, ChannelPrivate, ChannelAnnouncement, ChannelProject:
		return true
	}
	return false
}

type ChannelSettings struct {
	Muted             bool   `json:"muted"`
	Pinned            bool   `json:"pinned"`
	Archived          bool   `json:"archived"`
	AdminsOnlyPost    bool   `json:"adminsOnlyPost"`
	AllowReactions    bool   `json:"allowReactions"`
	AllowThreads      bool   `json:"allowThreads"`
	RetentionDays     int    `json:"retentionDays,omitempty"`
	NotificationLevel string `json:"notificationLevel,omitempty"`
}

// DefaultChannelSettings is applied to channels created without settings.
func DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{AllowReactions: true, AllowThreads: true, NotificationLevel: "all"}
}

type Channel struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Type         ChannelType     `json:"type"`
	Participants []string        `json:"participants"`
	Admins       []string        `json:"admins"`
	Settings     ChannelSettings `json:"settings"`
	CreatedBy    string          `json:"createdBy"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (c Channel) Clone() Channel {
	c.Participants = append([]string(nil), c.Participants...)
	c.Admins = append([]string(nil), c.Admins...)
	return c
}

func (c *Channel) HasParticipant(userID string) bool {
	return contains(c.Participants, userID)
}

func (c *Channel) IsAdmin(userID string) bool {
	return contains(c.Admins, userID)
}

// AddParticipant appends userID if absent and reports whether it was added.
func (c *Channel) AddParticipant(userID string) bool {
	if c.HasParticipant(userID) {
		return false
	}
	c.Participants = append(c.Participants, userID)
	return true
}

// RemoveParticipant drops userID from participants and admins.
func (c *Channel) RemoveParticipant(userID string) bool {
	var removed bool
	c.Participants, removed = without(c.Participants, userID)
	c.Admins, _ = without(c.Admins, userID)
	return removed
}

// Validate checks the type and that createdBy and admins are participants.
func (c *Channel) Validate() error {
	if c.ID == "" {
		return errors.New("channel id is required")
	}
	if !c.Type.Valid() {
		return errors.Errorf("invalid channel type %q", c.Type)
	}
	if c.CreatedBy != "" && !c.HasParticipant(c.CreatedBy) {
		return errors.Errorf("creator %s is not a participant of %s", c.CreatedBy, c.ID)
	}
	for _, a := range c.Admins {
		if !c.HasParticipant(a) {
			return errors.Errorf("admin %s is not a participant of %s", a, c.ID)
		}
	}
	if c.Type == ChannelDirect && len(c.Participants) != 2 {
		return errors.Errorf("direct channel %s needs exactly two participants", c.ID)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func without(list []string, v string) ([]string, bool) {
	for i, s := range list {
		if s == v {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Membership is the payload of channel.member_joined and
// channel.member_left events.
type Membership struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	ActorID   string `json:"actorId,omitempty"`
}

// DirectChannelID returns the id of the direct channel between a and b.
// The id is the same whichever user computes it.
func DirectChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// IsDirectChannelID reports whether id has the dm:<a>:<b> form.
func IsDirectChannelID(id string) bool {
	_, _, ok := DirectParticipants(id)
	return ok
}

// DirectParticipants splits a dm:<a>:<b> id into its two users.
func DirectParticipants(id string) (string, string, bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "dm" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
