package model

import (
	"regexp"
	"time"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeFile     MessageType = "file"
	TypeVoice    MessageType = "voice"
	TypeVideo    MessageType = "video"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypeSystem   MessageType = "system"
)

// MessageStatus is the delivery state of a message.
//
//	sending -> sent -> delivered -> read
//	sending -> failed -> sending (retry)
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusSending},
}

// CanTransition reports whether a message may move from s to next.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	for _, to := range messageTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// AtLeast reports whether s is at or past other on the delivery path.
// failed is not on the path and only equals itself.
func (s MessageStatus) AtLeast(other MessageStatus) bool {
	rank := map[MessageStatus]int{StatusSending: 0, StatusSent: 1, StatusDelivered: 2, StatusRead: 3}
	a, okA := rank[s]
	b, okB := rank[other]
	if !okA || !okB {
		return s == other
	}
	return a >= b
}

type Attachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Reaction is keyed by (UserID, Emoji).
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channelId"`
	AuthorID    string        `json:"authorId"`
	Content     string        `json:"content"`
	Type        MessageType   `json:"type"`
	ReplyTo     string        `json:"replyTo,omitempty"`
	ThreadID    string        `json:"threadId,omitempty"`
	Mentions    []string      `json:"mentions,omitempty"`
	Hashtags    []string      `json:"hashtags,omitempty"`
	Links       []string      `json:"links,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Reactions   []Reaction    `json:"reactions,omitempty"`
	Pinned      bool          `json:"pinned,omitempty"`
	Edited      bool          `json:"edited,omitempty"`
	EditedAt    *time.Time    `json:"editedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Status      MessageStatus `json:"status"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.Mentions = append([]string(nil), m.Mentions...)
	m.Hashtags = append([]string(nil), m.Hashtags...)
	m.Links = append([]string(nil), m.Links...)
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	m.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	return m
}

// ReactionIndex returns the position of the (userID, emoji) reaction or -1.
func (m *Message) ReactionIndex(userID, emoji string) int {
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return i
		}
	}
	return -1
}

// MentionsUser reports whether userID was mentioned.
func (m *Message) MentionsUser(userID string) bool {
	for _, u := range m.Mentions {
		if u == userID {
			return true
		}
	}
	return false
}

var (
	mentionPattern = regexp.MustCompile(`@(\w+)`)
	hashtagPattern = regexp.MustCompile(`#(\w+)`)
	linkPattern    = regexp.MustCompile(`https?://[^\s]+`)
)

// ExtractMentions returns the @tokens found in text, in order, without duplicates.
func ExtractMentions(text string) []string {
	return submatches(mentionPattern, text)
}

// ExtractHashtags returns the #tokens found in text, in order, without duplicates.
func ExtractHashtags(text string) []string {
	return submatches(hashtagPattern, text)
}

// ExtractLinks returns the http(s) URLs found in text.
func ExtractLinks(text string) []string {
	return linkPattern.FindAllString(text, -1)
}

func submatches(re *regexp.Regexp, text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// MessageRef is the payload of message.deleted, message.read,
// message.delivered and message.pinned events.
type MessageRef struct {
	MessageID string    `json:"messageId"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Pinned    bool      `json:"pinned,omitempty"`
	At        time.Time `json:"at"`
}

// ReactionToggle is the payload of reaction.toggled events. Added is false
// when the toggle removed the reaction.
type ReactionToggle struct {
	MessageID string    `json:"messageId"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Added     bool      `json:"added"`
	At        time.Time `json:"at"`
}
