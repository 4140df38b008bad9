package commstore

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/realtime"
)

var ErrInvalidReaction = errors.New("reaction needs an emoji")

// MessageOption adjusts a message before SendMessage stores it.
type MessageOption func(*model.Message)

func AsType(t model.MessageType) MessageOption {
	return func(m *model.Message) { m.Type = t }
}

// ReplyTo quotes an existing message.
func ReplyTo(messageID string) MessageOption {
	return func(m *model.Message) { m.ReplyTo = messageID }
}

// InThread posts the message as a reply in the thread of parentID.
func InThread(parentID string) MessageOption {
	return func(m *model.Message) { m.ThreadID = parentID }
}

func WithAttachments(a ...model.Attachment) MessageOption {
	return func(m *model.Message) { m.Attachments = append(m.Attachments, a...) }
}

// SendMessage appends a sending message to channelID and hands it to the
// connection. Mentions, hashtags and links are taken from content here and
// never recomputed. The channel does not have to be known locally.
func (s *Store) SendMessage(channelID, content string, opts ...MessageOption) (model.Message, error) {
	if channelID == "" {
		return model.Message{}, errors.Wrap(ErrChannelNotFound, "empty channel id")
	}
	m := &model.Message{
		ChannelID: channelID,
		Content:   content,
		Type:      model.TypeText,
	}
	for _, opt := range opts {
		opt(m)
	}
	if strings.TrimSpace(content) == "" && len(m.Attachments) == 0 {
		return model.Message{}, ErrEmptyMessage
	}

	var ev after
	s.mu.Lock()
	if err := s.canPostLocked(m); err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}
	m.ID = s.nextID()
	m.AuthorID = s.me
	m.Mentions = model.ExtractMentions(content)
	m.Hashtags = model.ExtractHashtags(content)
	m.Links = model.ExtractLinks(content)
	m.CreatedAt = s.clock.Now()
	m.Status = model.StatusSending

	s.messages[channelID] = append(s.messages[channelID], m)
	s.byID[m.ID] = m
	s.saveMessageLocked(m)
	s.changed(&ev, ChangeMessage, m.ID, channelID)
	s.transmitLocked(m, &ev)
	out := m.Clone()
	s.mu.Unlock()
	ev.run()
	return out, nil
}

func (s *Store) canPostLocked(m *model.Message) error {
	if c, ok := s.channels[m.ChannelID]; ok {
		if !c.HasParticipant(s.me) {
			return errors.Wrap(ErrNotParticipant, m.ChannelID)
		}
		if c.Settings.AdminsOnlyPost && !c.IsAdmin(s.me) {
			return errors.Wrap(ErrForbidden, "only admins post in "+m.ChannelID)
		}
		if m.ThreadID != "" && !c.Settings.AllowThreads {
			return errors.Wrap(ErrForbidden, "threads are disabled in "+m.ChannelID)
		}
	}
	for _, parent := range []string{m.ReplyTo, m.ThreadID} {
		if parent == "" {
			continue
		}
		p, ok := s.byID[parent]
		if !ok {
			return errors.Wrap(ErrMessageNotFound, parent)
		}
		if p.ChannelID != m.ChannelID {
			return errors.Wrapf(ErrMessageNotFound, "%s is not in %s", parent, m.ChannelID)
		}
	}
	return nil
}

// transmitLocked builds a fresh envelope for m and remembers which message
// it carries so Sent and Dropped can be traced back.
func (s *Store) transmitLocked(m *model.Message, ev *after) {
	env, err := model.NewEnvelope(model.KindMessage, m)
	if err != nil {
		s.log.Error("message not encoded", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	env = env.For(s.me, m.ChannelID)
	s.inFlight[env.ID] = m.ID
	s.send(ev, env)
}

// RetryMessage sends a failed message again.
func (s *Store) RetryMessage(messageID string) error {
	var ev after
	s.mu.Lock()
	m, ok := s.byID[messageID]
	switch {
	case !ok:
		s.mu.Unlock()
		return errors.Wrap(ErrMessageNotFound, messageID)
	case m.AuthorID != s.me:
		s.mu.Unlock()
		return errors.Wrap(ErrForbidden, "only the author retries a message")
	case !m.Status.CanTransition(model.StatusSending):
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.Status, model.StatusSending)
	}
	m.Status = model.StatusSending
	s.saveMessageLocked(m)
	s.changed(&ev, ChangeMessage, m.ID, m.ChannelID)
	s.transmitLocked(m, &ev)
	s.mu.Unlock()
	ev.run()
	return nil
}

// EditMessage replaces the content of one of the current user's messages.
// Status, mentions and tags are left alone.
func (s *Store) EditMessage(messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	var ev after
	s.mu.Lock()
	m, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrMessageNotFound, messageID)
	}
	if m.AuthorID != s.me {
		s.mu.Unlock()
		return errors.Wrap(ErrForbidden, "only the author edits a message")
	}
	now := s.clock.Now()
	m.Content = content
	m.Edited = true
	m.EditedAt = &now
	s.saveMessageLocked(m)
	s.changed(&ev, ChangeMessage, m.ID, m.ChannelID)
	s.sendEvent(&ev, model.EventMessageEdited, m.ChannelID, m.Clone())
	s.mu.Unlock()
	ev.run()
	return nil
}

// DeleteMessage removes a message from its channel. Authors delete their
// own messages and channel admins delete any.
func (s *Store) DeleteMessage(messageID string) error {
	var ev after
	s.mu.Lock()
	m, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrMessageNotFound, messageID)
	}
	if m.AuthorID != s.me {
		c, known := s.channels[m.ChannelID]
		if !known || !c.IsAdmin(s.me) {
			s.mu.Unlock()
			return errors.Wrap(ErrForbidden, "only the author or an admin deletes a message")
		}
	}
	s.removeMessageLocked(m, &ev)
	s.sendEvent(&ev, model.EventMessageDeleted, m.ChannelID, model.MessageRef{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		UserID:    s.me,
		At:        s.clock.Now(),
	})
	s.mu.Unlock()
	ev.run()
	return nil
}

func (s *Store) removeMessageLocked(m *model.Message, ev *after) {
	list := s.messages[m.ChannelID]
	for i, x := range list {
		if x.ID == m.ID {
			s.messages[m.ChannelID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	delete(s.byID, m.ID)
	s.deleteRecordLocked(m.ID)
	s.changed(ev, ChangeMessageRemoved, m.ID, m.ChannelID)
}

func (s *Store) PinMessage(messageID string, pinned bool) error {
	var ev after
	s.mu.Lock()
	m, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrMessageNotFound, messageID)
	}
	if m.Pinned != pinned {
		m.Pinned = pinned
		s.saveMessageLocked(m)
		s.changed(&ev, ChangeMessage, m.ID, m.ChannelID)
		s.sendEvent(&ev, model.EventMessagePinned, m.ChannelID, model.MessageRef{
			MessageID: m.ID,
			ChannelID: m.ChannelID,
			UserID:    s.me,
			Pinned:    pinned,
			At:        s.clock.Now(),
		})
	}
	s.mu.Unlock()
	ev.run()
	return nil
}

// ReactToMessage toggles the current user's emoji reaction and reports
// whether it was added. Toggling twice leaves no reaction behind.
func (s *Store) ReactToMessage(messageID, emoji string) (bool, error) {
	if strings.TrimSpace(emoji) == "" {
		return false, ErrInvalidReaction
	}
	var ev after
	s.mu.Lock()
	m, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return false, errors.Wrap(ErrMessageNotFound, messageID)
	}
	if c, known := s.channels[m.ChannelID]; known && !c.Settings.AllowReactions {
		s.mu.Unlock()
		return false, errors.Wrap(ErrForbidden, "reactions are disabled in "+m.ChannelID)
	}
	now := s.clock.Now()
	added := s.toggleReactionLocked(m, s.me, emoji, now)
	s.saveMessageLocked(m)
	s.changed(&ev, ChangeMessage, m.ID, m.ChannelID)
	s.sendEvent(&ev, model.EventReactionToggled, m.ChannelID, model.ReactionToggle{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		UserID:    s.me,
		Emoji:     emoji,
		Added:     added,
		At:        now,
	})
	s.mu.Unlock()
	ev.run()
	return added, nil
}

func (s *Store) toggleReactionLocked(m *model.Message, userID, emoji string, at time.Time) bool {
	if i := m.ReactionIndex(userID, emoji); i >= 0 {
		m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
		return false
	}
	m.Reactions = append(m.Reactions, model.Reaction{UserID: userID, Emoji: emoji, CreatedAt: at})
	return true
}

// MarkAsRead marks a message from another user as read.
func (s *Store) MarkAsRead(messageID string) error {
	return s.advance(messageID, model.StatusRead, model.EventMessageRead)
}

// MarkAsDelivered marks a message from another user as delivered.
func (s *Store) MarkAsDelivered(messageID string) error {
	return s.advance(messageID, model.StatusDelivered, model.EventMessageDelivered)
}

func (s *Store) advance(messageID string, to model.MessageStatus, event string) error {
	var ev after
	s.mu.Lock()
	m, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrMessageNotFound, messageID)
	}
	if m.AuthorID == s.me {
		s.mu.Unlock()
		return errors.Wrapf(ErrForbidden, "%s is the current user's own message", messageID)
	}
	if m.Status.AtLeast(to) {
		s.mu.Unlock()
		return nil
	}
	if !m.Status.CanTransition(to) {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.Status, to)
	}
	s.setStatusLocked(m, to, &ev)
	s.sendEvent(&ev, event, m.ChannelID, s.refLocked(m))
	s.mu.Unlock()
	ev.run()
	return nil
}

// MarkChannelRead marks every unread message from other users in channelID
// as read and returns how many changed.
func (s *Store) MarkChannelRead(channelID string) int {
	var ev after
	s.mu.Lock()
	n := 0
	for _, m := range s.messages[channelID] {
		if m.AuthorID == s.me || !m.Status.CanTransition(model.StatusRead) {
			continue
		}
		s.setStatusLocked(m, model.StatusRead, &ev)
		s.sendEvent(&ev, model.EventMessageRead, channelID, s.refLocked(m))
		n++
	}
	s.mu.Unlock()
	ev.run()
	return n
}

func (s *Store) refLocked(m *model.Message) model.MessageRef {
	return model.MessageRef{MessageID: m.ID, ChannelID: m.ChannelID, UserID: s.me, At: s.clock.Now()}
}

func (s *Store) setStatusLocked(m *model.Message, to model.MessageStatus, ev *after) {
	m.Status = to
	s.saveMessageLocked(m)
	s.changed(ev, ChangeMessage, m.ID, m.ChannelID)
}

// handleSent confirms the message carried by a written envelope.
func (s *Store) handleSent(env model.Envelope) {
	s.settle(env, model.StatusSent)
}

// handleDropped fails the message carried by an envelope the connection
// gave up on.
func (s *Store) handleDropped(d realtime.DropEvent) {
	s.settle(d.Envelope, model.StatusFailed)
}

func (s *Store) settle(env model.Envelope, to model.MessageStatus) {
	if env.Kind != model.KindMessage {
		return
	}
	var ev after
	s.mu.Lock()
	id, ok := s.inFlight[env.ID]
	if ok {
		delete(s.inFlight, env.ID)
		if m, found := s.byID[id]; found && m.Status == model.StatusSending {
			s.setStatusLocked(m, to, &ev)
			if to == model.StatusFailed {
				s.log.Warn("message failed", zap.String("message_id", m.ID), zap.String("channel_id", m.ChannelID))
			}
		}
	}
	s.mu.Unlock()
	ev.run()
}

// Messages returns the messages of channelID in order.
func (s *Store) Messages(channelID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages[channelID], nil)
}

func (s *Store) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return m.Clone(), true
}

// Thread returns the replies posted in the thread of parentID.
func (s *Store) Thread(parentID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[parentID]
	if !ok {
		return nil
	}
	return cloneMessages(s.messages[p.ChannelID], func(m *model.Message) bool { return m.ThreadID == parentID })
}

func (s *Store) ReplyCount(parentID string) int {
	return len(s.Thread(parentID))
}

// PinnedMessages returns the pinned messages of channelID.
func (s *Store) PinnedMessages(channelID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages[channelID], func(m *model.Message) bool { return m.Pinned })
}

// UnreadCount counts messages from other users in channelID not yet read.
func (s *Store) UnreadCount(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked(channelID)
}

func (s *Store) unreadLocked(channelID string) int {
	n := 0
	for _, m := range s.messages[channelID] {
		if m.AuthorID != s.me && m.Status != model.StatusRead {
			n++
		}
	}
	return n
}

// TotalUnread sums UnreadCount over every channel with messages.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.messages {
		n += s.unreadLocked(id)
	}
	return n
}

// Search returns messages whose content contains query, ignoring case. An
// empty channelID searches every channel, ordered by creation time and
// then id.
func (s *Store) Search(query, channelID string) []model.Message {
	q := strings.ToLower(query)
	if q == "" {
		return nil
	}
	match := func(m *model.Message) bool { return strings.Contains(strings.ToLower(m.Content), q) }

	s.mu.Lock()
	defer s.mu.Unlock()
	if channelID != "" {
		return cloneMessages(s.messages[channelID], match)
	}
	var out []model.Message
	for _, list := range s.messages {
		out = append(out, cloneMessages(list, match)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneMessages(list []*model.Message, keep func(*model.Message) bool) []model.Message {
	out := make([]model.Message, 0, len(list))
	for _, m := range list {
		if keep == nil || keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}
