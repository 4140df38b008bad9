package commstore

import (
	"sort"

	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
)

// handleInbound applies a message or event envelope from the server. The
// server echo of a local message confirms it.
func (s *Store) handleInbound(env model.Envelope) {
	switch env.Kind {
	case model.KindMessage:
		var msg model.Message
		if err := env.Decode(&msg); err != nil {
			s.log.Warn("inbound message skipped", zap.String("envelope_id", env.ID), zap.Error(err))
			return
		}
		s.apply(func(ev *after) { s.reconcileMessageLocked(env, msg, ev) })
	case model.KindEvent:
		var p model.EventPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn("inbound event skipped", zap.String("envelope_id", env.ID), zap.Error(err))
			return
		}
		if err := s.applyEvent(env, p); err != nil {
			s.log.Warn("inbound event not applied",
				zap.String("event", p.Name),
				zap.String("envelope_id", env.ID),
				zap.Error(err))
		}
	}
}

func (s *Store) apply(fn func(ev *after)) {
	var ev after
	s.mu.Lock()
	fn(&ev)
	s.mu.Unlock()
	ev.run()
}

func (s *Store) reconcileMessageLocked(env model.Envelope, msg model.Message, ev *after) {
	if msg.ID == "" {
		return
	}
	if msg.ChannelID == "" {
		msg.ChannelID = env.ChannelID
	}
	if msg.AuthorID == "" {
		msg.AuthorID = env.UserID
	}
	delete(s.inFlight, env.ID)

	if m, ok := s.byID[msg.ID]; ok {
		if !msg.CreatedAt.IsZero() {
			m.CreatedAt = msg.CreatedAt
		}
		if m.Status == model.StatusSending || m.Status == model.StatusFailed {
			m.Status = model.StatusSent
		}
		s.resortLocked(m.ChannelID)
		s.saveMessageLocked(m)
		s.changed(ev, ChangeMessage, m.ID, m.ChannelID)
		return
	}

	m := msg.Clone()
	if m.Status == "" || m.Status == model.StatusSending || m.Status == model.StatusFailed {
		m.Status = model.StatusSent
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = env.Time()
	}
	s.insertLocked(&m)
	s.saveMessageLocked(&m)
	s.changed(ev, ChangeMessage, m.ID, m.ChannelID)
	if m.AuthorID != s.me {
		s.stopTypingLocked(m.AuthorID, m.ChannelID, ev)
		s.notifyMessageLocked(&m, ev)
	}
}

// insertLocked places m after every message created at or before it.
func (s *Store) insertLocked(m *model.Message) {
	list := s.messages[m.ChannelID]
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(m.CreatedAt) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	s.messages[m.ChannelID] = list
	s.byID[m.ID] = m
}

// resortLocked orders a channel by creation time once a server timestamp
// replaced a local one.
func (s *Store) resortLocked(channelID string) {
	list := s.messages[channelID]
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}

func (s *Store) notifyMessageLocked(m *model.Message, ev *after) {
	if c, ok := s.channels[m.ChannelID]; ok && c.Settings.Muted {
		return
	}
	n := model.Notification{
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Data:      map[string]string{"authorId": m.AuthorID},
	}
	switch {
	case m.MentionsUser(s.me):
		n.Type = model.NotifyMention
		n.Title = m.AuthorID + " mentioned you"
		n.Priority = model.PriorityHigh
	case m.ChannelID != s.activeChannel:
		n.Type = model.NotifyMessage
		n.Title = "New message from " + m.AuthorID
		n.Priority = model.PriorityNormal
	default:
		return
	}
	n.Message = m.Content
	s.addNotificationLocked(n, ev)
}

func (s *Store) applyEvent(env model.Envelope, p model.EventPayload) error {
	var err error
	decode := func(v interface{}) bool {
		err = model.Envelope{Kind: model.KindEvent, Payload: p.Data}.Decode(v)
		return err == nil
	}
	switch p.Name {
	case model.EventMessageEdited:
		var m model.Message
		if decode(&m) {
			s.apply(func(ev *after) { s.applyEditLocked(m, ev) })
		}
	case model.EventMessageDeleted:
		var ref model.MessageRef
		if decode(&ref) {
			s.apply(func(ev *after) {
				if m, ok := s.byID[ref.MessageID]; ok {
					s.removeMessageLocked(m, ev)
				}
			})
		}
	case model.EventMessageRead, model.EventMessageDelivered:
		var ref model.MessageRef
		if decode(&ref) {
			to := model.StatusRead
			if p.Name == model.EventMessageDelivered {
				to = model.StatusDelivered
			}
			s.apply(func(ev *after) { s.applyReceiptLocked(ref, to, ev) })
		}
	case model.EventMessagePinned:
		var ref model.MessageRef
		if decode(&ref) {
			s.apply(func(ev *after) {
				if m, ok := s.byID[ref.MessageID]; ok && m.Pinned != ref.Pinned {
					m.Pinned = ref.Pinned
					s.saveMessageLocked(m)
					s.changed(ev, ChangeMessage, m.ID, m.ChannelID)
				}
			})
		}
	case model.EventReactionToggled:
		var r model.ReactionToggle
		if decode(&r) {
			s.apply(func(ev *after) { s.applyReactionLocked(r, ev) })
		}
	case model.EventTypingStart, model.EventTypingStop:
		var t model.TypingIndicator
		if decode(&t) {
			if t.ChannelID == "" {
				t.ChannelID = env.ChannelID
			}
			if t.UserID == "" || t.UserID == s.me {
				return nil
			}
			s.apply(func(ev *after) {
				if p.Name == model.EventTypingStart {
					at := t.StartedAt
					if at.IsZero() {
						at = s.clock.Now()
					}
					s.startTypingLocked(t.UserID, t.ChannelID, at, ev)
				} else {
					s.stopTypingLocked(t.UserID, t.ChannelID, ev)
				}
			})
		}
	case model.EventPresenceUpdate:
		var pr model.Presence
		if decode(&pr) {
			s.apply(func(ev *after) { s.applyPresenceLocked(pr, ev) })
		}
	case model.EventChannelCreated, model.EventChannelUpdated:
		var c model.Channel
		if decode(&c) {
			if c.ID == "" {
				c.ID = env.ChannelID
			}
			if err = c.Validate(); err != nil {
				return err
			}
			s.apply(func(ev *after) {
				stored := c.Clone()
				s.putChannelLocked(&stored, ev)
			})
		}
	case model.EventChannelMemberJoin, model.EventChannelMemberLeave:
		var mb model.Membership
		if decode(&mb) {
			s.apply(func(ev *after) {
				if c, ok := s.channels[mb.ChannelID]; ok {
					if p.Name == model.EventChannelMemberLeave && mb.UserID == c.CreatedBy {
						return
					}
					s.applyMembershipLocked(c, mb.UserID, p.Name == model.EventChannelMemberJoin, ev)
				}
			})
		}
	case model.EventCallInitiated, model.EventCallAnswered, model.EventCallDeclined,
		model.EventCallEnded, model.EventCallMissed:
		var c model.Call
		if decode(&c) {
			s.apply(func(ev *after) { s.applyCallLocked(p.Name, c, ev) })
		}
	case model.EventCallMedia:
		var cm model.CallMedia
		if decode(&cm) {
			s.apply(func(ev *after) { s.applyMediaLocked(cm, ev) })
		}
	case model.EventNotification:
		var n model.Notification
		if decode(&n) {
			if n.UserID != "" && n.UserID != s.me {
				return nil
			}
			s.apply(func(ev *after) { s.addNotificationLocked(n, ev) })
		}
	case model.EventCallSignal:
		// Negotiation data is for the media layer, not the model.
	default:
		s.log.Debug("unknown event", zap.String("event", p.Name))
	}
	return err
}

func (s *Store) applyEditLocked(edit model.Message, ev *after) {
	m, ok := s.byID[edit.ID]
	if !ok {
		return
	}
	m.Content = edit.Content
	m.Edited = true
	if edit.EditedAt != nil {
		at := *edit.EditedAt
		m.EditedAt = &at
	}
	s.saveMessageLocked(m)
	s.changed(ev, ChangeMessage, m.ID, m.ChannelID)
}

// applyReceiptLocked advances one of the current user's messages when a
// recipient reports it delivered or read.
func (s *Store) applyReceiptLocked(ref model.MessageRef, to model.MessageStatus, ev *after) {
	m, ok := s.byID[ref.MessageID]
	if !ok || ref.UserID == s.me || m.AuthorID != s.me {
		return
	}
	if m.Status.AtLeast(to) || !m.Status.CanTransition(to) {
		return
	}
	s.setStatusLocked(m, to, ev)
}

// applyReactionLocked mirrors another user's toggle. The author of the
// message is notified when someone else adds a reaction.
func (s *Store) applyReactionLocked(r model.ReactionToggle, ev *after) {
	if r.UserID == "" || r.UserID == s.me {
		return
	}
	m, ok := s.byID[r.MessageID]
	if !ok {
		return
	}
	has := m.ReactionIndex(r.UserID, r.Emoji) >= 0
	if has == r.Added {
		return
	}
	at := r.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	added := s.toggleReactionLocked(m, r.UserID, r.Emoji, at)
	s.saveMessageLocked(m)
	s.changed(ev, ChangeMessage, m.ID, m.ChannelID)
	if added && m.AuthorID == s.me {
		s.addNotificationLocked(model.Notification{
			Type:      model.NotifyReaction,
			Title:     r.UserID + " reacted " + r.Emoji,
			Message:   m.Content,
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			Priority:  model.PriorityLow,
			Data:      map[string]string{"userId": r.UserID, "emoji": r.Emoji},
		}, ev)
	}
}

// applyCallLocked takes a call snapshot from another participant. Calls
// that already ended locally stay ended. The current user's own entry is
// only changed by local commands, so the local copy wins over the snapshot.
func (s *Store) applyCallLocked(event string, in model.Call, ev *after) {
	if in.ID == "" {
		return
	}
	c, ok := s.calls[in.ID]
	if ok && c.Status.Terminal() {
		return
	}
	if ok && c.Status != in.Status && !c.Status.CanTransition(in.Status) {
		return
	}
	if !ok {
		if id, busy := s.activeCalls[in.ChannelID]; busy && id != in.ID && !in.Status.Terminal() {
			s.log.Warn("second call in channel ignored",
				zap.String("channel_id", in.ChannelID),
				zap.String("call_id", in.ID),
				zap.String("active_call_id", id))
			return
		}
	}
	stored := in.Clone()
	if ok {
		if own := c.Participant(s.me); own != nil {
			if p := stored.Participant(s.me); p != nil {
				*p = *own
			} else {
				stored.Participants = append(stored.Participants, *own)
			}
		}
	}
	s.calls[stored.ID] = &stored
	if stored.Status.Terminal() {
		if s.activeCalls[stored.ChannelID] == stored.ID {
			delete(s.activeCalls, stored.ChannelID)
		}
		if s.currentCall == stored.ID {
			s.currentCall = ""
		}
	} else {
		s.activeCalls[stored.ChannelID] = stored.ID
	}
	s.changed(ev, ChangeCall, stored.ID, stored.ChannelID)
	if !ok && event == model.EventCallInitiated && stored.InitiatorID != s.me {
		s.addNotificationLocked(model.Notification{
			Type:      model.NotifyCall,
			Title:     "Incoming " + string(stored.Type) + " call",
			Message:   stored.InitiatorID + " is calling",
			ChannelID: stored.ChannelID,
			Priority:  model.PriorityUrgent,
			Data:      map[string]string{"callId": stored.ID},
		}, ev)
	}
}

func (s *Store) applyMediaLocked(cm model.CallMedia, ev *after) {
	if cm.UserID == s.me {
		return
	}
	c, ok := s.calls[cm.CallID]
	if !ok || c.Status.Terminal() {
		return
	}
	p := c.Participant(cm.UserID)
	if p == nil {
		return
	}
	p.AudioEnabled, p.VideoEnabled, p.ScreenSharing = cm.AudioEnabled, cm.VideoEnabled, cm.ScreenSharing
	s.changed(ev, ChangeCall, c.ID, c.ChannelID)
}
