package commstore

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/mahaj/commlayer/pkg/model"
)

// CreateChannel adds c with the current user as creator, participant and
// admin. Direct channels between two users get the dm:<a>:<b> id when none
// is given.
func (s *Store) CreateChannel(c model.Channel) (model.Channel, error) {
	var ev after
	s.mu.Lock()
	now := s.clock.Now()
	c = c.Clone()
	c.CreatedBy = s.me
	c.AddParticipant(s.me)
	if len(c.Admins) == 0 && c.Type != model.ChannelDirect {
		c.Admins = []string{s.me}
	}
	if c.ID == "" {
		if c.Type == model.ChannelDirect && len(c.Participants) == 2 {
			c.ID = model.DirectChannelID(c.Participants[0], c.Participants[1])
		} else {
			c.ID = s.nextID()
		}
	}
	if c.Settings == (model.ChannelSettings{}) {
		c.Settings = model.DefaultChannelSettings()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	if err := c.Validate(); err != nil {
		s.mu.Unlock()
		return model.Channel{}, errors.Wrap(ErrInvalidChannel, err.Error())
	}
	if _, ok := s.channels[c.ID]; ok {
		s.mu.Unlock()
		return model.Channel{}, errors.Wrap(ErrChannelExists, c.ID)
	}
	s.putChannelLocked(&c, &ev)
	s.sendEvent(&ev, model.EventChannelCreated, c.ID, c)
	out := c.Clone()
	s.mu.Unlock()
	ev.run()
	return out, nil
}

// putChannelLocked stores c and subscribes to it when the current user is a
// participant.
func (s *Store) putChannelLocked(c *model.Channel, ev *after) {
	if _, ok := s.channels[c.ID]; !ok {
		s.channelOrder = append(s.channelOrder, c.ID)
	}
	s.channels[c.ID] = c
	s.saveChannelLocked(c)
	s.changed(ev, ChangeChannel, c.ID, c.ID)
	if c.HasParticipant(s.me) {
		s.subscribe(ev, c.ID)
	}
}

func (s *Store) subscribe(ev *after, channelID string) {
	if s.conn == nil {
		return
	}
	ev.add(func() { s.conn.Subscribe(channelID) })
}

func (s *Store) unsubscribe(ev *after, channelID string) {
	if s.conn == nil {
		return
	}
	ev.add(func() { s.conn.Unsubscribe(channelID) })
}

// JoinChannel adds the current user to a public or project channel.
func (s *Store) JoinChannel(channelID string) error {
	return s.membership(channelID, s.me, true, func(c *model.Channel) error {
		if c.Type != model.ChannelPublic && c.Type != model.ChannelProject {
			return errors.Wrapf(ErrForbidden, "cannot join %s channel", c.Type)
		}
		return nil
	})
}

// LeaveChannel removes the current user, including any admin rights.
func (s *Store) LeaveChannel(channelID string) error {
	return s.membership(channelID, s.me, false, func(c *model.Channel) error {
		if c.Type == model.ChannelDirect {
			return errors.Wrap(ErrForbidden, "cannot leave a direct channel")
		}
		if !c.HasParticipant(s.me) {
			return errors.Wrap(ErrNotParticipant, s.me)
		}
		return nil
	})
}

// InviteToChannel adds userID. The current user must be a participant.
func (s *Store) InviteToChannel(channelID, userID string) error {
	return s.membership(channelID, userID, true, func(c *model.Channel) error {
		if c.Type == model.ChannelDirect {
			return errors.Wrap(ErrForbidden, "direct channels have fixed participants")
		}
		if !c.HasParticipant(s.me) {
			return errors.Wrap(ErrNotParticipant, s.me)
		}
		return nil
	})
}

// RemoveFromChannel removes userID. Only admins may remove other users.
func (s *Store) RemoveFromChannel(channelID, userID string) error {
	return s.membership(channelID, userID, false, func(c *model.Channel) error {
		if c.Type == model.ChannelDirect {
			return errors.Wrap(ErrForbidden, "direct channels have fixed participants")
		}
		if userID != s.me && !c.IsAdmin(s.me) {
			return errors.Wrap(ErrForbidden, "only admins remove participants")
		}
		if !c.HasParticipant(userID) {
			return errors.Wrap(ErrNotParticipant, userID)
		}
		return nil
	})
}

func (s *Store) membership(channelID, userID string, join bool, check func(*model.Channel) error) error {
	if userID == "" {
		return errors.Wrap(ErrUserNotFound, "empty user id")
	}
	var ev after
	s.mu.Lock()
	c, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrChannelNotFound, channelID)
	}
	if err := check(c); err != nil {
		s.mu.Unlock()
		return err
	}
	if !join && userID == c.CreatedBy {
		s.mu.Unlock()
		return errors.Wrap(ErrForbidden, "the creator stays a participant")
	}
	if s.applyMembershipLocked(c, userID, join, &ev) {
		name := model.EventChannelMemberLeave
		if join {
			name = model.EventChannelMemberJoin
		}
		s.sendEvent(&ev, name, channelID, model.Membership{ChannelID: channelID, UserID: userID, ActorID: s.me})
	}
	s.mu.Unlock()
	ev.run()
	return nil
}

func (s *Store) applyMembershipLocked(c *model.Channel, userID string, join bool, ev *after) bool {
	var changed bool
	if join {
		changed = c.AddParticipant(userID)
	} else {
		changed = c.RemoveParticipant(userID)
	}
	if !changed {
		return false
	}
	c.UpdatedAt = s.clock.Now()
	s.saveChannelLocked(c)
	s.changed(ev, ChangeChannel, c.ID, c.ID)
	if userID == s.me {
		if join {
			s.subscribe(ev, c.ID)
		} else {
			s.unsubscribe(ev, c.ID)
			if s.activeChannel == c.ID {
				s.activeChannel = ""
				s.changed(ev, ChangeSelection, "", "")
			}
		}
	}
	return true
}

// UpdateChannelSettings replaces the settings of a channel. Only admins
// may change them.
func (s *Store) UpdateChannelSettings(channelID string, settings model.ChannelSettings) error {
	var ev after
	s.mu.Lock()
	c, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrChannelNotFound, channelID)
	}
	if c.Type != model.ChannelDirect && !c.IsAdmin(s.me) {
		s.mu.Unlock()
		return errors.Wrap(ErrForbidden, "only admins change settings")
	}
	c.Settings = settings
	c.UpdatedAt = s.clock.Now()
	s.saveChannelLocked(c)
	s.changed(&ev, ChangeChannel, c.ID, c.ID)
	s.sendEvent(&ev, model.EventChannelUpdated, c.ID, c.Clone())
	s.mu.Unlock()
	ev.run()
	return nil
}

func (s *Store) Channel(id string) (model.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return model.Channel{}, false
	}
	return c.Clone(), true
}

// Channels returns every channel, pinned ones first, otherwise in the order
// they became known.
func (s *Store) Channels() []model.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Channel, 0, len(s.channelOrder))
	for _, id := range s.channelOrder {
		out = append(out, s.channels[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Settings.Pinned && !out[j].Settings.Pinned
	})
	return out
}
