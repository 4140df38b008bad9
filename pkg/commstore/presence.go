package commstore

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/realtime"
)

type typingKey struct {
	userID    string
	channelID string
}

type typingEntry struct {
	startedAt time.Time
	timer     *clock.Timer
}

// UpdateUserStatus sets the current user's status and activity and
// announces it.
func (s *Store) UpdateUserStatus(status model.UserStatus, activity string) error {
	if !status.Valid() {
		return errors.Wrapf(ErrInvalidStatus, "%q", status)
	}
	var ev after
	s.mu.Lock()
	s.setOwnStatusLocked(status, activity, &ev)
	s.mu.Unlock()
	ev.run()
	return nil
}

func (s *Store) setOwnStatusLocked(status model.UserStatus, activity string, ev *after) {
	u := s.users[s.me]
	u.Status = status
	u.CurrentActivity = activity
	u.LastSeen = s.clock.Now()
	s.changed(ev, ChangeUser, u.ID, "")
	s.sendEvent(ev, model.EventPresenceUpdate, "", model.Presence{
		UserID:          u.ID,
		Status:          status,
		LastSeen:        u.LastSeen,
		CurrentActivity: activity,
	})
}

// UpsertUser records a known user. The current user's status is only
// changed through UpdateUserStatus.
func (s *Store) UpsertUser(u model.User) error {
	if u.ID == "" {
		return errors.Wrap(ErrUserNotFound, "empty user id")
	}
	var ev after
	s.mu.Lock()
	if cur, ok := s.users[u.ID]; ok && u.ID == s.me {
		u.Status, u.CurrentActivity, u.LastSeen = cur.Status, cur.CurrentActivity, cur.LastSeen
	}
	if u.Status == "" {
		u.Status = model.UserOffline
	}
	s.users[u.ID] = &u
	s.changed(&ev, ChangeUser, u.ID, "")
	s.mu.Unlock()
	ev.run()
	return nil
}

// applyPresenceLocked records the presence of another user.
func (s *Store) applyPresenceLocked(p model.Presence, ev *after) {
	if p.UserID == "" || p.UserID == s.me || !p.Status.Valid() {
		return
	}
	u, ok := s.users[p.UserID]
	if !ok {
		u = &model.User{ID: p.UserID}
		s.users[p.UserID] = u
	}
	u.Status = p.Status
	u.CurrentActivity = p.CurrentActivity
	if !p.LastSeen.IsZero() {
		u.LastSeen = p.LastSeen
	}
	s.changed(ev, ChangeUser, u.ID, "")
}

func (s *Store) User(id string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

func (s *Store) CurrentUser() model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.users[s.me]
}

// Users returns every known user sorted by id.
func (s *Store) Users() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlineUsers returns the ids of users whose status is not offline.
func (s *Store) OnlineUsers() []string {
	var out []string
	for _, u := range s.Users() {
		if u.Status != model.UserOffline {
			out = append(out, u.ID)
		}
	}
	return out
}

// handleStatus arms the auto-away timer on every transition to connected.
func (s *Store) handleStatus(c realtime.StatusChange) {
	if c.To != realtime.StatusConnected || !s.cfg.AutoAway {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.awayTimer != nil {
		s.awayTimer.Stop()
	}
	delay := s.cfg.AutoAwayDelay
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	var t *clock.Timer
	t = s.clock.AfterFunc(delay, func() { s.autoAway(t) })
	s.awayTimer = t
}

func (s *Store) autoAway(t *clock.Timer) {
	var ev after
	s.mu.Lock()
	if s.awayTimer != t {
		s.mu.Unlock()
		return
	}
	s.awayTimer = nil
	if s.users[s.me].Status == model.UserOnline {
		s.log.Info("auto away", zap.String("user_id", s.me))
		s.setOwnStatusLocked(model.UserAway, s.users[s.me].CurrentActivity, &ev)
	}
	s.mu.Unlock()
	ev.run()
}

// StartTyping records that the current user is typing in channelID and
// reports whether the indicator is new.
func (s *Store) StartTyping(channelID string) bool {
	var ev after
	s.mu.Lock()
	added := s.startTypingLocked(s.me, channelID, s.clock.Now(), &ev)
	if added {
		s.sendEvent(&ev, model.EventTypingStart, channelID, model.TypingIndicator{
			UserID:    s.me,
			ChannelID: channelID,
			StartedAt: s.typing[typingKey{s.me, channelID}].startedAt,
		})
	}
	s.mu.Unlock()
	ev.run()
	return added
}

// StopTyping removes the current user's indicator in channelID.
func (s *Store) StopTyping(channelID string) bool {
	var ev after
	s.mu.Lock()
	removed := s.stopTypingLocked(s.me, channelID, &ev)
	if removed {
		s.sendEvent(&ev, model.EventTypingStop, channelID, model.TypingIndicator{
			UserID:    s.me,
			ChannelID: channelID,
		})
	}
	s.mu.Unlock()
	ev.run()
	return removed
}

// startTypingLocked inserts the indicator if absent. With a typing timeout
// configured the indicator removes itself after that long.
func (s *Store) startTypingLocked(userID, channelID string, at time.Time, ev *after) bool {
	key := typingKey{userID, channelID}
	if _, ok := s.typing[key]; ok {
		return false
	}
	e := &typingEntry{startedAt: at}
	if s.cfg.TypingTimeout > 0 {
		e.timer = s.clock.AfterFunc(s.cfg.TypingTimeout, func() { s.expireTyping(key, e) })
	}
	s.typing[key] = e
	s.changed(ev, ChangeTyping, userID, channelID)
	return true
}

func (s *Store) stopTypingLocked(userID, channelID string, ev *after) bool {
	key := typingKey{userID, channelID}
	e, ok := s.typing[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.typing, key)
	s.changed(ev, ChangeTyping, userID, channelID)
	return true
}

func (s *Store) expireTyping(key typingKey, e *typingEntry) {
	var ev after
	s.mu.Lock()
	if s.typing[key] != e {
		s.mu.Unlock()
		return
	}
	s.stopTypingLocked(key.userID, key.channelID, &ev)
	if key.userID == s.me {
		s.sendEvent(&ev, model.EventTypingStop, key.channelID, model.TypingIndicator{
			UserID:    s.me,
			ChannelID: key.channelID,
		})
	}
	s.mu.Unlock()
	ev.run()
}

// TypingUsers returns who is typing in channelID, oldest first.
func (s *Store) TypingUsers(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	type entry struct {
		user string
		at   time.Time
	}
	var entries []entry
	for k, e := range s.typing {
		if k.channelID == channelID {
			entries = append(entries, entry{k.userID, e.startedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].user < entries[j].user
		}
		return entries[i].at.Before(entries[j].at)
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.user
	}
	return out
}
