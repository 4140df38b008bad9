package commstore

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
)

// Notifier shows notifications outside the application. Notify is only
// called when Granted reports true; its errors are logged and dropped.
type Notifier interface {
	Granted() bool
	Notify(n model.Notification) error
}

// AddNotification appends n for the current user and, when enabled, shows
// it through the Notifier. Notifications are never merged.
func (s *Store) AddNotification(n model.Notification) model.Notification {
	var ev after
	s.mu.Lock()
	out := s.addNotificationLocked(n, &ev)
	s.mu.Unlock()
	ev.run()
	return out
}

func (s *Store) addNotificationLocked(n model.Notification, ev *after) model.Notification {
	n = n.Clone()
	if n.ID == "" {
		n.ID = s.nextID()
	}
	if n.UserID == "" {
		n.UserID = s.me
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.clock.Now()
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	n.Read = false
	stored := n
	s.notifications = append(s.notifications, &stored)
	s.saveNotificationLocked(&stored)
	s.changed(ev, ChangeNotification, n.ID, n.ChannelID)
	if s.cfg.DesktopNotifications && s.notifier != nil {
		shown := n.Clone()
		ev.add(func() { s.deliverDesktop(shown) })
	}
	return n.Clone()
}

func (s *Store) deliverDesktop(n model.Notification) {
	if !s.notifier.Granted() {
		return
	}
	if err := s.notifier.Notify(n); err != nil {
		s.log.Debug("desktop notification failed", zap.String("notification_id", n.ID), zap.Error(err))
	}
}

func (s *Store) MarkNotificationRead(id string) error {
	var ev after
	s.mu.Lock()
	var found *model.Notification
	for _, n := range s.notifications {
		if n.ID == id {
			found = n
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return errors.Wrap(ErrNotificationNotFound, id)
	}
	if !found.Read {
		found.Read = true
		s.saveNotificationLocked(found)
		s.changed(&ev, ChangeNotification, found.ID, found.ChannelID)
	}
	s.mu.Unlock()
	ev.run()
	return nil
}

// MarkAllNotificationsRead returns how many notifications changed.
func (s *Store) MarkAllNotificationsRead() int {
	var ev after
	s.mu.Lock()
	n := 0
	for _, x := range s.notifications {
		if x.Read {
			continue
		}
		x.Read = true
		s.saveNotificationLocked(x)
		s.changed(&ev, ChangeNotification, x.ID, x.ChannelID)
		n++
	}
	s.mu.Unlock()
	ev.run()
	return n
}

// Notifications returns every notification, oldest first.
func (s *Store) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Notification, len(s.notifications))
	for i, n := range s.notifications {
		out[i] = n.Clone()
	}
	return out
}

func (s *Store) UnreadNotifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.notifications {
		if !x.Read {
			n++
		}
	}
	return n
}
