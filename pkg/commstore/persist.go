package commstore

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/persist"
)

// write hands a snapshot of v to the writer. Storage failures stay inside
// the writer.
func (s *Store) write(kind persist.Kind, id, channelID string, createdAt time.Time, v interface{}) {
	if s.writer == nil {
		return
	}
	rec, err := persist.NewRecord(kind, id, channelID, createdAt, v)
	if err != nil {
		s.log.Error("record not encoded", zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		return
	}
	if err := s.writer.Put(rec); err != nil {
		s.log.Warn("record not persisted", zap.String("id", id), zap.Error(err))
	}
}

func (s *Store) saveChannelLocked(c *model.Channel) {
	s.write(persist.KindChannel, c.ID, c.ID, c.CreatedAt, c)
}

func (s *Store) saveMessageLocked(m *model.Message) {
	s.write(persist.KindMessage, m.ID, m.ChannelID, m.CreatedAt, m)
}

func (s *Store) saveNotificationLocked(n *model.Notification) {
	s.write(persist.KindNotification, n.ID, n.ChannelID, n.CreatedAt, n)
}

func (s *Store) deleteRecordLocked(id string) {
	if s.writer == nil {
		return
	}
	if err := s.writer.Delete(id); err != nil {
		s.log.Warn("record not deleted", zap.String("id", id), zap.Error(err))
	}
}

// Hydrate loads channels, messages and notifications from the writer's
// repository. Messages stored while still sending can no longer be
// confirmed and come back as failed so they can be retried.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(ctx); err != nil {
		return err
	}
	repo := s.writer.Repository()

	channels, err := repo.List(ctx, persist.Filter{Kind: persist.KindChannel})
	if err != nil {
		return err
	}
	messages, err := repo.List(ctx, persist.Filter{Kind: persist.KindMessage})
	if err != nil {
		return err
	}
	notifications, err := repo.List(ctx, persist.Filter{Kind: persist.KindNotification})
	if err != nil {
		return err
	}

	var ev after
	s.mu.Lock()
	for _, rec := range channels {
		var c model.Channel
		if err := rec.Decode(&c); err != nil {
			s.log.Warn("stored channel skipped", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if _, ok := s.channels[c.ID]; !ok {
			s.channelOrder = append(s.channelOrder, c.ID)
		}
		s.channels[c.ID] = &c
		s.changed(&ev, ChangeChannel, c.ID, c.ID)
		if c.HasParticipant(s.me) {
			s.subscribe(&ev, c.ID)
		}
	}
	for _, rec := range messages {
		var m model.Message
		if err := rec.Decode(&m); err != nil {
			s.log.Warn("stored message skipped", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		if m.Status == model.StatusSending {
			m.Status = model.StatusFailed
			s.saveMessageLocked(&m)
		}
		s.insertLocked(&m)
		s.changed(&ev, ChangeMessage, m.ID, m.ChannelID)
	}
	for _, rec := range notifications {
		var n model.Notification
		if err := rec.Decode(&n); err != nil {
			s.log.Warn("stored notification skipped", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		s.notifications = append(s.notifications, &n)
		s.changed(&ev, ChangeNotification, n.ID, n.ChannelID)
	}
	sort.SliceStable(s.notifications, func(i, j int) bool {
		return s.notifications[i].CreatedAt.Before(s.notifications[j].CreatedAt)
	})
	s.log.Info("store hydrated",
		zap.Int("channels", len(channels)),
		zap.Int("messages", len(messages)),
		zap.Int("notifications", len(notifications)))
	s.mu.Unlock()
	ev.run()
	return nil
}
