package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/db"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/persist"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Directory keeps channel membership and read positions.
type Directory interface {
	TouchMember(ctx context.Context, userID, channelID string, at time.Time) error
	RemoveMember(ctx context.Context, userID, channelID string) error
	MarkRead(ctx context.Context, r db.ReadReceipt) error
}

// Consumer persists the durable part of the envelope stream: chat
// messages, their edits, pins and deletions, channels, memberships and read
// positions. Typing, presence and call traffic is ephemeral and skipped.
type Consumer struct {
	reader Reader
	repo   persist.Repository
	dir    Directory
	log    *zap.Logger
}

func NewConsumer(reader Reader, repo persist.Repository, dir Directory, log *zap.Logger) *Consumer {
	return &Consumer{reader: reader, repo: repo, dir: dir, log: log}
}

// NewKafkaReader builds the reader for the gateway topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
}

// Consume runs until ctx is done. A record is committed once handled, even
// if handling failed, so one bad record cannot stall the partition.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka fetch failed, retrying", zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if err := c.Handle(ctx, m.Value); err != nil {
			c.log.Error("envelope not persisted",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// Handle applies one wire frame.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	env, err := model.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	switch env.Kind {
	case model.KindMessage:
		var msg model.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return c.saveMessage(ctx, env, msg)
	case model.KindEvent:
		var p model.EventPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return c.applyEvent(ctx, env, p)
	}
	c.log.Debug("skipping ephemeral envelope", zap.String("kind", string(env.Kind)))
	return nil
}

func (c *Consumer) saveMessage(ctx context.Context, env model.Envelope, msg model.Message) error {
	if msg.ChannelID == "" {
		msg.ChannelID = env.ChannelID
	}
	if msg.AuthorID == "" {
		msg.AuthorID = env.UserID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = env.Time()
	}
	rec, err := persist.NewRecord(persist.KindMessage, msg.ID, msg.ChannelID, msg.CreatedAt, msg)
	if err != nil {
		return err
	}
	if _, err := c.repo.Create(ctx, rec); err != nil {
		if errors.Cause(err) != persist.ErrExists {
			return err
		}
		// Replayed after a rebalance.
		c.log.Debug("message already stored", zap.String("message_id", msg.ID))
	} else {
		c.log.Info("message saved", zap.String("message_id", msg.ID), zap.String("channel_id", msg.ChannelID))
	}

	// Direct channels have no membership events; the first message makes
	// both users members.
	if a, b, ok := model.DirectParticipants(msg.ChannelID); ok {
		for _, u := range []string{a, b} {
			if err := c.dir.TouchMember(ctx, u, msg.ChannelID, msg.CreatedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Consumer) applyEvent(ctx context.Context, env model.Envelope, p model.EventPayload) error {
	decode := func(v interface{}) error {
		return model.Envelope{ID: env.ID, Kind: model.KindEvent, Payload: p.Data}.Decode(v)
	}
	switch p.Name {
	case model.EventMessageEdited:
		var m model.Message
		if err := decode(&m); err != nil {
			return err
		}
		patch := map[string]interface{}{"content": m.Content, "edited": true}
		if m.EditedAt != nil {
			patch["editedAt"] = m.EditedAt
		}
		return c.ignoreMissing(c.repo.Update(ctx, m.ID, patch))
	case model.EventMessagePinned:
		var ref model.MessageRef
		if err := decode(&ref); err != nil {
			return err
		}
		return c.ignoreMissing(c.repo.Update(ctx, ref.MessageID, map[string]interface{}{"pinned": ref.Pinned}))
	case model.EventMessageDeleted:
		var ref model.MessageRef
		if err := decode(&ref); err != nil {
			return err
		}
		return c.ignoreMissing(c.repo.Delete(ctx, ref.MessageID))
	case model.EventMessageRead:
		var ref model.MessageRef
		if err := decode(&ref); err != nil {
			return err
		}
		if ref.UserID == "" {
			ref.UserID = env.UserID
		}
		at := ref.At
		if at.IsZero() {
			at = env.Time()
		}
		return c.dir.MarkRead(ctx, db.ReadReceipt{
			ChannelID:         ref.ChannelID,
			UserID:            ref.UserID,
			LastReadMessageID: ref.MessageID,
			LastReadAt:        at,
		})
	case model.EventChannelCreated, model.EventChannelUpdated:
		var ch model.Channel
		if err := decode(&ch); err != nil {
			return err
		}
		return c.saveChannel(ctx, ch, env.Time())
	case model.EventChannelMemberJoin:
		var mb model.Membership
		if err := decode(&mb); err != nil {
			return err
		}
		return c.dir.TouchMember(ctx, mb.UserID, mb.ChannelID, env.Time())
	case model.EventChannelMemberLeave:
		var mb model.Membership
		if err := decode(&mb); err != nil {
			return err
		}
		return c.dir.RemoveMember(ctx, mb.UserID, mb.ChannelID)
	}
	c.log.Debug("skipping ephemeral event", zap.String("event", p.Name))
	return nil
}

// saveChannel replaces the stored channel and refreshes every membership.
func (c *Consumer) saveChannel(ctx context.Context, ch model.Channel, at time.Time) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	rec, err := persist.NewRecord(persist.KindChannel, ch.ID, ch.ID, ch.CreatedAt, ch)
	if err != nil {
		return err
	}
	if err := c.ignoreMissing(c.repo.Delete(ctx, ch.ID)); err != nil {
		return err
	}
	if _, err := c.repo.Create(ctx, rec); err != nil {
		return err
	}
	for _, u := range ch.Participants {
		if err := c.dir.TouchMember(ctx, u, ch.ID, at); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) ignoreMissing(err error) error {
	if errors.Cause(err) == persist.ErrNotFound {
		return nil
	}
	return err
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
