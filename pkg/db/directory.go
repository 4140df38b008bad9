package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ChannelMembership is one row of channel_members.
type ChannelMembership struct {
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id"`
	LastUpdated time.Time `json:"last_updated"`
}

// ReadReceipt is one row of read_receipts.
type ReadReceipt struct {
	ChannelID         string    `json:"channel_id"`
	UserID            string    `json:"user_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	LastReadAt        time.Time `json:"last_read_at"`
}

// TouchMember records that userID belongs to channelID and bumps its
// last_updated time.
func (s *Session) TouchMember(ctx context.Context, userID, channelID string, at time.Time) error {
	err := s.Query(`INSERT INTO channel_members (user_id, channel_id, last_updated) VALUES (?, ?, ?)`,
		userID, channelID, at).WithContext(ctx).Exec()
	return errors.Wrapf(err, "add %s to %s", userID, channelID)
}

func (s *Session) RemoveMember(ctx context.Context, userID, channelID string) error {
	err := s.Query(`DELETE FROM channel_members WHERE user_id = ? AND channel_id = ?`,
		userID, channelID).WithContext(ctx).Exec()
	return errors.Wrapf(err, "remove %s from %s", userID, channelID)
}

// ChannelsFor lists the channels of userID.
func (s *Session) ChannelsFor(ctx context.Context, userID string) ([]ChannelMembership, error) {
	iter := s.Query(`SELECT user_id, channel_id, last_updated FROM channel_members WHERE user_id = ?`,
		userID).WithContext(ctx).Iter()
	var out []ChannelMembership
	var m ChannelMembership
	for iter.Scan(&m.UserID, &m.ChannelID, &m.LastUpdated) {
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrapf(err, "list channels of %s", userID)
	}
	return out, nil
}

// MarkRead stores the last message userID read in channelID.
func (s *Session) MarkRead(ctx context.Context, r ReadReceipt) error {
	err := s.Query(`INSERT INTO read_receipts (channel_id, user_id, last_read_message_id, last_read_at) VALUES (?, ?, ?, ?)`,
		r.ChannelID, r.UserID, r.LastReadMessageID, r.LastReadAt).WithContext(ctx).Exec()
	return errors.Wrapf(err, "mark %s read in %s", r.LastReadMessageID, r.ChannelID)
}

func (s *Session) ReadReceipts(ctx context.Context, channelID string) ([]ReadReceipt, error) {
	iter := s.Query(`SELECT channel_id, user_id, last_read_message_id, last_read_at FROM read_receipts WHERE channel_id = ?`,
		channelID).WithContext(ctx).Iter()
	var out []ReadReceipt
	var r ReadReceipt
	for iter.Scan(&r.ChannelID, &r.UserID, &r.LastReadMessageID, &r.LastReadAt) {
		out = append(out, r)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrapf(err, "list read receipts of %s", channelID)
	}
	return out, nil
}
