package main

import (
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
)

type ChannelSummary struct {
	ChannelID   string    `json:"channel_id"`
	OtherUserID string    `json:"other_user_id,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
	UnreadCount int       `json:"unread_count"`
}

// channels answers GET /channels with the caller's channels, most recently
// active first. user_id may be given but must name the caller.
func (s *Server) channels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := userFrom(r)
	if q := r.URL.Query().Get("user_id"); q != "" && q != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	memberships, err := s.dir.ChannelsFor(r.Context(), userID)
	if err != nil {
		s.log.Error("list_channels_failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to list channels", http.StatusInternalServerError)
		return
	}

	out := make([]ChannelSummary, 0, len(memberships))
	for _, m := range memberships {
		sum := ChannelSummary{ChannelID: m.ChannelID, LastUpdated: m.LastUpdated}
		if a, b, ok := model.DirectParticipants(m.ChannelID); ok {
			sum.OtherUserID = a
			if a == userID {
				sum.OtherUserID = b
			}
		}
		if sum.UnreadCount, err = s.unread(r, userID, m.ChannelID); err != nil {
			s.log.Warn("unread_count_failed", zap.String("channel_id", m.ChannelID), zap.Error(err))
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	writeJSON(w, out)
}

// unread counts the messages of other users after the caller's last read
// message.
func (s *Server) unread(r *http.Request, userID, channelID string) (int, error) {
	receipts, err := s.dir.ReadReceipts(r.Context(), channelID)
	if err != nil {
		return 0, err
	}
	lastRead := ""
	for _, rc := range receipts {
		if rc.UserID == userID {
			lastRead = rc.LastReadMessageID
		}
	}
	messages, err := s.messages(r, channelID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range messages {
		if m.ID == lastRead {
			count = 0
			continue
		}
		if m.AuthorID != userID {
			count++
		}
	}
	return count, nil
}
