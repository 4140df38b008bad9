package main

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/persist"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// history answers GET /history?channel_id=&limit= with the newest limit
// messages of a channel, oldest first.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		channelID = "general"
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive number", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if !canRead(userFrom(r), channelID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	messages, err := s.messages(r, channelID)
	if err != nil {
		s.log.Error("history_failed", zap.String("channel_id", channelID), zap.Error(err))
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	writeJSON(w, messages)
}

func (s *Server) messages(r *http.Request, channelID string) ([]model.Message, error) {
	recs, err := s.repo.List(r.Context(), persist.Filter{Kind: persist.KindMessage, ChannelID: channelID})
	if err != nil {
		return nil, err
	}
	messages := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		var m model.Message
		if err := rec.Decode(&m); err != nil {
			s.log.Warn("skipping_undecodable_message", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// canRead keeps direct channel history private to its two users.
func canRead(userID, channelID string) bool {
	a, b, ok := model.DirectParticipants(channelID)
	if !ok {
		return true
	}
	return userID == a || userID == b
}
