package main

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/db"
)

type ReadRequest struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// markRead answers POST /messages/read by moving the caller's read position.
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChannelID == "" || req.MessageID == "" {
		http.Error(w, "channel_id and message_id are required", http.StatusBadRequest)
		return
	}
	userID := userFrom(r)
	if !canRead(userID, req.ChannelID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	err := s.dir.MarkRead(r.Context(), db.ReadReceipt{
		ChannelID:         req.ChannelID,
		UserID:            userID,
		LastReadMessageID: req.MessageID,
		LastReadAt:        time.Now().UTC(),
	})
	if err != nil {
		s.log.Error("mark_read_failed", zap.String("channel_id", req.ChannelID), zap.Error(err))
		http.Error(w, "Failed to store read position", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
