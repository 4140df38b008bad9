package main

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// channelUsers answers GET /channels/{id}/users from the presence registry
// the gateways maintain.
func (s *Server) channelUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channelID, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/channels/"), "/users")
	if !ok || channelID == "" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	users, err := s.presence.Members(r.Context(), channelID)
	if err != nil {
		s.log.Error("presence_failed", zap.String("channel_id", channelID), zap.Error(err))
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, map[string]interface{}{
		"channel_id": channelID,
		"users":      users,
	})
}
