package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Handler serves the websocket endpoint plus a small read API over the
// presence registry.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/channels/", h.serveMembers)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// serveMembers answers GET /channels/{id}/users.
func (h *Hub) serveMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/channels/")
	channelID, ok := strings.CutSuffix(rest, "/users")
	if !ok || channelID == "" {
		http.NotFound(w, r)
		return
	}
	users, err := h.Members(r.Context(), channelID)
	if err != nil {
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"channel_id": channelID,
		"users":      users,
	})
}
