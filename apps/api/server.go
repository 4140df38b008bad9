package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mahaj/commlayer/pkg/auth"
	"github.com/mahaj/commlayer/pkg/db"
	"github.com/mahaj/commlayer/pkg/gateway"
	"github.com/mahaj/commlayer/pkg/persist"
)

// Directory is the membership and read position store behind /channels and
// /messages/read. *db.Session implements it.
type Directory interface {
	ChannelsFor(ctx context.Context, userID string) ([]db.ChannelMembership, error)
	MarkRead(ctx context.Context, r db.ReadReceipt) error
	ReadReceipts(ctx context.Context, channelID string) ([]db.ReadReceipt, error)
}

type Server struct {
	signer   *auth.Signer
	repo     persist.Repository
	dir      Directory
	presence gateway.Presence
	log      *zap.Logger

	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func NewServer(signer *auth.Signer, repo persist.Repository, dir Directory, presence gateway.Presence, log *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commlayer",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route and status code.",
	}, []string{"route", "code"})
	reg.MustRegister(requests, collectors.NewGoCollector())
	return &Server{
		signer:   signer,
		repo:     repo,
		dir:      dir,
		presence: presence,
		log:      log,
		registry: reg,
		requests: requests,
	}
}

// Handler wires every route. Everything but /login and /metrics needs a
// bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/login", s.route("login", http.HandlerFunc(s.login)))
	mux.Handle("/history", s.route("history", s.authenticated(http.HandlerFunc(s.history))))
	mux.Handle("/channels", s.route("channels", s.authenticated(http.HandlerFunc(s.channels))))
	mux.Handle("/channels/", s.route("channel_users", s.authenticated(http.HandlerFunc(s.channelUsers))))
	mux.Handle("/messages/read", s.route("read", s.authenticated(http.HandlerFunc(s.markRead))))
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return CORSMiddleware(mux)
}

func (s *Server) route(name string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(s.requests.MustCurryWith(prometheus.Labels{"route": name}), h)
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
