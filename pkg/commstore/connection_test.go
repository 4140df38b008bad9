package commstore_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mahaj/commlayer/pkg/auth"
	"github.com/mahaj/commlayer/pkg/commstore"
	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/gateway"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/realtime"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var serverTime = time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

func startGateway(t *testing.T) (*httptest.Server, *auth.Signer) {
	t.Helper()
	signer, err := auth.NewSigner("test-secret", time.Hour)
	require.NoError(t, err)
	hub, err := gateway.NewHub(gateway.Options{
		Signer:   signer,
		Presence: gateway.NewMemoryPresence(),
		Logger:   zaptest.NewLogger(t),
		Now:      func() time.Time { return serverTime },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, signer
}

func newManager(t *testing.T, cfg config.Connection) *realtime.Manager {
	t.Helper()
	m, err := realtime.NewManager(cfg, realtime.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m
}

func status(s *commstore.Store, id string) model.MessageStatus {
	m, _ := s.Message(id)
	return m.Status
}

func TestOfflineMessageIsSentOnConnect(t *testing.T) {
	srv, signer := startGateway(t)
	token, err := signer.GenerateToken("alice")
	require.NoError(t, err)
	m := newManager(t, config.Connection{
		URL:               srv.URL + "/ws",
		Token:             token,
		UserID:            "alice",
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		ConnectionTimeout: time.Second,
	})
	s, err := commstore.NewStore(model.User{ID: "alice"}, config.Store{},
		commstore.WithConnection(m),
		commstore.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.CreateChannel(model.Channel{ID: "general", Type: model.ChannelPublic})
	require.NoError(t, err)
	msg, err := s.SendMessage("general", "written offline")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, msg.Status)
	assert.Equal(t, 2, m.QueueLength())
	assert.True(t, m.IsSubscribed("general"))

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.QueueLength() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return status(s, msg.ID) == model.StatusSent }, waitFor, tick)

	// The echo carries the gateway's timestamp.
	require.Eventually(t, func() bool {
		got, _ := s.Message(msg.ID)
		return got.CreatedAt.Equal(serverTime)
	}, waitFor, tick)
	assert.Empty(t, s.Notifications())
}

func TestEvictedMessageIsMarkedFailed(t *testing.T) {
	m := newManager(t, config.Connection{UserID: "alice", QueueCapacity: 1})
	s, err := commstore.NewStore(model.User{ID: "alice"}, config.Store{},
		commstore.WithConnection(m),
		commstore.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	first, err := s.SendMessage("general", "first")
	require.NoError(t, err)
	second, err := s.SendMessage("general", "second")
	require.NoError(t, err)

	assert.Equal(t, 1, m.QueueLength())
	assert.Equal(t, model.StatusFailed, status(s, first.ID))
	assert.Equal(t, model.StatusSending, status(s, second.ID))

	require.NoError(t, s.RetryMessage(first.ID))
	assert.Equal(t, model.StatusFailed, status(s, second.ID), "the retry pushed the other message out")
	assert.Equal(t, model.StatusSending, status(s, first.ID))
}
