package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mahaj/commlayer/pkg/db"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/persist"
)

type fakeDirectory struct {
	mu       sync.Mutex
	members  map[string]map[string]time.Time
	receipts []db.ReadReceipt
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{members: make(map[string]map[string]time.Time)}
}

func (d *fakeDirectory) TouchMember(_ context.Context, userID, channelID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[channelID] == nil {
		d.members[channelID] = make(map[string]time.Time)
	}
	d.members[channelID][userID] = at
	return nil
}

func (d *fakeDirectory) RemoveMember(_ context.Context, userID, channelID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[channelID], userID)
	return nil
}

func (d *fakeDirectory) MarkRead(_ context.Context, r db.ReadReceipt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts = append(d.receipts, r)
	return nil
}

func (d *fakeDirectory) users(channelID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for u := range d.members[channelID] {
		out = append(out, u)
	}
	return out
}

// fakeReader hands out queued records, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	records   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.records) > 0 {
		m := r.records[0]
		r.records = r.records[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func newConsumer(t *testing.T, reader Reader) (*Consumer, *persist.PebbleRepository, *fakeDirectory) {
	t.Helper()
	log := zaptest.NewLogger(t)
	repo, err := persist.OpenPebble("messaging", vfs.NewMem(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	dir := newFakeDirectory()
	return NewConsumer(reader, repo, dir, log), repo, dir
}

func frame(t *testing.T, env model.Envelope) []byte {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	return data
}

func eventFrame(t *testing.T, name, userID, channelID string, data interface{}) []byte {
	t.Helper()
	env, err := model.NewEvent(name, data)
	require.NoError(t, err)
	return frame(t, env.For(userID, channelID))
}

func TestConsumerPersistsMessageLifecycle(t *testing.T) {
	c, repo, _ := newConsumer(t, &fakeReader{})
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := model.Message{ID: "m1", AuthorID: "alice", Content: "hello", CreatedAt: at, Status: model.StatusSent}
	data := frame(t, model.MustEnvelope(model.KindMessage, msg).For("alice", "general"))
	require.NoError(t, c.Handle(ctx, data))
	require.NoError(t, c.Handle(ctx, data), "replays are ignored")

	edited := msg
	edited.Content = "hello again"
	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventMessageEdited, "alice", "general", edited)))
	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventMessagePinned, "alice", "general",
		model.MessageRef{MessageID: "m1", ChannelID: "general", Pinned: true})))

	recs, err := repo.List(ctx, persist.Filter{Kind: persist.KindMessage, ChannelID: "general"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	var stored model.Message
	require.NoError(t, recs[0].Decode(&stored))
	assert.Equal(t, "general", stored.ChannelID)
	assert.Equal(t, "hello again", stored.Content)
	assert.True(t, stored.Edited)
	assert.True(t, stored.Pinned)
	assert.True(t, at.Equal(stored.CreatedAt))

	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventMessageDeleted, "alice", "general",
		model.MessageRef{MessageID: "m1", ChannelID: "general"})))
	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventMessageDeleted, "alice", "general",
		model.MessageRef{MessageID: "m1", ChannelID: "general"})), "deleting twice is fine")
	recs, err = repo.List(ctx, persist.Filter{Kind: persist.KindMessage})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestConsumerTracksMembershipAndReads(t *testing.T) {
	c, repo, dir := newConsumer(t, &fakeReader{})
	ctx := context.Background()

	dm := model.DirectChannelID("bob", "alice")
	require.NoError(t, c.Handle(ctx, frame(t, model.MustEnvelope(model.KindMessage,
		model.Message{ID: "d1", Content: "hi"}).For("alice", dm))))
	assert.ElementsMatch(t, []string{"alice", "bob"}, dir.users(dm))

	team := model.Channel{ID: "team", Type: model.ChannelGroup, CreatedBy: "alice",
		Participants: []string{"alice", "bob"}, Admins: []string{"alice"}}
	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventChannelCreated, "alice", "team", team)))
	team.Name = "Team"
	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventChannelUpdated, "alice", "team", team)))
	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventChannelMemberJoin, "alice", "team",
		model.Membership{ChannelID: "team", UserID: "carol"})))
	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventChannelMemberLeave, "bob", "team",
		model.Membership{ChannelID: "team", UserID: "bob"})))
	assert.ElementsMatch(t, []string{"alice", "carol"}, dir.users("team"))

	channels, err := repo.List(ctx, persist.Filter{Kind: persist.KindChannel})
	require.NoError(t, err)
	require.Len(t, channels, 1)
	var stored model.Channel
	require.NoError(t, channels[0].Decode(&stored))
	assert.Equal(t, "Team", stored.Name)

	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventMessageRead, "bob", "team",
		model.MessageRef{MessageID: "d1", ChannelID: "team"})))
	require.Len(t, dir.receipts, 1)
	assert.Equal(t, "bob", dir.receipts[0].UserID)
	assert.Equal(t, "d1", dir.receipts[0].LastReadMessageID)

	assert.Error(t, c.Handle(ctx, eventFrame(t, model.EventChannelCreated, "x", "bad",
		model.Channel{ID: "bad", Type: "lobby"})))
}

func TestConsumerSkipsEphemeralTraffic(t *testing.T) {
	c, repo, dir := newConsumer(t, &fakeReader{})
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, eventFrame(t, model.EventTypingStart, "alice", "general",
		model.TypingIndicator{UserID: "alice", ChannelID: "general"})))
	require.NoError(t, c.Handle(ctx, frame(t, model.MustEnvelope(model.KindPing, nil))))
	assert.Error(t, c.Handle(ctx, []byte("not json")))

	recs, err := repo.List(ctx, persist.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, dir.users("general"))
}

func TestConsumeCommitsEveryRecord(t *testing.T) {
	reader := &fakeReader{records: []kafka.Message{
		{Offset: 1, Value: frame(t, model.MustEnvelope(model.KindMessage, model.Message{ID: "a", Content: "x"}).For("alice", "general"))},
		{Offset: 2, Value: []byte("garbage")},
		{Offset: 3, Value: frame(t, model.MustEnvelope(model.KindMessage, model.Message{ID: "b", Content: "y"}).For("alice", "general"))},
	}}
	c, repo, _ := newConsumer(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs, err := repo.List(context.Background(), persist.Filter{Kind: persist.KindMessage})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
