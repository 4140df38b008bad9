package commstore

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/commlayer/pkg/config"
	"github.com/mahaj/commlayer/pkg/model"
	"github.com/mahaj/commlayer/pkg/realtime"
)

func TestSendMessageIsAppendedOptimistically(t *testing.T) {
	s, conn, mock := newTestStore(t, "alice", config.Store{})

	var want []string
	for _, text := range []string{"m1", "m2", "m3"} {
		m, err := s.SendMessage("ch1", text)
		require.NoError(t, err)
		want = append(want, m.ID)
		mock.Add(time.Millisecond)

		got := s.Messages("ch1")
		assert.Equal(t, want, ids(got))
		for _, x := range got {
			assert.Equal(t, model.StatusSending, x.Status)
		}
	}
	contents := []string{}
	for _, m := range s.Messages("ch1") {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, contents)
	assert.Len(t, conn.envelopes(), 3)
}

func TestSentAndDroppedSettleTheMessage(t *testing.T) {
	s, conn, _ := newTestStore(t, "alice", config.Store{})

	first, err := s.SendMessage("ch1", "one")
	require.NoError(t, err)
	second, err := s.SendMessage("ch1", "two")
	require.NoError(t, err)
	envs := conn.envelopes()
	require.Len(t, envs, 2)

	conn.sent.Publish(envs[0])
	conn.dropped.Publish(realtime.DropEvent{Envelope: envs[1], Reason: realtime.DropExhausted, Attempts: 3})

	m1, _ := s.Message(first.ID)
	m2, _ := s.Message(second.ID)
	assert.Equal(t, model.StatusSent, m1.Status)
	assert.Equal(t, model.StatusFailed, m2.Status)

	// A late confirmation of the dropped envelope does not resurrect it.
	conn.sent.Publish(envs[1])
	m2, _ = s.Message(second.ID)
	assert.Equal(t, model.StatusFailed, m2.Status)

	assert.Equal(t, ErrInvalidTransition, errors.Cause(s.RetryMessage(first.ID)))
	require.NoError(t, s.RetryMessage(second.ID))
	m2, _ = s.Message(second.ID)
	assert.Equal(t, model.StatusSending, m2.Status)

	retry := conn.last(t)
	assert.NotEqual(t, envs[1].ID, retry.ID, "a retry uses a fresh envelope")
	conn.sent.Publish(retry)
	m2, _ = s.Message(second.ID)
	assert.Equal(t, model.StatusSent, m2.Status)
}

func TestContentIsScannedOnceAtSend(t *testing.T) {
	s, _, _ := newTestStore(t, "alice", config.Store{})

	m, err := s.SendMessage("ch1", "@bob see #release at https://example.com/notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, m.Mentions)
	assert.Equal(t, []string{"release"}, m.Hashtags)
	assert.Equal(t, []string{"https://example.com/notes"}, m.Links)
	assert.Equal(t, model.TypeText, m.Type)

	require.NoError(t, s.EditMessage(m.ID, "@carol instead"))
	edited, _ := s.Message(m.ID)
	assert.Equal(t, "@carol instead", edited.Content)
	assert.True(t, edited.Edited)
	assert.NotNil(t, edited.EditedAt)
	assert.Equal(t, []string{"bob"}, edited.Mentions)
	assert.Equal(t, model.StatusSending, edited.Status)
}

func TestSendMessageValidation(t *testing.T) {
	s, conn, _ := newTestStore(t, "alice", config.Store{})

	_, err := s.SendMessage("ch1", "   ")
	assert.Equal(t, ErrEmptyMessage, errors.Cause(err))

	_, err = s.SendMessage("ch1", "hi", ReplyTo("missing"))
	assert.Equal(t, ErrMessageNotFound, errors.Cause(err))
	_, err = s.SendMessage("ch1", "hi", InThread("missing"))
	assert.Equal(t, ErrMessageNotFound, errors.Cause(err))
	assert.Empty(t, s.Messages("ch1"))
	assert.Empty(t, conn.envelopes())

	file, err := s.SendMessage("ch1", "", AsType(model.TypeFile), WithAttachments(model.Attachment{ID: "a1", Name: "plan.pdf"}))
	require.NoError(t, err)
	assert.Equal(t, model.TypeFile, file.Type)

	_, err = s.CreateChannel(model.Channel{ID: "news", Type: model.ChannelAnnouncement,
		Settings: model.ChannelSettings{AdminsOnlyPost: true}})
	require.NoError(t, err)
	_, err = s.SendMessage("news", "allowed for the creator")
	assert.NoError(t, err)
}

func TestThreadsAndReplies(t *testing.T) {
	s, _, _ := newTestStore(t, "alice", config.Store{})

	parent, err := s.SendMessage("ch1", "question")
	require.NoError(t, err)
	r1, err := s.SendMessage("ch1", "answer one", InThread(parent.ID))
	require.NoError(t, err)
	r2, err := s.SendMessage("ch1", "answer two", InThread(parent.ID), ReplyTo(r1.ID))
	require.NoError(t, err)

	assert.Equal(t, []string{r1.ID, r2.ID}, ids(s.Thread(parent.ID)))
	assert.Equal(t, 2, s.ReplyCount(parent.ID))
	assert.Equal(t, r1.ID, r2.ReplyTo)

	_, err = s.SendMessage("ch2", "cross", ReplyTo(parent.ID))
	assert.Equal(t, ErrMessageNotFound, errors.Cause(err))
}

func TestReactionToggleIsIdempotent(t *testing.T) {
	s, conn, _ := newTestStore(t, "alice", config.Store{})
	m, err := s.SendMessage("ch1", "ship it")
	require.NoError(t, err)

	added, err := s.ReactToMessage(m.ID, "👍")
	require.NoError(t, err)
	assert.True(t, added)
	got, _ := s.Message(m.ID)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "alice", got.Reactions[0].UserID)
	assert.Equal(t, "👍", got.Reactions[0].Emoji)

	added, err = s.ReactToMessage(m.ID, "👍")
	require.NoError(t, err)
	assert.False(t, added)
	got, _ = s.Message(m.ID)
	assert.Empty(t, got.Reactions)

	assert.Equal(t, []string{model.EventReactionToggled, model.EventReactionToggled}, conn.events(t))

	_, err = s.ReactToMessage("missing", "👍")
	assert.Equal(t, ErrMessageNotFound, errors.Cause(err))
	_, err = s.ReactToMessage(m.ID, " ")
	assert.Equal(t, ErrInvalidReaction, err)
}

// Reacting to one's own message is stored but never notifies. This is a
// deliberate choice; reactions from other users notify every time.
func TestSelfReactionIsNotNotified(t *testing.T) {
	s, _, _ := newTestStore(t, "alice", config.Store{})
	m, err := s.SendMessage("ch1", "my message")
	require.NoError(t, err)

	_, err = s.ReactToMessage(m.ID, "🎉")
	require.NoError(t, err)
	got, _ := s.Message(m.ID)
	assert.Len(t, got.Reactions, 1)
	assert.Empty(t, s.Notifications())

	for _, user := range []string{"bob", "carol"} {
		s.handleInbound(inboundEvent(t, model.EventReactionToggled, user, "ch1", model.ReactionToggle{
			MessageID: m.ID, ChannelID: "ch1", UserID: user, Emoji: "🎉", Added: true,
		}))
	}
	notes := s.Notifications()
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, model.NotifyReaction, n.Type)
		assert.Equal(t, m.ID, n.MessageID)
	}

	// Removing a reaction does not notify.
	s.handleInbound(inboundEvent(t, model.EventReactionToggled, "bob", "ch1", model.ReactionToggle{
		MessageID: m.ID, ChannelID: "ch1", UserID: "bob", Emoji: "🎉", Added: false,
	}))
	assert.Len(t, s.Notifications(), 2)
	got, _ = s.Message(m.ID)
	assert.Len(t, got.Reactions, 2)
}

func TestDeleteAndPin(t *testing.T) {
	s, conn, _ := newTestStore(t, "alice", config.Store{})
	keep, err := s.SendMessage("ch1", "keep")
	require.NoError(t, err)
	gone, err := s.SendMessage("ch1", "gone")
	require.NoError(t, err)

	require.NoError(t, s.PinMessage(keep.ID, true))
	assert.Equal(t, []string{keep.ID}, ids(s.PinnedMessages("ch1")))

	require.NoError(t, s.DeleteMessage(gone.ID))
	assert.Equal(t, []string{keep.ID}, ids(s.Messages("ch1")))
	_, ok := s.Message(gone.ID)
	assert.False(t, ok)
	assert.Equal(t, ErrMessageNotFound, errors.Cause(s.DeleteMessage(gone.ID)))
	assert.Equal(t, []string{model.EventMessagePinned, model.EventMessageDeleted}, conn.events(t))

	s.handleInbound(inboundMessage(t, model.Message{ID: "b1", ChannelID: "ch1", AuthorID: "bob", Content: "hers"}))
	assert.Equal(t, ErrForbidden, errors.Cause(s.DeleteMessage("b1")))
	assert.Equal(t, ErrForbidden, errors.Cause(s.EditMessage("b1", "changed")))
}

func TestReadReceiptsAndUnreadCounts(t *testing.T) {
	s, conn, _ := newTestStore(t, "alice", config.Store{})
	for _, id := range []string{"b1", "b2", "b3"} {
		s.handleInbound(inboundMessage(t, model.Message{ID: id, ChannelID: "ch1", AuthorID: "bob", Content: id}))
	}
	mine, err := s.SendMessage("ch1", "mine")
	require.NoError(t, err)

	assert.Equal(t, 3, s.UnreadCount("ch1"))
	require.NoError(t, s.MarkAsDelivered("b1"))
	require.NoError(t, s.MarkAsRead("b1"))
	assert.Equal(t, 2, s.UnreadCount("ch1"))
	assert.NoError(t, s.MarkAsRead("b1"), "already read is a no-op")

	assert.Equal(t, 2, s.MarkChannelRead("ch1"))
	assert.Equal(t, 0, s.UnreadCount("ch1"))
	assert.Equal(t, 0, s.TotalUnread())
	assert.Equal(t, ErrForbidden, errors.Cause(s.MarkAsRead(mine.ID)))
	assert.Equal(t, []string{
		model.EventMessageDelivered, model.EventMessageRead, model.EventMessageRead, model.EventMessageRead,
	}, conn.events(t))

	// A receipt from bob only advances a confirmed message.
	receipt := func() {
		s.handleInbound(inboundEvent(t, model.EventMessageRead, "bob", "ch1", model.MessageRef{
			MessageID: mine.ID, ChannelID: "ch1", UserID: "bob",
		}))
	}
	receipt()
	got, _ := s.Message(mine.ID)
	assert.Equal(t, model.StatusSending, got.Status)

	conn.confirmAll()
	receipt()
	got, _ = s.Message(mine.ID)
	assert.Equal(t, model.StatusRead, got.Status)
}

func TestServerEchoConfirmsMessage(t *testing.T) {
	s, conn, mock := newTestStore(t, "alice", config.Store{})
	mock.Add(time.Hour)
	a, err := s.SendMessage("ch1", "a")
	require.NoError(t, err)
	mock.Add(time.Second)
	b, err := s.SendMessage("ch1", "b")
	require.NoError(t, err)

	// The server stamps a earlier than b was created locally, then echoes
	// b with a later time.
	envs := conn.envelopes()
	echo := func(env model.Envelope, at time.Time) {
		var m model.Message
		require.NoError(t, env.Decode(&m))
		m.CreatedAt = at
		m.Status = model.StatusSent
		out, err := model.NewEnvelope(model.KindMessage, m)
		require.NoError(t, err)
		out.ID = env.ID
		s.handleInbound(out.For("alice", "ch1"))
	}
	echo(envs[1], mock.Now().Add(time.Minute))
	echo(envs[0], mock.Now().Add(2*time.Minute))

	got := s.Messages("ch1")
	assert.Equal(t, []string{b.ID, a.ID}, ids(got), "server order wins once confirmed")
	for _, m := range got {
		assert.Equal(t, model.StatusSent, m.Status)
	}
	assert.Empty(t, s.Notifications(), "own messages never notify")
}

func TestInboundMessagesNotify(t *testing.T) {
	s, _, _ := newTestStore(t, "alice", config.Store{})
	_, err := s.CreateChannel(model.Channel{ID: "quiet", Type: model.ChannelGroup, Participants: []string{"bob"},
		Settings: model.ChannelSettings{Muted: true, AllowReactions: true}})
	require.NoError(t, err)
	_, err = s.CreateChannel(model.Channel{ID: "open", Type: model.ChannelGroup, Participants: []string{"bob"}})
	require.NoError(t, err)
	require.NoError(t, s.SetActiveChannel("open"))

	s.handleInbound(inboundMessage(t, model.Message{ID: "1", ChannelID: "open", AuthorID: "bob", Content: "visible"}))
	assert.Empty(t, s.Notifications(), "active channel")

	s.handleInbound(inboundMessage(t, model.Message{ID: "2", ChannelID: "quiet", AuthorID: "bob", Content: "muted"}))
	assert.Empty(t, s.Notifications(), "muted channel")

	s.handleInbound(inboundMessage(t, model.Message{ID: "3", ChannelID: "elsewhere", AuthorID: "bob", Content: "hello"}))
	s.handleInbound(inboundMessage(t, model.Message{ID: "4", ChannelID: "open", AuthorID: "bob",
		Content: "@alice look", Mentions: []string{"alice"}}))

	notes := s.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, model.NotifyMessage, notes[0].Type)
	assert.Equal(t, "3", notes[0].MessageID)
	assert.Equal(t, model.NotifyMention, notes[1].Type)
	assert.Equal(t, model.PriorityHigh, notes[1].Priority)

	// Duplicate delivery of the same message is ignored.
	s.handleInbound(inboundMessage(t, model.Message{ID: "3", ChannelID: "elsewhere", AuthorID: "bob", Content: "hello"}))
	assert.Len(t, s.Messages("elsewhere"), 1)
	assert.Len(t, s.Notifications(), 2)
}

func TestSearch(t *testing.T) {
	s, _, mock := newTestStore(t, "alice", config.Store{})
	_, err := s.SendMessage("ch1", "Deploy finished")
	require.NoError(t, err)
	mock.Add(time.Second)
	_, err = s.SendMessage("ch2", "deploy started")
	require.NoError(t, err)
	mock.Add(time.Second)
	_, err = s.SendMessage("ch2", "#deploy tag only", WithAttachments(model.Attachment{Name: "deploy.log"}))
	require.NoError(t, err)
	_, err = s.SendMessage("ch1", "unrelated")
	require.NoError(t, err)

	assert.Len(t, s.Search("DEPLOY", "ch1"), 1)
	all := s.Search("deploy", "")
	require.Len(t, all, 3)
	assert.Equal(t, "Deploy finished", all[0].Content)
	assert.Nil(t, s.Search("", ""))
	assert.Empty(t, s.Search("  ", ""))
	assert.Empty(t, s.Search("finished ", ""), "whitespace is part of the query")
	assert.Empty(t, s.Search("log", ""), "attachments are not searched")

	// Same timestamp in different channels: id decides.
	_, err = s.SendMessage("ch3", "tie")
	require.NoError(t, err)
	_, err = s.SendMessage("ch4", "tie")
	require.NoError(t, err)
	ties := s.Search("tie", "")
	require.Len(t, ties, 2)
	assert.Less(t, ties[0].ID, ties[1].ID)
	for i := 0; i < 5; i++ {
		assert.Equal(t, ties, s.Search("tie", ""))
	}
}
