package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		ok       bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusFailed, StatusSending, true},
		{StatusSending, StatusRead, false},
		{StatusSent, StatusFailed, false},
		{StatusRead, StatusSent, false},
		{StatusFailed, StatusSent, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestMessageStatusAtLeast(t *testing.T) {
	assert.True(t, StatusRead.AtLeast(StatusSent))
	assert.True(t, StatusSent.AtLeast(StatusSent))
	assert.False(t, StatusSending.AtLeast(StatusSent))
	assert.False(t, StatusFailed.AtLeast(StatusSending))
	assert.True(t, StatusFailed.AtLeast(StatusFailed))
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		Name     string
		Input    string
		Expected []string
	}{
		{Name: "none", Input: "hello there", Expected: nil},
		{Name: "single", Input: "hey @alice", Expected: []string{"alice"}},
		{Name: "order kept", Input: "@bob and @alice", Expected: []string{"bob", "alice"}},
		{Name: "duplicates collapsed", Input: "@bob @bob", Expected: []string{"bob"}},
		{Name: "email-like", Input: "mail me at x@corp", Expected: []string{"corp"}},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			assert.Equal(t, tt.Expected, ExtractMentions(tt.Input))
		})
	}
}

func TestExtractHashtagsAndLinks(t *testing.T) {
	text := "release #v2 is out https://example.com/notes and #v2 again http://x.io"
	assert.Equal(t, []string{"v2"}, ExtractHashtags(text))
	assert.Equal(t, []string{"https://example.com/notes", "http://x.io"}, ExtractLinks(text))
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := Message{ID: "m1", Reactions: []Reaction{{UserID: "u1", Emoji: "👍"}}, Mentions: []string{"a"}}
	c := m.Clone()
	c.Reactions[0].Emoji = "🎉"
	c.Mentions[0] = "b"
	assert.Equal(t, "👍", m.Reactions[0].Emoji)
	assert.Equal(t, "a", m.Mentions[0])
	assert.Equal(t, 0, c.ReactionIndex("u1", "🎉"))
	assert.Equal(t, -1, c.ReactionIndex("u2", "🎉"))
}

func TestChannelValidate(t *testing.T) {
	c := Channel{ID: "c1", Type: ChannelGroup, Participants: []string{"u1", "u2"}, Admins: []string{"u1"}, CreatedBy: "u1"}
	require.NoError(t, c.Validate())

	c.Admins = append(c.Admins, "u3")
	require.Error(t, c.Validate())

	c.Admins = []string{"u1"}
	c.CreatedBy = "u9"
	require.Error(t, c.Validate())

	d := Channel{ID: "d1", Type: ChannelDirect, Participants: []string{"u1"}}
	require.Error(t, d.Validate())

	bad := Channel{ID: "x", Type: "room"}
	require.Error(t, bad.Validate())
}

func TestChannelRemoveParticipantDropsAdmin(t *testing.T) {
	c := Channel{ID: "c1", Type: ChannelGroup, Participants: []string{"u1", "u2"}, Admins: []string{"u1", "u2"}}
	assert.True(t, c.RemoveParticipant("u2"))
	assert.False(t, c.RemoveParticipant("u2"))
	assert.Equal(t, []string{"u1"}, c.Participants)
	assert.Equal(t, []string{"u1"}, c.Admins)
	require.NoError(t, c.Validate())
}

func TestCallStatusTransitions(t *testing.T) {
	assert.True(t, CallRinging.CanTransition(CallActive))
	assert.True(t, CallRinging.CanTransition(CallDeclined))
	assert.True(t, CallRinging.CanTransition(CallMissed))
	assert.True(t, CallActive.CanTransition(CallEnded))
	assert.False(t, CallActive.CanTransition(CallDeclined))
	assert.False(t, CallEnded.CanTransition(CallActive))
	assert.True(t, CallMissed.Terminal())
	assert.False(t, CallActive.Terminal())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindAuth, AuthRequest{Token: "tok", UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)

	other := MustEnvelope(KindPing, nil)
	assert.NotEqual(t, env.ID, other.ID)

	raw, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"auth"`)

	back, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	var req AuthRequest
	require.NoError(t, back.Decode(&req))
	assert.Equal(t, "u1", req.UserID)

	_, err = DecodeEnvelope([]byte(`{"id":"1","type":"bogus"}`))
	require.Error(t, err)
	require.Error(t, other.Decode(&req))
}

func TestDirectChannelIDs(t *testing.T) {
	id := DirectChannelID("bob", "alice")
	assert.Equal(t, "dm:alice:bob", id)
	assert.Equal(t, id, DirectChannelID("alice", "bob"))

	a, b, ok := DirectParticipants(id)
	require.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	for _, bad := range []string{"general", "dm:alice", "dm::bob", "dm:a:b:c", "team:a:b"} {
		assert.False(t, IsDirectChannelID(bad), bad)
	}
}
