package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/mahaj/commlayer/pkg/commstore"
	"github.com/mahaj/commlayer/pkg/model"
)

var errUsage = errors.New("usage")

// session turns terminal lines into store commands and prints what the
// store tells it.
type session struct {
	store *commstore.Store
	now   func() time.Time

	mu  sync.Mutex
	out io.Writer
}

// newSession returns a session without a store so the store can be built
// with the session's notifier. Set store before calling exec.
func newSession(out io.Writer) *session {
	return &session{out: out, now: time.Now}
}

func (s *session) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// watch prints messages from other users arriving in the active channel.
func (s *session) watch() (unsubscribe func()) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	return s.store.Changes().Subscribe(func(c commstore.Change) {
		if c.Kind != commstore.ChangeMessage || c.ChannelID != s.store.ActiveChannel() {
			return
		}
		m, ok := s.store.Message(c.ID)
		if !ok || m.AuthorID == s.store.CurrentUserID() {
			return
		}
		mu.Lock()
		dup := seen[m.ID]
		seen[m.ID] = true
		mu.Unlock()
		if !dup {
			s.printf("%s: %s\n", m.AuthorID, m.Content)
		}
	})
}

// exec runs one input line. It reports true when the user asked to quit.
func (s *session) exec(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.say(line)
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/join":
		if len(args) != 1 {
			return false, errors.Wrap(errUsage, "/join <channel>")
		}
		return false, s.join(args[0])
	case "/dm":
		if len(args) != 1 {
			return false, errors.Wrap(errUsage, "/dm <user>")
		}
		return false, s.direct(args[0])
	case "/react":
		if len(args) != 2 {
			return false, errors.Wrap(errUsage, "/react <message id> <emoji>")
		}
		added, err := s.store.ReactToMessage(args[0], args[1])
		if err == nil && !added {
			s.printf("removed %s\n", args[1])
		}
		return false, err
	case "/status":
		if len(args) == 0 {
			return false, errors.Wrap(errUsage, "/status <online|away|busy> [activity]")
		}
		return false, s.store.UpdateUserStatus(model.UserStatus(args[0]), strings.Join(args[1:], " "))
	case "/call":
		return false, s.call(args)
	case "/answer":
		c, ok := s.store.ActiveCall(s.store.ActiveChannel())
		if !ok {
			return false, commstore.ErrCallNotFound
		}
		return false, s.store.AnswerCall(c.ID)
	case "/hangup":
		c, ok := s.store.CurrentCall()
		if !ok {
			return false, commstore.ErrCallNotFound
		}
		if err := s.store.EndCall(c.ID); err != nil {
			return false, err
		}
		if c, ok = s.store.Call(c.ID); ok && c.Duration != nil {
			s.printf("call ended after %s\n", strings.TrimSpace(humanize.RelTime(c.StartedAt, c.StartedAt.Add(*c.Duration), "", "")))
		}
		return false, nil
	case "/who":
		s.who()
		return false, nil
	case "/history":
		s.history()
		return false, nil
	case "/read":
		n := s.store.MarkChannelRead(s.store.ActiveChannel())
		s.printf("marked %d read\n", n)
		return false, nil
	case "/notifications":
		for _, n := range s.store.Notifications() {
			s.printf("%s %s: %s\n", humanize.Time(n.CreatedAt), n.Title, n.Message)
		}
		return false, nil
	}
	return false, errors.Errorf("unknown command %s", cmd)
}

func (s *session) say(text string) error {
	ch := s.store.ActiveChannel()
	if ch == "" {
		return errors.New("join a channel first")
	}
	_, err := s.store.SendMessage(ch, text)
	return err
}

// join selects channelID, creating it as a public channel when it is not
// known yet.
func (s *session) join(channelID string) error {
	c, ok := s.store.Channel(channelID)
	switch {
	case !ok:
		if _, err := s.store.CreateChannel(model.Channel{ID: channelID, Name: channelID, Type: model.ChannelPublic}); err != nil {
			return err
		}
	case !c.HasParticipant(s.store.CurrentUserID()):
		if err := s.store.JoinChannel(channelID); err != nil {
			return err
		}
	}
	return s.store.SetActiveChannel(channelID)
}

func (s *session) direct(userID string) error {
	me := s.store.CurrentUserID()
	id := model.DirectChannelID(me, userID)
	if _, ok := s.store.Channel(id); !ok {
		_, err := s.store.CreateChannel(model.Channel{
			ID:           id,
			Type:         model.ChannelDirect,
			Participants: []string{me, userID},
		})
		if err != nil {
			return err
		}
	}
	return s.store.SetActiveChannel(id)
}

func (s *session) call(args []string) error {
	t := model.CallAudio
	if len(args) > 0 {
		t = model.CallType(args[0])
	}
	c, err := s.store.InitiateCall(s.store.ActiveChannel(), t)
	if err != nil {
		return err
	}
	s.printf("calling (%s) %s\n", c.Type, c.ID)
	return nil
}

func (s *session) who() {
	for _, u := range s.store.Users() {
		line := fmt.Sprintf("%-12s %-8s last seen %s", u.ID, u.Status, humanize.RelTime(u.LastSeen, s.now(), "ago", "from now"))
		if u.CurrentActivity != "" {
			line += " (" + u.CurrentActivity + ")"
		}
		s.printf("%s\n", line)
	}
	if typing := s.store.TypingUsers(s.store.ActiveChannel()); len(typing) > 0 {
		s.printf("typing: %s\n", strings.Join(typing, ", "))
	}
}

func (s *session) history() {
	for _, m := range s.store.Messages(s.store.ActiveChannel()) {
		marker := ""
		if m.Status == model.StatusFailed {
			marker = " [failed]"
		}
		s.printf("%s %s %s: %s%s\n", m.ID, m.CreatedAt.Format("15:04"), m.AuthorID, m.Content, marker)
	}
}

// terminalNotifier prints notifications inline.
type terminalNotifier struct {
	s       *session
	enabled bool
}

func (n terminalNotifier) Granted() bool { return n.enabled }

func (n terminalNotifier) Notify(x model.Notification) error {
	n.s.printf("[%s] %s: %s\n", x.Type, x.Title, x.Message)
	return nil
}
