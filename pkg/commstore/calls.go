package commstore

import (
	"github.com/pkg/errors"

	"github.com/mahaj/commlayer/pkg/model"
)

// InitiateCall starts a ringing call in channelID with the current user as
// its only participant. A channel holds at most one non-terminal call.
func (s *Store) InitiateCall(channelID string, t model.CallType) (model.Call, error) {
	if !t.Valid() {
		return model.Call{}, errors.Errorf("invalid call type %q", t)
	}
	var ev after
	s.mu.Lock()
	if c, ok := s.channels[channelID]; ok && !c.HasParticipant(s.me) {
		s.mu.Unlock()
		return model.Call{}, errors.Wrap(ErrNotParticipant, channelID)
	}
	if id, busy := s.activeCalls[channelID]; busy {
		s.mu.Unlock()
		return model.Call{}, errors.Wrapf(ErrCallInProgress, "call %s in %s", id, channelID)
	}
	now := s.clock.Now()
	call := &model.Call{
		ID:          s.nextID(),
		ChannelID:   channelID,
		Type:        t,
		InitiatorID: s.me,
		Participants: []model.CallParticipant{{
			UserID:       s.me,
			JoinedAt:     now,
			AudioEnabled: true,
			VideoEnabled: t == model.CallVideo,
		}},
		Status:    model.CallRinging,
		StartedAt: now,
	}
	s.calls[call.ID] = call
	s.activeCalls[channelID] = call.ID
	s.currentCall = call.ID
	s.changed(&ev, ChangeCall, call.ID, channelID)
	s.sendEvent(&ev, model.EventCallInitiated, channelID, call.Clone())
	out := call.Clone()
	s.mu.Unlock()
	ev.run()
	return out, nil
}

// AnswerCall joins the current user to a ringing or active call.
func (s *Store) AnswerCall(callID string) error {
	return s.transition(callID, model.CallActive, model.EventCallAnswered, func(c *model.Call) {
		if c.Participant(s.me) == nil {
			c.Participants = append(c.Participants, model.CallParticipant{
				UserID:       s.me,
				JoinedAt:     s.clock.Now(),
				AudioEnabled: true,
				VideoEnabled: c.Type == model.CallVideo,
			})
		}
		s.currentCall = c.ID
	})
}

// DeclineCall ends a ringing call without a duration.
func (s *Store) DeclineCall(callID string) error {
	return s.transition(callID, model.CallDeclined, model.EventCallDeclined, nil)
}

// EndCall ends a call and records its duration.
func (s *Store) EndCall(callID string) error {
	return s.transition(callID, model.CallEnded, model.EventCallEnded, nil)
}

// MarkCallMissed is called by whatever times out unanswered calls.
func (s *Store) MarkCallMissed(callID string) error {
	return s.transition(callID, model.CallMissed, model.EventCallMissed, nil)
}

func (s *Store) transition(callID string, to model.CallStatus, event string, mutate func(*model.Call)) error {
	var ev after
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(ErrCallNotFound, callID)
	}
	if !c.Status.CanTransition(to) {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "call %s: %s -> %s", callID, c.Status, to)
	}
	if mutate != nil {
		mutate(c)
	}
	s.setCallStatusLocked(c, to)
	s.changed(&ev, ChangeCall, c.ID, c.ChannelID)
	s.sendEvent(&ev, event, c.ChannelID, c.Clone())
	s.mu.Unlock()
	ev.run()
	return nil
}

func (s *Store) setCallStatusLocked(c *model.Call, to model.CallStatus) {
	c.Status = to
	if !to.Terminal() {
		return
	}
	now := s.clock.Now()
	c.EndedAt = &now
	if to == model.CallEnded {
		d := now.Sub(c.StartedAt)
		c.Duration = &d
	}
	if s.activeCalls[c.ChannelID] == c.ID {
		delete(s.activeCalls, c.ChannelID)
	}
	if s.currentCall == c.ID {
		s.currentCall = ""
	}
}

// ToggleAudio flips the current user's microphone in callID and returns
// the new state.
func (s *Store) ToggleAudio(callID string) (bool, error) {
	return s.toggleMedia(callID, func(p *model.CallParticipant) bool {
		p.AudioEnabled = !p.AudioEnabled
		return p.AudioEnabled
	})
}

func (s *Store) ToggleVideo(callID string) (bool, error) {
	return s.toggleMedia(callID, func(p *model.CallParticipant) bool {
		p.VideoEnabled = !p.VideoEnabled
		return p.VideoEnabled
	})
}

func (s *Store) ToggleScreenShare(callID string) (bool, error) {
	return s.toggleMedia(callID, func(p *model.CallParticipant) bool {
		p.ScreenSharing = !p.ScreenSharing
		return p.ScreenSharing
	})
}

func (s *Store) toggleMedia(callID string, flip func(*model.CallParticipant) bool) (bool, error) {
	var ev after
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return false, errors.Wrap(ErrCallNotFound, callID)
	}
	if c.Status.Terminal() {
		s.mu.Unlock()
		return false, errors.Wrapf(ErrInvalidTransition, "call %s is %s", callID, c.Status)
	}
	p := c.Participant(s.me)
	if p == nil {
		s.mu.Unlock()
		return false, errors.Wrap(ErrNotParticipant, callID)
	}
	on := flip(p)
	s.changed(&ev, ChangeCall, c.ID, c.ChannelID)
	s.sendEvent(&ev, model.EventCallMedia, c.ChannelID, model.CallMedia{
		CallID:        c.ID,
		UserID:        s.me,
		AudioEnabled:  p.AudioEnabled,
		VideoEnabled:  p.VideoEnabled,
		ScreenSharing: p.ScreenSharing,
	})
	s.mu.Unlock()
	ev.run()
	return on, nil
}

func (s *Store) Call(id string) (model.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return model.Call{}, false
	}
	return c.Clone(), true
}

// ActiveCall returns the non-terminal call of channelID.
func (s *Store) ActiveCall(channelID string) (model.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeCalls[channelID]
	if !ok {
		return model.Call{}, false
	}
	return s.calls[id].Clone(), true
}

// CurrentCall returns the call the current user started or answered.
func (s *Store) CurrentCall() (model.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentCall == "" {
		return model.Call{}, false
	}
	return s.calls[s.currentCall].Clone(), true
}
