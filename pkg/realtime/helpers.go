package realtime

import (
	"github.com/mahaj/commlayer/pkg/model"
)

// SendEvent wraps data in a named event envelope addressed to channelID.
func (m *Manager) SendEvent(name, channelID string, data interface{}) Outcome {
	env, err := model.NewEvent(name, data)
	if err != nil {
		m.errs.Publish(ErrorEvent{Kind: ErrorSend, Err: err})
		return Dropped
	}
	return m.Send(env.For(m.cfg.UserID, channelID))
}

// SendTyping announces that the local user started or stopped typing.
func (m *Manager) SendTyping(channelID string, typing bool) Outcome {
	name := model.EventTypingStop
	if typing {
		name = model.EventTypingStart
	}
	return m.SendEvent(name, channelID, model.TypingIndicator{
		UserID:    m.cfg.UserID,
		ChannelID: channelID,
		StartedAt: m.clock.Now(),
	})
}

func (m *Manager) UpdatePresence(status model.UserStatus, activity string) Outcome {
	return m.SendEvent(model.EventPresenceUpdate, "", model.Presence{
		UserID:          m.cfg.UserID,
		Status:          status,
		LastSeen:        m.clock.Now(),
		CurrentActivity: activity,
	})
}

// SendCallSignal relays opaque call negotiation data for callID.
func (m *Manager) SendCallSignal(channelID, callID, signal string, data []byte) Outcome {
	return m.SendEvent(model.EventCallSignal, channelID, model.CallSignal{
		CallID: callID,
		Signal: signal,
		Data:   data,
	})
}
