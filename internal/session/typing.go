package session

import (
	"encoding/json"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/metrics"
	"github.com/bloodbridge/chat-client/internal/protocol"
	"github.com/bloodbridge/chat-client/internal/transport"
)

// SendTyping tells the other participant that the user is typing in the
// active chat and (re)arms the quiescence timer that sends the matching stop
// on its own. It does nothing without an active chat or while not connected.
func (m *Manager) SendTyping() error {
	var opErr error
	if err := m.call(func() {
		if !m.started {
			opErr = ErrNotStarted
			return
		}
		if m.activeID == "" || m.state != transport.Connected {
			return
		}
		m.emitTyping(m.activeID, true)
		m.localTyping = true
		m.armLocalTyping()
	}); err != nil {
		return err
	}
	return opErr
}

// StopTyping tells the other participant that the user stopped typing and
// cancels the quiescence timer.
func (m *Manager) StopTyping() error {
	var opErr error
	if err := m.call(func() {
		if !m.started {
			opErr = ErrNotStarted
			return
		}
		m.stopTyping()
	}); err != nil {
		return err
	}
	return opErr
}

func (m *Manager) stopTyping() {
	m.cancelLocalTyping()
	if m.activeID == "" || m.state != transport.Connected {
		return
	}
	m.emitTyping(m.activeID, false)
}

func (m *Manager) emitTyping(chatID string, typing bool) {
	m.tr.Emit(protocol.EventTyping, protocol.TypingMsg{ChatID: chatID, IsTyping: typing})
}

// armLocalTyping replaces the quiescence timer. The token makes a timer that
// fired just before being replaced a no-op.
func (m *Manager) armLocalTyping() {
	m.localTimer.cancel()
	m.typingSeq++
	token, gen := m.typingSeq, m.gen
	stop := m.after(m.config.TypingQuiescence, func() {
		m.enqueue(func() {
			if gen != m.gen || token != m.typingSeq {
				return
			}
			m.logger.Debug("typing quiesced", zap.String("chat_id", m.activeID))
			m.stopTyping()
		})
	})
	m.localTimer = timer{stop: stop, token: token}
}

func (m *Manager) cancelLocalTyping() {
	m.localTimer.cancel()
	m.localTimer = timer{}
	m.typingSeq++
	m.localTyping = false
}

func (m *Manager) onUserTyping(payload any) {
	ev, err := decodeTyping(payload)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("malformed", protocol.EventUserTyping).Inc()
		m.logger.Warn("ignoring malformed user_typing", zap.Error(err))
		return
	}
	if ev.UserID == m.identity.ID {
		return
	}
	chatID := ev.ChatID
	if chatID == "" {
		// Room-scoped gateways only deliver typing for the joined chat.
		chatID = m.activeID
	}
	if chatID == "" || chatID != m.activeID {
		return
	}

	if !ev.IsTyping {
		m.clearRemoteTyping(chatID)
		return
	}

	typing := maps.Clone(m.typing)
	typing[chatID] = chat.Typist{UserID: ev.UserID, UserName: ev.UserName}
	m.typing = typing
	m.changed()
	m.armRemoteTyping(chatID)
}

// armRemoteTyping expires the typing entry of chatID unless it is refreshed
// within RemoteTypingTTL.
func (m *Manager) armRemoteTyping(chatID string) {
	m.remoteTimers[chatID].cancel()
	m.remoteSeq++
	token, gen := m.remoteSeq, m.gen
	stop := m.after(m.config.RemoteTypingTTL, func() {
		m.enqueue(func() {
			if gen != m.gen || m.remoteTimers[chatID].token != token {
				return
			}
			m.clearRemoteTyping(chatID)
		})
	})
	m.remoteTimers[chatID] = timer{stop: stop, token: token}
}

func (m *Manager) clearRemoteTyping(chatID string) {
	if t, ok := m.remoteTimers[chatID]; ok {
		t.cancel()
		delete(m.remoteTimers, chatID)
	}
	if _, ok := m.typing[chatID]; !ok {
		return
	}
	typing := maps.Clone(m.typing)
	delete(typing, chatID)
	m.typing = typing
	m.changed()
}

func decodeTyping(payload any) (protocol.UserTypingMsg, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return protocol.DecodeUserTyping(p)
	case []byte:
		return protocol.DecodeUserTyping(p)
	case protocol.UserTypingMsg:
		if p.UserID == "" {
			return protocol.UserTypingMsg{}, fmt.Errorf("%w: typing event without user", protocol.ErrMalformed)
		}
		return p, nil
	default:
		return protocol.UserTypingMsg{}, fmt.Errorf("%w: unexpected payload %T", protocol.ErrMalformed, payload)
	}
}
