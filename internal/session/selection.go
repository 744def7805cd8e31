package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/metrics"
	"github.com/bloodbridge/chat-client/internal/protocol"
	"github.com/bloodbridge/chat-client/internal/store"
	"github.com/bloodbridge/chat-client/internal/transport"
)

// SelectChat makes chatID the active chat, or clears the selection when
// chatID is empty. When connected it leaves the previous room before joining
// the new one. The history of the new chat is then fetched; if another
// selection happened in the meantime the result is discarded and SelectChat
// returns nil.
func (m *Manager) SelectChat(ctx context.Context, chatID string) error {
	var (
		started bool
		gen     uint64
		seq     uint64
		user    string
		cred    string
	)
	if err := m.call(func() {
		if started = m.started; !started {
			return
		}
		m.switchRoom(chatID)
		gen, seq, user, cred = m.gen, m.selSeq, m.identity.ID, m.credential
	}); err != nil {
		return err
	}
	if !started {
		return ErrNotStarted
	}
	if chatID == "" {
		return nil
	}

	msgs, err := m.st.ListMessages(store.WithCaller(ctx, user, cred), chatID)

	var stale bool
	if callErr := m.call(func() {
		if gen != m.gen || seq != m.selSeq {
			stale = true
			metrics.StaleFetches.Inc()
			m.logger.Debug("discarding stale history", zap.String("chat_id", chatID))
			return
		}
		if err != nil {
			m.logger.Warn("loading history failed", zap.String("chat_id", chatID), zap.Error(err))
			m.log = chat.NewLog()
			m.changed()
			m.checkAuth(err)
			return
		}
		// Live messages that arrived while the fetch was in flight stay.
		m.log = m.log.Merge(msgs)
		m.changed()
	}); callErr != nil {
		return callErr
	}
	if stale || err == nil {
		return nil
	}
	return fmt.Errorf("session: select chat %s: %w", chatID, err)
}

// switchRoom runs the leave/join protocol and resets per-chat state. Room
// events are only emitted while connected; onConnect rejoins later.
func (m *Manager) switchRoom(chatID string) {
	prev := m.activeID
	connected := m.state == transport.Connected
	switching := prev != chatID

	if prev != "" && connected {
		if m.localTyping {
			m.emitTyping(prev, false)
		}
		if switching {
			m.tr.Emit(protocol.EventLeaveChat, prev)
		}
	}
	m.cancelLocalTyping()

	if switching {
		m.activeID = chatID
		m.log = chat.NewLog()
		m.clearRemoteTyping(prev)
	}
	m.selSeq++
	m.changed()

	if switching && chatID != "" && connected {
		m.tr.Emit(protocol.EventJoinChat, chatID)
	}
}
