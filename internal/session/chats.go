package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/metrics"
	"github.com/bloodbridge/chat-client/internal/protocol"
	"github.com/bloodbridge/chat-client/internal/store"
)

// LoadChats fetches the chat list for the current user and replaces the
// local collection with it. Concurrent calls share one request. On failure
// the local collection is emptied and the error returned.
func (m *Manager) LoadChats(ctx context.Context) error {
	var (
		started  bool
		gen      uint64
		identity chat.Identity
		cred     string
	)
	if err := m.call(func() {
		started, gen, identity, cred = m.started, m.gen, m.identity, m.credential
	}); err != nil {
		return err
	}
	if !started {
		return ErrNotStarted
	}

	// The shared request must outlive any single caller's cancellation.
	shared := store.WithCaller(context.WithoutCancel(ctx), identity.ID, cred)
	ch := m.loads.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		chats, err := m.st.ListChats(shared, identity)
		if callErr := m.call(func() { m.applyChats(gen, chats, err) }); callErr != nil {
			return nil, callErr
		}
		if err != nil {
			return nil, fmt.Errorf("session: load chats: %w", err)
		}
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) applyChats(gen uint64, chats []chat.Chat, err error) {
	if gen != m.gen {
		return
	}
	if err != nil {
		m.logger.Warn("loading chats failed", zap.Error(err))
		m.chats = []chat.Chat{}
		m.changed()
		m.checkAuth(err)
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	m.chats = chats
	m.changed()
}

func (m *Manager) chatIndex(id string) int {
	return slices.IndexFunc(m.chats, func(c chat.Chat) bool { return c.ID == id })
}

// updateChat replaces the chat at i with fn's result without touching the
// slice held by earlier snapshots.
func (m *Manager) updateChat(i int, fn func(chat.Chat) chat.Chat) {
	chats := slices.Clone(m.chats)
	chats[i] = fn(chats[i])
	m.chats = chats
	m.changed()
}

func (m *Manager) onNewMessage(payload any) {
	msg, err := decodeMessage(payload)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("malformed", protocol.EventNewMessage).Inc()
		m.logger.Warn("ignoring malformed new_message", zap.Error(err))
		return
	}

	if m.activeID != "" && msg.ChatID == m.activeID {
		log, added := m.log.Append(msg)
		if added {
			m.log = log
			m.changed()
		} else {
			metrics.DuplicateMessages.Inc()
			m.logger.Debug("duplicate message suppressed", zap.String("message_id", msg.ID))
		}
	}

	if inv, ok := m.st.(store.Invalidator); ok {
		chatID, user, cred := msg.ChatID, m.identity.ID, m.credential
		m.spawn(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			inv.Invalidate(store.WithCaller(ctx, user, cred), chatID)
		})
	}

	i := m.chatIndex(msg.ChatID)
	if i < 0 {
		m.logger.Debug("message for unknown chat", zap.String("chat_id", msg.ChatID))
		return
	}
	reader := m.identity.ID
	if msg.Sender.ID == m.identity.ID {
		reader = ""
	}
	m.updateChat(i, func(c chat.Chat) chat.Chat { return c.WithMessage(msg, reader) })
}

func decodeMessage(payload any) (chat.Message, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return protocol.DecodeNewMessage(p)
	case []byte:
		return protocol.DecodeNewMessage(p)
	case chat.Message:
		if p.ID == "" || p.ChatID == "" || p.Sender.ID == "" {
			return chat.Message{}, fmt.Errorf("%w: incomplete message", protocol.ErrMalformed)
		}
		p.Provisional = false
		return p, nil
	default:
		return chat.Message{}, fmt.Errorf("%w: unexpected payload %T", protocol.ErrMalformed, payload)
	}
}
