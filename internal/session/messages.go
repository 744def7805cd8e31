package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/store"
	"github.com/bloodbridge/chat-client/internal/transport"
)

// SendMessage sends content to the active chat. The message appears in the
// log right away as a provisional entry and is replaced by the stored
// message once the remote store confirms it; on failure the provisional
// entry is removed. Content that is empty after trimming, or a missing
// active chat, make SendMessage a no-op returning the zero Message.
func (m *Manager) SendMessage(ctx context.Context, content string) (chat.Message, error) {
	text, err := chat.ValidateContent(content)
	if errors.Is(err, chat.ErrEmptyContent) {
		return chat.Message{}, nil
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("session: send message: %w", err)
	}

	var (
		opErr   error
		skip    bool
		gen     uint64
		chatID  string
		localID string
		user    string
		cred    string
	)
	if err := m.call(func() {
		switch {
		case !m.started:
			opErr = ErrNotStarted
			return
		case m.activeID == "":
			skip = true
			return
		case m.state != transport.Connected:
			opErr = ErrNotConnected
			return
		}
		gen, chatID, user, cred = m.gen, m.activeID, m.identity.ID, m.credential
		localID = "local-" + uuid.NewString()
		m.log, _ = m.log.Append(chat.Message{
			ID:          localID,
			ChatID:      chatID,
			Sender:      m.identity,
			Content:     text,
			CreatedAt:   m.now(),
			Provisional: true,
		})
		m.changed()
	}); err != nil {
		return chat.Message{}, err
	}
	if opErr != nil || skip {
		return chat.Message{}, opErr
	}

	msg, err := m.st.SendMessage(store.WithCaller(ctx, user, cred), chatID, text)
	if err == nil {
		msg.Provisional = false
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
	}

	if callErr := m.call(func() { m.confirmSend(gen, chatID, localID, msg, err) }); callErr != nil {
		return chat.Message{}, callErr
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("session: send message: %w", err)
	}
	return msg, nil
}

// confirmSend settles the provisional entry localID. A push echo of msg may
// already be in the log; Replace then drops the provisional entry instead of
// adding a second copy.
func (m *Manager) confirmSend(gen uint64, chatID, localID string, msg chat.Message, err error) {
	if gen != m.gen {
		return
	}
	if err != nil {
		m.logger.Warn("send failed", zap.String("chat_id", chatID), zap.Error(err))
		m.log = m.log.Remove(localID)
		m.changed()
		m.checkAuth(err)
		return
	}

	if m.activeID == chatID {
		if m.log.Contains(localID) {
			m.log = m.log.Replace(localID, msg)
		} else {
			// The log was refetched meanwhile and may or may not hold msg.
			m.log, _ = m.log.Append(msg)
		}
		m.changed()
	}
	if i := m.chatIndex(chatID); i >= 0 {
		m.updateChat(i, func(c chat.Chat) chat.Chat { return c.WithMessage(msg, "") })
	}
}
