package session

import (
	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/transport"
)

// Snapshot is a read-only view of the session. Its slices and maps are
// shared with the manager and later snapshots; they are never modified
// after publication, and callers must not modify them either.
type Snapshot struct {
	Identity     chat.Identity
	Started      bool
	State        transport.State
	Chats        []chat.Chat
	ActiveChatID string
	Messages     []chat.Message
	Typing       map[string]chat.Typist // chat ID -> remote typist
	Err          error                  // last fatal or background error
}

// Chat returns the chat with the given ID.
func (s Snapshot) Chat(id string) (chat.Chat, bool) {
	for _, c := range s.Chats {
		if c.ID == id {
			return c, true
		}
	}
	return chat.Chat{}, false
}

// UnreadCount returns the current user's unread counter for chatID.
func (s Snapshot) UnreadCount(chatID string) int {
	c, ok := s.Chat(chatID)
	if !ok {
		return 0
	}
	return c.UnreadFor(s.Identity.ID)
}

// TotalUnread sums the current user's unread counters over all chats.
func (s Snapshot) TotalUnread() int {
	total := 0
	for _, c := range s.Chats {
		total += c.UnreadFor(s.Identity.ID)
	}
	return total
}

// Typist returns who is typing in the active chat, if anyone.
func (s Snapshot) Typist() (chat.Typist, bool) {
	t, ok := s.Typing[s.ActiveChatID]
	return t, ok && s.ActiveChatID != ""
}

func (m *Manager) snapshot() Snapshot {
	return Snapshot{
		Identity:     m.identity,
		Started:      m.started,
		State:        m.state,
		Chats:        m.chats,
		ActiveChatID: m.activeID,
		Messages:     m.log.Messages(),
		Typing:       m.typing,
		Err:          m.err,
	}
}

// Snapshot returns the current state. After Close it returns the last state
// published.
func (m *Manager) Snapshot() Snapshot {
	var s Snapshot
	if err := m.call(func() { s = m.snapshot() }); err != nil {
		return *m.last.Load()
	}
	return s
}

// UnreadCount returns the current user's unread counter for chatID, or 0.
func (m *Manager) UnreadCount(chatID string) int {
	return m.Snapshot().UnreadCount(chatID)
}

// TotalUnread sums the current user's unread counters over all known chats.
func (m *Manager) TotalUnread() int {
	return m.Snapshot().TotalUnread()
}
