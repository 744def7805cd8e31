// Package chat holds the client-side model of donor/recipient conversations:
// participants, chat summaries, messages and typing state.
package chat

import "time"

// Identity is a user as seen by the chat feature.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LastMessage summarises the most recent message of a chat.
type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chat is a two-party conversation summary as returned by the remote store.
// Unread maps participant ID to that participant's unread message count.
type Chat struct {
	ID           string         `json:"id"`
	Participants []Identity     `json:"participants"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty"`
	Unread       map[string]int `json:"unreadCount,omitempty"`
}

// UnreadFor returns the unread count recorded for userID, or 0.
func (c Chat) UnreadFor(userID string) int {
	return c.Unread[userID]
}

// IsParticipant reports whether userID takes part in the chat.
func (c Chat) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Partner returns the participant that is not userID.
func (c Chat) Partner(userID string) (Identity, bool) {
	for _, p := range c.Participants {
		if p.ID != userID {
			return p, true
		}
	}
	return Identity{}, false
}

// WithMessage returns a copy of c whose last-message summary is m. When
// reader is non-empty, the reader's unread counter is incremented as well.
// The receiver's unread map is never modified.
func (c Chat) WithMessage(m Message, reader string) Chat {
	out := c
	out.LastMessage = &LastMessage{Content: m.Content, CreatedAt: m.CreatedAt}
	if reader != "" {
		unread := make(map[string]int, len(c.Unread)+1)
		for k, v := range c.Unread {
			unread[k] = v
		}
		unread[reader]++
		out.Unread = unread
	}
	return out
}

// Message is a single chat message. Provisional marks an optimistic local
// insert that the remote store has not confirmed yet; it never goes over
// the wire.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	Sender      Identity  `json:"sender"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	IsRead      bool      `json:"isRead"`
	IsHidden    bool      `json:"isHidden"`
	Provisional bool      `json:"-"`
}

// Typist is the remembered "other party is typing" entry of a chat.
type Typist struct {
	UserID   string
	UserName string
}
