package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnreadFor(t *testing.T) {
	c := Chat{ID: "c1", Unread: map[string]int{"u1": 2}}

	assert.Equal(t, 2, c.UnreadFor("u1"))
	assert.Equal(t, 0, c.UnreadFor("u2"))
	assert.Equal(t, 0, Chat{}.UnreadFor("u1"))
}

func TestPartner(t *testing.T) {
	c := Chat{Participants: []Identity{{ID: "u1", Name: "Ada"}, {ID: "u2", Name: "Bo"}}}

	p, ok := c.Partner("u1")
	assert.True(t, ok)
	assert.Equal(t, "u2", p.ID)
	assert.True(t, c.IsParticipant("u2"))
	assert.False(t, c.IsParticipant("u3"))
}

func TestWithMessageCopiesUnreadMap(t *testing.T) {
	orig := Chat{ID: "c1", Unread: map[string]int{"u1": 1}}
	m := Message{ID: "m1", Content: "need O-", CreatedAt: time.Unix(10, 0)}

	got := orig.WithMessage(m, "u1")

	assert.Equal(t, 2, got.UnreadFor("u1"))
	assert.Equal(t, 1, orig.UnreadFor("u1"))
	assert.Equal(t, "need O-", got.LastMessage.Content)
	assert.Nil(t, orig.LastMessage)
}

func TestWithMessageWithoutReader(t *testing.T) {
	orig := Chat{ID: "c1"}

	got := orig.WithMessage(Message{Content: "mine"}, "")

	assert.Equal(t, 0, got.UnreadFor("u1"))
	assert.Equal(t, "mine", got.LastMessage.Content)
}
