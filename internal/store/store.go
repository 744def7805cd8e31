// Package store is the client side of the chat REST API: the durable source
// of chat summaries and message history, and the endpoint that persists sent
// messages.
package store

import (
	"context"
	"errors"

	"github.com/bloodbridge/chat-client/internal/chat"
)

// ErrNotFound is returned when the API does not know the requested chat.
var ErrNotFound = errors.New("store: not found")

// RemoteStore is the request/response surface the session manager depends
// on. Implementations bound their own round-trip time.
type RemoteStore interface {
	// ListChats returns the chat summaries user takes part in.
	ListChats(ctx context.Context, user chat.Identity) ([]chat.Chat, error)

	// ListMessages returns the message history of chatID, oldest first.
	ListMessages(ctx context.Context, chatID string) ([]chat.Message, error)

	// SendMessage persists content in chatID and returns the stored message
	// with its server-assigned id and timestamp.
	SendMessage(ctx context.Context, chatID, content string) (chat.Message, error)
}

// Invalidator is implemented by stores that keep a local copy of history and
// must forget it when the chat changes behind their back. ctx carries the
// same user and credential as the store calls of the session.
type Invalidator interface {
	Invalidate(ctx context.Context, chatID string)
}

type (
	credentialKey struct{}
	userKey       struct{}
)

// WithCredential returns a context carrying the bearer credential for store
// calls made with it.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey{}, credential)
}

// CredentialFrom returns the credential stored by WithCredential.
func CredentialFrom(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(credentialKey{}).(string)
	return c, ok && c != ""
}

// WithUser returns a context naming the user on whose behalf store calls
// made with it run.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user id stored by WithUser.
func UserFrom(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey{}).(string)
	return u, ok && u != ""
}

// WithCaller sets both the user and the credential of ctx.
func WithCaller(ctx context.Context, userID, credential string) context.Context {
	return WithUser(WithCredential(ctx, credential), userID)
}
