// Package transport owns the persistent duplex connection to the chat
// gateway. A Transport connects with a credential, delivers inbound named
// events to registered handlers, emits outbound events fire-and-forget and
// reconnects on its own after an unexpected drop.
//
// Connectivity changes are delivered as events too, so callers observe them
// through the same subscription interface as gateway events:
//
//	connect        nil
//	disconnect     string (reason)
//	reconnecting   int (attempt number, starting at 1)
//	connect_error  error (wraps auth.ErrUnauthorized when the credential
//	               was rejected; ErrReconnectExhausted once retries ran out)
//
// Gateway events carry their payload as json.RawMessage.
package transport

import (
	"errors"

	"github.com/bloodbridge/chat-client/internal/metrics"
)

// Connectivity event names.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventReconnecting = "reconnecting"
	EventConnectError = "connect_error"
)

// ErrReconnectExhausted is reported through connect_error when the bounded
// reconnect policy gave up.
var ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

// State is the connectivity state of a transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Transport is the connection contract the session manager depends on.
type Transport interface {
	// Connect starts connecting with credential and returns immediately.
	// Calling it again with the same credential while a connection is up or
	// being established is a no-op. Connection failures are reported through
	// connect_error, never returned.
	Connect(credential string) error

	// Disconnect tears the connection down and discards every registered
	// handler. No handler runs after Disconnect returns. It is safe to call
	// on a disconnected transport.
	Disconnect()

	// On registers h for event and returns a token for Off.
	On(event string, h Handler) Subscription

	// Off removes the given subscriptions of event, or every handler of
	// event when no subscription is given.
	Off(event string, subs ...Subscription)

	// Emit sends event with payload. It is silently dropped when the
	// transport is not connected.
	Emit(event string, payload any)

	// State returns the current connectivity state.
	State() State
}

// isConnectivityEvent reports whether name is reserved for connectivity
// changes and therefore must not be accepted from the gateway.
func isConnectivityEvent(name string) bool {
	switch name {
	case EventConnect, EventDisconnect, EventReconnecting, EventConnectError:
		return true
	}
	return false
}

func publishState(s State) {
	metrics.ConnectivityState.Set(float64(s))
}
