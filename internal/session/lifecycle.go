package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/auth"
	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/protocol"
	"github.com/bloodbridge/chat-client/internal/transport"
)

// Start begins a session for identity, authenticating with credential.
// Starting again for the identity that is already running is a no-op; a
// different identity replaces the running session after a full teardown.
// A credential that is a JWT past its expiry is rejected with
// auth.ErrUnauthorized without dialing.
func (m *Manager) Start(identity chat.Identity, credential string) error {
	if identity.ID == "" {
		return fmt.Errorf("session: start: identity has no id")
	}
	if err := auth.CheckExpiry(credential, m.now()); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	var err error
	callErr := m.call(func() {
		if m.started && m.identity.ID == identity.ID {
			return
		}
		if m.started {
			m.logger.Info("switching identity",
				zap.String("from", m.identity.ID), zap.String("to", identity.ID))
			m.teardown()
		}

		m.gen++
		m.started = true
		m.identity = identity
		m.credential = credential
		m.err = nil
		m.connected = false
		m.state = transport.Connecting
		m.changed()

		m.subscribe(m.gen)
		if err = m.tr.Connect(credential); err != nil {
			m.teardown()
			err = fmt.Errorf("session: start: %w", err)
			return
		}
		m.logger.Info("session started", zap.String("user_id", identity.ID))
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Stop ends the session: it leaves the active room, disconnects the
// transport and clears all local state. No event handler effect is applied
// after Stop returns. Stopping a session that is not running is a no-op.
func (m *Manager) Stop() error {
	return m.call(func() {
		if !m.started {
			return
		}
		if m.state == transport.Connected && m.activeID != "" {
			if m.localTyping {
				m.emitTyping(m.activeID, false)
			}
			m.tr.Emit(protocol.EventLeaveChat, m.activeID)
		}
		m.teardown()
		m.logger.Info("session stopped")
	})
}

// subscribe registers the manager's handlers. Each handler only enqueues;
// work tagged with an older generation is dropped on the loop.
func (m *Manager) subscribe(gen uint64) {
	on := func(event string, fn func(payload any)) {
		m.tr.On(event, func(payload any) {
			m.enqueue(func() {
				if gen != m.gen {
					return
				}
				fn(payload)
			})
		})
	}
	on(transport.EventConnect, func(any) { m.onConnect() })
	on(transport.EventDisconnect, m.onDisconnect)
	on(transport.EventReconnecting, m.onReconnecting)
	on(transport.EventConnectError, m.onConnectError)
	on(protocol.EventNewMessage, m.onNewMessage)
	on(protocol.EventUserTyping, m.onUserTyping)
}

// teardown disconnects the transport and resets every piece of session
// state. Disconnect discards the handlers; bumping gen voids anything they
// already queued.
func (m *Manager) teardown() {
	m.gen++
	m.tr.Disconnect()

	m.localTimer.cancel()
	m.localTimer = timer{}
	m.localTyping = false
	m.typingSeq++
	for _, t := range m.remoteTimers {
		t.cancel()
	}
	m.remoteTimers = map[string]timer{}
	m.typing = map[string]chat.Typist{}

	m.started = false
	m.identity = chat.Identity{}
	m.credential = ""
	m.state = transport.Disconnected
	m.connected = false
	m.chats = nil
	m.activeID = ""
	m.log = chat.NewLog()
	m.selSeq++
	m.changed()
}

// fail tears the session down after a fatal error and keeps the error for
// the snapshot.
func (m *Manager) fail(err error) {
	m.logger.Error("session terminated", zap.Error(err))
	m.teardown()
	m.err = err
}

// checkAuth ends the session when err is an authentication failure.
func (m *Manager) checkAuth(err error) {
	if errors.Is(err, auth.ErrUnauthorized) && m.started {
		m.fail(err)
	}
}

func (m *Manager) onConnect() {
	reconnect := m.connected
	m.connected = true
	m.state = transport.Connected
	m.changed()
	m.logger.Info("connected", zap.Bool("reconnect", reconnect))

	// Room membership is not restored by the transport.
	if m.activeID != "" {
		m.tr.Emit(protocol.EventJoinChat, m.activeID)
	}
	if reconnect && m.config.ResyncOnReconnect {
		m.spawn(m.resync)
	}
}

func (m *Manager) onDisconnect(payload any) {
	reason, _ := payload.(string)
	m.logger.Warn("disconnected", zap.String("reason", reason))
	m.state = transport.Disconnected
	m.cancelLocalTyping()
	m.changed()
}

func (m *Manager) onReconnecting(payload any) {
	attempt, _ := payload.(int)
	m.logger.Info("reconnecting", zap.Int("attempt", attempt))
	m.state = transport.Connecting
	m.changed()
}

func (m *Manager) onConnectError(payload any) {
	err, ok := payload.(error)
	if !ok {
		err = fmt.Errorf("session: connect error: %v", payload)
	}
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		m.fail(err)
	case errors.Is(err, transport.ErrReconnectExhausted):
		m.logger.Error("gave up reconnecting", zap.Error(err))
		m.state = transport.Disconnected
		m.err = err
		m.changed()
	default:
		m.logger.Warn("connect attempt failed", zap.Error(err))
	}
}

// resync reloads the chat list so unread counters missed while offline are
// picked up from the store.
func (m *Manager) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := m.LoadChats(ctx)
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrNotStarted) {
		return
	}
	m.logger.Warn("chat resync failed", zap.Error(err))
	_ = m.call(func() {
		if m.started {
			m.err = err
			m.changed()
		}
	})
}
