package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/auth"
	"github.com/bloodbridge/chat-client/internal/logging"
	"github.com/bloodbridge/chat-client/internal/metrics"
)

// NATSConfig holds NATS connection settings for the gateway bridge.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	SubjectPrefix string        // root of the gateway subjects, e.g. "chat"
	ClientID      string        // subject token for this client; defaults to the user id in the credential
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // attempts after a drop before giving up
	DialTimeout   time.Duration
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-client",
		SubjectPrefix: "chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: 5,
		DialTimeout:   10 * time.Second,
	}
}

// NATS is a Transport that talks to a gateway bridged onto NATS subjects.
// The gateway publishes events for a client on
//
//	<prefix>.out.<client>.<event>
//
// and reads the client's events from <prefix>.in.<client>.<event>. Payloads
// are the bare JSON event data; the event name travels in the subject. The
// credential is presented as the NATS connection token.
type NATS struct {
	config   NATSConfig
	logger   *zap.Logger
	handlers *Registry

	opMu sync.Mutex // serializes Connect and Disconnect

	mu      sync.Mutex
	state   State
	cred    string
	client  string
	nc      *nats.Conn
	sub     *nats.Subscription
	gen     uint64 // bumped whenever the current connection is abandoned
	attempt int
}

var _ Transport = (*NATS)(nil)

// NewNATS creates a disconnected NATS transport.
func NewNATS(config NATSConfig, logger *zap.Logger) *NATS {
	return &NATS{
		config:   config,
		logger:   logging.OrNop(logger).Named("transport.nats"),
		handlers: NewRegistry(),
	}
}

// Connect starts connecting with credential. The library keeps retrying in
// the background; progress is reported through the connectivity events.
func (t *NATS) Connect(credential string) error {
	if credential == "" {
		return fmt.Errorf("transport: connect: %w: empty credential", auth.ErrUnauthorized)
	}
	client := t.config.ClientID
	if client == "" {
		id, err := auth.IdentityFromToken(credential)
		if err != nil {
			return fmt.Errorf("transport: connect: no client id: %w", err)
		}
		client = id.ID
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	running := t.nc != nil && !t.nc.IsClosed() && t.state != Disconnected
	same := t.cred == credential
	t.mu.Unlock()
	if running && same {
		return nil
	}

	t.stop()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.cred = credential
	t.client = client
	t.attempt = 0
	t.state = Connecting
	t.mu.Unlock()
	publishState(Connecting)

	opts := []nats.Option{
		nats.Name(t.config.Name),
		nats.Token(credential),
		nats.Timeout(t.config.DialTimeout),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.NoCallbacksAfterClientClose(),
		nats.ConnectHandler(func(*nats.Conn) { t.onConnect(gen) }),
		nats.ReconnectHandler(func(*nats.Conn) { t.onConnect(gen) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { t.onDisconnect(gen, err) }),
		nats.ReconnectErrHandler(func(_ *nats.Conn, err error) { t.onAttemptFailed(gen, err) }),
		nats.ClosedHandler(func(*nats.Conn) { t.onClosed(gen) }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if isAuthError(err) {
				t.onAuthFailed(gen, err)
				return
			}
			t.logger.Warn("async error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		t.mu.Lock()
		t.gen++
		t.state = Disconnected
		t.mu.Unlock()
		publishState(Disconnected)
		if isAuthError(err) {
			err = fmt.Errorf("transport: %w: %v", auth.ErrUnauthorized, err)
		} else {
			err = fmt.Errorf("transport: nats connect: %w", err)
		}
		t.logger.Warn("nats connect failed", zap.Error(err))
		t.handlers.Dispatch(EventConnectError, err)
		return nil
	}

	inbound := t.subject("out", client, "*")
	sub, err := nc.Subscribe(inbound, func(msg *nats.Msg) { t.onMsg(gen, msg) })
	if err != nil {
		nc.Close()
		t.mu.Lock()
		t.gen++
		t.state = Disconnected
		t.mu.Unlock()
		publishState(Disconnected)
		return fmt.Errorf("transport: nats subscribe %s: %w", inbound, err)
	}

	// The connection may already have been given up from a callback, e.g. a
	// rejected credential on the first attempt.
	if !t.current(gen, func() { t.nc, t.sub = nc, sub }) {
		_ = sub.Unsubscribe()
		nc.Close()
	}
	return nil
}

// Disconnect removes every handler and closes the NATS connection.
func (t *NATS) Disconnect() {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.handlers.Clear()
	t.stop()
}

// On registers a handler for event.
func (t *NATS) On(event string, h Handler) Subscription {
	return t.handlers.On(event, h)
}

// Off removes handlers for event.
func (t *NATS) Off(event string, subs ...Subscription) {
	t.handlers.Off(event, subs...)
}

// State returns the current connectivity state.
func (t *NATS) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Emit publishes event to the gateway. It is dropped unless connected.
func (t *NATS) Emit(event string, payload any) {
	t.mu.Lock()
	nc, state, client := t.nc, t.state, t.client
	t.mu.Unlock()

	if state != Connected || nc == nil {
		metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
		t.logger.Debug("emit dropped while not connected",
			zap.String("event", event), zap.Stringer("state", state))
		return
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
			t.logger.Warn("emit encode failed", zap.String("event", event), zap.Error(err))
			return
		}
	}
	if err := nc.Publish(t.subject("in", client, event), data); err != nil {
		metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
		t.logger.Warn("emit publish failed", zap.String("event", event), zap.Error(err))
		return
	}
	metrics.EventsTotal.WithLabelValues("out", event).Inc()
}

func (t *NATS) subject(direction, client, event string) string {
	return strings.Join([]string{t.config.SubjectPrefix, direction, client, event}, ".")
}

// stop abandons the current connection. Callbacks still queued for it see a
// stale generation and do nothing.
func (t *NATS) stop() {
	t.mu.Lock()
	t.gen++
	nc, sub := t.nc, t.sub
	t.nc, t.sub = nil, nil
	t.state = Disconnected
	t.mu.Unlock()
	publishState(Disconnected)

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
}

// current runs fn under the lock when gen still names the live connection.
func (t *NATS) current(gen uint64, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return false
	}
	fn()
	return true
}

func (t *NATS) onConnect(gen uint64) {
	ok := t.current(gen, func() {
		t.state = Connected
		t.attempt = 0
	})
	if !ok {
		return
	}
	publishState(Connected)
	t.logger.Info("connected to nats", zap.String("url", t.config.URL))
	t.handlers.Dispatch(EventConnect, nil)
}

func (t *NATS) onDisconnect(gen uint64, err error) {
	var wasConnected, retry bool
	var attempt int
	ok := t.current(gen, func() {
		wasConnected = t.state == Connected
		if !wasConnected {
			return
		}
		retry = t.config.MaxReconnects > 0
		t.state = Disconnected
		if retry {
			t.state = Connecting
			t.attempt = 1
			attempt = t.attempt
		}
	})
	if !ok || !wasConnected {
		return
	}

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	t.logger.Warn("nats connection lost", zap.String("reason", reason))
	if retry {
		publishState(Connecting)
	} else {
		publishState(Disconnected)
	}
	t.handlers.Dispatch(EventDisconnect, reason)
	if retry {
		metrics.ReconnectsTotal.Inc()
		t.handlers.Dispatch(EventReconnecting, attempt)
	}
}

// onAttemptFailed runs after each failed connect or reconnect attempt. A
// rejected credential ends the connection instead of being retried.
func (t *NATS) onAttemptFailed(gen uint64, err error) {
	if isAuthError(err) {
		t.onAuthFailed(gen, err)
		return
	}
	var next int
	ok := t.current(gen, func() {
		if t.attempt < t.config.MaxReconnects {
			t.attempt++
			next = t.attempt
		}
	})
	if !ok {
		return
	}
	t.logger.Warn("nats reconnect attempt failed", zap.Error(err))
	t.handlers.Dispatch(EventConnectError, fmt.Errorf("transport: nats reconnect: %w", err))
	if next > 0 {
		metrics.ReconnectsTotal.Inc()
		t.handlers.Dispatch(EventReconnecting, next)
	}
}

func (t *NATS) onClosed(gen uint64) {
	ok := t.current(gen, func() {
		t.gen++
		t.state = Disconnected
	})
	if !ok {
		return
	}
	publishState(Disconnected)
	t.handlers.Dispatch(EventConnectError, ErrReconnectExhausted)
}

// onAuthFailed ends the connection for good; a rejected credential is never
// retried.
func (t *NATS) onAuthFailed(gen uint64, err error) {
	var nc *nats.Conn
	ok := t.current(gen, func() {
		t.gen++
		t.state = Disconnected
		nc = t.nc
	})
	if !ok {
		return
	}
	publishState(Disconnected)
	t.logger.Warn("nats rejected credential", zap.Error(err))
	t.handlers.Dispatch(EventConnectError, fmt.Errorf("transport: %w: %v", auth.ErrUnauthorized, err))
	if nc != nil {
		// Close from a fresh goroutine; this runs on the library's callback
		// goroutine.
		go nc.Close()
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		errors.Is(err, nats.ErrAuthRevoked)
}

func (t *NATS) onMsg(gen uint64, msg *nats.Msg) {
	event := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	if isConnectivityEvent(event) {
		metrics.EventsTotal.WithLabelValues("malformed", event).Inc()
		t.logger.Warn("dropping gateway message with reserved event name", zap.String("event", event))
		return
	}
	if !t.current(gen, func() {}) {
		return
	}
	metrics.EventsTotal.WithLabelValues("in", event).Inc()
	t.handlers.Dispatch(event, json.RawMessage(msg.Data))
}
