package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/bloodbridge/chat-client/internal/auth"
	"github.com/bloodbridge/chat-client/internal/logging"
	"github.com/bloodbridge/chat-client/internal/metrics"
	"github.com/bloodbridge/chat-client/internal/protocol"
)

// WSConfig holds tunable parameters for the WebSocket transport.
type WSConfig struct {
	URL               string        // gateway endpoint, e.g. "wss://chat.example.org/ws"
	ReconnectWait     time.Duration // fixed delay between reconnect attempts
	MaxReconnects     int           // attempts after a drop before giving up
	DialTimeout       time.Duration // timeout for dial plus upgrade handshake
	WriteTimeout      time.Duration // timeout for a single outbound frame
	HeartbeatInterval time.Duration // how often to ping the gateway
	HeartbeatTimeout  time.Duration // grace on top of the interval before the link counts as dead
}

// DefaultWSConfig returns a WSConfig with sensible production defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:               "ws://localhost:8080/ws",
		ReconnectWait:     2 * time.Second,
		MaxReconnects:     5,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// WS is a Transport over a single WebSocket connection built on gobwas/ws.
// Every frame is one JSON envelope (see package protocol). The credential is
// presented as a bearer token on the upgrade request; a 401 or 403 answer is
// reported as auth.ErrUnauthorized and never retried.
type WS struct {
	config   WSConfig
	logger   *zap.Logger
	handlers *Registry

	opMu sync.Mutex // serializes Connect and Disconnect

	mu     sync.Mutex
	state  State
	cred   string
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{} // closed when the run goroutine exits

	writeMu sync.Mutex // serializes frames written to conn
}

var _ Transport = (*WS)(nil)

// NewWS creates a disconnected WebSocket transport.
func NewWS(config WSConfig, logger *zap.Logger) *WS {
	return &WS{
		config:   config,
		logger:   logging.OrNop(logger).Named("transport.ws"),
		handlers: NewRegistry(),
	}
}

// Connect starts the connection loop for credential.
func (t *WS) Connect(credential string) error {
	if credential == "" {
		return fmt.Errorf("transport: connect: %w: empty credential", auth.ErrUnauthorized)
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	running := t.done != nil && !isClosed(t.done)
	same := t.cred == credential
	t.mu.Unlock()
	if running && same {
		return nil
	}

	// A different credential replaces the current link; handlers stay.
	t.stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.cred = credential
	t.cancel = cancel
	t.done = done
	t.state = Connecting
	t.mu.Unlock()
	publishState(Connecting)

	go t.run(ctx, credential, done)
	return nil
}

// Disconnect removes every handler and closes the connection.
func (t *WS) Disconnect() {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.handlers.Clear()
	t.stop()
}

// On registers a handler for event.
func (t *WS) On(event string, h Handler) Subscription {
	return t.handlers.On(event, h)
}

// Off removes handlers for event.
func (t *WS) Off(event string, subs ...Subscription) {
	t.handlers.Off(event, subs...)
}

// State returns the current connectivity state.
func (t *WS) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Emit writes event to the gateway. Events emitted while not connected, and
// events whose payload cannot be encoded, are dropped and logged.
func (t *WS) Emit(event string, payload any) {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if state != Connected || conn == nil {
		metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
		t.logger.Debug("emit dropped while not connected",
			zap.String("event", event), zap.Stringer("state", state))
		return
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
		t.logger.Warn("emit encode failed", zap.String("event", event), zap.Error(err))
		return
	}

	if err := t.write(conn, ws.OpText, data); err != nil {
		metrics.EventsTotal.WithLabelValues("dropped", event).Inc()
		t.logger.Warn("emit write failed", zap.String("event", event), zap.Error(err))
		// The read loop notices the broken link and starts reconnecting.
		_ = conn.Close()
		return
	}
	metrics.EventsTotal.WithLabelValues("out", event).Inc()
}

// stop cancels the run goroutine, closes the link and waits for the
// goroutine to exit. Handlers are left untouched.
func (t *WS) stop() {
	t.mu.Lock()
	cancel, conn, done := t.cancel, t.conn, t.done
	t.cancel, t.conn, t.done = nil, nil, nil
	t.state = Disconnected
	if cancel != nil {
		// Cancel under the lock so the run goroutine cannot attach a
		// freshly dialed connection after this point.
		cancel()
	}
	t.mu.Unlock()
	publishState(Disconnected)

	if conn != nil {
		_ = t.write(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// run dials, reads until the link breaks, and redials with a fixed delay
// until MaxReconnects consecutive attempts failed or ctx is cancelled.
func (t *WS) run(ctx context.Context, credential string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		conn, err := t.dial(ctx, credential)
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				_ = conn.Close()
			}
			return
		case errors.Is(err, auth.ErrUnauthorized):
			t.logger.Warn("gateway rejected credential", zap.Error(err))
			t.setState(ctx, Disconnected)
			t.handlers.Dispatch(EventConnectError, err)
			return
		case err != nil:
			t.logger.Warn("gateway dial failed", zap.Int("attempt", attempt), zap.Error(err))
			t.handlers.Dispatch(EventConnectError, err)
		default:
			if !t.attach(ctx, conn) {
				_ = conn.Close()
				return
			}
			attempt = 0
			t.logger.Info("connected to gateway", zap.String("url", t.config.URL))
			t.handlers.Dispatch(EventConnect, nil)

			reason := t.readLoop(conn)
			if !t.detach(ctx, conn) {
				return
			}
			t.logger.Warn("gateway connection lost", zap.String("reason", reason))
			t.handlers.Dispatch(EventDisconnect, reason)
		}

		if attempt >= t.config.MaxReconnects {
			t.setState(ctx, Disconnected)
			t.handlers.Dispatch(EventConnectError, ErrReconnectExhausted)
			return
		}
		attempt++

		timer := time.NewTimer(t.config.ReconnectWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !t.setState(ctx, Connecting) {
			return
		}
		metrics.ReconnectsTotal.Inc()
		t.handlers.Dispatch(EventReconnecting, attempt)
	}
}

// dial performs the WebSocket handshake with the bearer credential.
func (t *WS) dial(ctx context.Context, credential string) (net.Conn, error) {
	dialer := ws.Dialer{
		Timeout: t.config.DialTimeout,
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + credential},
		}),
	}

	conn, br, _, err := dialer.Dial(ctx, t.config.URL)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			return nil, fmt.Errorf("transport: %w: gateway answered %d", auth.ErrUnauthorized, int(status))
		}
		return nil, fmt.Errorf("transport: dial %s: %w", t.config.URL, err)
	}
	if br != nil {
		// The gateway sent frames right behind the handshake response.
		conn = &bufferedConn{Conn: conn, br: br}
	}
	return conn, nil
}

// attach publishes conn as the live connection unless ctx was cancelled.
func (t *WS) attach(ctx context.Context, conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	t.conn = conn
	t.state = Connected
	publishState(Connected)
	return true
}

// detach forgets conn after the read loop ended. It reports false when the
// transport was stopped meanwhile, in which case nothing must be dispatched.
func (t *WS) detach(ctx context.Context, conn net.Conn) bool {
	_ = conn.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if t.conn == conn {
		t.conn = nil
	}
	t.state = Disconnected
	publishState(Disconnected)
	return true
}

// setState updates the state unless ctx was cancelled.
func (t *WS) setState(ctx context.Context, s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	t.state = s
	publishState(s)
	return true
}

// readLoop reads frames until the link fails and returns the reason. Every
// frame, control or data, extends the read deadline, so a silent gateway is
// detected within the heartbeat window.
func (t *WS) readLoop(conn net.Conn) string {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.heartbeat(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	control := func(hdr ws.Header, r io.Reader) error {
		return t.handleControl(conn, hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	window := t.config.HeartbeatInterval + t.config.HeartbeatTimeout

	for {
		if window > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(window))
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return err.Error()
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err.Error()
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return err.Error()
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return err.Error()
		}
		t.dispatchFrame(data)
	}
}

// dispatchFrame decodes one envelope and hands its payload to the handlers.
// Malformed frames are logged and dropped.
func (t *WS) dispatchFrame(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("malformed", "").Inc()
		t.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if isConnectivityEvent(env.Event) {
		metrics.EventsTotal.WithLabelValues("malformed", env.Event).Inc()
		t.logger.Warn("dropping gateway frame with reserved event name", zap.String("event", env.Event))
		return
	}
	metrics.EventsTotal.WithLabelValues("in", env.Event).Inc()
	t.handlers.Dispatch(env.Event, env.Data)
}

func (t *WS) write(conn net.Conn, op ws.OpCode, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteClientMessage(conn, op, data)
}

// handleControl answers a control frame from the gateway. Pings get a pong,
// a close frame is echoed and ends the read loop.
func (t *WS) handleControl(conn net.Conn, hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		return t.write(conn, ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = t.write(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// bufferedConn reads through the handshake reader first.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
