package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/protocol"
	"github.com/bloodbridge/chat-client/internal/store"
	"github.com/bloodbridge/chat-client/internal/transport"
)

var (
	alice = chat.Identity{ID: "u1", Name: "Alice"}
	bob   = chat.Identity{ID: "u2", Name: "Bob"}
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

const aliceToken = "opaque-token-alice"

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

type emission struct {
	event   string
	payload any
}

// fakeTransport is an in-memory Transport. Handlers run synchronously on the
// goroutine that fires an event.
type fakeTransport struct {
	reg *transport.Registry

	mu          sync.Mutex
	state       transport.State
	cred        string
	autoConnect bool
	connects    int
	disconnects int
	emitted     []emission
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reg: transport.NewRegistry(), autoConnect: true}
}

func (f *fakeTransport) Connect(credential string) error {
	if credential == "" {
		return fmt.Errorf("fake: empty credential")
	}
	f.mu.Lock()
	if f.state != transport.Disconnected && f.cred == credential {
		f.mu.Unlock()
		return nil
	}
	f.connects++
	f.cred = credential
	f.state = transport.Connecting
	auto := f.autoConnect
	f.mu.Unlock()

	if auto {
		f.connect()
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.reg.Clear()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = transport.Disconnected
	f.cred = ""
}

func (f *fakeTransport) On(event string, h transport.Handler) transport.Subscription {
	return f.reg.On(event, h)
}

func (f *fakeTransport) Off(event string, subs ...transport.Subscription) {
	f.reg.Off(event, subs...)
}

func (f *fakeTransport) Emit(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.Connected {
		return
	}
	f.emitted = append(f.emitted, emission{event: event, payload: payload})
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// connect completes a pending connection attempt.
func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.state = transport.Connected
	f.mu.Unlock()
	f.reg.Dispatch(transport.EventConnect, nil)
}

// drop simulates an unexpected loss of the link followed by a retry.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.state = transport.Connecting
	f.mu.Unlock()
	f.reg.Dispatch(transport.EventDisconnect, "read: connection reset by peer")
	f.reg.Dispatch(transport.EventReconnecting, 1)
}

func (f *fakeTransport) fire(event string, payload any) {
	f.reg.Dispatch(event, payload)
}

func (f *fakeTransport) emissions() []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.emitted)
}

func (f *fakeTransport) resetEmissions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = nil
}

func (f *fakeTransport) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func join(chatID string) emission  { return emission{protocol.EventJoinChat, chatID} }
func leave(chatID string) emission { return emission{protocol.EventLeaveChat, chatID} }
func typing(chatID string, on bool) emission {
	return emission{protocol.EventTyping, protocol.TypingMsg{ChatID: chatID, IsTyping: on}}
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// fakeStore is an in-memory RemoteStore. Calls can be held at a gate until
// the test releases them.
type fakeStore struct {
	mu         sync.Mutex
	chats      []chat.Chat
	chatsErr   error
	history    map[string][]chat.Message
	historyErr map[string]error
	sendErr    error
	sender     chat.Identity
	nextID     int
	chatCalls  int
	sent       []string
	creds      []string
	users      []string
	gates      map[string]chan struct{}
	entered    chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats: []chat.Chat{
			{ID: "c1", Participants: []chat.Identity{alice, bob}, Unread: map[string]int{"u1": 2}},
			{ID: "c2", Participants: []chat.Identity{alice, bob}},
		},
		history: map[string][]chat.Message{
			"c1": {{ID: "m0", ChatID: "c1", Sender: bob, Content: "hi", CreatedAt: t0}},
			"c2": {{ID: "m5", ChatID: "c2", Sender: bob, Content: "other", CreatedAt: t0}},
		},
		historyErr: map[string]error{},
		sender:     alice,
		gates:      map[string]chan struct{}{},
		entered:    make(chan string, 16),
	}
}

// hold makes calls for key block until the returned function is called.
// Keys are "chats", "send" and "history:<chatID>".
func (s *fakeStore) hold(key string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[key] = ch
	s.mu.Unlock()
	return sync.OnceFunc(func() {
		s.mu.Lock()
		delete(s.gates, key)
		s.mu.Unlock()
		close(ch)
	})
}

func (s *fakeStore) gate(ctx context.Context, key string) {
	s.mu.Lock()
	g := s.gates[key]
	if cred, ok := store.CredentialFrom(ctx); ok {
		s.creds = append(s.creds, cred)
	}
	if user, ok := store.UserFrom(ctx); ok {
		s.users = append(s.users, user)
	}
	s.mu.Unlock()
	if g != nil {
		s.entered <- key
		<-g
	}
}

func (s *fakeStore) waitEntered(t *testing.T, key string) {
	t.Helper()
	select {
	case got := <-s.entered:
		require.Equal(t, key, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("store call %q never started", key)
	}
}

func (s *fakeStore) ListChats(ctx context.Context, _ chat.Identity) ([]chat.Chat, error) {
	s.gate(ctx, "chats")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatCalls++
	if s.chatsErr != nil {
		return nil, s.chatsErr
	}
	return slices.Clone(s.chats), nil
}

func (s *fakeStore) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	s.gate(ctx, "history:"+chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.historyErr[chatID]; err != nil {
		return nil, err
	}
	return slices.Clone(s.history[chatID]), nil
}

func (s *fakeStore) SendMessage(ctx context.Context, chatID, content string) (chat.Message, error) {
	s.gate(ctx, "send")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, content)
	if s.sendErr != nil {
		return chat.Message{}, s.sendErr
	}
	s.nextID++
	return chat.Message{
		ID:        fmt.Sprintf("m%d", s.nextID),
		ChatID:    chatID,
		Sender:    s.sender,
		Content:   content,
		CreatedAt: t0.Add(time.Duration(s.nextID) * time.Second),
	}, nil
}

func (s *fakeStore) set(fn func(s *fakeStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeStore) chatCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCalls
}

func (s *fakeStore) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type invalidation struct {
	chatID string
	user   string
	cred   string
}

// invalidatingStore is a fakeStore that also drops cached history, recording
// each chat it was asked to forget and the caller that asked.
type invalidatingStore struct {
	*fakeStore

	imu           sync.Mutex
	invalidations []invalidation
}

func (s *invalidatingStore) Invalidate(ctx context.Context, chatID string) {
	user, _ := store.UserFrom(ctx)
	cred, _ := store.CredentialFrom(ctx)
	s.imu.Lock()
	defer s.imu.Unlock()
	s.invalidations = append(s.invalidations, invalidation{chatID: chatID, user: user, cred: cred})
}

func (s *invalidatingStore) invalidated() []invalidation {
	s.imu.Lock()
	defer s.imu.Unlock()
	return slices.Clone(s.invalidations)
}

var _ store.Invalidator = (*invalidatingStore)(nil)

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// fakeClock drives the manager's timers by hand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	m     *Manager
	tr    *fakeTransport
	st    *fakeStore
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{tr: newFakeTransport(), st: newFakeStore(), clock: newFakeClock()}
	h.m = New(h.tr, h.st, DefaultConfig(), zaptest.NewLogger(t))
	h.m.after = h.clock.AfterFunc
	h.m.now = h.clock.Now
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

// started returns a harness with alice's session connected and chats loaded.
func started(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.m.Start(alice, aliceToken))
	require.NoError(t, h.m.LoadChats(context.Background()))
	require.Equal(t, transport.Connected, h.m.Snapshot().State)
	return h
}

func (h *harness) selectChat(t *testing.T, chatID string) {
	t.Helper()
	require.NoError(t, h.m.SelectChat(context.Background(), chatID))
}

func pushed(id, chatID string, sender chat.Identity, content string) chat.Message {
	return chat.Message{ID: id, ChatID: chatID, Sender: sender, Content: content, CreatedAt: t0.Add(time.Minute)}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
