// Package session implements the chat session manager: the single owner of
// the client's view of chats, the active chat's message log, typing state
// and connectivity.
//
// All state lives on one event-loop goroutine. Public operations and
// transport callbacks never touch it directly; they enqueue closures that the
// loop runs one at a time, in arrival order. Remote store calls run on the
// caller's goroutine between two loop tasks, so an inbound event can
// interleave with an in-flight fetch but never with a state mutation.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bloodbridge/chat-client/internal/chat"
	"github.com/bloodbridge/chat-client/internal/logging"
	"github.com/bloodbridge/chat-client/internal/store"
	"github.com/bloodbridge/chat-client/internal/transport"
)

var (
	// ErrNotStarted is returned by operations that need a running session.
	ErrNotStarted = errors.New("session: not started")

	// ErrNotConnected is returned by SendMessage while the transport is not
	// connected.
	ErrNotConnected = errors.New("session: not connected")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: manager closed")
)

// Config holds session timing parameters.
type Config struct {
	TypingQuiescence  time.Duration // idle time after which local typing stops on its own
	RemoteTypingTTL   time.Duration // lifetime of a remote typing entry without refresh
	ResyncOnReconnect bool          // reload the chat list after every reconnect
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TypingQuiescence:  3 * time.Second,
		RemoteTypingTTL:   5 * time.Second,
		ResyncOnReconnect: true,
	}
}

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Manager coordinates a Transport and a RemoteStore for one user at a time.
type Manager struct {
	tr     transport.Transport
	st     store.RemoteStore
	config Config
	logger *zap.Logger

	after afterFunc
	now   func() time.Time

	// event loop
	qmu     sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	closing sync.Once

	updates chan struct{}
	last    atomic.Pointer[Snapshot]
	loads   singleflight.Group
	bg      sync.WaitGroup

	// Everything below is owned by the loop goroutine.
	dirty      bool
	started    bool
	gen        uint64 // bumped on every start and teardown
	identity   chat.Identity
	credential string
	state      transport.State
	connected  bool // at least one connect event seen in this session
	err        error

	chats    []chat.Chat
	activeID string
	log      chat.Log
	selSeq   uint64

	typing       map[string]chat.Typist
	remoteTimers map[string]timer
	remoteSeq    uint64

	localTyping bool
	localTimer  timer
	typingSeq   uint64
}

type timer struct {
	stop  func() bool
	token uint64
}

func (t timer) cancel() {
	if t.stop != nil {
		t.stop()
	}
}

// New creates a Manager and starts its event loop. Call Close to release it.
func New(tr transport.Transport, st store.RemoteStore, config Config, logger *zap.Logger) *Manager {
	defaults := DefaultConfig()
	if config.TypingQuiescence <= 0 {
		config.TypingQuiescence = defaults.TypingQuiescence
	}
	if config.RemoteTypingTTL <= 0 {
		config.RemoteTypingTTL = defaults.RemoteTypingTTL
	}

	m := &Manager{
		tr:           tr,
		st:           st,
		config:       config,
		logger:       logging.OrNop(logger).Named("session"),
		after:        realAfterFunc,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		updates:      make(chan struct{}, 1),
		typing:       map[string]chat.Typist{},
		remoteTimers: map[string]timer{},
	}
	m.last.Store(&Snapshot{State: transport.Disconnected})
	go m.run()
	return m
}

// Updates returns a channel that receives a value after state changes.
// Notifications coalesce; read Snapshot after each one.
func (m *Manager) Updates() <-chan struct{} {
	return m.updates
}

// Close stops the session and terminates the event loop. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.closing.Do(func() {
		_ = m.Stop()

		m.qmu.Lock()
		m.closed = true
		m.qmu.Unlock()
		close(m.quit)
		<-m.done
		m.bg.Wait()
	})
	return nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.drain()
			return
		case <-m.wake:
		}
		for {
			task, ok := m.dequeue()
			if !ok {
				break
			}
			task()
			m.publish()
		}
	}
}

// drain runs whatever was queued before Close so no caller of call is left
// waiting.
func (m *Manager) drain() {
	for {
		task, ok := m.dequeue()
		if !ok {
			return
		}
		task()
	}
}

func (m *Manager) dequeue() (func(), bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	task := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return task, true
}

// enqueue schedules task on the loop. It never blocks, so transport
// handlers may call it. It reports false once the manager is closed.
func (m *Manager) enqueue(task func()) bool {
	m.qmu.Lock()
	if m.closed {
		m.qmu.Unlock()
		return false
	}
	m.queue = append(m.queue, task)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it. It must not be used from the
// loop goroutine.
func (m *Manager) call(fn func()) error {
	ran := make(chan struct{})
	if !m.enqueue(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// spawn runs fn on a tracked goroutine. Only the loop calls it.
func (m *Manager) spawn(fn func()) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn()
	}()
}

// changed marks the state as modified; the loop publishes a new snapshot
// after the current task.
func (m *Manager) changed() {
	m.dirty = true
}

func (m *Manager) publish() {
	if !m.dirty {
		return
	}
	m.dirty = false
	s := m.snapshot()
	m.last.Store(&s)
	select {
	case m.updates <- struct{}{}:
	default:
	}
}
