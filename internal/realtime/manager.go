// Package realtime owns the single presence connection: dialing, the
// connection state machine, keepalive replies, inbound dispatch and
// fixed-interval reconnection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/bookpresence/internal/proto"
)

var log = logging.Logger("realtime")

// DefaultReconnectDelay is the fixed wait before redialing after an abnormal
// closure. There is no backoff growth and no attempt cap.
const DefaultReconnectDelay = 5 * time.Second

var (
	ErrClosed       = errors.New("realtime: manager closed")
	ErrNotConnected = errors.New("realtime: not connected")
)

// State is the connection state.
type State int

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

// StateEvent is delivered to subscribers on every state transition.
type StateEvent struct {
	Old State
	New State
}

// Handler processes one decoded inbound message. Handlers run on the
// connection's read goroutine, one message at a time.
type Handler func(msg proto.Inbound)

// RejoinFunc replays membership after (re)connecting. write sends one frame
// on the new connection and returns once it is written.
type RejoinFunc func(write func(v any) error)

type Options struct {
	URL            string
	Dialer         Dialer        // default: WSDialer{}
	ReconnectDelay time.Duration // default: DefaultReconnectDelay
}

// Manager maintains at most one live connection.
type Manager struct {
	url       string
	dialer    Dialer
	delay     time.Duration
	sessionID string

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	hooksMu      sync.RWMutex
	rejoin       RejoinFunc
	onDisconnect func()

	mu         sync.Mutex
	state      State
	transport  Transport
	closed     bool
	dialCancel context.CancelFunc
	timer      *time.Timer
	timerGen   uint64

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[chan StateEvent]struct{}
}

// New creates a Manager in the Disconnected state. Nothing is dialed until
// Connect is called.
func New(opt Options) *Manager {
	if opt.Dialer == nil {
		opt.Dialer = WSDialer{}
	}
	if opt.ReconnectDelay <= 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	return &Manager{
		url:       opt.URL,
		dialer:    opt.Dialer,
		delay:     opt.ReconnectDelay,
		sessionID: uuid.NewString(),
		handlers:  make(map[string]Handler),
		listeners: make(map[chan StateEvent]struct{}),
	}
}

// Handle registers h for inbound messages of the given type, replacing any
// previous handler. Messages without a handler are dropped.
func (m *Manager) Handle(msgType string, h Handler) {
	m.handlersMu.Lock()
	m.handlers[msgType] = h
	m.handlersMu.Unlock()
}

// SetRejoin installs the hook consulted after every successful connect.
func (m *Manager) SetRejoin(fn RejoinFunc) {
	m.hooksMu.Lock()
	m.rejoin = fn
	m.hooksMu.Unlock()
}

// OnDisconnect installs fn to run whenever a live or pending connection is
// lost, including on Close. It runs on the goroutine that observed the loss,
// before any reconnect can deliver new frames.
func (m *Manager) OnDisconnect(fn func()) {
	m.hooksMu.Lock()
	m.onDisconnect = fn
	m.hooksMu.Unlock()
}

func (m *Manager) URL() string       { return m.url }
func (m *Manager) SessionID() string { return m.sessionID }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts dialing unless a connection is already being made or is
// live. It does not wait for the dial to finish. After Close it returns
// ErrClosed.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.state != Disconnected {
		return nil
	}
	m.stopTimerLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.setStateLocked(Connecting)
	go m.dial(ctx)
	return nil
}

func (m *Manager) dial(ctx context.Context) {
	log.Debugw("dialing", "url", m.url, "session", m.sessionID)
	t, err := m.dialer.Dial(ctx, m.url)
	if err != nil {
		log.Warnw("dial failed", "url", m.url, "error", err)
		m.handleClose(nil, websocket.CloseAbnormalClosure)
		return
	}

	m.mu.Lock()
	if m.closed || m.state != Connecting {
		m.mu.Unlock()
		_ = t.Close(websocket.CloseNormalClosure, "")
		return
	}
	m.transport = t
	m.dialCancel = nil
	m.setStateLocked(Connected)
	m.mu.Unlock()
	log.Infow("connected", "url", m.url, "session", m.sessionID)

	m.hooksMu.RLock()
	rejoin := m.rejoin
	m.hooksMu.RUnlock()
	if rejoin != nil {
		rejoin(func(v any) error { return m.write(t, v) })
	}

	m.readLoop(t)
}

func (m *Manager) readLoop(t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			code := closeCode(err)
			if !m.isCurrent(t) {
				log.Debugw("connection released", "session", m.sessionID)
			} else if code == websocket.CloseAbnormalClosure {
				log.Warnw("connection lost", "session", m.sessionID, "error", err)
			} else {
				log.Infow("connection closed", "session", m.sessionID, "code", code)
			}
			m.handleClose(t, code)
			return
		}
		m.handleFrame(t, data)
	}
}

// handleFrame answers keepalive probes before anything else, then routes the
// message through the dispatch table. Malformed or unknown frames are dropped.
func (m *Manager) handleFrame(t Transport, data []byte) {
	msg, err := proto.Decode(data)
	if err != nil {
		log.Debugw("dropping frame", "error", err)
		return
	}
	if _, ok := msg.(proto.Ping); ok {
		if err := m.write(t, proto.Pong()); err != nil {
			log.Warnw("pong failed", "error", err)
		}
		return
	}

	m.handlersMu.RLock()
	h := m.handlers[msg.MessageType()]
	m.handlersMu.RUnlock()
	if h == nil {
		log.Debugw("no handler", "type", msg.MessageType())
		return
	}
	h(msg)
}

// handleClose moves to Disconnected and, for an abnormal closure, schedules
// one reconnect. t is nil when the dial itself failed. Closures of a
// transport that is no longer current are ignored.
func (m *Manager) handleClose(t Transport, code int) {
	m.mu.Lock()
	if t == nil {
		if m.state != Connecting {
			m.mu.Unlock()
			return
		}
	} else if t != m.transport {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.dialCancel = nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	// The hook runs before the timer is armed so a reconnect cannot
	// deliver frames ahead of it.
	m.runDisconnectHook()

	if !shouldReconnect(code) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != Disconnected || m.timer != nil {
		return
	}
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(m.delay, func() { m.fireReconnect(gen) })
	log.Debugw("reconnect scheduled", "in", m.delay)
}

// isCurrent reports whether t is the live transport of an open manager.
func (m *Manager) isCurrent(t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && t == m.transport
}

func (m *Manager) runDisconnectHook() {
	m.hooksMu.RLock()
	fn := m.onDisconnect
	m.hooksMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if m.timerGen != gen || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if err := m.Connect(); err != nil && !errors.Is(err, ErrClosed) {
		log.Warnw("reconnect failed", "error", err)
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Manager) reconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Send writes v as one JSON frame on the live connection. It is dropped with
// ErrNotConnected unless the state is Connected; nothing is queued.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Connected || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.transport
	m.mu.Unlock()
	return m.write(t, v)
}

func (m *Manager) write(t Transport, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := t.WriteMessage(b); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Close tears the manager down: any pending reconnect is cancelled, an
// in-flight dial is aborted and the live connection is closed cleanly.
// Close is idempotent; a closed manager never reconnects.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimerLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	t := m.transport
	m.transport = nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close(websocket.CloseNormalClosure, "session ended")
	}
	m.runDisconnectHook()

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan StateEvent]struct{})
	m.listenerMu.Unlock()

	log.Infow("closed", "session", m.sessionID)
	return err
}

// Subscribe returns a channel of state transitions and a cancel function.
func (m *Manager) Subscribe() (<-chan StateEvent, func()) {
	ch := make(chan StateEvent, 16)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	evt := StateEvent{Old: m.state, New: s}
	m.state = s

	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// shouldReconnect reports whether a closure lost an established session or
// never completed (1006, reserved for closures without a close frame).
// Every close frame the peer actually sent counts as a clean shutdown.
func shouldReconnect(code int) bool {
	return code == websocket.CloseAbnormalClosure
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
