package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/bookpresence/internal/proto"
)

var errFakeClosed = errors.New("fake transport closed")

type fakeTransport struct {
	frames  chan []byte
	closing chan error
	written chan []byte

	once   sync.Once
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:  make(chan []byte, 16),
		closing: make(chan error, 1),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-f.frames:
		return b, nil
	case err := <-f.closing:
		return nil, err
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeTransport) WriteMessage(b []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.written <- b
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeDialer hands out transports pushed onto next; a nil entry makes the
// dial fail.
type fakeDialer struct {
	next  chan *fakeTransport
	dials atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{next: make(chan *fakeTransport, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.dials.Add(1)
	select {
	case t := <-d.next:
		if t == nil {
			return nil, errors.New("connection refused")
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestManager(d *fakeDialer) (*Manager, <-chan StateEvent) {
	m := New(Options{URL: "ws://presence.test/ws/presence", Dialer: d, ReconnectDelay: 20 * time.Millisecond})
	states, _ := m.Subscribe()
	return m, states
}

func waitState(t *testing.T, ch <-chan StateEvent, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("state channel closed while waiting for %s", want)
			}
			if evt.New == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func nextWritten(t *testing.T, ft *fakeTransport) map[string]any {
	t.Helper()
	select {
	case b := <-ft.written:
		var v map[string]any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("written frame is not JSON: %v", err)
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func expectNoWrite(t *testing.T, ft *fakeTransport, wait time.Duration) {
	t.Helper()
	select {
	case b := <-ft.written:
		t.Fatalf("unexpected outbound frame %s", b)
	case <-time.After(wait):
	}
}

func connectWith(t *testing.T, m *Manager, d *fakeDialer, states <-chan StateEvent) *fakeTransport {
	t.Helper()
	ft := newFakeTransport()
	d.next <- ft
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, states, Connected)
	return ft
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	connectWith(t, m, d, states)
	if err := m.Connect(); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if n := d.dials.Load(); n != 1 {
		t.Fatalf("expected 1 dial, got %d", n)
	}
	if m.State() != Connected {
		t.Fatalf("expected connected, got %s", m.State())
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	dispatched := make(chan proto.Inbound, 1)
	m.Handle(proto.TypePing, func(msg proto.Inbound) { dispatched <- msg })

	ft := connectWith(t, m, d, states)

	for _, frame := range []string{`{"type":"ping"}`, `{"event":"ping"}`} {
		ft.frames <- []byte(frame)
		got := nextWritten(t, ft)
		if got["event"] != proto.EventPong {
			t.Fatalf("expected pong for %s, got %v", frame, got)
		}
	}
	select {
	case msg := <-dispatched:
		t.Fatalf("keepalive must not be dispatched, got %#v", msg)
	default:
	}
}

func TestDispatchByType(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	got := make(chan proto.Inbound, 4)
	m.Handle(proto.TypeChapter, func(msg proto.Inbound) { got <- msg })
	m.Handle(proto.TypeLeft, func(msg proto.Inbound) { got <- msg })

	ft := connectWith(t, m, d, states)

	ft.frames <- []byte(`not json`)
	ft.frames <- []byte(`{"type":"presence.unknown"}`)
	ft.frames <- []byte(`{"type":"presence.chapter","chapterId":"5","users":[{"id":"u1","name":"Ann","email":"ann@example.org","avatar":null}]}`)
	ft.frames <- []byte(`{"type":"presence.left","chapterId":"5","user":{"id":"u2"}}`)

	select {
	case msg := <-got:
		snap, ok := msg.(proto.ChapterSnapshot)
		if !ok {
			t.Fatalf("expected ChapterSnapshot, got %T", msg)
		}
		if snap.ChapterID != "5" || len(snap.Users) != 1 || snap.Users[0].ID != "u1" {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chapter snapshot not dispatched")
	}
	select {
	case msg := <-got:
		left, ok := msg.(proto.UserLeft)
		if !ok || left.User.ID != "u2" {
			t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("left event not dispatched")
	}
	if m.State() != Connected {
		t.Fatalf("protocol errors must not drop the connection, state=%s", m.State())
	}
}

func TestReconnectRejoinsActiveMembership(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	user := proto.User{ID: "me", Name: "Me", Email: "me@example.org"}
	m.SetRejoin(func(write func(v any) error) {
		if err := write(proto.NewJoin(proto.Membership{BookID: "1", ChapterID: "5"}, user)); err != nil {
			t.Errorf("rejoin write: %v", err)
		}
	})

	first := connectWith(t, m, d, states)
	if got := nextWritten(t, first); got["type"] != proto.TypeJoin {
		t.Fatalf("expected join on first connect, got %v", got)
	}

	second := newFakeTransport()
	d.next <- second
	first.closing <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	waitState(t, states, Disconnected)
	waitState(t, states, Connected)

	got := nextWritten(t, second)
	if got["type"] != proto.TypeJoin || got["bookId"] != "1" || got["chapterId"] != "5" {
		t.Fatalf("expected join for book 1 chapter 5, got %v", got)
	}
	expectNoWrite(t, second, 100*time.Millisecond)

	if n := d.dials.Load(); n != 2 {
		t.Fatalf("expected 2 dials, got %d", n)
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	ft := connectWith(t, m, d, states)
	ft.closing <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	waitState(t, states, Disconnected)

	if m.reconnectPending() {
		t.Fatal("clean close must not schedule a reconnect")
	}
	time.Sleep(100 * time.Millisecond)
	if n := d.dials.Load(); n != 1 {
		t.Fatalf("expected no redial after clean close, got %d dials", n)
	}

	// An explicit Connect still works.
	connectWith(t, m, d, states)
}

func TestTransportFailureReconnects(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	ft := connectWith(t, m, d, states)
	ft.closing <- io.ErrUnexpectedEOF
	waitState(t, states, Disconnected)

	d.next <- newFakeTransport()
	waitState(t, states, Connected)
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	d.next <- nil
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, states, Disconnected)

	d.next <- newFakeTransport()
	waitState(t, states, Connected)
	if n := d.dials.Load(); n != 2 {
		t.Fatalf("expected 2 dials, got %d", n)
	}
}

func TestSendDroppedWhenNotConnected(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(d)
	defer m.Close()

	err := m.Send(proto.NewBookRequest("1"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)

	ft := connectWith(t, m, d, states)
	ft.closing <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	waitState(t, states, Disconnected)

	if !m.reconnectPending() {
		t.Fatal("expected a pending reconnect after abnormal close")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.reconnectPending() {
		t.Fatal("close must cancel the pending reconnect")
	}
	if err := m.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := d.dials.Load(); n != 1 {
		t.Fatalf("expected no redial after close, got %d dials", n)
	}
}

func TestCloseAbortsDialInFlight(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, states, Connecting)

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if m.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
	if m.reconnectPending() {
		t.Fatal("aborted dial must not schedule a reconnect")
	}
}

func TestCloseClosesLiveTransport(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)

	ft := connectWith(t, m, d, states)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-ft.closed:
	case <-time.After(time.Second):
		t.Fatal("transport was not closed")
	}
	if m.reconnectPending() {
		t.Fatal("teardown must not schedule a reconnect")
	}
}

func TestDisconnectHookRunsBeforeReconnect(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)
	defer m.Close()

	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	m.OnDisconnect(func() { note("reset") })
	m.Handle(proto.TypeChapter, func(proto.Inbound) { note("snapshot") })

	ft := connectWith(t, m, d, states)
	ft.closing <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	waitState(t, states, Disconnected)

	next := newFakeTransport()
	next.frames <- []byte(`{"type":"presence.chapter","chapterId":"5","users":[]}`)
	d.next <- next
	waitState(t, states, Connected)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), order...)
		mu.Unlock()
		if len(got) == 2 {
			if got[0] != "reset" || got[1] != "snapshot" {
				t.Fatalf("unexpected order %v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, saw %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Close()
	mu.Lock()
	defer mu.Unlock()
	if order[len(order)-1] != "reset" {
		t.Fatalf("close should run the hook, saw %v", order)
	}
}

func TestShouldReconnect(t *testing.T) {
	cases := map[int]bool{
		websocket.CloseAbnormalClosure:   true,
		websocket.CloseNormalClosure:     false,
		websocket.CloseGoingAway:         false,
		websocket.CloseInternalServerErr: false,
	}
	for code, want := range cases {
		if got := shouldReconnect(code); got != want {
			t.Errorf("shouldReconnect(%d) = %v, want %v", code, got, want)
		}
	}
	if closeCode(io.EOF) != websocket.CloseAbnormalClosure {
		t.Error("errors without a close frame must count as abnormal")
	}
}

func TestClosedTransportIsNotCurrent(t *testing.T) {
	d := newFakeDialer()
	m, states := newTestManager(d)

	ft := connectWith(t, m, d, states)
	if !m.isCurrent(ft) {
		t.Fatal("live transport should be current")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// The read loop sees a plain error after Close; it must treat it as a
	// release, not as a lost connection.
	if m.isCurrent(ft) {
		t.Fatal("transport released by Close must not be current")
	}
	time.Sleep(50 * time.Millisecond)
	if m.reconnectPending() {
		t.Fatal("Close must not schedule a reconnect")
	}
}
