package rendezvous

import (
	"context"
	"sync"
	"testing"

	"github.com/petervdpas/bookpresence/internal/proto"
)

type fakeBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *fakeBus) publish(_ context.Context, ev busEvent) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) run(ctx context.Context, _ func(busEvent)) { <-ctx.Done() }
func (b *fakeBus) close() error                              { return nil }

func (b *fakeBus) published() []busEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]busEvent(nil), b.events...)
}

func TestBusSharesInstanceLevelChanges(t *testing.T) {
	fb := &fakeBus{}
	s, ts := newTestServerWithBus(t, Options{}, fb)

	tab1 := newSession(t, ts, "u1")
	tab2 := newSession(t, ts, "u1")
	tab1.Controller().JoinChapter("1", "5")
	eventually(t, "first join shared", func() bool { return len(fb.published()) == 1 })
	tab2.Controller().JoinChapter("1", "5")
	eventually(t, "second tab held", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.presence.localHolders(proto.Membership{BookID: "1", ChapterID: "5"}, "u1") == 2
	})

	tab1.Controller().LeaveChapter("1", "5")
	tab2.Controller().LeaveChapter("1", "5")
	eventually(t, "leave shared", func() bool { return len(fb.published()) == 2 })

	evs := fb.published()
	if evs[0].Type != proto.TypeJoined || evs[0].User.ID != "u1" || evs[0].ChapterID != "5" {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[1].Type != proto.TypeLeft || evs[1].User.ID != "u1" {
		t.Fatalf("unexpected second event %+v", evs[1])
	}
}

func TestApplyRemoteReachesLocalWatchers(t *testing.T) {
	fb := &fakeBus{}
	s, ts := newTestServerWithBus(t, Options{}, fb)

	u1 := newSession(t, ts, "u1")
	u1.Controller().JoinChapter("1", "5")
	eventually(t, "joined", func() bool { return len(s.Snapshot()["1"]["5"]) == 1 })

	remote := busEvent{Origin: "sibling", Type: proto.TypeJoined, BookID: "1", ChapterID: "5", User: proto.User{ID: "u7", Name: "Remote"}}
	s.applyRemote(remote)
	eventually(t, "remote user visible", func() bool { return u1.IsChapterOccupied("5") })

	remote.Type = proto.TypeLeft
	s.applyRemote(remote)
	eventually(t, "remote user gone", func() bool { return !u1.IsChapterOccupied("5") })

	for _, ev := range fb.published() {
		if ev.User.ID == "u7" {
			t.Fatalf("remote changes must not be republished: %+v", ev)
		}
	}
}

func TestDecodeBusEvent(t *testing.T) {
	good := `{"origin":"a","type":"presence.joined","bookId":"1","chapterId":"5","user":{"id":"u1"}}`
	if _, ok := decodeBusEvent([]byte(good), "b"); !ok {
		t.Fatal("expected sibling event to be accepted")
	}
	cases := map[string]string{
		"own origin":   good,
		"bad json":     `{`,
		"no origin":    `{"type":"presence.joined","bookId":"1","chapterId":"5","user":{"id":"u1"}}`,
		"wrong type":   `{"origin":"a","type":"presence.book","bookId":"1","chapterId":"5","user":{"id":"u1"}}`,
		"missing user": `{"origin":"a","type":"presence.left","bookId":"1","chapterId":"5","user":{}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, ok := decodeBusEvent([]byte(payload), "a"); ok {
				t.Fatal("expected event to be skipped")
			}
		})
	}
}
