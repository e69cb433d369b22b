// Package state holds the local view of who is present in which chapter.
package state

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/bookpresence/internal/proto"
)

var log = logging.Logger("state")

// Chapter event types.
const (
	EventReplaced = "replaced" // snapshot replaced the chapter's set
	EventJoined   = "joined"
	EventLeft     = "left"
)

// ChapterEvent reports a change to one chapter's set. Duplicate joins and
// leaves of absent users change nothing and are not reported.
type ChapterEvent struct {
	Type      string `json:"type"`
	ChapterID string `json:"chapter_id"`
	UserID    string `json:"user_id,omitempty"`
}

// ChapterTable maps chapter id to the set of users present in it. A user id
// appears at most once per chapter. Apply* methods are meant to be called
// from a single goroutine (the connection's read loop); accessors may be
// called from anywhere.
type ChapterTable struct {
	selfID string

	mu        sync.RWMutex
	chapters  map[string][]proto.User
	listeners []chan ChapterEvent
}

// NewChapterTable creates an empty table. selfID is the local user's id and
// never counts towards occupancy.
func NewChapterTable(selfID string) *ChapterTable {
	return &ChapterTable{
		selfID:   selfID,
		chapters: map[string][]proto.User{},
	}
}

// ApplyChapterSnapshot replaces the chapter's set with users.
func (t *ChapterTable) ApplyChapterSnapshot(chapterID string, users []proto.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaceLocked(chapterID, users)
	log.Debugw("chapter snapshot", "chapter", chapterID, "users", len(t.chapters[chapterID]))
	t.notifyListeners(ChapterEvent{Type: EventReplaced, ChapterID: chapterID})
}

// ApplyBookSnapshot replaces every chapter named in chapters. Chapters not
// named are left as they are.
func (t *ChapterTable) ApplyBookSnapshot(bookID string, chapters map[string][]proto.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for chapterID, users := range chapters {
		t.replaceLocked(chapterID, users)
		t.notifyListeners(ChapterEvent{Type: EventReplaced, ChapterID: chapterID})
	}
	log.Debugw("book snapshot", "book", bookID, "chapters", len(chapters))
}

// ApplyJoined adds u to the chapter unless a user with the same id is
// already there.
func (t *ChapterTable) ApplyJoined(chapterID string, u proto.User) {
	if u.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.chapters[chapterID]
	if indexOf(users, u.ID) >= 0 {
		return
	}
	t.chapters[chapterID] = append(users, u)
	t.notifyListeners(ChapterEvent{Type: EventJoined, ChapterID: chapterID, UserID: u.ID})
}

// ApplyLeft removes userID from the chapter if present.
func (t *ChapterTable) ApplyLeft(chapterID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.chapters[chapterID]
	if !ok {
		return
	}
	i := indexOf(users, userID)
	if i < 0 {
		return
	}
	out := make([]proto.User, 0, len(users)-1)
	out = append(out, users[:i]...)
	t.chapters[chapterID] = append(out, users[i+1:]...)
	t.notifyListeners(ChapterEvent{Type: EventLeft, ChapterID: chapterID, UserID: userID})
}

// replaceLocked stores a deduplicated copy of users; the first occurrence of
// an id wins.
func (t *ChapterTable) replaceLocked(chapterID string, users []proto.User) {
	out := make([]proto.User, 0, len(users))
	for _, u := range users {
		if u.ID == "" || indexOf(out, u.ID) >= 0 {
			continue
		}
		out = append(out, u)
	}
	t.chapters[chapterID] = out
}

// ChapterUsers returns a copy of the chapter's set, or an empty slice if the
// chapter is unknown.
func (t *ChapterTable) ChapterUsers(chapterID string) []proto.User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := t.chapters[chapterID]
	out := make([]proto.User, len(users))
	copy(out, users)
	return out
}

// IsChapterOccupied reports whether anyone other than the local user is
// present in the chapter.
func (t *ChapterTable) IsChapterOccupied(chapterID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, u := range t.chapters[chapterID] {
		if u.ID != t.selfID {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the whole table.
func (t *ChapterTable) Snapshot() map[string][]proto.User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make(map[string][]proto.User, len(t.chapters))
	for k, v := range t.chapters {
		users := make([]proto.User, len(v))
		copy(users, v)
		cp[k] = users
	}
	return cp
}

// Reset forgets everything. Used when presence becomes unknown.
func (t *ChapterTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.chapters {
		t.notifyListeners(ChapterEvent{Type: EventReplaced, ChapterID: id})
	}
	t.chapters = map[string][]proto.User{}
}

func (t *ChapterTable) Subscribe() chan ChapterEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan ChapterEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *ChapterTable) Unsubscribe(ch chan ChapterEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *ChapterTable) notifyListeners(evt ChapterEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func indexOf(users []proto.User, id string) int {
	for i, u := range users {
		if u.ID == id {
			return i
		}
	}
	return -1
}
