package rendezvous

import (
	"sync"
	"time"
)

const (
	eventJoined = "joined"
	eventLeft   = "left"
	eventBeacon = "beacon"
)

// LogEntry is one presence event as served by /logs.json.
type LogEntry struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"userId"`
	BookID    string    `json:"bookId"`
	ChapterID string    `json:"chapterId"`
	Remote    string    `json:"remote,omitempty"`
}

// eventLog keeps the most recent max entries. Once full, each new entry
// takes the slot of the oldest one.
type eventLog struct {
	mu      sync.Mutex
	max     int
	entries []LogEntry
	oldest  int
}

func newEventLog(max int) *eventLog {
	return &eventLog{max: max, entries: make([]LogEntry, 0, max)}
}

func (l *eventLog) add(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) < l.max {
		l.entries = append(l.entries, e)
		return
	}
	l.entries[l.oldest] = e
	l.oldest = (l.oldest + 1) % l.max
}

// recent returns the last limit entries, oldest first. limit <= 0 means all.
func (l *eventLog) recent(limit int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]LogEntry, 0, limit)
	for i := n - limit; i < n; i++ {
		out = append(out, l.entries[(l.oldest+i)%n])
	}
	return out
}
