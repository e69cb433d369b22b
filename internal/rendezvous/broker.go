package rendezvous

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/bookpresence/internal/proto"
)

// busEvent is a user-level presence change shared between instances.
type busEvent struct {
	Origin    string     `json:"origin"`
	Type      string     `json:"type"` // proto.TypeJoined or proto.TypeLeft
	BookID    string     `json:"bookId"`
	ChapterID string     `json:"chapterId"`
	User      proto.User `json:"user"`
}

// bus fans presence changes out to sibling instances.
type bus interface {
	publish(ctx context.Context, ev busEvent) error
	// run delivers events from other instances until ctx is done.
	run(ctx context.Context, apply func(busEvent))
	close() error
}

type redisBus struct {
	rdb     *redis.Client
	channel string
	origin  string
}

func newRedisBus(addr, channel, origin string) *redisBus {
	return &redisBus{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		origin:  origin,
	}
}

func (b *redisBus) publish(ctx context.Context, ev busEvent) error {
	ev.Origin = b.origin
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

func (b *redisBus) run(ctx context.Context, apply func(busEvent)) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := decodeBusEvent([]byte(msg.Payload), b.origin)
			if ok {
				apply(ev)
			}
		}
	}
}

func (b *redisBus) close() error {
	return b.rdb.Close()
}

// decodeBusEvent parses a bus payload, skipping this instance's own events
// and anything malformed.
func decodeBusEvent(payload []byte, self string) (busEvent, bool) {
	var ev busEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Debugw("bad bus event", "error", err)
		return busEvent{}, false
	}
	if ev.Origin == "" || ev.Origin == self {
		return busEvent{}, false
	}
	if ev.Type != proto.TypeJoined && ev.Type != proto.TypeLeft {
		return busEvent{}, false
	}
	if ev.BookID == "" || ev.ChapterID == "" || ev.User.ID == "" {
		return busEvent{}, false
	}
	return ev, true
}
