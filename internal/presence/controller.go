// Package presence tracks which chapter the local user occupies and keeps the
// server informed, across reconnects and page teardown.
package presence

import (
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/bookpresence/internal/proto"
	"github.com/petervdpas/bookpresence/internal/realtime"
)

var log = logging.Logger("presence")

// Sender is the outbound half of the presence connection.
type Sender interface {
	Send(v any) error
}

// Controller owns the active membership. At most one chapter is active at a
// time; the latest join wins.
type Controller struct {
	conn   Sender
	beacon *Beacon

	// sendMu is held from a membership change until its frame is written,
	// so frames reach the wire in the order the changes were made.
	sendMu sync.Mutex

	mu     sync.Mutex
	user   proto.User
	active *proto.Membership
}

func NewController(user proto.User, conn Sender, beacon *Beacon) *Controller {
	return &Controller{user: user, conn: conn, beacon: beacon}
}

// JoinChapter makes {bookID, chapterID} the active membership and announces
// it. When the connection is down the join is sent on the next connect.
func (c *Controller) JoinChapter(bookID, chapterID string) {
	m := proto.Membership{BookID: bookID, ChapterID: chapterID}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	c.active = &m
	user := c.user
	c.mu.Unlock()

	c.send(proto.NewJoin(m, user))
}

// LeaveChapter clears the active membership and announces the leave. A pair
// that does not match the active membership is still sent; the server treats
// unknown leaves as no-ops.
func (c *Controller) LeaveChapter(bookID, chapterID string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	c.active = nil
	userID := c.user.ID
	c.mu.Unlock()

	c.send(proto.NewLeave(proto.Membership{BookID: bookID, ChapterID: chapterID}, userID))
}

// RequestBookPresence asks for a snapshot of every chapter in bookID. It is
// not retained: nothing is sent while disconnected.
func (c *Controller) RequestBookPresence(bookID string) {
	c.send(proto.NewBookRequest(bookID))
}

// Unload announces departure on teardown. The leave goes out both as an HTTP
// beacon and over the connection, whichever survives. It is a no-op when no
// chapter is active.
func (c *Controller) Unload() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	active := c.active
	c.active = nil
	userID := c.user.ID
	c.mu.Unlock()
	if active == nil {
		return
	}

	leave := proto.NewLeave(*active, userID)
	c.beacon.Send(leave)
	c.send(leave)
	log.Infow("unloaded", "book", active.BookID, "chapter", active.ChapterID)
}

// Active returns the current membership, if any.
func (c *Controller) Active() (proto.Membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return proto.Membership{}, false
	}
	return *c.active, true
}

// Rejoin replays the active membership through write after a (re)connect.
// It is ordered with JoinChapter and LeaveChapter, so a change made while the
// connection comes up is never overtaken by a stale join.
func (c *Controller) Rejoin(write func(v any) error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	active, user := c.active, c.user
	c.mu.Unlock()
	if active == nil {
		return
	}
	if err := write(proto.NewJoin(*active, user)); err != nil {
		log.Warnw("rejoin failed", "book", active.BookID, "chapter", active.ChapterID, "error", err)
		return
	}
	log.Infow("rejoined", "book", active.BookID, "chapter", active.ChapterID)
}

// SetUser updates the identity used for future joins.
func (c *Controller) SetUser(u proto.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

func (c *Controller) send(v any) {
	err := c.conn.Send(v)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, realtime.ErrClosed):
		log.Debugw("not sent", "error", err)
	default:
		log.Warnw("send failed", "error", err)
	}
}
