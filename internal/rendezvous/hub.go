package rendezvous

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/bookpresence/internal/proto"
)

const (
	sendBuffer   = 64
	maxFrameSize = 64 << 10
	writeTimeout = 10 * time.Second
	busTimeout   = 2 * time.Second
)

var pingFrame = []byte(`{"type":"ping"}`)

// client is one presence connection. user, member and books are guarded by
// Server.mu.
type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	user   proto.User
	member *proto.Membership
	books  map[string]struct{}
}

func newClient(conn *websocket.Conn, remote string) *client {
	return &client{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		books:  make(map[string]struct{}),
	}
}

// enqueue hands b to the write pump. A connection that cannot keep up is
// dropped; it will reconnect and resync from fresh snapshots.
func (c *client) enqueue(b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		log.Warnw("slow connection dropped", "conn", c.id)
		c.drop()
	}
}

// drop closes the socket without a close frame so the peer treats it as a
// lost connection and reconnects.
func (c *client) drop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// change is a user appearing in or vanishing from a chapter.
type change struct {
	typ  string // proto.TypeJoined or proto.TypeLeft
	m    proto.Membership
	user proto.User
}

func (s *Server) handlePresenceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(conn, extractIP(r.RemoteAddr))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()
	log.Debugw("connection opened", "conn", c.id, "remote", c.remote)

	go s.writePump(c)
	s.readPump(c)
	c.drop()
	s.unregister(c)
}

func (s *Server) readPump(c *client) {
	idle := idleIntervals * s.pingInterval
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debugw("connection ended", "conn", c.id, "error", err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		f, err := proto.DecodeClient(data)
		if err != nil {
			log.Debugw("dropping frame", "conn", c.id, "error", err)
			continue
		}
		switch {
		case f.Pong:
		case f.Join != nil:
			s.join(c, *f.Join)
		case f.Leave != nil:
			s.leave(c, *f.Leave)
		case f.Book != nil:
			s.sendBook(c, f.Book.BookID)
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			if err := c.write(b); err != nil {
				c.drop()
				return
			}
		case <-ticker.C:
			if err := c.write(pingFrame); err != nil {
				c.drop()
				return
			}
		}
	}
}

// tx collects the effects of one presence update: changes visible to
// watchers, and changes in what this instance holds, which siblings need.
type tx struct {
	changes []change
	shared  []change
}

func (s *Server) holdLocked(t *tx, m proto.Membership, u proto.User, holder string) {
	if s.presence.add(m, u, holder) {
		t.changes = append(t.changes, change{proto.TypeJoined, m, u})
	}
	if isLocalHolder(holder) && s.presence.localHolders(m, u.ID) == 1 {
		t.shared = append(t.shared, change{proto.TypeJoined, m, u})
	}
}

func (s *Server) releaseLocked(t *tx, m proto.Membership, u proto.User, holder string) {
	local := s.presence.localHolders(m, u.ID)
	if s.presence.remove(m, u.ID, holder) {
		t.changes = append(t.changes, change{proto.TypeLeft, m, u})
	}
	if isLocalHolder(holder) && local > 0 && s.presence.localHolders(m, u.ID) == 0 {
		t.shared = append(t.shared, change{proto.TypeLeft, m, u})
	}
}

// join moves c to the requested chapter and answers with that chapter's
// snapshot. A connection holds one membership at a time.
func (s *Server) join(c *client, msg proto.JoinMsg) {
	if msg.BookID == "" || msg.ChapterID == "" || msg.User.ID == "" {
		log.Debugw("incomplete join", "conn", c.id)
		return
	}
	m := proto.Membership{BookID: msg.BookID, ChapterID: msg.ChapterID}

	var t tx
	s.mu.Lock()
	if c.member != nil && (*c.member != m || c.user.ID != msg.User.ID) {
		s.releaseLocked(&t, *c.member, c.user, c.id)
	}
	c.user = msg.User
	c.member = &m
	s.watchLocked(c, m.BookID)
	s.holdLocked(&t, m, msg.User, c.id)
	s.emitLocked(t.changes)
	s.recordLocked(t.changes)

	snap, _ := json.Marshal(proto.ChapterSnapshot{
		Type:      proto.TypeChapter,
		ChapterID: m.ChapterID,
		Users:     s.presence.chapterUsers(m),
	})
	c.enqueue(snap)
	s.mu.Unlock()

	s.share(t.shared)
}

// leave is idempotent. The user stays listed while another of their
// connections holds the chapter.
func (s *Server) leave(c *client, msg proto.LeaveMsg) {
	m := proto.Membership{BookID: msg.BookID, ChapterID: msg.ChapterID}

	var t tx
	s.mu.Lock()
	user := c.user
	if user.ID == "" {
		user = proto.User{ID: msg.User.ID}
	}
	if c.member != nil && *c.member == m {
		c.member = nil
	}
	s.releaseLocked(&t, m, user, c.id)
	s.emitLocked(t.changes)
	s.recordLocked(t.changes)
	s.mu.Unlock()

	s.share(t.shared)
}

func (s *Server) sendBook(c *client, bookID string) {
	if bookID == "" {
		return
	}
	s.mu.Lock()
	s.watchLocked(c, bookID)
	snap, _ := json.Marshal(proto.BookSnapshot{
		Type:     proto.TypeBook,
		BookID:   bookID,
		Chapters: s.presence.book(bookID),
	})
	c.enqueue(snap)
	s.mu.Unlock()
}

// unregister forgets c and leaves whatever it held.
func (s *Server) unregister(c *client) {
	var t tx
	s.mu.Lock()
	delete(s.clients, c.id)
	if s.closed {
		// Keep the mirror intact for the next start.
		s.mu.Unlock()
		return
	}
	for bookID := range c.books {
		delete(s.watchers[bookID], c)
		if len(s.watchers[bookID]) == 0 {
			delete(s.watchers, bookID)
		}
	}
	for _, e := range s.presence.holdersOf(c.id) {
		s.releaseLocked(&t, e.m, proto.User{ID: e.userID}, c.id)
	}
	c.member = nil
	s.emitLocked(t.changes)
	s.recordLocked(t.changes)
	s.mu.Unlock()

	s.share(t.shared)
	log.Debugw("connection closed", "conn", c.id)
}

// evictUser removes userID from the chapter whatever holds it. Local
// connections that held it lose their membership until they join again.
func (s *Server) evictUser(m proto.Membership, userID string) {
	var t tx
	s.mu.Lock()
	for _, c := range s.clients {
		if c.member != nil && *c.member == m && c.user.ID == userID {
			c.member = nil
		}
	}
	u := proto.User{ID: userID}
	if s.presence.localHolders(m, userID) > 0 {
		t.shared = append(t.shared, change{proto.TypeLeft, m, u})
	}
	if s.presence.evict(m, userID) {
		t.changes = append(t.changes, change{proto.TypeLeft, m, u})
	}
	s.emitLocked(t.changes)
	s.recordLocked(t.changes)
	s.mu.Unlock()

	s.share(t.shared)
}

// applyRemote mirrors a sibling instance's change locally.
func (s *Server) applyRemote(ev busEvent) {
	m := proto.Membership{BookID: ev.BookID, ChapterID: ev.ChapterID}
	holder := holderPeerPrefix + ev.Origin

	var t tx
	s.mu.Lock()
	switch ev.Type {
	case proto.TypeJoined:
		s.holdLocked(&t, m, ev.User, holder)
	case proto.TypeLeft:
		s.releaseLocked(&t, m, ev.User, holder)
	}
	s.emitLocked(t.changes)
	s.recordLocked(t.changes)
	s.mu.Unlock()

	s.share(t.shared)
}

// loadFromDB restores mirrored presence. Restored entries are held for a
// grace period so reconnecting clients can claim them; whatever is left
// unclaimed afterwards is removed.
func (s *Server) loadFromDB() {
	rows, err := s.db.loadAll()
	if err != nil {
		log.Warnw("presencedb load", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.presence.add(proto.Membership{BookID: row.BookID, ChapterID: row.ChapterID}, row.User, holderRestored)
	}
	if len(rows) > 0 {
		s.restore = time.AfterFunc(idleIntervals*s.pingInterval, s.expireRestored)
		log.Infow("restored presence", "entries", len(rows))
	}
}

func (s *Server) expireRestored() {
	var t tx
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for _, e := range s.presence.holdersOf(holderRestored) {
		s.releaseLocked(&t, e.m, proto.User{ID: e.userID}, holderRestored)
	}
	s.emitLocked(t.changes)
	s.recordLocked(t.changes)
	s.mu.Unlock()

	s.share(t.shared)
}

func (s *Server) watchLocked(c *client, bookID string) {
	w := s.watchers[bookID]
	if w == nil {
		w = make(map[*client]struct{})
		s.watchers[bookID] = w
	}
	w[c] = struct{}{}
	c.books[bookID] = struct{}{}
}

// emitLocked broadcasts changes to every connection watching the book.
func (s *Server) emitLocked(changes []change) {
	for _, ch := range changes {
		var frame []byte
		if ch.typ == proto.TypeJoined {
			frame, _ = json.Marshal(proto.UserJoined{Type: proto.TypeJoined, ChapterID: ch.m.ChapterID, User: ch.user})
		} else {
			frame, _ = json.Marshal(proto.UserLeft{Type: proto.TypeLeft, ChapterID: ch.m.ChapterID, User: proto.UserRef{ID: ch.user.ID}})
		}
		for c := range s.watchers[ch.m.BookID] {
			c.enqueue(frame)
		}
	}
}

// recordLocked writes changes to the mirror and the event log. It runs under
// s.mu so the mirror sees changes in the order they were applied.
func (s *Server) recordLocked(changes []change) {
	for _, ch := range changes {
		if s.db != nil && !s.closed {
			if ch.typ == proto.TypeJoined {
				s.db.upsert(presenceRow{BookID: ch.m.BookID, ChapterID: ch.m.ChapterID, User: ch.user})
			} else {
				s.db.remove(ch.m.BookID, ch.m.ChapterID, ch.user.ID)
			}
		}
		kind := eventJoined
		if ch.typ == proto.TypeLeft {
			kind = eventLeft
		}
		s.addLog(LogEntry{Kind: kind, UserID: ch.user.ID, BookID: ch.m.BookID, ChapterID: ch.m.ChapterID})
	}
}

// share publishes this instance's own changes to its siblings.
func (s *Server) share(shared []change) {
	if s.bus == nil {
		return
	}
	for _, ch := range shared {
		ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
		err := s.bus.publish(ctx, busEvent{Type: ch.typ, BookID: ch.m.BookID, ChapterID: ch.m.ChapterID, User: ch.user})
		cancel()
		if err != nil {
			log.Warnw("bus publish", "error", err)
		}
	}
}
