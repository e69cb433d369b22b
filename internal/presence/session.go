package presence

import (
	"time"

	"github.com/petervdpas/bookpresence/internal/proto"
	"github.com/petervdpas/bookpresence/internal/realtime"
	"github.com/petervdpas/bookpresence/internal/state"
)

type Options struct {
	URL      string // WebSocket endpoint
	LeaveURL string // beacon endpoint; empty disables the beacon
	User     proto.User

	ReconnectDelay time.Duration
	BeaconTimeout  time.Duration
	Dialer         realtime.Dialer
}

// Session wires one user's connection, presence table and membership
// controller together.
type Session struct {
	conn   *realtime.Manager
	table  *state.ChapterTable
	ctrl   *Controller
	beacon *Beacon
}

func NewSession(opt Options) *Session {
	conn := realtime.New(realtime.Options{
		URL:            opt.URL,
		Dialer:         opt.Dialer,
		ReconnectDelay: opt.ReconnectDelay,
	})
	table := state.NewChapterTable(opt.User.ID)

	var beacon *Beacon
	if opt.LeaveURL != "" {
		beacon = NewBeacon(opt.LeaveURL, opt.BeaconTimeout)
	}
	ctrl := NewController(opt.User, conn, beacon)

	conn.Handle(proto.TypeChapter, func(msg proto.Inbound) {
		m := msg.(proto.ChapterSnapshot)
		table.ApplyChapterSnapshot(m.ChapterID, m.Users)
	})
	conn.Handle(proto.TypeJoined, func(msg proto.Inbound) {
		m := msg.(proto.UserJoined)
		table.ApplyJoined(m.ChapterID, m.User)
	})
	conn.Handle(proto.TypeLeft, func(msg proto.Inbound) {
		m := msg.(proto.UserLeft)
		table.ApplyLeft(m.ChapterID, m.User.ID)
	})
	conn.Handle(proto.TypeBook, func(msg proto.Inbound) {
		m := msg.(proto.BookSnapshot)
		table.ApplyBookSnapshot(m.BookID, m.Chapters)
	})
	conn.SetRejoin(ctrl.Rejoin)
	// Without a connection nothing is known about other editors.
	conn.OnDisconnect(table.Reset)

	return &Session{conn: conn, table: table, ctrl: ctrl, beacon: beacon}
}

func (s *Session) Connect() error { return s.conn.Connect() }

func (s *Session) Controller() *Controller       { return s.ctrl }
func (s *Session) Table() *state.ChapterTable    { return s.table }
func (s *Session) Connection() *realtime.Manager { return s.conn }
func (s *Session) State() realtime.State         { return s.conn.State() }
func (s *Session) ChapterUsers(id string) []proto.User {
	return s.table.ChapterUsers(id)
}
func (s *Session) IsChapterOccupied(id string) bool {
	return s.table.IsChapterOccupied(id)
}

// Close unloads the active membership, tears the connection down and waits
// for the leave beacon to finish.
func (s *Session) Close() error {
	s.ctrl.Unload()
	err := s.conn.Close()
	s.beacon.Wait()
	return err
}
