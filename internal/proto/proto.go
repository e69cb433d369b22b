// Package proto defines the chapter presence wire protocol.
// Wire format: one JSON object per WebSocket text frame, routed by "type"
// (keepalive frames may use "event" instead).
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// WebSocket path served by the presence server.
	PresencePath = "/ws/presence"

	// Out-of-band leave endpoint used for beacon delivery on teardown.
	LeavePath = "/api/presence/leave"
)

// Client → server.
const (
	TypeJoin  = "presence.join"
	TypeLeave = "presence.leave"
	TypeBook  = "presence.book" // also server → client, as the book snapshot
)

// Server → client.
const (
	TypeChapter = "presence.chapter"
	TypeJoined  = "presence.joined"
	TypeLeft    = "presence.left"
)

// Keepalive. A probe may arrive as {"type":"ping"} or {"event":"ping"};
// the reply is always {"event":"pong"}.
const (
	TypePing  = "ping"
	EventPing = "ping"
	EventPong = "pong"
)

var (
	ErrEmptyType   = errors.New("proto: message has no type")
	ErrUnknownType = errors.New("proto: unknown message type")
)

// User is one connected collaborator. Avatar is nil when the identity
// provider has none; it is sent as JSON null.
type User struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Email  string  `json:"email"`
	Avatar *string `json:"avatar"`
}

// UserRef identifies a user by id only (leave payloads).
type UserRef struct {
	ID string `json:"id"`
}

// Membership is a {bookId, chapterId} pair.
type Membership struct {
	BookID    string `json:"bookId"`
	ChapterID string `json:"chapterId"`
}

// ── Client → server ──────────────────────────────────────────────────────────

type JoinMsg struct {
	Type      string `json:"type"` // TypeJoin
	BookID    string `json:"bookId"`
	ChapterID string `json:"chapterId"`
	User      User   `json:"user"`
}

// LeaveMsg is sent over the connection and, with the same shape, POSTed to
// LeavePath as a beacon.
type LeaveMsg struct {
	Type      string  `json:"type"` // TypeLeave
	BookID    string  `json:"bookId"`
	ChapterID string  `json:"chapterId"`
	User      UserRef `json:"user"`
}

type BookRequest struct {
	Type   string `json:"type"` // TypeBook
	BookID string `json:"bookId"`
}

type Keepalive struct {
	Event string `json:"event"`
}

func NewJoin(m Membership, u User) JoinMsg {
	return JoinMsg{Type: TypeJoin, BookID: m.BookID, ChapterID: m.ChapterID, User: u}
}

func NewLeave(m Membership, userID string) LeaveMsg {
	return LeaveMsg{Type: TypeLeave, BookID: m.BookID, ChapterID: m.ChapterID, User: UserRef{ID: userID}}
}

func NewBookRequest(bookID string) BookRequest {
	return BookRequest{Type: TypeBook, BookID: bookID}
}

// Pong is the keepalive reply.
func Pong() Keepalive { return Keepalive{Event: EventPong} }

// ── Server → client ──────────────────────────────────────────────────────────

// Inbound is the tagged union of server → client messages.
type Inbound interface {
	MessageType() string
}

type Ping struct{}

type ChapterSnapshot struct {
	Type      string `json:"type"` // TypeChapter
	ChapterID string `json:"chapterId"`
	Users     []User `json:"users"`
}

type UserJoined struct {
	Type      string `json:"type"` // TypeJoined
	ChapterID string `json:"chapterId"`
	User      User   `json:"user"`
}

type UserLeft struct {
	Type      string  `json:"type"` // TypeLeft
	ChapterID string  `json:"chapterId"`
	User      UserRef `json:"user"`
}

type BookSnapshot struct {
	Type     string            `json:"type"` // TypeBook
	BookID   string            `json:"bookId"`
	Chapters map[string][]User `json:"chapters"`
}

func (Ping) MessageType() string            { return TypePing }
func (ChapterSnapshot) MessageType() string { return TypeChapter }
func (UserJoined) MessageType() string      { return TypeJoined }
func (UserLeft) MessageType() string        { return TypeLeft }
func (BookSnapshot) MessageType() string    { return TypeBook }

type envelope struct {
	Type  string `json:"type"`
	Event string `json:"event"`
}

// inboundDecoders is keyed by message type. Adding a server → client message
// means adding its struct above and one entry here.
var inboundDecoders = map[string]func([]byte) (Inbound, error){
	TypeChapter: decodeAs[ChapterSnapshot],
	TypeJoined:  decodeAs[UserJoined],
	TypeLeft:    decodeAs[UserLeft],
	TypeBook:    decodeAs[BookSnapshot],
}

func decodeAs[T Inbound](b []byte) (Inbound, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode parses one server → client frame. Keepalive probes are recognised
// by either "type" or "event" and returned as Ping.
func Decode(b []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("proto: decode: %w", err)
	}
	if env.Type == TypePing || env.Event == EventPing {
		return Ping{}, nil
	}
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	dec, ok := inboundDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
	msg, err := dec(b)
	if err != nil {
		return nil, fmt.Errorf("proto: decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// ClientFrame is a decoded client → server frame. Exactly one of the pointer
// fields is set, matching Type; a keepalive reply sets Pong.
type ClientFrame struct {
	Type  string
	Pong  bool
	Join  *JoinMsg
	Leave *LeaveMsg
	Book  *BookRequest
}

// DecodeClient parses one client → server frame.
func DecodeClient(b []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return ClientFrame{}, fmt.Errorf("proto: decode: %w", err)
	}
	if env.Event == EventPong || env.Type == EventPong {
		return ClientFrame{Type: EventPong, Pong: true}, nil
	}
	f := ClientFrame{Type: env.Type}
	var err error
	switch env.Type {
	case TypeJoin:
		f.Join = new(JoinMsg)
		err = json.Unmarshal(b, f.Join)
	case TypeLeave:
		f.Leave = new(LeaveMsg)
		err = json.Unmarshal(b, f.Leave)
	case TypeBook:
		f.Book = new(BookRequest)
		err = json.Unmarshal(b, f.Book)
	case "":
		return ClientFrame{}, ErrEmptyType
	default:
		return ClientFrame{}, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return ClientFrame{}, fmt.Errorf("proto: decode %s: %w", env.Type, err)
	}
	return f, nil
}
