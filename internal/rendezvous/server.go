// Package rendezvous is the presence server: it accepts presence
// connections, keeps the book/chapter presence map and broadcasts changes to
// every connection watching a book.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/bookpresence/internal/proto"
)

var log = logging.Logger("rendezvous")

const (
	defaultPingInterval = 25 * time.Second
	defaultMaxLogs      = 1000
	shutdownTimeout     = 5 * time.Second

	// Connections silent for this many ping intervals are dropped.
	idleIntervals = 3
)

type Options struct {
	Addr          string
	DBPath        string // empty = no SQLite mirror
	RedisAddr     string // empty = single instance
	RedisChannel  string
	PingInterval  time.Duration
	AdminPassword string
	MaxLogs       int
}

type Server struct {
	addr          string
	adminPassword string
	pingInterval  time.Duration
	instanceID    string

	srv      *http.Server
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu       sync.Mutex
	presence presenceMap
	clients  map[string]*client
	watchers map[string]map[*client]struct{} // book id -> watching connections
	restore  *time.Timer
	closed   bool

	logs *eventLog

	db  *presenceDB // nil when persistence is disabled
	bus bus         // nil when running alone

	listenMu sync.Mutex
	listener net.Listener
}

func New(opt Options) (*Server, error) {
	if opt.PingInterval <= 0 {
		opt.PingInterval = defaultPingInterval
	}
	if opt.MaxLogs <= 0 {
		opt.MaxLogs = defaultMaxLogs
	}

	s := &Server{
		addr:          opt.Addr,
		adminPassword: opt.AdminPassword,
		pingInterval:  opt.PingInterval,
		instanceID:    uuid.NewString(),
		presence:      make(presenceMap),
		clients:       make(map[string]*client),
		watchers:      make(map[string]map[*client]struct{}),
		logs:          newEventLog(opt.MaxLogs),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Editors are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if opt.DBPath != "" {
		db, err := openPresenceDB(opt.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open presence db: %w", err)
		}
		s.db = db
	}
	if opt.RedisAddr != "" {
		s.bus = newRedisBus(opt.RedisAddr, opt.RedisChannel, s.instanceID)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(proto.PresencePath, s.handlePresenceWS)
	mux.HandleFunc(proto.LeavePath, s.handleLeaveBeacon)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/presence.json", s.handlePresenceJSON)
	mux.HandleFunc("/logs.json", s.handleLogsJSON)
	s.mux = mux

	return s, nil
}

// Handler exposes the routes without listening, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start restores mirrored presence, joins the instance bus and starts
// listening. The server shuts down when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.db != nil {
		s.loadFromDB()
	}
	if s.bus != nil {
		go s.bus.run(ctx, s.applyRemote)
	}

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenMu.Unlock()

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("presence server error", "error", err)
		}
	}()

	log.Infow("presence server listening", "addr", ln.Addr().String(), "instance", s.instanceID)
	return nil
}

// URL is the base http URL of the listening server.
func (s *Server) URL() string {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return "http://" + s.addr
}

// Close drops every connection and releases the mirror and the bus.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.restore != nil {
		s.restore.Stop()
	}
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.drop()
	}

	var errs []error
	if s.srv != nil {
		shctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, s.srv.Shutdown(shctx))
	}
	if s.bus != nil {
		errs = append(errs, s.bus.close())
	}
	if s.db != nil {
		errs = append(errs, s.db.close())
	}
	return errors.Join(errs...)
}

// Snapshot returns the whole presence map.
func (s *Server) Snapshot() map[string]map[string][]proto.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.snapshot()
}

// Logs returns up to limit recent events, oldest first. limit <= 0 returns
// everything kept.
func (s *Server) Logs(limit int) []LogEntry { return s.logs.recent(limit) }

func (s *Server) handlePresenceJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.Snapshot())
}

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.Logs(limit))
}

// handleLeaveBeacon accepts the out-of-band leave a client fires while its
// page is going away. Unknown memberships are ignored.
func (s *Server) handleLeaveBeacon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg proto.LeaveMsg
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if msg.BookID == "" || msg.ChapterID == "" || msg.User.ID == "" {
		http.Error(w, "bad message: bookId, chapterId and user.id are required", http.StatusBadRequest)
		return
	}

	s.evictUser(proto.Membership{BookID: msg.BookID, ChapterID: msg.ChapterID}, msg.User.ID)
	s.addLog(LogEntry{
		Kind:      eventBeacon,
		UserID:    msg.User.ID,
		BookID:    msg.BookID,
		ChapterID: msg.ChapterID,
		Remote:    extractIP(r.RemoteAddr),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addLog(e LogEntry) {
	e.Time = time.Now()
	s.logs.add(e)
	log.Infow("presence "+e.Kind, "user", e.UserID, "book", e.BookID, "chapter", e.ChapterID)
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminPassword == "" {
		http.Error(w, "admin endpoints disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != s.adminPassword {
		w.Header().Set("WWW-Authenticate", `Basic realm="Presence Admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
