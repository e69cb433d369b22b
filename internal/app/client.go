package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/bookpresence/internal/config"
	"github.com/petervdpas/bookpresence/internal/presence"
	"github.com/petervdpas/bookpresence/internal/proto"
	"github.com/petervdpas/bookpresence/internal/realtime"
	"github.com/petervdpas/bookpresence/internal/state"
)

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// clientRunner owns the headless client's session and swaps it when the
// endpoint changes. cfg is the config file as last loaded; command-line
// overrides never enter it.
type clientRunner struct {
	out io.Writer

	mu      sync.Mutex
	cfg     config.Config
	session *presence.Session
	stop    func()
}

func runClient(ctx context.Context, opt Options) error {
	r := &clientRunner{out: opt.Out, cfg: opt.Cfg}
	if err := r.start(); err != nil {
		return err
	}
	if opt.Join != nil {
		r.current().Controller().JoinChapter(opt.Join.BookID, opt.Join.ChapterID)
	} else if c := opt.Cfg.Client; c.BookID != "" {
		r.current().Controller().JoinChapter(c.BookID, c.ChapterID)
	}

	if opt.Watch && opt.CfgPath != "" {
		go func() {
			if err := config.Watch(ctx, opt.CfgPath, r.reload); err != nil {
				log.Warnw("config watch stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	return r.close()
}

func (r *clientRunner) current() *presence.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *clientRunner) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked()
}

func (r *clientRunner) startLocked() error {
	c := r.cfg.Client
	s := presence.NewSession(presence.Options{
		URL:            c.WebSocketURL(),
		LeaveURL:       c.LeaveURL(),
		User:           r.cfg.Identity.User(),
		ReconnectDelay: secs(c.ReconnectSec),
		BeaconTimeout:  secs(c.BeaconTimeoutSec),
		Dialer:         realtime.WSDialer{WriteTimeout: secs(c.WriteTimeoutSec)},
	})
	if err := s.Connect(); err != nil {
		return err
	}
	r.session = s
	r.stop = r.follow(s)
	log.Infow("client started", "url", c.WebSocketURL(), "user", r.cfg.Identity.ID)
	return nil
}

// follow prints connection changes and chapter updates until the returned
// stop function is called.
func (r *clientRunner) follow(s *presence.Session) func() {
	states, cancelStates := s.Connection().Subscribe()
	table := s.Table()
	events := table.Subscribe()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-states:
				if !ok {
					return
				}
				fmt.Fprintf(r.out, "connection: %s\n", ev.New)
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.printChapter(table, ev)
			}
		}
	}()

	return func() {
		close(done)
		cancelStates()
		table.Unsubscribe(events)
	}
}

func (r *clientRunner) printChapter(table *state.ChapterTable, ev state.ChapterEvent) {
	users := table.ChapterUsers(ev.ChapterID)
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, displayName(u))
	}
	sort.Strings(names)
	mark := ""
	if table.IsChapterOccupied(ev.ChapterID) {
		mark = " (occupied)"
	}
	fmt.Fprintf(r.out, "chapter %s: [%s]%s\n", ev.ChapterID, strings.Join(names, ", "), mark)
}

func displayName(u proto.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// reload applies a changed config. A new endpoint or identity id restarts
// the session; the active chapter is carried over. Membership follows the
// file only when the file's book or chapter changed.
func (r *clientRunner) reload(next config.Config) {
	if err := ApplyLogLevels(next.Log); err != nil {
		log.Warnw("log levels not applied", "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return
	}
	prev := r.cfg
	r.cfg = next

	active, hasActive := r.session.Controller().Active()
	if prev.Client.WebSocketURL() != next.Client.WebSocketURL() ||
		prev.Client.LeaveURL() != next.Client.LeaveURL() ||
		prev.Client.ReconnectSec != next.Client.ReconnectSec ||
		prev.Identity.ID != next.Identity.ID {
		log.Infow("restarting session", "url", next.Client.WebSocketURL())
		r.closeLocked()
		if err := r.startLocked(); err != nil {
			log.Errorw("session restart failed", "error", err)
			return
		}
		if hasActive {
			r.session.Controller().JoinChapter(active.BookID, active.ChapterID)
		}
	} else if prev.Identity != next.Identity {
		r.session.Controller().SetUser(next.Identity.User())
		if hasActive {
			r.session.Controller().JoinChapter(active.BookID, active.ChapterID)
		}
	}

	c := next.Client
	if c.BookID != prev.Client.BookID || c.ChapterID != prev.Client.ChapterID {
		if c.BookID == "" {
			if active, ok := r.session.Controller().Active(); ok {
				r.session.Controller().LeaveChapter(active.BookID, active.ChapterID)
			}
		} else {
			r.session.Controller().JoinChapter(c.BookID, c.ChapterID)
		}
	}
}

func (r *clientRunner) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *clientRunner) closeLocked() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.stop()
	r.session = nil
	return err
}
