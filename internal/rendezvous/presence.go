package rendezvous

import (
	"sort"
	"strings"

	"github.com/petervdpas/bookpresence/internal/proto"
)

// Holder ids other than connection ids.
const (
	holderRestored   = "restored"
	holderPeerPrefix = "peer:"
)

// room is one chapter's presence. A user stays listed while at least one
// holder (a connection, a sibling instance or a restored row) keeps them.
type room struct {
	users   []proto.User
	holders map[string]map[string]struct{} // user id -> holder ids
}

// presenceMap is book id -> chapter id -> room. Not safe for concurrent use;
// the server guards it with its own mutex.
type presenceMap map[string]map[string]*room

func (p presenceMap) room(m proto.Membership, create bool) *room {
	chapters := p[m.BookID]
	if chapters == nil {
		if !create {
			return nil
		}
		chapters = make(map[string]*room)
		p[m.BookID] = chapters
	}
	r := chapters[m.ChapterID]
	if r == nil && create {
		r = &room{holders: make(map[string]map[string]struct{})}
		chapters[m.ChapterID] = r
	}
	return r
}

// add registers holder for u in the chapter and reports whether u was newly
// listed. A listed user's details are refreshed from u.
func (p presenceMap) add(m proto.Membership, u proto.User, holder string) bool {
	r := p.room(m, true)
	hs := r.holders[u.ID]
	if hs == nil {
		hs = make(map[string]struct{})
		r.holders[u.ID] = hs
	}
	hs[holder] = struct{}{}
	for i := range r.users {
		if r.users[i].ID == u.ID {
			r.users[i] = u
			return false
		}
	}
	r.users = append(r.users, u)
	return true
}

// remove drops holder for userID and reports whether the user is no longer
// listed as a result.
func (p presenceMap) remove(m proto.Membership, userID, holder string) bool {
	r := p.room(m, false)
	if r == nil {
		return false
	}
	hs := r.holders[userID]
	if _, ok := hs[holder]; !ok {
		return false
	}
	delete(hs, holder)
	if len(hs) > 0 {
		return false
	}
	return p.evict(m, userID)
}

// evict removes userID from the chapter regardless of holders.
func (p presenceMap) evict(m proto.Membership, userID string) bool {
	r := p.room(m, false)
	if r == nil {
		return false
	}
	delete(r.holders, userID)
	for i := range r.users {
		if r.users[i].ID == userID {
			r.users = append(r.users[:i], r.users[i+1:]...)
			if len(r.users) == 0 {
				delete(p[m.BookID], m.ChapterID)
				if len(p[m.BookID]) == 0 {
					delete(p, m.BookID)
				}
			}
			return true
		}
	}
	return false
}

func (p presenceMap) chapterUsers(m proto.Membership) []proto.User {
	r := p.room(m, false)
	if r == nil {
		return []proto.User{}
	}
	out := make([]proto.User, len(r.users))
	copy(out, r.users)
	return out
}

func (p presenceMap) book(bookID string) map[string][]proto.User {
	out := make(map[string][]proto.User, len(p[bookID]))
	for chapterID := range p[bookID] {
		out[chapterID] = p.chapterUsers(proto.Membership{BookID: bookID, ChapterID: chapterID})
	}
	return out
}

// holdersOf lists every chapter where holder keeps someone listed.
func (p presenceMap) holdersOf(holder string) []heldEntry {
	var out []heldEntry
	for bookID, chapters := range p {
		for chapterID, r := range chapters {
			for userID, hs := range r.holders {
				if _, ok := hs[holder]; ok {
					out = append(out, heldEntry{proto.Membership{BookID: bookID, ChapterID: chapterID}, userID})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].m.BookID != out[j].m.BookID {
			return out[i].m.BookID < out[j].m.BookID
		}
		return out[i].m.ChapterID < out[j].m.ChapterID
	})
	return out
}

// localHolders counts the connections of this instance keeping userID listed.
func (p presenceMap) localHolders(m proto.Membership, userID string) int {
	r := p.room(m, false)
	if r == nil {
		return 0
	}
	n := 0
	for h := range r.holders[userID] {
		if isLocalHolder(h) {
			n++
		}
	}
	return n
}

func isLocalHolder(h string) bool {
	return h != holderRestored && !strings.HasPrefix(h, holderPeerPrefix)
}

type heldEntry struct {
	m      proto.Membership
	userID string
}

func (p presenceMap) snapshot() map[string]map[string][]proto.User {
	out := make(map[string]map[string][]proto.User, len(p))
	for bookID := range p {
		out[bookID] = p.book(bookID)
	}
	return out
}
