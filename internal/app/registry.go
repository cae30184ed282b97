package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Token   string
	Session core.PeerSession
	Cancel  context.CancelFunc
	// Linked is the peer this one is ringing or talking to.
	Linked domain.PeerID
}

// Registry knows every connected peer by its self id and every user by its
// client token. A user keeps its display name across reconnects; the self id
// does not survive one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*sessionEntry
	users    map[string]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.PeerID]*sessionEntry),
		users:    make(map[string]*domain.User),
	}
}

func (r *Registry) GetOrCreateUser(token string) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[token]; ok {
		return u
	}
	u := &domain.User{ID: domain.UserID(token), Username: domain.DefaultUsername}
	r.users[token] = u
	log.Info().Str("module", "app.registry").Str("token", token).Msg("created new user")
	return u
}

func (r *Registry) UpdateUsername(token string, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[token]
	if !ok {
		u = &domain.User{ID: domain.UserID(token), Username: domain.DefaultUsername}
		r.users[token] = u
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("token", token).Str("username", u.Username).Msg("updated username")
	return nil
}

// Username reads the display name under the registry lock.
func (r *Registry) Username(token string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[token]; ok {
		return u.Username
	}
	return domain.DefaultUsername
}

func (r *Registry) Bind(sid domain.PeerID, token string, sess core.PeerSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Token: token, Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound session")
}

func (r *Registry) GetSession(sid domain.PeerID) (core.PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// TokenOf returns the client token the connection sid belongs to.
func (r *Registry) TokenOf(sid domain.PeerID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Token, true
	}
	return "", false
}

// Unbind forgets sid and reports the peer it was linked with, if that peer
// still considered itself linked back.
func (r *Registry) Unbind(sid domain.PeerID) (domain.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")

	if e.Linked == "" {
		return "", false
	}
	other, ok := r.sessions[e.Linked]
	if !ok || other.Linked != sid {
		return "", false
	}
	other.Linked = ""
	return e.Linked, true
}

// Link records that a is ringing b. Either side that is already in a call
// with someone else keeps that link, so a busy offer cannot steal it.
func (r *Registry) Link(a, b domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freeLocked(a, b) {
		r.sessions[a].Linked = b
	}
	if r.freeLocked(b, a) {
		r.sessions[b].Linked = a
	}
}

// Pair records that a accepted a call from b. It replaces any earlier link
// of either side.
func (r *Registry) Pair(a, b domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range [][2]domain.PeerID{{a, b}, {b, a}} {
		e, ok := r.sessions[p[0]]
		if !ok {
			continue
		}
		if prev, ok := r.sessions[e.Linked]; ok && e.Linked != p[1] && prev.Linked == p[0] {
			prev.Linked = ""
		}
		e.Linked = p[1]
	}
}

// freeLocked reports whether sid may be linked to other: it is unlinked,
// already linked to other, or linked to a peer that is gone.
func (r *Registry) freeLocked(sid, other domain.PeerID) bool {
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	if e.Linked == "" || e.Linked == other {
		return true
	}
	_, alive := r.sessions[e.Linked]
	return !alive
}

// Unlink clears the link between a and b, leaving unrelated links alone.
func (r *Registry) Unlink(a, b domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[a]; ok && e.Linked == b {
		e.Linked = ""
	}
	if e, ok := r.sessions[b]; ok && e.Linked == a {
		e.Linked = ""
	}
}

func (r *Registry) LinkedPeer(sid domain.PeerID) (domain.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Linked == "" {
		return "", false
	}
	return e.Linked, true
}

// PeerDTO is a read-only view for APIs (no transport fields).
type PeerDTO struct {
	ID       domain.PeerID `json:"id"`
	Username string        `json:"username"`
	InCall   bool          `json:"inCall"`
}

func (r *Registry) Online() []PeerDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerDTO, 0, len(r.sessions))
	for sid, e := range r.sessions {
		out = append(out, PeerDTO{ID: sid, Username: e.Session.User().Username, InCall: e.Linked != ""})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Cancel(sid domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
