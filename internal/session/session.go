// Package session tracks live connections and their rate-limit timers.
package session

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rplacetk/canvasd"
)

// BlockedMarker prefixes identities that are refused outright.
const BlockedMarker = "%"

// Identity derives the ban-matching identity for a connection. When
// trustForwarded is set and a forwarded-for header is present, its first
// hop is used; otherwise the host part of the remote address. Ports are
// dropped so a ban outlives the connection that earned it.
func Identity(remoteAddr, forwardedFor string, trustForwarded bool) string {
	if trustForwarded && forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// Session is the per-connection state.
type Session struct {
	client      canvasd.Client
	identity    string
	connectedAt time.Time

	mu            sync.Mutex
	lastChatAt    time.Time
	cooldownUntil time.Time
}

// New creates a session for an admitted client.
func New(client canvasd.Client, identity string, now time.Time) *Session {
	return &Session{
		client:      client,
		identity:    identity,
		connectedAt: now,
	}
}

func (s *Session) ID() string             { return s.client.ID() }
func (s *Session) Identity() string       { return s.identity }
func (s *Session) Client() canvasd.Client { return s.client }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// AllowChat records a chat at now unless the previous accepted chat was
// less than interval ago.
func (s *Session) AllowChat(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.lastChatAt.Add(interval)) {
		return false
	}
	s.lastChatAt = now
	return true
}

func (s *Session) LastChatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChatAt
}

func (s *Session) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

// AdvanceCooldown moves the cooldown expiry forward. Earlier values are
// ignored so the expiry never goes backwards.
func (s *Session) AdvanceCooldown(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
}

// Registry maps connection IDs to sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove deletes the session and returns it, if present.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot copies the current sessions so callers can iterate while
// connections come and go.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
