// File: internal/server/registry.go
package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zapmcp/zapmcp/internal/protocol"
)

// session is one live client connection and its scan state. The scan context
// is mutated only by dispatch calls arriving on this session's own
// connection, so a mutex is enough to keep it consistent with the
// subscription poller reading it.
type session struct {
	id string

	// send is drained by the connection's write pump. Everything written to
	// the peer (replies and push events) goes through it so socket writes
	// stay serialized.
	send chan *protocol.Envelope

	mu      sync.Mutex
	closed  bool
	scanCtx *protocol.ScanContext
	sub     *subscription
}

// queue offers an envelope to the write pump without blocking. It reports
// false when the session is torn down or the peer is too slow to drain its
// buffer.
func (s *session) queue(env *protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once; the write pump sees the close
// and sends the closing frame.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func newSession(id string, sendBuffer int) *session {
	return &session{
		id:   id,
		send: make(chan *protocol.Envelope, sendBuffer),
	}
}

// context returns a copy of the current scan context, or nil when the session
// has no active scan.
func (s *session) context() *protocol.ScanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanCtx == nil {
		return nil
	}
	cp := *s.scanCtx
	return &cp
}

// setContext replaces the session's scan context. Starting a new scan while
// one is active replaces it; there is no implicit queuing.
func (s *session) setContext(ctx *protocol.ScanContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanCtx = ctx
}

// markStopped moves the context to its terminal stopped state. Transitions
// are forward-only: a context that already reached stopped or error stays put.
func (s *session) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanCtx != nil && s.scanCtx.Status == protocol.ScanRunning {
		s.scanCtx.Status = protocol.ScanStopped
	}
}

// markErrored moves the context to the terminal error state, but only when
// the failed scan is still the one the session tracks.
func (s *session) markErrored(scanID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanCtx != nil && s.scanCtx.ScanID == scanID && s.scanCtx.Status == protocol.ScanRunning {
		s.scanCtx.Status = protocol.ScanError
	}
}

// swapSubscription installs a new subscription, returning the one it
// replaced (if any) so the caller can cancel it.
func (s *session) swapSubscription(sub *subscription) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.sub
	s.sub = sub
	return old
}

// registry is the process-wide session table. Entries are created on connect
// and removed on disconnect; a session never outlives its connection.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	counter  uint64
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// nextID produces a session identifier unique among currently registered
// sessions: a monotonic counter plus a random suffix.
func (r *registry) nextID() string {
	r.mu.Lock()
	r.counter++
	n := r.counter
	r.mu.Unlock()

	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("session_%d_%s", n, suffix)
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// remove deletes a session and returns it, or nil when the id is unknown.
// Safe to call more than once for the same id.
func (r *registry) remove(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

func (r *registry) get(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// all snapshots the live sessions for shutdown sweeps.
func (r *registry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
