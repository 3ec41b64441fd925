// Package registry implements the global connection registry (§5):
// every connection owns a cancellation handle stored keyed by
// (username, conn_id); shutdown, kick, reload-induced ban, and quota
// violation all trigger cancellation through it.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handle is one live connection's cancellation control, handed to the
// Proxy Engine's copy loop so it can observe cancellation between I/O
// operations.
type Handle struct {
	Username string
	ConnID   string

	ctx    context.Context
	cancel context.CancelFunc
}

// Done returns the channel that closes when this connection is
// cancelled (kicked, shut down, or banned mid-session).
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Err reports why Done closed, nil if still live.
func (h *Handle) Err() error { return h.ctx.Err() }

// Registry tracks every live connection's Handle, keyed by
// (username, conn_id). The hot path is insert/remove; iteration is
// reserved for kick-by-user and broadcast, both rare relative to the
// data path, so a single mutex region suffices (§5).
type Registry struct {
	mu      sync.Mutex
	byUser  map[string]map[string]*Handle
	parent  context.Context
}

// New builds a Registry. A cancelled parent context cancels every
// handle issued from it and every handle already registered.
func New(parent context.Context) *Registry {
	if parent == nil {
		parent = context.Background()
	}
	return &Registry{byUser: map[string]map[string]*Handle{}, parent: parent}
}

// Register creates and tracks a new Handle for username, returning it
// along with a release function the caller must defer.
func (r *Registry) Register(username string) (*Handle, func()) {
	ctx, cancel := context.WithCancel(r.parent)
	h := &Handle{Username: username, ConnID: uuid.NewString(), ctx: ctx, cancel: cancel}

	r.mu.Lock()
	conns, ok := r.byUser[username]
	if !ok {
		conns = map[string]*Handle{}
		r.byUser[username] = conns
	}
	conns[h.ConnID] = h
	r.mu.Unlock()

	release := func() {
		cancel()
		r.mu.Lock()
		defer r.mu.Unlock()
		if conns, ok := r.byUser[username]; ok {
			delete(conns, h.ConnID)
			if len(conns) == 0 {
				delete(r.byUser, username)
			}
		}
	}
	return h, release
}

// Kick cancels every live connection owned by username (admin
// operation: ban, policy change, explicit disconnect request).
func (r *Registry) Kick(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byUser[username]
	for _, h := range conns {
		h.cancel()
	}
	return len(conns)
}

// Broadcast cancels every live connection across every user (used for
// graceful shutdown).
func (r *Registry) Broadcast() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, conns := range r.byUser {
		for _, h := range conns {
			h.cancel()
			n++
		}
	}
	return n
}

// Count reports the number of live connections for username.
func (r *Registry) Count(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[username])
}

// Total reports the number of live connections across all users.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}
