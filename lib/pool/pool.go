// Package pool implements a per-(host,port) LIFO idle-socket pool, so
// the Proxy Engine can reuse a warm outbound connection instead of
// dialing fresh when §4.7's connection pool is enabled.
package pool

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config configures a Pool.
type Config struct {
	IdleTimeout time.Duration
	Clock       clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

type idleConn struct {
	conn   net.Conn
	pooled time.Time
}

type key struct {
	host string
	port int
}

// Pool holds idle outbound sockets keyed by destination, LIFO within
// each key so the most recently idled (most likely still warm) socket
// is reused first.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	stack map[key][]idleConn
}

// New builds a Pool.
func New(cfg Config) *Pool {
	cfg.CheckAndSetDefaults()
	return &Pool{cfg: cfg, stack: map[key][]idleConn{}}
}

// Put returns conn to the pool for future reuse toward (host, port).
func (p *Pool) Put(host string, port int, conn net.Conn) {
	k := key{host, port}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stack[k] = append(p.stack[k], idleConn{conn: conn, pooled: p.cfg.Clock.Now()})
}

// Get pops the most recently idled live socket for (host, port), if
// any. Liveness is checked by the caller-supplied liveness func (a nil
// func skips the check): a pooled socket it reports dead is closed and
// discarded rather than handed back, per §4.7's "validate liveness ...
// reuse" connect procedure.
func (p *Pool) Get(host string, port int, liveness func(net.Conn) bool) net.Conn {
	k := key{host, port}
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.stack[k]
	now := p.cfg.Clock.Now()
	for len(entries) > 0 {
		last := entries[len(entries)-1]
		entries = entries[:len(entries)-1]

		if now.Sub(last.pooled) > p.cfg.IdleTimeout {
			last.conn.Close()
			continue
		}
		if liveness != nil && !liveness(last.conn) {
			last.conn.Close()
			continue
		}
		p.stack[k] = entries
		return last.conn
	}
	p.stack[k] = entries
	return nil
}

// Sweep closes and discards every idle socket older than the
// configured idle timeout, across all keys. Intended to run on a
// ticker alongside Reputation's and Quota's own janitors.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	closed := 0
	for k, entries := range p.stack {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.pooled) > p.cfg.IdleTimeout {
				e.conn.Close()
				closed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.stack, k)
		} else {
			p.stack[k] = kept
		}
	}
	return closed
}

// Len reports the total number of idle sockets held across all keys.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, entries := range p.stack {
		n += len(entries)
	}
	return n
}

// Run sweeps on the given interval until stop is closed.
func (p *Pool) Run(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := p.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			p.Sweep()
		}
	}
}
