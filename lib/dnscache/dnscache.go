// Package dnscache caches forward-lookup results in a single bounded
// LRU guarded by one lock (the cache is not sharded), with three TTL
// modes: "native", a fixed administrator-configured TTL ("fixed"), or
// no caching at all ("disabled"). net.Resolver does not expose record
// TTLs, so "native" mode keeps every answer for a fixed 30s rather than
// for the resolver's own answer TTL.
package dnscache

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
)

// TTLMode selects how a resolved answer's cache lifetime is computed.
type TTLMode string

const (
	TTLNative   TTLMode = "native"
	TTLFixed    TTLMode = "fixed"
	TTLDisabled TTLMode = "disabled"
)

// Resolver is the subset of net.Resolver this package depends on, so
// tests can substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config configures a Cache.
type Config struct {
	Resolver Resolver
	Mode     TTLMode
	FixedTTL time.Duration
	// Capacity bounds the number of distinct hostnames cached.
	Capacity int
	Clock    clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	if c.Mode == "" {
		c.Mode = TTLNative
	}
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	switch c.Mode {
	case TTLNative, TTLFixed, TTLDisabled:
	default:
		return trace.BadParameter("dnscache: unknown ttl mode %q", c.Mode)
	}
	return nil
}

type entry struct {
	ips     []net.IP
	expires time.Time
}

// Cache resolves and caches hostnames to their candidate IPs.
type Cache struct {
	cfg   Config
	store *lru.Cache // host -> *entry
}

// New builds a Cache from cfg.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := lru.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{cfg: cfg, store: store}, nil
}

// Resolve returns the candidate IPs for host. An IP literal is
// returned immediately without touching the cache or resolver.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	if c.cfg.Mode != TTLDisabled {
		if v, ok := c.store.Get(host); ok {
			e := v.(*entry)
			if c.cfg.Clock.Now().Before(e.expires) {
				return e.ips, nil
			}
			c.store.Remove(host)
		}
	}

	addrs, err := c.cfg.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, trace.Wrap(err, "resolving %q", host)
	}
	if len(addrs) == 0 {
		return nil, trace.NotFound("no addresses found for %q", host)
	}

	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}

	if c.cfg.Mode != TTLDisabled {
		ttl := c.ttlFor()
		c.store.Add(host, &entry{ips: ips, expires: c.cfg.Clock.Now().Add(ttl)})
	}

	return ips, nil
}

// ttlFor computes the cache lifetime for a freshly resolved answer.
// Native record TTLs are not exposed by net.Resolver's standard
// interface, so "native" mode falls back to a conservative short TTL
// rather than fabricating a per-record value (documented open
// question, resolved in DESIGN.md).
func (c *Cache) ttlFor() time.Duration {
	if c.cfg.Mode == TTLFixed && c.cfg.FixedTTL > 0 {
		return c.cfg.FixedTTL
	}
	return 30 * time.Second
}

// Purge evicts every cached entry (admin operation / tests).
func (c *Cache) Purge() {
	c.store.Purge()
}

// Len reports the number of cached hostnames.
func (c *Cache) Len() int {
	return c.store.Len()
}
