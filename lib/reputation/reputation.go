// Package reputation implements the Reputation & Ban Registry (§4.2):
// per-IP failure scoring with time-decay, threshold-based bans with TTL
// (optionally backing off exponentially on repeat offenses), and a
// passive sweeper for expired entries.
package reputation

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const shardCount = 32

// Config tunes the registry, mirroring the teacher's
// Config/CheckAndSetDefaults convention (lib/srv/authhandlers.go).
type Config struct {
	FailWeight     float64
	SuccessWeight  float64
	BanThreshold   float64
	BanDuration    time.Duration
	BanDurationMax time.Duration
	HalfLife       time.Duration
	CleanupInterval time.Duration
	Clock          clockwork.Clock
}

func (c *Config) checkAndSetDefaults() {
	if c.FailWeight == 0 {
		c.FailWeight = 1
	}
	if c.SuccessWeight == 0 {
		c.SuccessWeight = 0.5
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = 5
	}
	if c.BanDuration == 0 {
		c.BanDuration = 15 * time.Minute
	}
	if c.BanDurationMax == 0 {
		c.BanDurationMax = 24 * time.Hour
	}
	if c.HalfLife == 0 {
		c.HalfLife = 10 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

const epsilon = 0.01

type entry struct {
	score      float64
	lastUpdate time.Time

	banExpires time.Time
	banReason  string
	banCount   int // number of bans ever issued, for exponential backoff
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Registry is a sharded, per-IP reputation/ban map. Score decay is
// computed lazily at read time; a background sweeper drops decayed and
// expired entries at most every CleanupInterval.
type Registry struct {
	cfg    Config
	shards [shardCount]*shard

	lastSweep time.Time
	sweepMu   sync.Mutex
}

// New builds a Registry. Call Run in a goroutine to enable the passive
// sweeper; RecordFailure and the other methods never sweep.
func New(cfg Config) *Registry {
	cfg.checkAndSetDefaults()
	r := &Registry{cfg: cfg}
	for i := range r.shards {
		r.shards[i] = &shard{entries: map[string]*entry{}}
	}
	return r
}

func (r *Registry) shardFor(ip string) *shard {
	var h uint32
	for i := 0; i < len(ip); i++ {
		h = h*31 + uint32(ip[i])
	}
	return r.shards[h%shardCount]
}

// decay returns the score of e as of now, without mutating e.
func (r *Registry) decay(e *entry, now time.Time) float64 {
	if e.score == 0 {
		return 0
	}
	dt := now.Sub(e.lastUpdate).Seconds()
	halfLife := r.cfg.HalfLife.Seconds()
	if halfLife <= 0 {
		return e.score
	}
	return e.score * math.Pow(2, -dt/halfLife)
}

// RecordFailure adds FailWeight to ip's score and, if the score crosses
// BanThreshold, installs a ban. Returns true if this call caused a new
// ban to begin.
func (r *Registry) RecordFailure(ip string) (banned bool) {
	now := r.cfg.Clock.Now()
	s := r.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[ip]
	if e == nil {
		e = &entry{lastUpdate: now}
		s.entries[ip] = e
	}
	e.score = r.decay(e, now) + r.cfg.FailWeight
	e.lastUpdate = now

	if e.score >= r.cfg.BanThreshold && now.After(e.banExpires) {
		dur := r.cfg.BanDuration
		if e.banCount > 0 {
			dur = r.cfg.BanDuration * time.Duration(1<<uint(e.banCount))
			if dur > r.cfg.BanDurationMax || dur <= 0 {
				dur = r.cfg.BanDurationMax
			}
		}
		e.banExpires = now.Add(dur)
		e.banReason = "reputation threshold exceeded"
		e.banCount++
		banned = true
	}
	return banned
}

// RecordSuccess subtracts SuccessWeight from ip's score, floored at zero.
func (r *Registry) RecordSuccess(ip string) {
	now := r.cfg.Clock.Now()
	s := r.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[ip]
	if e == nil {
		return
	}
	e.score = r.decay(e, now) - r.cfg.SuccessWeight
	if e.score < 0 {
		e.score = 0
	}
	e.lastUpdate = now
}

// IsBanned reports whether ip currently has a live ban (§8: false
// exactly when no ban exists, or the latest ban's expires_at <= now).
func (r *Registry) IsBanned(ip string) bool {
	now := r.cfg.Clock.Now()
	s := r.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[ip]
	if e == nil {
		return false
	}
	return now.Before(e.banExpires)
}

// Score returns ip's current decayed score, for diagnostics/dashboards.
func (r *Registry) Score(ip string) float64 {
	now := r.cfg.Clock.Now()
	s := r.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[ip]
	if e == nil {
		return 0
	}
	return r.decay(e, now)
}

// Unban removes any ban on ip immediately (admin operation).
func (r *Registry) Unban(ip string) {
	s := r.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[ip]; e != nil {
		e.banExpires = time.Time{}
	}
}

// BannedIPs returns a snapshot of currently-banned IPs, for dashboard
// accessors (§6).
func (r *Registry) BannedIPs() map[string]time.Time {
	now := r.cfg.Clock.Now()
	out := map[string]time.Time{}
	for _, s := range r.shards {
		s.mu.Lock()
		for ip, e := range s.entries {
			if now.Before(e.banExpires) {
				out[ip] = e.banExpires
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Sweep drops entries whose decayed score is below epsilon and whose
// ban (if any) has expired. Run calls it every CleanupInterval; it may
// also be called directly.
func (r *Registry) Sweep() {
	now := r.cfg.Clock.Now()
	for _, s := range r.shards {
		s.mu.Lock()
		for ip, e := range s.entries {
			if r.decay(e, now) < epsilon && now.After(e.banExpires) {
				delete(s.entries, ip)
			}
		}
		s.mu.Unlock()
	}
}

// Run sweeps at CleanupInterval until ctx-like stop channel closes.
func (r *Registry) Run(stop <-chan struct{}) {
	ticker := r.cfg.Clock.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}
