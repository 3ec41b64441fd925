// Package quota implements the Quota Tracker (§4.4): per-user
// concurrent-connection, rolling-hour, daily and monthly bandwidth
// counters with timezone-aware boundary resets, plus best-effort
// write-behind persistence.
package quota

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Quotas are the limits a user is held to; zero means unlimited for
// that dimension.
type Quotas struct {
	MaxConnections      int
	RollingHourBytes    int64
	DailyBandwidthBytes int64
	MonthlyBytes        int64
	MonthlyConnections  int
}

// DenyReason names why Reserve or a runtime check refused.
type DenyReason string

const (
	DenyMaxConnections DenyReason = "max_connections"
	DenyMonthlyConns   DenyReason = "monthly_connections"
	DenyQuotaRolling   DenyReason = "quota_rolling_hour"
	DenyQuotaDaily     DenyReason = "quota_daily"
	DenyQuotaMonthly   DenyReason = "quota_monthly"
)

// DeniedError is returned by Reserve/RecordBytes when a quota
// would be (or was) exceeded.
type DeniedError struct {
	Reason DenyReason
}

func (e *DeniedError) Error() string { return "quota exceeded: " + string(e.Reason) }

const rollingBuckets = 60 // 1-minute granularity over a trailing hour

type userState struct {
	mu sync.Mutex

	quotas Quotas
	loc    *time.Location

	concurrent int

	// rolling hour, minute-granularity ring
	minuteBuckets [rollingBuckets]int64
	minuteBase    int64

	dayKey       string
	dailyBytes   int64
	monthKey     string
	monthlyBytes int64
	monthlyConns int
}

func newUserState(q Quotas, loc *time.Location, now time.Time) *userState {
	u := &userState{quotas: q, loc: loc, minuteBase: now.Unix() / 60}
	u.dayKey = dayKey(now, loc)
	u.monthKey = monthKey(now, loc)
	return u
}

func dayKey(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	return lt.Format("2006-01-02")
}

func monthKey(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	return lt.Format("2006-01")
}

func (u *userState) rollMinutes(now time.Time) {
	slot := now.Unix() / 60
	delta := slot - u.minuteBase
	if delta <= 0 {
		return
	}
	if delta >= rollingBuckets {
		u.minuteBuckets = [rollingBuckets]int64{}
	} else {
		for i := int64(1); i <= delta; i++ {
			idx := (u.minuteBase + i) % rollingBuckets
			u.minuteBuckets[idx] = 0
		}
	}
	u.minuteBase = slot
}

func (u *userState) rollingSum(now time.Time) int64 {
	u.rollMinutes(now)
	var sum int64
	for _, b := range u.minuteBuckets {
		sum += b
	}
	return sum
}

func (u *userState) maybeResetBoundaries(now time.Time) {
	dk := dayKey(now, u.loc)
	if dk != u.dayKey {
		u.dayKey = dk
		u.dailyBytes = 0
	}
	mk := monthKey(now, u.loc)
	if mk != u.monthKey {
		u.monthKey = mk
		u.monthlyBytes = 0
		u.monthlyConns = 0
	}
}

// Token is the opaque handle returned by Reserve, passed back to
// RecordBytes and Release. Not safe for concurrent Release calls from
// multiple goroutines for the same token.
type Token struct {
	username string
	released bool
}

// Usage is a point-in-time snapshot of a user's counters (§6 dashboard
// accessor).
type Usage struct {
	Concurrent         int
	RollingHourBytes   int64
	DailyBytes         int64
	MonthlyBytes       int64
	MonthlyConnections int
}

// Tracker holds per-user quota state.
type Tracker struct {
	clock clockwork.Clock

	mu    sync.Mutex
	users map[string]*userState

	persist Persister
}

// Persister is implemented by the write-behind snapshot file writer.
// Save must not block the data path; Tracker calls it from a
// best-effort background loop, never inline with RecordBytes.
type Persister interface {
	Save(rows []Row) error
	Load() ([]Row, error)
}

// Row is one persisted (user, day, month) tuple, §6 "Quota snapshot file".
type Row struct {
	User         string
	DayKey       string
	MonthKey     string
	DailyBytes   int64
	MonthlyBytes int64
	MonthlyConns int
}

// New builds a Tracker. clock/persist may be nil (real clock, no persistence).
func New(clock clockwork.Clock, persist Persister) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Tracker{clock: clock, users: map[string]*userState{}, persist: persist}
	if persist != nil {
		if rows, err := persist.Load(); err == nil {
			t.restore(rows)
		}
	}
	return t
}

func (t *Tracker) restore(rows []Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for _, r := range rows {
		us := newUserState(Quotas{}, time.UTC, now)
		if r.DayKey == dayKey(now, time.UTC) {
			us.dailyBytes = r.DailyBytes
			us.dayKey = r.DayKey
		}
		if r.MonthKey == monthKey(now, time.UTC) {
			us.monthlyBytes = r.MonthlyBytes
			us.monthlyConns = r.MonthlyConns
			us.monthKey = r.MonthKey
		}
		t.users[r.User] = us
	}
}

func (t *Tracker) stateFor(username string, q Quotas, loc *time.Location) *userState {
	t.mu.Lock()
	defer t.mu.Unlock()
	us, ok := t.users[username]
	if !ok {
		us = newUserState(q, loc, t.clock.Now())
		t.users[username] = us
	}
	us.quotas = q // quotas may change on policy reload; always reflect latest
	if loc != nil {
		us.loc = loc
	}
	return us
}

// Reserve attempts to take a connection slot for username, checking
// concurrent and monthly connection caps. On success the caller must
// eventually call Release(token).
func (t *Tracker) Reserve(username string, q Quotas, loc *time.Location) (*Token, error) {
	if loc == nil {
		loc = time.UTC
	}
	us := t.stateFor(username, q, loc)
	now := t.clock.Now()

	us.mu.Lock()
	defer us.mu.Unlock()
	us.maybeResetBoundaries(now)

	if q.MaxConnections > 0 && us.concurrent >= q.MaxConnections {
		return nil, &DeniedError{Reason: DenyMaxConnections}
	}
	if q.MonthlyConnections > 0 && us.monthlyConns >= q.MonthlyConnections {
		return nil, &DeniedError{Reason: DenyMonthlyConns}
	}

	us.concurrent++
	us.monthlyConns++
	return &Token{username: username}, nil
}

// RecordBytes reports up/down bytes transferred for token's connection.
// If the update would push any bandwidth counter over its configured
// cap, the bytes are NOT committed and a DeniedError is returned; the
// caller must terminate the connection before committing further
// bytes downstream (§8 testable property).
func (t *Tracker) RecordBytes(token *Token, up, down int64) error {
	t.mu.Lock()
	us, ok := t.users[token.username]
	t.mu.Unlock()
	if !ok {
		return trace.NotFound("no quota state for %q", token.username)
	}

	total := up + down
	now := t.clock.Now()

	us.mu.Lock()
	defer us.mu.Unlock()
	us.maybeResetBoundaries(now)

	if us.quotas.RollingHourBytes > 0 && us.rollingSum(now)+total > us.quotas.RollingHourBytes {
		return &DeniedError{Reason: DenyQuotaRolling}
	}
	if us.quotas.DailyBandwidthBytes > 0 && us.dailyBytes+total > us.quotas.DailyBandwidthBytes {
		return &DeniedError{Reason: DenyQuotaDaily}
	}
	if us.quotas.MonthlyBytes > 0 && us.monthlyBytes+total > us.quotas.MonthlyBytes {
		return &DeniedError{Reason: DenyQuotaMonthly}
	}

	us.rollMinutes(now)
	slot := int((now.Unix() / 60) % rollingBuckets)
	us.minuteBuckets[slot] += total
	us.dailyBytes += total
	us.monthlyBytes += total
	return nil
}

// Release gives back a reserved connection slot. Idempotent.
func (t *Tracker) Release(token *Token) {
	if token == nil || token.released {
		return
	}
	token.released = true

	t.mu.Lock()
	us, ok := t.users[token.username]
	t.mu.Unlock()
	if !ok {
		return
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.concurrent > 0 {
		us.concurrent--
	}
}

// Snapshot returns a point-in-time usage view for dashboards.
func (t *Tracker) Snapshot(username string) (Usage, bool) {
	t.mu.Lock()
	us, ok := t.users[username]
	t.mu.Unlock()
	if !ok {
		return Usage{}, false
	}
	now := t.clock.Now()
	us.mu.Lock()
	defer us.mu.Unlock()
	us.maybeResetBoundaries(now)
	return Usage{
		Concurrent:         us.concurrent,
		RollingHourBytes:   us.rollingSum(now),
		DailyBytes:         us.dailyBytes,
		MonthlyBytes:       us.monthlyBytes,
		MonthlyConnections: us.monthlyConns,
	}, true
}

// Reset clears a user's counters (admin operation).
func (t *Tracker) Reset(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, username)
}

// PersistNow performs one best-effort write-behind snapshot pass. It is
// called from a ticker goroutine; it never blocks the data path. It
// does not log: a Save error is returned to the caller.
func (t *Tracker) PersistNow() error {
	if t.persist == nil {
		return nil
	}
	t.mu.Lock()
	rows := make([]Row, 0, len(t.users))
	for user, us := range t.users {
		us.mu.Lock()
		rows = append(rows, Row{
			User:         user,
			DayKey:       us.dayKey,
			MonthKey:     us.monthKey,
			DailyBytes:   us.dailyBytes,
			MonthlyBytes: us.monthlyBytes,
			MonthlyConns: us.monthlyConns,
		})
		us.mu.Unlock()
	}
	t.mu.Unlock()
	return trace.Wrap(t.persist.Save(rows))
}

// Run persists on the given interval until stop is closed. Exact
// persistence frequency is left to the caller (§9 open question:
// best-effort write-behind without a committed interval).
func (t *Tracker) Run(interval time.Duration, stop <-chan struct{}) {
	if t.persist == nil || interval <= 0 {
		return
	}
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			_ = t.PersistNow()
			return
		case <-ticker.Chan():
			_ = t.PersistNow()
		}
	}
}
