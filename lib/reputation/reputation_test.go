package reputation

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestBanAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Config{
		FailWeight:   1,
		BanThreshold: 5,
		BanDuration:  time.Minute,
		Clock:        clock,
	})

	for i := 0; i < 4; i++ {
		require.False(t, r.RecordFailure("203.0.113.7"))
	}
	require.False(t, r.IsBanned("203.0.113.7"))

	require.True(t, r.RecordFailure("203.0.113.7"))
	require.True(t, r.IsBanned("203.0.113.7"))

	clock.Advance(61 * time.Second)
	require.False(t, r.IsBanned("203.0.113.7"))
}

func TestDecayIsMonotoneWithoutFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Config{FailWeight: 1, HalfLife: time.Minute, Clock: clock})

	r.RecordFailure("1.2.3.4")
	s0 := r.Score("1.2.3.4")
	clock.Advance(30 * time.Second)
	s1 := r.Score("1.2.3.4")
	clock.Advance(time.Hour)
	s2 := r.Score("1.2.3.4")

	require.Less(t, s1, s0)
	require.Less(t, s2, s1)
	require.InDelta(t, 0, s2, 1e-6)
}

func TestSuccessReducesScoreFlooredAtZero(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Config{FailWeight: 1, SuccessWeight: 5, Clock: clock})
	r.RecordFailure("9.9.9.9")
	r.RecordSuccess("9.9.9.9")
	require.Equal(t, float64(0), r.Score("9.9.9.9"))
}

func TestExponentialBackoffOnRepeatBans(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Config{
		FailWeight:     10,
		BanThreshold:   5,
		BanDuration:    time.Minute,
		BanDurationMax: time.Hour,
		Clock:          clock,
	})

	require.True(t, r.RecordFailure("5.5.5.5"))
	clock.Advance(2 * time.Minute) // let first ban expire
	require.True(t, r.RecordFailure("5.5.5.5"))
	s := r.shardFor("5.5.5.5")
	s.mu.Lock()
	second := s.entries["5.5.5.5"].banExpires
	s.mu.Unlock()
	require.True(t, second.Sub(clock.Now()) > time.Minute)
}

func TestUnban(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Config{FailWeight: 10, BanThreshold: 5, BanDuration: time.Hour, Clock: clock})
	r.RecordFailure("8.8.8.8")
	require.True(t, r.IsBanned("8.8.8.8"))
	r.Unban("8.8.8.8")
	require.False(t, r.IsBanned("8.8.8.8"))
}

func TestSweepDropsDecayedAndExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Config{FailWeight: 1, HalfLife: time.Second, BanDuration: time.Second, BanThreshold: 100, Clock: clock})
	r.RecordFailure("1.1.1.1")
	clock.Advance(time.Hour)
	r.Sweep()
	require.Empty(t, r.BannedIPs())
}
