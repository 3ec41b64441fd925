package quota

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestReserveRespectsMaxConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil)
	q := Quotas{MaxConnections: 2}

	tok1, err := tr.Reserve("bob", q, nil)
	require.NoError(t, err)
	tok2, err := tr.Reserve("bob", q, nil)
	require.NoError(t, err)

	_, err = tr.Reserve("bob", q, nil)
	require.Error(t, err)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyMaxConnections, denied.Reason)

	tr.Release(tok1)
	tok3, err := tr.Reserve("bob", q, nil)
	require.NoError(t, err)

	tr.Release(tok2)
	tr.Release(tok3)
}

func TestDailyQuotaTerminatesBeforeCommit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil)
	q := Quotas{DailyBandwidthBytes: 1024 * 1024}

	tok, err := tr.Reserve("bob", q, nil)
	require.NoError(t, err)

	require.NoError(t, tr.RecordBytes(tok, 900*1024, 0))

	err = tr.RecordBytes(tok, 200*1024, 0)
	require.Error(t, err)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyQuotaDaily, denied.Reason)

	usage, ok := tr.Snapshot("bob")
	require.True(t, ok)
	require.Equal(t, int64(900*1024), usage.DailyBytes) // rejected bytes not committed
}

func TestDailyBoundaryResetsAtLocalMidnight(t *testing.T) {
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	start := time.Date(2026, 1, 1, 23, 0, 0, 0, loc)
	clock := clockwork.NewFakeClockAt(start)
	tr := New(clock, nil)
	q := Quotas{DailyBandwidthBytes: 1000}

	tok, err := tr.Reserve("bob", q, loc)
	require.NoError(t, err)
	require.NoError(t, tr.RecordBytes(tok, 900, 0))

	clock.Advance(2 * time.Hour) // crosses midnight
	require.NoError(t, tr.RecordBytes(tok, 900, 0))

	usage, _ := tr.Snapshot("bob")
	require.Equal(t, int64(900), usage.DailyBytes)
}

func TestMonthlyBoundaryReset(t *testing.T) {
	start := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	tr := New(clock, nil)
	q := Quotas{MonthlyBytes: 1000}

	tok, err := tr.Reserve("bob", q, time.UTC)
	require.NoError(t, err)
	require.NoError(t, tr.RecordBytes(tok, 900, 0))

	clock.Advance(2 * time.Hour) // crosses into February
	require.NoError(t, tr.RecordBytes(tok, 900, 0))

	usage, _ := tr.Snapshot("bob")
	require.Equal(t, int64(900), usage.MonthlyBytes)
}

func TestRollingHourWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil)
	q := Quotas{RollingHourBytes: 1000}

	tok, err := tr.Reserve("bob", q, nil)
	require.NoError(t, err)
	require.NoError(t, tr.RecordBytes(tok, 900, 0))

	clock.Advance(61 * time.Minute)
	require.NoError(t, tr.RecordBytes(tok, 900, 0)) // old bucket evicted
}

func TestFilePersisterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewFilePersister(filepath.Join(dir, "quota.json"))

	rows := []Row{{User: "alice", DayKey: "2026-01-01", DailyBytes: 42}}
	require.NoError(t, p.Save(rows))

	loaded, err := p.Load()
	require.NoError(t, err)
	require.Equal(t, rows, loaded)
}

func TestFilePersisterMissingFileIsNotError(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "missing.json"))
	rows, err := p.Load()
	require.NoError(t, err)
	require.Nil(t, rows)
}
