package pool

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func pipeConn() net.Conn {
	a, _ := net.Pipe()
	return a
}

func TestPutGetIsLIFO(t *testing.T) {
	p := New(Config{})
	c1, c2 := pipeConn(), pipeConn()
	p.Put("example.com", 443, c1)
	p.Put("example.com", 443, c2)

	got := p.Get("example.com", 443, nil)
	require.Same(t, c2, got)
}

func TestGetReturnsNilWhenEmpty(t *testing.T) {
	p := New(Config{})
	require.Nil(t, p.Get("example.com", 443, nil))
}

func TestGetDiscardsExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(Config{IdleTimeout: time.Minute, Clock: clock})
	c1 := pipeConn()
	p.Put("example.com", 443, c1)

	clock.Advance(2 * time.Minute)
	require.Nil(t, p.Get("example.com", 443, nil))
}

func TestGetDiscardsDeadConnections(t *testing.T) {
	p := New(Config{})
	c1 := pipeConn()
	p.Put("example.com", 443, c1)

	got := p.Get("example.com", 443, func(net.Conn) bool { return false })
	require.Nil(t, got)
}

func TestSweepRemovesExpiredAcrossKeys(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(Config{IdleTimeout: time.Minute, Clock: clock})
	p.Put("a.example.com", 80, pipeConn())
	p.Put("b.example.com", 443, pipeConn())
	require.Equal(t, 2, p.Len())

	clock.Advance(2 * time.Minute)
	closed := p.Sweep()
	require.Equal(t, 2, closed)
	require.Equal(t, 0, p.Len())
}
