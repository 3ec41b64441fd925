package dnscache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	calls int
	ips   []net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	f.calls++
	return f.ips, f.err
}

func TestResolveReturnsIPLiteralWithoutResolver(t *testing.T) {
	r := &fakeResolver{}
	c, err := New(Config{Resolver: r})
	require.NoError(t, err)

	ips, err := c.Resolve(context.Background(), "192.0.2.5")
	require.NoError(t, err)
	require.Equal(t, 0, r.calls)
	require.Len(t, ips, 1)
}

func TestResolveCachesUntilTTLExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &fakeResolver{ips: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}
	c, err := New(Config{Resolver: r, Mode: TTLFixed, FixedTTL: time.Minute, Clock: clock})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, 1, r.calls)

	clock.Advance(2 * time.Minute)
	_, err = c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, 2, r.calls)
}

func TestResolveDisabledModeNeverCaches(t *testing.T) {
	r := &fakeResolver{ips: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}
	c, err := New(Config{Resolver: r, Mode: TTLDisabled})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, 2, r.calls)
}

func TestResolveReturnsNotFoundOnEmptyAnswer(t *testing.T) {
	r := &fakeResolver{}
	c, err := New(Config{Resolver: r})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "nowhere.invalid")
	require.Error(t, err)
}
