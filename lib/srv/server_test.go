package srv

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/galti3r/s5/lib/authn"
	"github.com/galti3r/s5/lib/dnscache"
	"github.com/galti3r/s5/lib/egress"
	"github.com/galti3r/s5/lib/policy"
	"github.com/galti3r/s5/lib/pool"
	"github.com/galti3r/s5/lib/proxyengine"
	"github.com/galti3r/s5/lib/registry"
)

func minimalValidConfig(t *testing.T) Config {
	t.Helper()
	store, err := policy.NewStore(policy.RawConfig{Global: policy.RawGlobal{ACL: &policy.ACLSet{Default: policy.ACLAllow}}})
	require.NoError(t, err)
	authenticator, err := authn.New(authn.Config{Store: store})
	require.NoError(t, err)
	dns, err := dnscache.New(dnscache.Config{})
	require.NoError(t, err)
	eg, err := egress.New(egress.Config{DNS: dns})
	require.NoError(t, err)
	engine, err := proxyengine.New(proxyengine.Config{Pool: pool.New(pool.Config{Clock: clockwork.NewFakeClock()})})
	require.NoError(t, err)

	return Config{
		HostKeys: []ssh.Signer{hostSigner(t)},
		Store:    store,
		Authn:    authenticator,
		Egress:   eg,
		Engine:   engine,
		Registry: registry.New(nil),
	}
}

func TestConfigCheckAndSetDefaultsRejectsMissingFields(t *testing.T) {
	base := minimalValidConfig(t)

	zeroOut := func(mutate func(c *Config)) error {
		c := base
		mutate(&c)
		return c.CheckAndSetDefaults()
	}

	require.Error(t, zeroOut(func(c *Config) { c.HostKeys = nil }))
	require.Error(t, zeroOut(func(c *Config) { c.Store = nil }))
	require.Error(t, zeroOut(func(c *Config) { c.Authn = nil }))
	require.Error(t, zeroOut(func(c *Config) { c.Egress = nil }))
	require.Error(t, zeroOut(func(c *Config) { c.Engine = nil }))
	require.Error(t, zeroOut(func(c *Config) { c.Registry = nil }))
}

func TestConfigCheckAndSetDefaultsFillsClockAndTimeout(t *testing.T) {
	c := minimalValidConfig(t)
	require.NoError(t, c.CheckAndSetDefaults())
	require.NotNil(t, c.Clock)
	require.Equal(t, 30*time.Second, c.AuthTimeout)
}

func TestLimitersForComposesConfiguredTiers(t *testing.T) {
	cfg := minimalValidConfig(t)
	cfg.ServerWideBytesPerSec = 1000
	s, err := New(cfg)
	require.NoError(t, err)

	user := &policy.ResolvedUser{
		Username: "bob",
		Quotas: policy.Quotas{
			PerConnectionBytesPerSec: 100,
			AggregateBytesPerSec:     200,
		},
	}
	limiters := s.limitersFor(user)
	require.Len(t, limiters, 3)
}

func TestLimitersForOmitsUnconfiguredTiers(t *testing.T) {
	cfg := minimalValidConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)

	user := &policy.ResolvedUser{Username: "bob"}
	limiters := s.limitersFor(user)
	require.Empty(t, limiters)
}

func TestAggregateLimiterReusesSameInstancePerUser(t *testing.T) {
	cfg := minimalValidConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)

	first := s.aggregateLimiter("bob", 500)
	second := s.aggregateLimiter("bob", 500)
	require.Same(t, first, second)

	other := s.aggregateLimiter("alice", 500)
	require.NotSame(t, first, other)
}
