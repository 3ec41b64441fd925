package egress

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galti3r/s5/lib/dnscache"
	"github.com/galti3r/s5/lib/policy"
)

type fakeResolver struct{ addr string }

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP(f.addr)}}, nil
}

func newTestAuthorizer(t *testing.T, addr string) *Authorizer {
	t.Helper()
	cache, err := dnscache.New(dnscache.Config{Resolver: &fakeResolver{addr: addr}})
	require.NoError(t, err)
	a, err := New(Config{DNS: cache})
	require.NoError(t, err)
	return a
}

func allowAllUser() *policy.ResolvedUser {
	return &policy.ResolvedUser{
		Forwarding: policy.Forwarding{AllowDynamic: true, AllowDirectTCP: true},
		ACL:        testACL(policy.ACLAllow),
	}
}

func testACL(def policy.ACLAction) *policy.CompiledACL {
	st, err := policy.NewStore(policy.RawConfig{
		Global: policy.RawGlobal{ACL: &policy.ACLSet{Default: def}},
		Users: map[string]policy.RawUser{
			"u": {Username: "u", PasswordHash: "x", ACL: &policy.ACLSet{Default: def}},
		},
	})
	if err != nil {
		panic(err)
	}
	ru, err := st.Current().Resolve("u")
	if err != nil {
		panic(err)
	}
	return ru.ACL
}

func TestAuthorizeRejectsDisallowedIngress(t *testing.T) {
	a := newTestAuthorizer(t, "93.184.216.34")
	user := allowAllUser()
	user.Forwarding.AllowDynamic = false

	_, err := a.Authorize(context.Background(), user, IngressDynamic, "example.com", 443)
	require.Error(t, err)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyForwardingNotAllowed, denied.Reason)
}

func TestAuthorizeRejectsBadPort(t *testing.T) {
	a := newTestAuthorizer(t, "93.184.216.34")
	user := allowAllUser()

	_, err := a.Authorize(context.Background(), user, IngressDynamic, "example.com", 0)
	require.Error(t, err)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyBadPort, denied.Reason)
}

func TestAuthorizeRejectsPrivateAddress(t *testing.T) {
	a := newTestAuthorizer(t, "10.0.0.5")
	user := allowAllUser()

	_, err := a.Authorize(context.Background(), user, IngressDynamic, "internal.example.com", 80)
	require.Error(t, err)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyPrivateAddress, denied.Reason)
}

func TestAuthorizeAllowsPrivateForAdminWithOverride(t *testing.T) {
	a := newTestAuthorizer(t, "10.0.0.5")
	user := allowAllUser()
	user.AllowPrivate = true

	dec, err := a.Authorize(context.Background(), user, IngressDynamic, "internal.example.com", 80)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", dec.ResolvedIP.String())
}

func TestAuthorizeRejectsByACL(t *testing.T) {
	a := newTestAuthorizer(t, "93.184.216.34")
	user := allowAllUser()
	user.ACL = testACL(policy.ACLDeny)

	_, err := a.Authorize(context.Background(), user, IngressDynamic, "example.com", 443)
	require.Error(t, err)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, DenyACL, denied.Reason)
}

// TestAuthorizeAllowsHostnameUnderDefaultDenyACL guards against
// rejectIP applying a default-deny ACL twice: once against the
// hostname (matched by an explicit allow rule) and once against the
// bare resolved IP (matched by nothing, falling through to the
// default), which previously rejected a legitimately allowed hostname
// destination under the standard default-deny allow-list posture.
func TestAuthorizeAllowsHostnameUnderDefaultDenyACL(t *testing.T) {
	a := newTestAuthorizer(t, "93.184.216.34")
	user := allowAllUser()
	user.ACL = testACLWithRules(policy.ACLDeny, policy.ACLRule{
		Action:      policy.ACLAllow,
		HostPattern: "example.com",
		PortPattern: "443",
	})

	_, err := a.Authorize(context.Background(), user, IngressDynamic, "example.com", 443)
	require.NoError(t, err)
}

func testACLWithRules(def policy.ACLAction, rules ...policy.ACLRule) *policy.CompiledACL {
	st, err := policy.NewStore(policy.RawConfig{
		Global: policy.RawGlobal{ACL: &policy.ACLSet{Default: def}},
		Users: map[string]policy.RawUser{
			"u": {Username: "u", PasswordHash: "x", ACL: &policy.ACLSet{Default: def, Rules: rules}},
		},
	})
	if err != nil {
		panic(err)
	}
	ru, err := st.Current().Resolve("u")
	if err != nil {
		panic(err)
	}
	return ru.ACL
}

func TestAuthorizeSelectsUpstreamPlan(t *testing.T) {
	a := newTestAuthorizer(t, "93.184.216.34")
	user := allowAllUser()
	user.UpstreamProxy = "socks5://relay.internal:1080"

	dec, err := a.Authorize(context.Background(), user, IngressDynamic, "example.com", 443)
	require.NoError(t, err)
	require.Equal(t, "socks5://relay.internal:1080", dec.Plan.UpstreamProxy)
}

func TestRevalidateCatchesRebindingToPrivateAddress(t *testing.T) {
	a := newTestAuthorizer(t, "93.184.216.34")
	user := allowAllUser()

	err := a.Revalidate(user, "example.com", net.ParseIP("127.0.0.1"), 443)
	require.Error(t, err)
}
