// Package egress implements the Egress Authorizer (§4.6): given a
// resolved user and a requested (host, port), runs destination
// validation, name resolution, anti-SSRF, GeoIP, and ACL evaluation in
// order, first deny wins, then selects an upstream plan.
package egress

import (
	"context"
	"net"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/galti3r/s5/lib/dnscache"
	"github.com/galti3r/s5/lib/policy"
)

// IngressKind names which forwarding permission a request must match.
type IngressKind string

const (
	IngressDynamic    IngressKind = "dynamic"     // SSH -D / in-channel SOCKS5
	IngressDirectTCP  IngressKind = "direct_tcp"  // SSH -L
	IngressStandalone IngressKind = "standalone"  // standalone SOCKS5 listener
)

// DenyReason names why Authorize refused a request, mirroring §7's
// EgressDecision reasons.
type DenyReason string

const (
	DenyForwardingNotAllowed DenyReason = "forwarding_not_allowed"
	DenyBadPort              DenyReason = "bad_port"
	DenyResolution           DenyReason = "resolution_failed"
	DenyPrivateAddress       DenyReason = "private_address"
	DenyGeo                  DenyReason = "geo_denied"
	DenyACL                  DenyReason = "acl_denied"
)

// DeniedError is returned by Authorize when every candidate address (or
// the request itself) is rejected.
type DeniedError struct {
	Reason DenyReason
}

func (e *DeniedError) Error() string { return "egress denied: " + string(e.Reason) }

// UpstreamPlan names how the Proxy Engine should reach the destination.
type UpstreamPlan struct {
	// UpstreamProxy is a SOCKS5 proxy address to relay through, or ""
	// for a direct outbound connection.
	UpstreamProxy string
	// UsePool indicates the Proxy Engine should try the connection pool
	// for (host, port) before dialing fresh.
	UsePool bool
}

// Decision is the result of a successful Authorize call.
type Decision struct {
	ResolvedIP net.IP
	Host       string
	Port       int
	Plan       UpstreamPlan
}

// GeoLookup resolves an IP to an ISO country code. A nil GeoLookup
// disables the GeoIP gate.
type GeoLookup interface {
	Country(ip net.IP) (string, error)
}

// Config configures an Authorizer.
type Config struct {
	DNS                   *dnscache.Cache
	Geo                   GeoLookup
	ConnectionPoolEnabled bool
}

func (c *Config) CheckAndSetDefaults() error {
	if c.DNS == nil {
		return trace.BadParameter("egress: DNS cache is required")
	}
	return nil
}

// Authorizer evaluates requested destinations against a resolved
// user's policy.
type Authorizer struct {
	cfg Config
}

func New(cfg Config) (*Authorizer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authorizer{cfg: cfg}, nil
}

// Authorize runs the §4.6 pipeline for one (host, port) request issued
// over ingress kind via user.
func (a *Authorizer) Authorize(ctx context.Context, user *policy.ResolvedUser, kind IngressKind, host string, port int) (*Decision, error) {
	if err := checkForwardingAllowed(user, kind); err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, &DeniedError{Reason: DenyBadPort}
	}

	candidates, err := a.cfg.DNS.Resolve(ctx, host)
	if err != nil {
		return nil, &DeniedError{Reason: DenyResolution}
	}

	var lastReason DenyReason = DenyResolution
	for _, ip := range candidates {
		if reason, ok := a.rejectIP(user, host, ip, port); !ok {
			lastReason = reason
			continue
		}
		return &Decision{
			ResolvedIP: ip,
			Host:       host,
			Port:       port,
			Plan:       a.planFor(user),
		}, nil
	}
	return nil, &DeniedError{Reason: lastReason}
}

// Revalidate re-runs the anti-SSRF and GeoIP checks against the
// already-resolved IP actually dialed, the DNS-rebinding guard required
// by §4.6 ("the IP that is actually connected to must be re-validated
// ... resolution result is passed forward rather than re-resolved").
func (a *Authorizer) Revalidate(user *policy.ResolvedUser, host string, ip net.IP, port int) error {
	if reason, ok := a.rejectIP(user, host, ip, port); !ok {
		return &DeniedError{Reason: reason}
	}
	return nil
}

func (a *Authorizer) rejectIP(user *policy.ResolvedUser, host string, ip net.IP, port int) (DenyReason, bool) {
	if IsPrivate(ip) && !user.AllowPrivate {
		return DenyPrivateAddress, false
	}
	if a.cfg.Geo != nil && (len(user.GeoAllowCountries) > 0 || len(user.GeoDenyCountries) > 0) {
		country, err := a.cfg.Geo.Country(ip)
		if err == nil && country != "" {
			if user.GeoDenyCountries[country] {
				return DenyGeo, false
			}
			if len(user.GeoAllowCountries) > 0 && !user.GeoAllowCountries[country] {
				return DenyGeo, false
			}
		}
	}
	// ACL: one Evaluate call over both the original name and the resolved
	// IP. Evaluate rejects the IP if either is denied by an explicit rule
	// and applies the configured default only when neither matches any
	// rule, so a hostname allowed by name is not rejected just because
	// its bare IP matches no rule under a deny default.
	if user.ACL.Evaluate(host, ip, port) == policy.ACLDeny {
		return DenyACL, false
	}
	return "", true
}

func (a *Authorizer) planFor(user *policy.ResolvedUser) UpstreamPlan {
	return UpstreamPlan{
		UpstreamProxy: user.UpstreamProxy,
		UsePool:       a.cfg.ConnectionPoolEnabled,
	}
}

func checkForwardingAllowed(user *policy.ResolvedUser, kind IngressKind) error {
	var ok bool
	switch kind {
	case IngressDynamic:
		ok = user.Forwarding.AllowDynamic
	case IngressDirectTCP:
		ok = user.Forwarding.AllowDirectTCP
	case IngressStandalone:
		ok = user.Forwarding.AllowStandalone
	default:
		return trace.BadParameter("unknown ingress kind %q", kind)
	}
	if !ok {
		return &DeniedError{Reason: DenyForwardingNotAllowed}
	}
	return nil
}

// FormatHostPort is a small convenience used by callers assembling an
// audit message or SOCKS5 reply from a Decision.
func FormatHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
