package policy

import (
	"net"
	"time"

	"github.com/gravitational/trace"
)

// ResolvedUser is the eager merge of global defaults <- group <- user,
// computed once at session start per §9 design note, and held alongside
// the session for its lifetime.
type ResolvedUser struct {
	Username          string
	PasswordHash      string
	AuthorizedKeys    []AuthorizedKey
	TrustedCAs        map[string]bool
	TOTPSecret        string
	TOTPWindow        int
	Role              Role
	ExpiresAt         *time.Time
	Forwarding        Forwarding
	ACL               *CompiledACL
	RateLimits        RateLimits
	Quotas            Quotas
	TimeAccess        *TimeAccess
	SourceIPWhitelist []*net.IPNet
	GeoAllowCountries map[string]bool
	GeoDenyCountries  map[string]bool
	AuthChain         []AuthMethod
	AllowPrivate      bool
	UpstreamProxy     string
}

// Expired reports whether the user's expires_at instant has passed as of now.
func (r *ResolvedUser) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// QuotaLocation returns the IANA timezone configured on the user's
// TimeAccess for evaluating daily/monthly quota boundary resets (§4.4
// "reset based on the user's configured timezone if present, else UTC"),
// falling back to UTC when none is set or the configured zone fails to load.
func (r *ResolvedUser) QuotaLocation() *time.Location {
	if r.TimeAccess == nil || r.TimeAccess.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.TimeAccess.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func resolveUser(raw RawUser, group *RawGroup, global RawGlobal) (*ResolvedUser, error) {
	ru := &ResolvedUser{
		Username:     raw.Username,
		PasswordHash: raw.PasswordHash,
		TOTPSecret:   raw.TOTPSecret,
		TOTPWindow:   raw.TOTPWindow,
		Role:         raw.Role,
		ExpiresAt:    raw.ExpiresAt,
		AllowPrivate: raw.AllowPrivate && raw.Role == RoleAdmin,
	}
	if ru.Role == "" {
		ru.Role = RoleUser
	}
	if ru.TOTPWindow == 0 {
		ru.TOTPWindow = 1
	}

	ru.AuthorizedKeys = raw.AuthorizedKeys
	ru.TrustedCAs = map[string]bool{}
	for _, fp := range raw.TrustedCAs {
		ru.TrustedCAs[fp] = true
	}

	// forwarding: user overrides group overrides global, field by field.
	ru.Forwarding = global.Forwarding
	if group != nil {
		ru.Forwarding = group.Forwarding
	}
	ru.Forwarding = mergeForwarding(ru.Forwarding, raw.Forwarding)

	// rate limits / quotas: user value if set, else group, else global.
	ru.RateLimits = firstNonZeroRateLimits(raw.RateLimits, groupRateLimits(group), global.RateLimits)
	ru.Quotas = firstNonZeroQuotas(raw.Quotas, groupQuotas(group), global.Quotas)

	// time access: most specific wins wholesale (not field-merged, a
	// schedule only makes sense as a unit).
	ru.TimeAccess = raw.TimeAccess
	if ru.TimeAccess == nil && group != nil {
		ru.TimeAccess = group.TimeAccess
	}
	if ru.TimeAccess == nil {
		ru.TimeAccess = global.TimeAccess
	}

	// source IP whitelist: user replaces group/global wholesale if set.
	whitelist := raw.SourceIPWhitelist
	if len(whitelist) == 0 && group != nil {
		whitelist = group.SourceIPWhitelist
	}
	for _, cidr := range whitelist {
		_, ipnet, err := parseCIDROrIP(cidr)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ru.SourceIPWhitelist = append(ru.SourceIPWhitelist, ipnet)
	}

	// geo lists union across levels (any configured level can add to the
	// restriction), mirroring ACL union semantics described in §3.
	ru.GeoAllowCountries = unionSet(raw.GeoAllowCountries, groupGeoAllow(group), global.GeoAllowCountries)
	ru.GeoDenyCountries = unionSet(raw.GeoDenyCountries, groupGeoDeny(group), global.GeoDenyCountries)

	// ACL rules union across levels, user rules evaluated first.
	userRules, userDef, err := compileSet(raw.ACL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var groupRules []compiledRule
	groupDef := ACLAction("")
	if group != nil {
		groupRules, groupDef, err = compileSet(group.ACL)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	globalRules, globalDef, err := compileSet(global.ACL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	def := userDef
	if raw.ACL == nil || raw.ACL.Default == "" {
		def = groupDef
		if group == nil || group.ACL == nil || group.ACL.Default == "" {
			def = globalDef
		}
	}
	if def == "" {
		def = ACLDeny
	}
	ru.ACL = &CompiledACL{userRules: userRules, groupRules: groupRules, globalRules: globalRules, def: def}

	ru.AuthChain = raw.AuthChain
	if len(ru.AuthChain) == 0 {
		ru.AuthChain = []AuthMethod{AuthPassword}
	}

	ru.UpstreamProxy = raw.UpstreamProxy
	if ru.UpstreamProxy == "" && group != nil {
		ru.UpstreamProxy = group.UpstreamProxy
	}
	if ru.UpstreamProxy == "" {
		ru.UpstreamProxy = global.UpstreamProxy
	}

	return ru, nil
}

func mergeForwarding(base, override Forwarding) Forwarding {
	// A zero-value Forwarding struct at a given level means "not set
	// here"; since all fields are bools with false zero value, only a
	// raw struct marked explicitly differs from base when any field is
	// true. The base already carries the parent-level decision, so an
	// override that sets any field re-asserts the whole struct (the
	// whole-unit merge matches how teleport composes role booleans).
	if override == (Forwarding{}) {
		return base
	}
	return override
}

func groupRateLimits(g *RawGroup) *RateLimits {
	if g == nil {
		return nil
	}
	return g.RateLimits
}

func groupQuotas(g *RawGroup) *Quotas {
	if g == nil {
		return nil
	}
	return g.Quotas
}

func groupGeoAllow(g *RawGroup) []string {
	if g == nil {
		return nil
	}
	return g.GeoAllowCountries
}

func groupGeoDeny(g *RawGroup) []string {
	if g == nil {
		return nil
	}
	return g.GeoDenyCountries
}

func firstNonZeroRateLimits(levels ...*RateLimits) RateLimits {
	for _, l := range levels {
		if l != nil && *l != (RateLimits{}) {
			return *l
		}
	}
	return RateLimits{}
}

func firstNonZeroQuotas(levels ...*Quotas) Quotas {
	for _, l := range levels {
		if l != nil && *l != (Quotas{}) {
			return *l
		}
	}
	return Quotas{}
}

func unionSet(lists ...[]string) map[string]bool {
	out := map[string]bool{}
	for _, l := range lists {
		for _, v := range l {
			out[v] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseCIDROrIP(s string) (net.IP, *net.IPNet, error) {
	if ip, ipnet, err := net.ParseCIDR(s); err == nil {
		return ip, ipnet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, trace.BadParameter("invalid IP or CIDR: %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return ip, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
