package policy

import (
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// compiledRule is an ACLRule with its host/port patterns pre-parsed so
// that egress-time evaluation never re-parses strings on the hot path.
type compiledRule struct {
	action   ACLAction
	hostExct string // exact FQDN or literal IP, lowercased
	hostWild string // suffix for "*.example.com" (".example.com"), lowercased
	hostCIDR *net.IPNet
	portLo   int
	portHi   int
	portAny  bool
}

func compileRule(r ACLRule) (compiledRule, error) {
	cr := compiledRule{action: r.Action}
	switch r.Action {
	case ACLAllow, ACLDeny:
	default:
		return cr, trace.BadParameter("invalid ACL action %q", r.Action)
	}

	host := strings.ToLower(strings.TrimSpace(r.HostPattern))
	if host == "" {
		return cr, trace.BadParameter("ACL rule missing host pattern")
	}
	if strings.HasPrefix(host, "*.") {
		cr.hostWild = host[1:] // keep leading dot for suffix match
	} else if _, ipnet, err := net.ParseCIDR(host); err == nil {
		cr.hostCIDR = ipnet
	} else {
		cr.hostExct = host
	}

	port := strings.TrimSpace(r.PortPattern)
	switch {
	case port == "" || port == "*":
		cr.portAny = true
	case strings.Contains(port, "-"):
		parts := strings.SplitN(port, "-", 2)
		lo, err := strconv.Atoi(parts[0])
		if err != nil {
			return cr, trace.BadParameter("invalid port range %q", port)
		}
		hi, err := strconv.Atoi(parts[1])
		if err != nil {
			return cr, trace.BadParameter("invalid port range %q", port)
		}
		if lo > hi {
			return cr, trace.BadParameter("invalid port range %q: lo > hi", port)
		}
		cr.portLo, cr.portHi = lo, hi
	default:
		p, err := strconv.Atoi(port)
		if err != nil {
			return cr, trace.BadParameter("invalid port pattern %q", port)
		}
		cr.portLo, cr.portHi = p, p
	}
	return cr, nil
}

func (cr compiledRule) matchesPort(port int) bool {
	if cr.portAny {
		return true
	}
	return port >= cr.portLo && port <= cr.portHi
}

// matchesHost reports whether the rule's host pattern matches the given
// name (may be empty when the destination was supplied as a literal IP)
// and/or resolved IP. A CIDR rule only matches an IP; a name/wildcard
// rule only matches a name.
func (cr compiledRule) matchesHost(name string, ip net.IP) bool {
	name = strings.ToLower(name)
	switch {
	case cr.hostCIDR != nil:
		return ip != nil && cr.hostCIDR.Contains(ip)
	case cr.hostWild != "":
		return name != "" && (name == cr.hostWild[1:] || strings.HasSuffix(name, cr.hostWild))
	case cr.hostExct != "":
		if name != "" && name == cr.hostExct {
			return true
		}
		if ip != nil && ip.String() == cr.hostExct {
			return true
		}
		return false
	}
	return false
}

// CompiledACL is a ready-to-evaluate ACL ruleset: user rules, then group
// rules, then global rules, per §3/§4.6 step 6.
type CompiledACL struct {
	userRules   []compiledRule
	groupRules  []compiledRule
	globalRules []compiledRule
	def         ACLAction
}

func compileSet(set *ACLSet) ([]compiledRule, ACLAction, error) {
	if set == nil {
		return nil, ACLDeny, nil
	}
	out := make([]compiledRule, 0, len(set.Rules))
	for _, r := range set.Rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		out = append(out, cr)
	}
	def := set.Default
	if def == "" {
		def = ACLDeny
	}
	return out, def, nil
}

// Evaluate applies the merged ruleset against a requested name and/or
// resolved IP and port. The name and the IP are each matched
// first-match-wins across user, then group, then global rules; an
// explicit deny for either denies, otherwise an explicit allow for
// either allows, and the user's effective default policy applies only
// when neither matches any rule. Per §4.6 step 6, a candidate IP is
// only accepted if BOTH the name (if any) and the IP are not denied by
// an explicit rule.
func (a *CompiledACL) Evaluate(name string, ip net.IP, port int) ACLAction {
	var byName, byIP ACLAction
	for _, rules := range [][]compiledRule{a.userRules, a.groupRules, a.globalRules} {
		for _, r := range rules {
			if !r.matchesPort(port) {
				continue
			}
			if byName == "" && name != "" && r.matchesHost(name, nil) {
				byName = r.action
			}
			if byIP == "" && ip != nil && r.matchesHost("", ip) {
				byIP = r.action
			}
		}
	}
	if byName == ACLDeny || byIP == ACLDeny {
		return ACLDeny
	}
	if byName == ACLAllow || byIP == ACLAllow {
		return ACLAllow
	}
	return a.def
}
