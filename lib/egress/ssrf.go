package egress

import "net"

// privateRanges enumerates the v4/v6 CIDRs anti-SSRF rejects: RFC1918,
// loopback, link-local, multicast, benchmark, and documentation
// ranges, per §4.6 step 4.
var privateRanges = mustParseCIDRs(
	// RFC1918
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	// unique local (RFC 4193), the IPv6 counterpart of RFC1918
	"fc00::/7",
	// loopback
	"127.0.0.0/8",
	"::1/128",
	// link-local
	"169.254.0.0/16",
	"fe80::/10",
	// multicast
	"224.0.0.0/4",
	"ff00::/8",
	// benchmark (RFC 2544, RFC 5180)
	"198.18.0.0/15",
	"2001:2::/48",
	// documentation (RFC 5737, RFC 3849)
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"2001:db8::/32",
	// "this network" (RFC 1122) / unspecified
	"0.0.0.0/8",
	"::/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivate reports whether ip falls in any range anti-SSRF rejects.
func IsPrivate(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
