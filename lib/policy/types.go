// Package policy implements the Policy Store: validation of a raw
// configuration tree into an immutable PolicySnapshot, and resolution of
// per-user effective policy (global <- group <- user).
package policy

import "time"

// Role identifies the privilege level of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ACLAction is the outcome of a matched ACL rule.
type ACLAction string

const (
	ACLAllow ACLAction = "allow"
	ACLDeny  ACLAction = "deny"
)

// ACLRule is a single (action, host pattern, port pattern) entry.
// Host patterns may be an exact FQDN, a leading-wildcard FQDN
// ("*.example.com"), a literal IP, or a CIDR. Port patterns are a single
// port, a "lo-hi" range, or "*".
type ACLRule struct {
	Action      ACLAction `yaml:"action"`
	HostPattern string    `yaml:"host"`
	PortPattern string    `yaml:"port"`
}

// TimeAccess restricts login/egress to a weekly schedule evaluated in a
// named IANA timezone.
type TimeAccess struct {
	// AllowedDays lists the weekdays on which access is allowed
	// (time.Sunday = 0 .. time.Saturday = 6). An empty list means "no
	// restriction".
	AllowedDays []time.Weekday `yaml:"allowed_days"`
	// AllowedHours is a list of inclusive [from,to) hour ranges in 0..24.
	AllowedHours []HourRange `yaml:"allowed_hours"`
	Timezone     string      `yaml:"timezone"`
}

// HourRange is a [From, To) hour-of-day window, To exclusive, both in 0..24.
type HourRange struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

// RateLimits bounds request/connection rates across the three Rate Gate
// windows. A zero value means "not set at this level" during resolution;
// zero after resolution means "no limit".
type RateLimits struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// Quotas bounds bandwidth and connection counts for a user.
type Quotas struct {
	MaxConnections      int   `yaml:"max_connections"`
	RollingHourBytes    int64 `yaml:"rolling_hour_bytes"`
	DailyBandwidthBytes int64 `yaml:"daily_bandwidth_bytes"`
	MonthlyBytes        int64 `yaml:"monthly_bytes"`
	MonthlyConnections  int   `yaml:"monthly_connections"`
	// PerConnectionBytesPerSec and AggregateBytesPerSec throttle the copy
	// loop; zero means unlimited.
	PerConnectionBytesPerSec int64 `yaml:"per_connection_bps"`
	AggregateBytesPerSec     int64 `yaml:"aggregate_bps"`
}

// AuthMethod names one step of a chained authentication flow.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthPubKey   AuthMethod = "pubkey"
	AuthCert     AuthMethod = "cert"
	AuthTOTP     AuthMethod = "totp"
)

// AuthorizedKey is one entry of a user's authorized_keys list.
type AuthorizedKey struct {
	KeyData string `yaml:"key"`
	Comment string `yaml:"comment"`
}

// ACLSet is an ordered rule list plus a default action applied when no
// rule matches.
type ACLSet struct {
	Rules   []ACLRule `yaml:"rules"`
	Default ACLAction `yaml:"default"`
}

// Forwarding captures which ingress kinds a user/group may use.
type Forwarding struct {
	AllowDynamic   bool `yaml:"allow_dynamic"`    // SSH -D (dynamic/SOCKS5-in-channel)
	AllowDirectTCP bool `yaml:"allow_direct_tcp"` // SSH -L (direct-tcpip)
	AllowShell     bool `yaml:"allow_shell"`
	AllowStandalone bool `yaml:"allow_standalone"` // standalone SOCKS5 listener
}

// RawUser is the configuration-file shape of a user record, §3 "User
// Record".
type RawUser struct {
	Username            string          `yaml:"username"`
	PasswordHash        string          `yaml:"password_hash"`
	AuthorizedKeys      []AuthorizedKey `yaml:"authorized_keys"`
	TrustedCAs          []string        `yaml:"trusted_ca_fingerprints"`
	TOTPSecret          string          `yaml:"totp_secret"`
	TOTPWindow          int             `yaml:"totp_window"`
	Group               string          `yaml:"group"`
	Role                Role            `yaml:"role"`
	ExpiresAt           *time.Time      `yaml:"expires_at"`
	Forwarding          Forwarding      `yaml:"forwarding"`
	ACL                 *ACLSet         `yaml:"acl"`
	RateLimits          *RateLimits     `yaml:"rate_limits"`
	Quotas              *Quotas         `yaml:"quotas"`
	TimeAccess          *TimeAccess     `yaml:"time_access"`
	SourceIPWhitelist   []string        `yaml:"source_ip_whitelist"`
	GeoAllowCountries   []string        `yaml:"geo_allow_countries"`
	GeoDenyCountries    []string        `yaml:"geo_deny_countries"`
	AuthChain           []AuthMethod    `yaml:"auth_chain"`
	AllowPrivate        bool            `yaml:"allow_private"` // admin-only anti-SSRF override
	UpstreamProxy       string          `yaml:"upstream_proxy"`
}

// RawGroup is the same shape as RawUser minus credentials.
type RawGroup struct {
	Name              string      `yaml:"name"`
	Forwarding        Forwarding  `yaml:"forwarding"`
	ACL               *ACLSet     `yaml:"acl"`
	RateLimits        *RateLimits `yaml:"rate_limits"`
	Quotas            *Quotas     `yaml:"quotas"`
	TimeAccess        *TimeAccess `yaml:"time_access"`
	SourceIPWhitelist []string    `yaml:"source_ip_whitelist"`
	GeoAllowCountries []string    `yaml:"geo_allow_countries"`
	GeoDenyCountries  []string    `yaml:"geo_deny_countries"`
	UpstreamProxy     string      `yaml:"upstream_proxy"`
}

// RawGlobal holds defaults that apply when no group/user override exists,
// plus server-wide security settings.
type RawGlobal struct {
	Forwarding        Forwarding  `yaml:"forwarding"`
	ACL               *ACLSet     `yaml:"acl"`
	RateLimits        *RateLimits `yaml:"rate_limits"`
	Quotas            *Quotas     `yaml:"quotas"`
	TimeAccess        *TimeAccess `yaml:"time_access"`
	GeoAllowCountries []string    `yaml:"geo_allow_countries"`
	GeoDenyCountries  []string    `yaml:"geo_deny_countries"`
	UpstreamProxy     string      `yaml:"upstream_proxy"`
	Security          Security    `yaml:"security"`
}

// Security holds server-wide hardening knobs (§4.2-§4.7).
type Security struct {
	FailWeight            float64       `yaml:"fail_weight"`
	SuccessWeight         float64       `yaml:"success_weight"`
	BanThreshold          float64       `yaml:"ban_threshold"`
	BanDuration           time.Duration `yaml:"ban_duration"`
	BanDurationMax        time.Duration `yaml:"ban_duration_max"`
	ReputationHalfLife    time.Duration `yaml:"reputation_half_life"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
	TrustedProxyCIDRs     []string      `yaml:"trusted_proxy_cidrs"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ConnectRetries        int           `yaml:"connect_retries"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	IdleWarning           time.Duration `yaml:"idle_warning"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
	AuthTimeout           time.Duration `yaml:"auth_timeout"`
	DNSCacheTTLMode       string        `yaml:"dns_cache_ttl_mode"` // native|fixed|disabled
	DNSCacheFixedTTL      time.Duration `yaml:"dns_cache_fixed_ttl"`
	ConnectionPoolEnabled bool          `yaml:"connection_pool_enabled"`
	PoolIdleTimeout       time.Duration `yaml:"pool_idle_timeout"`
	ServerRateLimits      RateLimits    `yaml:"server_rate_limits"`
	MaintenanceMessage    string        `yaml:"maintenance_message"`
}

// RawConfig is the full configuration-file boundary input to
// Store.Reload, §4.1.
type RawConfig struct {
	Global RawGlobal           `yaml:"global"`
	Groups map[string]RawGroup `yaml:"groups"`
	Users  map[string]RawUser  `yaml:"users"`
}
