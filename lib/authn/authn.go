// Package authn implements the Authenticator (§4.5): an ordered chain
// driver over password/pubkey/cert/TOTP steps against a resolved user
// record, followed by post-credential checks (expiry, IP whitelist,
// GeoIP, time-access) that can still deny after every step succeeds.
package authn

import (
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/ssh"

	"github.com/galti3r/s5/lib/policy"
	"github.com/galti3r/s5/lib/sshutils"
	"github.com/galti3r/s5/lib/utils"
)

// Result is the outcome of one chain step.
type Result int

const (
	Fail Result = iota
	NeedsMore
	Success
)

// DenyReason mirrors §7's AuthError enum, minus the transport-level
// members (RateLimited, Banned, MaintenanceMode) owned by other stages
// and Internal, which surfaces as a returned error instead.
type DenyReason string

const (
	DenyBadCredential DenyReason = "bad_credential"
	DenyUnknownUser   DenyReason = "unknown_user"
	DenyExpired       DenyReason = "expired"
	DenyIP            DenyReason = "ip_denied"
	DenyGeo           DenyReason = "geo_denied"
	DenyTime          DenyReason = "time_denied"
	DenyTOTPRequired  DenyReason = "totp_required"
)

// Decision is returned by Authenticator.Authenticate.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	User    *policy.ResolvedUser
}

// GeoLookup resolves an IP to an ISO country code; implementations wrap
// a MaxMind database. A nil GeoLookup disables the GeoIP post-check.
type GeoLookup interface {
	Country(ip net.IP) (string, error)
}

// Credentials carries whatever the SSH handshake collected for one
// attempt. Steps consult only the fields relevant to their method;
// PasswordAttempt is zeroized by CheckPassword before it returns.
type Credentials struct {
	PasswordAttempt []byte
	OfferedKey      ssh.PublicKey
	Cert            *ssh.Certificate
	TOTPCode        string
}

// Config configures an Authenticator.
type Config struct {
	Store *policy.Store
	Geo   GeoLookup
	Clock func() time.Time
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("authn: Store is required")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Authenticator drives the per-user auth method chain.
type Authenticator struct {
	cfg Config
}

func New(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{cfg: cfg}, nil
}

// CheckPassword verifies a password attempt against an Argon2id encoded
// hash. The attempt buffer is always zeroized before return, success or
// failure, per §4.5.
func CheckPassword(attempt []byte, encodedHash string) (bool, error) {
	defer utils.Zeroize(attempt)

	params, salt, want, err := decodeArgon2id(encodedHash)
	if err != nil {
		return false, trace.Wrap(err)
	}
	got := argon2.IDKey(attempt, salt, params.time, params.memory, params.threads, uint32(len(want)))
	return utils.ConstantTimeEqual(got, want), nil
}

// CheckPubKey reports whether offered matches one of the user's
// authorized keys, exact byte match ignoring comment.
func CheckPubKey(offered ssh.PublicKey, authorized []policy.AuthorizedKey) (bool, error) {
	if offered == nil {
		return false, nil
	}
	for _, ak := range authorized {
		key, _, err := sshutils.ParseAuthorizedKey(ak.KeyData)
		if err != nil {
			continue
		}
		if sshutils.KeysEqual(offered, key) {
			return true, nil
		}
	}
	return false, nil
}

// CheckCert validates a presented certificate against the user's
// trusted CA set: signing CA trusted, validity window covers now,
// username is a listed principal, and no unrecognized critical option
// or extension is present.
func CheckCert(cert *ssh.Certificate, username string, trustedCAs map[string]bool, now time.Time) (bool, error) {
	if cert == nil {
		return false, nil
	}
	if cert.CertType != ssh.UserCert {
		return false, nil
	}
	checker := &ssh.CertChecker{
		IsUserAuthority: sshutils.MakeIsUserAuthorityFunc(trustedCAs),
	}
	if !checker.IsUserAuthority(cert.SignatureKey) {
		return false, nil
	}
	if err := checker.CheckCert(username, cert); err != nil {
		return false, nil
	}
	principalOK := false
	for _, p := range cert.ValidPrincipals {
		if p == username {
			principalOK = true
			break
		}
	}
	if !principalOK {
		return false, nil
	}
	unixNow := uint64(now.Unix())
	if cert.ValidAfter != 0 && unixNow < cert.ValidAfter {
		return false, nil
	}
	if cert.ValidBefore != 0 && cert.ValidBefore != ssh.CertTimeInfinity && unixNow > cert.ValidBefore {
		return false, nil
	}
	for opt := range cert.CriticalOptions {
		if !knownCriticalOption[opt] {
			return false, nil
		}
	}
	for ext := range cert.Extensions {
		if !knownExtension[ext] {
			return false, nil
		}
	}
	return true, nil
}

var knownCriticalOption = map[string]bool{
	"source-address": true,
}

var knownExtension = map[string]bool{
	"permit-X11-forwarding":   true,
	"permit-agent-forwarding": true,
	"permit-port-forwarding":  true,
	"permit-pty":              true,
	"permit-user-rc":          true,
}

// CheckTOTP validates a six-digit code against secret with ±1 step
// tolerance (RFC 6238, 30s step), per §4.5.
func CheckTOTP(code, secret string, window int) (bool, error) {
	if window <= 0 {
		window = 1
	}
	valid, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      uint(window),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return valid, nil
}

// Authenticate drives user.AuthChain in declared order, then the
// post-credential checks. The caller supplies sourceIP already stripped
// of any PROXY-protocol encapsulation.
func (a *Authenticator) Authenticate(username string, sourceIP net.IP, creds Credentials) (Decision, error) {
	snap := a.cfg.Store.Current()
	if !snap.UserExists(username) {
		return Decision{Allowed: false, Reason: DenyUnknownUser}, nil
	}
	user, err := snap.Resolve(username)
	if err != nil {
		return Decision{}, trace.Wrap(err)
	}

	now := a.cfg.Clock()
	if user.Expired(now) {
		return Decision{Allowed: false, Reason: DenyExpired, User: user}, nil
	}

	for _, method := range user.AuthChain {
		res, err := a.runStep(method, user, creds, now)
		if err != nil {
			return Decision{}, trace.Wrap(err)
		}
		if res == Fail {
			return Decision{Allowed: false, Reason: DenyBadCredential, User: user}, nil
		}
	}

	return a.postCredentialDecision(user, sourceIP, now)
}

// Finalize runs only the post-credential checks (expiry, IP whitelist,
// GeoIP, time-access) for a user whose AuthChain steps were already
// verified by the caller. The SSH server drives each chain step through
// its own RFC 4252 partial-success callback and must use this instead of
// Authenticate for the final step: CheckPassword zeroizes the attempt
// buffer in place after its first use, so re-running the password step
// here would always fail against the now-zeroed buffer.
func (a *Authenticator) Finalize(username string, sourceIP net.IP) (Decision, error) {
	snap := a.cfg.Store.Current()
	if !snap.UserExists(username) {
		return Decision{Allowed: false, Reason: DenyUnknownUser}, nil
	}
	user, err := snap.Resolve(username)
	if err != nil {
		return Decision{}, trace.Wrap(err)
	}

	now := a.cfg.Clock()
	return a.postCredentialDecision(user, sourceIP, now)
}

// postCredentialDecision applies the checks that still apply after every
// AuthChain step has verified (§4.5): account expiry, source-IP
// whitelist, GeoIP allow/deny, and time-of-day access windows.
func (a *Authenticator) postCredentialDecision(user *policy.ResolvedUser, sourceIP net.IP, now time.Time) (Decision, error) {
	if user.Expired(now) {
		return Decision{Allowed: false, Reason: DenyExpired, User: user}, nil
	}
	if len(user.SourceIPWhitelist) > 0 && !ipInAny(sourceIP, user.SourceIPWhitelist) {
		return Decision{Allowed: false, Reason: DenyIP, User: user}, nil
	}
	if a.cfg.Geo != nil && (len(user.GeoAllowCountries) > 0 || len(user.GeoDenyCountries) > 0) {
		country, err := a.cfg.Geo.Country(sourceIP)
		if err == nil && country != "" {
			if user.GeoDenyCountries[country] {
				return Decision{Allowed: false, Reason: DenyGeo, User: user}, nil
			}
			if len(user.GeoAllowCountries) > 0 && !user.GeoAllowCountries[country] {
				return Decision{Allowed: false, Reason: DenyGeo, User: user}, nil
			}
		}
	}
	if user.TimeAccess != nil {
		allowed, err := timeAccessPermits(*user.TimeAccess, now)
		if err != nil {
			return Decision{}, trace.Wrap(err)
		}
		if !allowed {
			return Decision{Allowed: false, Reason: DenyTime, User: user}, nil
		}
	}

	return Decision{Allowed: true, User: user}, nil
}

func (a *Authenticator) runStep(method policy.AuthMethod, user *policy.ResolvedUser, creds Credentials, now time.Time) (Result, error) {
	switch method {
	case policy.AuthPassword:
		if user.PasswordHash == "" || len(creds.PasswordAttempt) == 0 {
			return Fail, nil
		}
		ok, err := CheckPassword(creds.PasswordAttempt, user.PasswordHash)
		if err != nil {
			return Fail, trace.Wrap(err)
		}
		if !ok {
			return Fail, nil
		}
		return Success, nil
	case policy.AuthPubKey:
		ok, err := CheckPubKey(creds.OfferedKey, user.AuthorizedKeys)
		if err != nil {
			return Fail, trace.Wrap(err)
		}
		if !ok {
			return Fail, nil
		}
		return Success, nil
	case policy.AuthCert:
		ok, err := CheckCert(creds.Cert, user.Username, user.TrustedCAs, now)
		if err != nil {
			return Fail, trace.Wrap(err)
		}
		if !ok {
			return Fail, nil
		}
		return Success, nil
	case policy.AuthTOTP:
		if creds.TOTPCode == "" {
			return Fail, nil
		}
		ok, err := CheckTOTP(creds.TOTPCode, user.TOTPSecret, user.TOTPWindow)
		if err != nil {
			return Fail, trace.Wrap(err)
		}
		if !ok {
			return Fail, nil
		}
		return Success, nil
	default:
		return Fail, trace.BadParameter("unknown auth method %q", method)
	}
}

func ipInAny(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func timeAccessPermits(ta policy.TimeAccess, now time.Time) (bool, error) {
	loc := time.UTC
	if ta.Timezone != "" {
		l, err := time.LoadLocation(ta.Timezone)
		if err != nil {
			return false, trace.BadParameter("invalid time_access timezone %q: %v", ta.Timezone, err)
		}
		loc = l
	}
	local := now.In(loc)

	if len(ta.AllowedDays) > 0 {
		dayOK := false
		for _, d := range ta.AllowedDays {
			if d == local.Weekday() {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false, nil
		}
	}
	if len(ta.AllowedHours) == 0 {
		return true, nil
	}
	hour := local.Hour()
	for _, hr := range ta.AllowedHours {
		if hour >= hr.From && hour < hr.To {
			return true, nil
		}
	}
	return false, nil
}

// argon2Params mirrors the PHC-string fields emitted by Argon2id.
type argon2Params struct {
	time    uint32
	memory  uint32
	threads uint8
}

// decodeArgon2id parses the standard
// "$argon2id$v=19$m=...,t=...,p=...$salt$hash" PHC-string encoding
// produced by golang.org/x/crypto/argon2, returning its parameters,
// salt, and derived key for comparison.
func decodeArgon2id(encoded string) (argon2Params, []byte, []byte, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return argon2Params{}, nil, nil, trace.BadParameter("malformed argon2id hash")
	}

	params := strings.Split(fields[3], ",")
	if len(params) != 3 {
		return argon2Params{}, nil, nil, trace.BadParameter("malformed argon2id parameters")
	}
	var p argon2Params
	mem, err1 := parseKV(params[0], "m")
	t, err2 := parseKV(params[1], "t")
	par, err3 := parseKV(params[2], "p")
	if err1 != nil || err2 != nil || err3 != nil {
		return argon2Params{}, nil, nil, trace.BadParameter("malformed argon2id parameters")
	}
	p.memory, p.time, p.threads = uint32(mem), uint32(t), uint8(par)

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return argon2Params{}, nil, nil, trace.BadParameter("malformed argon2id salt: %v", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return argon2Params{}, nil, nil, trace.BadParameter("malformed argon2id hash payload: %v", err)
	}
	return p, salt, hash, nil
}

// parseKV parses a "key=value" integer parameter, e.g. "m=65536".
func parseKV(field, key string) (int64, error) {
	prefix := key + "="
	if !strings.HasPrefix(field, prefix) {
		return 0, trace.BadParameter("expected %q prefix in %q", prefix, field)
	}
	return strconv.ParseInt(strings.TrimPrefix(field, prefix), 10, 64)
}
