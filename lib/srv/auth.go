package srv

import (
	"net"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/galti3r/s5/lib/audit"
	"github.com/galti3r/s5/lib/authn"
	"github.com/galti3r/s5/lib/policy"
)

// pendingAuth accumulates credentials across the several SSH auth
// rounds RFC 4252 partial-success drives through one chain, keyed by
// remote address for the lifetime of a single TCP connection's
// handshake.
type pendingAuth struct {
	user  *policy.ResolvedUser
	chain []policy.AuthMethod
	step  int
	creds authn.Credentials
}

func (s *Server) pendingFor(conn ssh.ConnMetadata) (*pendingAuth, error) {
	key := conn.RemoteAddr().String()

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if pa, ok := s.pending[key]; ok {
		return pa, nil
	}

	snap := s.cfg.Store.Current()
	if !snap.UserExists(conn.User()) {
		return nil, trace.AccessDenied("unknown user")
	}
	user, err := snap.Resolve(conn.User())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pa := &pendingAuth{user: user, chain: user.AuthChain}
	s.pending[key] = pa
	return pa, nil
}

func (s *Server) clearPending(addrKey string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, addrKey)
}

func (s *Server) resolvedUser(addrKey string) *policy.ResolvedUser {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pa, ok := s.pending[addrKey]
	if !ok {
		return nil
	}
	return pa.user
}

func sourceIP(conn ssh.ConnMetadata) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return net.ParseIP(conn.RemoteAddr().String())
	}
	return net.ParseIP(host)
}

// newSSHServerConfig builds the ssh.ServerConfig driving the chained
// authenticator: each callback verifies only the step it was invoked
// for, advances pendingAuth.step, and either asks for the next method
// via ssh.PartialSuccessError or finalizes through Authenticator.Finalize.
func (s *Server) newSSHServerConfig() *ssh.ServerConfig {
	callbacks := ssh.ServerAuthCallbacks{}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			pa, err := s.pendingFor(conn)
			if err != nil {
				return nil, err
			}
			pa.creds.PasswordAttempt = append([]byte(nil), password...)
			return s.advance(conn, pa, policy.AuthPassword, &callbacks)
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			pa, err := s.pendingFor(conn)
			if err != nil {
				return nil, err
			}
			method := policy.AuthPubKey
			if cert, ok := key.(*ssh.Certificate); ok {
				pa.creds.Cert = cert
				method = policy.AuthCert
			} else {
				pa.creds.OfferedKey = key
			}
			return s.advance(conn, pa, method, &callbacks)
		},
		KeyboardInteractiveCallback: func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			pa, err := s.pendingFor(conn)
			if err != nil {
				return nil, err
			}
			answers, err := challenge("", "", []string{"TOTP code: "}, []bool{true})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if len(answers) == 1 {
				pa.creds.TOTPCode = answers[0]
			}
			return s.advance(conn, pa, policy.AuthTOTP, &callbacks)
		},
		AuthLogCallback: func(conn ssh.ConnMetadata, method string, err error) {
			if err != nil {
				s.log.WithField("user", conn.User()).WithField("method", method).Debug("auth attempt rejected")
			}
		},
	}
	callbacks = ssh.ServerAuthCallbacks{
		PasswordCallback:            cfg.PasswordCallback,
		PublicKeyCallback:           cfg.PublicKeyCallback,
		KeyboardInteractiveCallback: cfg.KeyboardInteractiveCallback,
	}
	return cfg
}

// advance checks the current step, recording a reputation/rate-limit
// consequence and, once every step in the chain has verified, runs the
// Authenticator's full post-credential decision.
func (s *Server) advance(conn ssh.ConnMetadata, pa *pendingAuth, got policy.AuthMethod, next *ssh.ServerAuthCallbacks) (*ssh.Permissions, error) {
	ip := sourceIP(conn)

	if pa.step >= len(pa.chain) {
		return nil, trace.AccessDenied("no further auth steps expected")
	}
	want := pa.chain[pa.step]
	if want != got {
		return nil, trace.AccessDenied("unexpected auth method %q, expected %q", got, want)
	}

	ok, err := s.verifyStep(got, pa)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		s.recordAuthFailure(conn.User(), ip)
		return nil, trace.AccessDenied("auth step %q failed", got)
	}

	pa.step++
	if pa.step < len(pa.chain) {
		return nil, &ssh.PartialSuccessError{Next: *next}
	}

	decision, err := s.cfg.Authn.Finalize(conn.User(), ip)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !decision.Allowed {
		s.recordAuthFailure(conn.User(), ip)
		s.emit(audit.Event{Event: audit.EventAuthFailure, User: conn.User(), IP: ip.String(), Error: string(decision.Reason)})
		return nil, trace.AccessDenied("access denied: %s", decision.Reason)
	}
	if s.cfg.Maintenance != nil && s.cfg.Maintenance.Active() && decision.User.Role != policy.RoleAdmin {
		s.emit(audit.Event{Event: audit.EventAuthFailure, User: conn.User(), IP: ip.String(), Error: reasonMaintenance})
		return nil, trace.AccessDenied("%s", s.cfg.Maintenance.Message())
	}

	pa.user = decision.User
	if s.cfg.Reputation != nil {
		s.cfg.Reputation.RecordSuccess(ip.String())
	}
	s.emit(audit.Event{Event: audit.EventAuthSuccess, User: conn.User(), IP: ip.String(), OK: true})
	return &ssh.Permissions{}, nil
}

func (s *Server) verifyStep(method policy.AuthMethod, pa *pendingAuth) (bool, error) {
	user := pa.user
	switch method {
	case policy.AuthPassword:
		if user.PasswordHash == "" || len(pa.creds.PasswordAttempt) == 0 {
			return false, nil
		}
		return authn.CheckPassword(pa.creds.PasswordAttempt, user.PasswordHash)
	case policy.AuthPubKey:
		return authn.CheckPubKey(pa.creds.OfferedKey, user.AuthorizedKeys)
	case policy.AuthCert:
		ok, err := authn.CheckCert(pa.creds.Cert, user.Username, user.TrustedCAs, s.cfg.Clock.Now())
		return ok, err
	case policy.AuthTOTP:
		if pa.creds.TOTPCode == "" {
			return false, nil
		}
		return authn.CheckTOTP(pa.creds.TOTPCode, user.TOTPSecret, user.TOTPWindow)
	default:
		return false, trace.BadParameter("unknown auth method %q", method)
	}
}

func (s *Server) recordAuthFailure(username string, ip net.IP) {
	if s.cfg.Reputation == nil {
		return
	}
	if banned := s.cfg.Reputation.RecordFailure(ip.String()); banned {
		s.log.WithField("ip", ip.String()).Warn("source IP banned after repeated auth failures")
		s.emit(audit.Event{Event: audit.EventBanned, User: username, IP: ip.String()})
	}
}
