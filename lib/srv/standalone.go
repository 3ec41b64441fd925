package srv

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/galti3r/s5/lib/audit"
	"github.com/galti3r/s5/lib/authn"
	"github.com/galti3r/s5/lib/egress"
	"github.com/galti3r/s5/lib/policy"
	"github.com/galti3r/s5/lib/proxyengine"
	"github.com/galti3r/s5/lib/quota"
	"github.com/galti3r/s5/lib/ratelimit"
	"github.com/galti3r/s5/lib/registry"
	"github.com/galti3r/s5/lib/reputation"
	"github.com/galti3r/s5/lib/socks5"
)

// StandaloneConfig configures a StandaloneServer: the optional
// standalone SOCKS5 listener (§6), authenticated by username/password
// (RFC 1929 method 0x02) against the same user records the SSH server
// resolves against, rather than by an SSH handshake.
type StandaloneConfig struct {
	Store      *policy.Store
	Authn      *authn.Authenticator
	Reputation *reputation.Registry
	RateGate   *ratelimit.Gate
	Quota      *quota.Tracker
	Egress     *egress.Authorizer
	Engine     *proxyengine.Engine
	Registry   *registry.Registry
	Audit      *audit.Writer
	Clock      clockwork.Clock
	Maintenance *Maintenance

	ServerRateLimits      policy.RateLimits
	ServerWideBytesPerSec int64
}

func (c *StandaloneConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("srv: Store is required")
	}
	if c.Authn == nil {
		return trace.BadParameter("srv: Authn is required")
	}
	if c.Egress == nil {
		return trace.BadParameter("srv: Egress is required")
	}
	if c.Engine == nil {
		return trace.BadParameter("srv: Engine is required")
	}
	if c.Registry == nil {
		return trace.BadParameter("srv: Registry is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// StandaloneServer accepts raw TCP connections and speaks SOCKS5
// directly, without an SSH handshake wrapping it.
type StandaloneServer struct {
	cfg StandaloneConfig
	log *log.Entry

	aggregateMu   sync.Mutex
	aggregate     map[string]*rate.Limiter
	serverLimiter *rate.Limiter
}

// NewStandalone builds a StandaloneServer.
func NewStandalone(cfg StandaloneConfig) (*StandaloneServer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &StandaloneServer{
		cfg:       cfg,
		log:       log.WithField(trace.Component, "srv-standalone"),
		aggregate: map[string]*rate.Limiter{},
	}
	if cfg.ServerWideBytesPerSec > 0 {
		s.serverLimiter = rate.NewLimiter(rate.Limit(cfg.ServerWideBytesPerSec), int(cfg.ServerWideBytesPerSec))
	}
	return s, nil
}

// Serve accepts connections from ln until ctx is cancelled or ln stops
// accepting. Each accepted connection is handled in its own goroutine.
// ln may already be TLS-wrapped by the caller (§6 "optional TLS wraps
// the listener"), an external collaborator this package only consumes
// as a net.Listener.
func (s *StandaloneServer) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return trace.Wrap(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *StandaloneServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	if s.cfg.Reputation != nil && s.cfg.Reputation.IsBanned(host) {
		s.log.WithField("ip", host).Debug("rejecting connection from banned source")
		return
	}
	if s.cfg.RateGate != nil {
		limits := ratelimit.Limits{
			PerSecond: s.cfg.ServerRateLimits.PerSecond,
			PerMinute: s.cfg.ServerRateLimits.PerMinute,
			PerHour:   s.cfg.ServerRateLimits.PerHour,
		}
		if d := s.cfg.RateGate.TryAcquire("ip:"+host, limits); !d.Allowed {
			s.log.WithField("ip", host).WithField("window", d.Window).Debug("rejecting connection, rate limited")
			return
		}
	}

	conn.SetDeadline(s.cfg.Clock.Now().Add(30 * time.Second))
	br := bufio.NewReader(conn)

	greeting, err := socks5.ReadGreeting(br)
	if err != nil {
		return
	}
	if !greeting.Offers(socks5.MethodUserPass) {
		socks5.WriteMethodSelection(conn, socks5.MethodNoneAcceptable)
		return
	}
	if err := socks5.WriteMethodSelection(conn, socks5.MethodUserPass); err != nil {
		return
	}

	creds, err := socks5.ReadUserPass(br)
	if err != nil {
		return
	}

	decision, err := s.cfg.Authn.Authenticate(creds.Username, net.ParseIP(host), authn.Credentials{
		PasswordAttempt: []byte(creds.Password),
	})
	if err != nil {
		s.log.WithError(err).Warn("standalone SOCKS5 authentication failed")
		socks5.WriteUserPassReply(conn, false)
		return
	}
	if !decision.Allowed {
		socks5.WriteUserPassReply(conn, false)
		if s.cfg.Reputation != nil {
			s.cfg.Reputation.RecordFailure(host)
		}
		s.emit(audit.Event{Event: audit.EventAuthFailure, User: creds.Username, IP: host, Error: string(decision.Reason)})
		return
	}
	user := decision.User
	if s.cfg.Maintenance != nil && s.cfg.Maintenance.Active() && user.Role != policy.RoleAdmin {
		socks5.WriteUserPassReply(conn, false)
		s.emit(audit.Event{Event: audit.EventAuthFailure, User: user.Username, IP: host, Error: reasonMaintenance})
		return
	}
	if err := socks5.WriteUserPassReply(conn, true); err != nil {
		return
	}
	if s.cfg.Reputation != nil {
		s.cfg.Reputation.RecordSuccess(host)
	}
	conn.SetDeadline(time.Time{})
	s.emit(audit.Event{Event: audit.EventAuthSuccess, User: user.Username, IP: host, OK: true})

	handle, release := s.cfg.Registry.Register(user.Username)
	defer release()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-handle.Done():
			conn.Close()
		case <-ctx.Done():
		}
	}()

	req, err := socks5.ReadRequest(br)
	if err != nil {
		return
	}
	if req.Command != socks5.CmdConnect {
		socks5.WriteReply(conn, socks5.ReplyCommandUnsupported, nil, 0)
		return
	}

	proxySession(ctx, proxySessionDeps{
		egress: s.cfg.Egress,
		quota:  s.cfg.Quota,
		engine: s.cfg.Engine,
		clock:  s.cfg.Clock,
		emit:   s.emit,
	}, conn, user, host, egress.IngressStandalone, req.Host, req.Port, s.limitersFor(user), func(code byte) {
		socks5.WriteReply(conn, code, net.IPv4zero, 0)
	})
}

func (s *StandaloneServer) limitersFor(user *policy.ResolvedUser) proxyengine.Limiters {
	var limiters proxyengine.Limiters
	if user.Quotas.PerConnectionBytesPerSec > 0 {
		limiters = append(limiters, rate.NewLimiter(rate.Limit(user.Quotas.PerConnectionBytesPerSec), int(user.Quotas.PerConnectionBytesPerSec)))
	}
	if user.Quotas.AggregateBytesPerSec > 0 {
		limiters = append(limiters, s.aggregateLimiter(user.Username, user.Quotas.AggregateBytesPerSec))
	}
	if s.serverLimiter != nil {
		limiters = append(limiters, s.serverLimiter)
	}
	return limiters
}

func (s *StandaloneServer) aggregateLimiter(username string, bytesPerSec int64) *rate.Limiter {
	s.aggregateMu.Lock()
	defer s.aggregateMu.Unlock()
	l, ok := s.aggregate[username]
	if !ok {
		l = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
		s.aggregate[username] = l
	}
	return l
}

func (s *StandaloneServer) emit(ev audit.Event) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Emit(ev); err != nil {
		s.log.WithError(err).Warn("failed to emit audit event")
	}
}
