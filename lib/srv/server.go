// Package srv wires the SSH server half of the proxy (§4.8): host key
// handling, the chained authenticator exposed through x/crypto/ssh's
// callbacks, channel dispatch (session / direct-tcpip only), and the
// in-channel SOCKS5 loop for dynamic (-D) forwarding.
package srv

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
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
)

// shellEvasionDenylist names exec commands refused outright, §4.8.
var shellEvasionDenylist = map[string]bool{
	"bash": true, "sh": true, "zsh": true, "ksh": true, "csh": true,
	"nc": true, "ncat": true, "netcat": true,
	"rsync": true, "sftp": true, "scp": true,
}

// Config configures a Server.
type Config struct {
	HostKeys   []ssh.Signer
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
	// Maintenance gates new auth attempts server-wide (§6); nil disables
	// the check entirely.
	Maintenance *Maintenance

	// ServerRateLimits bounds login attempts per source IP, consulted
	// before any password/cert verification work per §4.3.
	ServerRateLimits policy.RateLimits
	// ServerWideBytesPerSec is the third tier of the copy loop's
	// throttle minimum (§4.7), alongside per-connection and per-user
	// aggregate caps carried on the resolved user's Quotas. Zero means
	// unlimited. Not part of policy.Security because it bounds the
	// whole daemon process, not a single reloadable policy tree.
	ServerWideBytesPerSec int64
	AuthTimeout           time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if len(c.HostKeys) == 0 {
		return trace.BadParameter("srv: at least one host key is required")
	}
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
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	return nil
}

// Server accepts SSH connections and dispatches their channels.
type Server struct {
	cfg       Config
	sshConfig *ssh.ServerConfig
	log       *log.Entry

	pendingMu sync.Mutex
	pending   map[string]*pendingAuth

	aggregateMu   sync.Mutex
	aggregate     map[string]*rate.Limiter
	serverLimiter *rate.Limiter
}

// New builds a Server and its underlying ssh.ServerConfig.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		cfg:       cfg,
		log:       log.WithField(trace.Component, "srv"),
		pending:   map[string]*pendingAuth{},
		aggregate: map[string]*rate.Limiter{},
	}
	if cfg.ServerWideBytesPerSec > 0 {
		s.serverLimiter = rate.NewLimiter(rate.Limit(cfg.ServerWideBytesPerSec), int(cfg.ServerWideBytesPerSec))
	}
	s.sshConfig = s.newSSHServerConfig()
	for _, k := range cfg.HostKeys {
		s.sshConfig.AddHostKey(k)
	}
	return s, nil
}

// Serve accepts connections from ln until ctx is cancelled or ln stops
// accepting. Each accepted connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
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
	addrKey := conn.RemoteAddr().String()
	defer s.clearPending(addrKey)

	conn.SetDeadline(s.cfg.Clock.Now().Add(s.cfg.AuthTimeout))

	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.log.WithError(err).WithField("ip", host).Debug("SSH handshake failed")
		return
	}
	defer sconn.Close()
	conn.SetDeadline(time.Time{})

	user := s.resolvedUser(addrKey)
	if user == nil {
		s.log.Warn("authenticated connection missing resolved user state")
		return
	}

	s.log.WithField("user", user.Username).WithField("ip", host).Info("session established")

	handle, release := s.cfg.Registry.Register(user.Username)
	defer release()

	go ssh.DiscardRequests(reqs)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-handle.Done():
			sconn.Close()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for newChannel := range chans {
		nc := newChannel
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatchChannel(ctx, nc, user, host)
		}()
	}
	wg.Wait()
}

func (s *Server) emit(ev audit.Event) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Emit(ev); err != nil {
		s.log.WithError(err).Warn("failed to emit audit event")
	}
}
