package srv

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/galti3r/s5/lib/audit"
	"github.com/galti3r/s5/lib/egress"
	"github.com/galti3r/s5/lib/policy"
	"github.com/galti3r/s5/lib/proxyengine"
	"github.com/galti3r/s5/lib/quota"
	"github.com/galti3r/s5/lib/socks5"
)

// directForwardChannelData is the wire encoding of a "direct-tcpip"
// channel-open request, RFC 4254 §7.2.
type directForwardChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// execRequest is the wire encoding of an "exec" channel request.
type execRequest struct {
	Command string
}

// subsystemRequest is the wire encoding of a "subsystem" channel request.
type subsystemRequest struct {
	Name string
}

func (s *Server) dispatchChannel(ctx context.Context, newChannel ssh.NewChannel, user *policy.ResolvedUser, sourceIP string) {
	switch newChannel.ChannelType() {
	case "session":
		s.handleSessionChannel(ctx, newChannel, user, sourceIP)
	case "direct-tcpip":
		s.handleDirectTCPIP(ctx, newChannel, user, sourceIP)
	default:
		newChannel.Reject(ssh.UnknownChannelType, "channel type not supported")
	}
}

func (s *Server) handleSessionChannel(ctx context.Context, newChannel ssh.NewChannel, user *policy.ResolvedUser, sourceIP string) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		s.log.WithError(err).Debug("failed to accept session channel")
		return
	}
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "subsystem":
			var payload subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "socks5" {
				req.Reply(false, nil)
				continue
			}
			if !user.Forwarding.AllowDynamic {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			s.runDynamicSocks5(ctx, channel, user, sourceIP)
			return
		case "exec":
			var payload execRequest
			if err := ssh.Unmarshal(req.Payload, &payload); err == nil && isShellEvasion(payload.Command) {
				s.emit(audit.Event{Event: audit.EventACLDenied, User: user.Username, IP: sourceIP, Kind: "exec", Error: "shell evasion denylist"})
			}
			// Command execution itself is not offered by this server;
			// only the denylist gate above is in scope.
			req.Reply(false, nil)
		case "env":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func isShellEvasion(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	bin := fields[0]
	if idx := strings.LastIndex(bin, "/"); idx >= 0 {
		bin = bin[idx+1:]
	}
	return shellEvasionDenylist[bin]
}

// runDynamicSocks5 drives RFC 1928's CONNECT-only subset over an
// accepted session channel, per §4.7's "SSH dynamic (-D)" behavior:
// greet, no-auth-only method negotiation (the SSH layer already
// authenticated the user), CONNECT request, then hand off to the
// shared connect/copy pipeline.
func (s *Server) runDynamicSocks5(ctx context.Context, channel ssh.Channel, user *policy.ResolvedUser, sourceIP string) {
	br := bufio.NewReader(channel)

	greeting, err := socks5.ReadGreeting(br)
	if err != nil {
		return
	}
	if !greeting.Offers(socks5.MethodNoAuth) {
		socks5.WriteMethodSelection(channel, socks5.MethodNoneAcceptable)
		return
	}
	if err := socks5.WriteMethodSelection(channel, socks5.MethodNoAuth); err != nil {
		return
	}

	req, err := socks5.ReadRequest(br)
	if err != nil {
		return
	}
	if req.Command != socks5.CmdConnect {
		socks5.WriteReply(channel, socks5.ReplyCommandUnsupported, nil, 0)
		return
	}

	s.proxyRequest(ctx, channel, user, sourceIP, egress.IngressDynamic, req.Host, req.Port, func(code byte) {
		socks5.WriteReply(channel, code, net.IPv4zero, 0)
	})
}

func (s *Server) handleDirectTCPIP(ctx context.Context, newChannel ssh.NewChannel, user *policy.ResolvedUser, sourceIP string) {
	var payload directForwardChannelData
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		s.log.WithError(err).Debug("failed to accept direct-tcpip channel")
		return
	}
	go ssh.DiscardRequests(requests)
	defer channel.Close()

	s.proxyRequest(ctx, channel, user, sourceIP, egress.IngressDirectTCP, payload.DestAddr, int(payload.DestPort), func(code byte) {})
}

// proxyRequest authorizes a single (host, port) destination and, on
// success, drives the connect/copy pipeline against it; onResult must
// be non-nil and communicates the SOCKS5 reply code for in-channel
// sessions (direct-tcpip passes a no-op).
// channel is an SSH channel for -D/-L sessions.
func (s *Server) proxyRequest(ctx context.Context, channel io.ReadWriteCloser, user *policy.ResolvedUser, sourceIP string, kind egress.IngressKind, host string, port int, onResult func(code byte)) {
	proxySession(ctx, proxySessionDeps{
		egress: s.cfg.Egress,
		quota:  s.cfg.Quota,
		engine: s.cfg.Engine,
		clock:  s.cfg.Clock,
		emit:   s.emit,
	}, channel, user, sourceIP, kind, host, port, s.limitersFor(user), onResult)
}

// proxySessionDeps bundles the collaborators proxySession needs,
// shared by both the SSH channel handlers and the standalone SOCKS5
// listener (both sit downstream of their own authentication step, and
// drive the same egress/quota/connect/copy pipeline from there).
type proxySessionDeps struct {
	egress *egress.Authorizer
	quota  *quota.Tracker
	engine *proxyengine.Engine
	clock  clockwork.Clock
	emit   func(audit.Event)
}

// proxySession runs the §4.6-4.7 pipeline common to every ingress kind:
// authorize the destination, reserve quota, connect, re-validate the
// actually-dialed IP against the DNS-rebinding guard, then copy bytes
// bidirectionally under the caller's throttles. channel is an SSH
// channel or a raw net.Conn; both satisfy io.ReadWriteCloser.
func proxySession(ctx context.Context, deps proxySessionDeps, channel io.ReadWriteCloser, user *policy.ResolvedUser, sourceIP string, kind egress.IngressKind, host string, port int, limiters proxyengine.Limiters, onResult func(code byte)) {
	decision, err := deps.egress.Authorize(ctx, user, kind, host, port)
	if err != nil {
		onResult(replyCodeFor(err))
		reason := "denied"
		if denied, ok := err.(*egress.DeniedError); ok {
			reason = string(denied.Reason)
		}
		blockedByACL.WithLabelValues(reason).Inc()
		deps.emit(audit.Event{Event: audit.EventACLDenied, User: user.Username, IP: sourceIP, Dst: egress.FormatHostPort(host, port), Kind: string(kind), Error: err.Error()})
		return
	}

	var qtoken *quota.Token
	if deps.quota != nil {
		q := quota.Quotas{
			MaxConnections:      user.Quotas.MaxConnections,
			RollingHourBytes:    user.Quotas.RollingHourBytes,
			DailyBandwidthBytes: user.Quotas.DailyBandwidthBytes,
			MonthlyBytes:        user.Quotas.MonthlyBytes,
			MonthlyConnections:  user.Quotas.MonthlyConnections,
		}
		t, err := deps.quota.Reserve(user.Username, q, user.QuotaLocation())
		if err != nil {
			onResult(socks5.ReplyRulesetDenied)
			deps.emit(audit.Event{Event: audit.EventQuotaDenied, User: user.Username, IP: sourceIP, Dst: egress.FormatHostPort(host, port), Error: err.Error()})
			return
		}
		qtoken = t
		defer deps.quota.Release(qtoken)
	}

	upstream, err := deps.engine.Connect(ctx, decision.ResolvedIP.String(), decision.Port, nil)
	if err != nil {
		onResult(socks5.ReplyHostUnreachable)
		return
	}
	defer deps.engine.Release(decision.ResolvedIP.String(), decision.Port, upstream)

	if revalErr := deps.egress.Revalidate(user, host, decision.ResolvedIP, port); revalErr != nil {
		onResult(replyCodeFor(revalErr))
		return
	}

	onResult(socks5.ReplySuccess)

	start := deps.clock.Now()
	var recorder proxyengine.ByteRecorder
	if qtoken != nil {
		recorder = func(up, down int64) error {
			return deps.quota.RecordBytes(qtoken, up, down)
		}
	}
	result := deps.engine.Copy(ctx, channel, upstream, limiters, limiters, recorder, nil)

	deps.emit(audit.Event{
		Event:      audit.EventProxyConnect,
		User:       user.Username,
		IP:         sourceIP,
		Dst:        egress.FormatHostPort(host, port),
		Kind:       string(kind),
		OK:         result.Err == nil,
		BytesUp:    result.BytesUp,
		BytesDown:  result.BytesDown,
		DurationMS: deps.clock.Now().Sub(start).Milliseconds(),
	})
}

func (s *Server) limitersFor(user *policy.ResolvedUser) proxyengine.Limiters {
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

func (s *Server) aggregateLimiter(username string, bytesPerSec int64) *rate.Limiter {
	s.aggregateMu.Lock()
	defer s.aggregateMu.Unlock()
	l, ok := s.aggregate[username]
	if !ok {
		l = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
		s.aggregate[username] = l
	}
	return l
}

func replyCodeFor(err error) byte {
	denied, ok := err.(*egress.DeniedError)
	if !ok {
		return socks5.ReplyGeneralFailure
	}
	switch denied.Reason {
	case egress.DenyBadPort:
		return socks5.ReplyAddressUnsupported
	case egress.DenyResolution:
		return socks5.ReplyHostUnreachable
	case egress.DenyPrivateAddress, egress.DenyGeo, egress.DenyACL, egress.DenyForwardingNotAllowed:
		return socks5.ReplyRulesetDenied
	default:
		return socks5.ReplyGeneralFailure
	}
}
