// Package proxyengine implements the Proxy Engine's connect/copy half
// (§4.7): smart-retry outbound dialing through the idle-socket pool,
// bidirectional throttled copying with byte accounting, an idle timer,
// and cooperative cancellation via a connection registry Handle.
package proxyengine

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/galti3r/s5/lib/pool"
)

// State names a connection's position in the §4.7 state machine:
// New -> PolicyChecked -> Resolving -> Connecting -> Established ->
// Closing -> Closed, with Connecting -> Failed -> (retry) -> Connecting
// looping up to the retry cap.
type State int

const (
	StateNew State = iota
	StatePolicyChecked
	StateResolving
	StateConnecting
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePolicyChecked:
		return "policy_checked"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens an outbound TCP connection; normally net.Dialer.DialContext.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures an Engine.
type Config struct {
	Dialer          Dialer
	Pool            *pool.Pool
	ConnectTimeout  time.Duration
	ConnectRetries  int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	BufferSize      int
	IdleTimeout     time.Duration
	IdleWarning     time.Duration
	ShutdownTimeout time.Duration
	Clock           clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 32 * 1024
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine drives the connect/copy pipeline for one outbound leg.
type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Connect dials (host, port), first attempting the idle pool if one is
// configured, then smart-retrying up to cfg.ConnectRetries times with
// exponential backoff capped at cfg.RetryMaxDelay, per §4.7's connect
// procedure. liveness validates a pooled socket before reuse.
func (e *Engine) Connect(ctx context.Context, host string, port int, liveness func(net.Conn) bool) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if e.cfg.Pool != nil {
		if conn := e.cfg.Pool.Get(host, port, liveness); conn != nil {
			return conn, nil
		}
	}

	var lastErr error
	delay := e.cfg.RetryBaseDelay
	for attempt := 0; attempt <= e.cfg.ConnectRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, trace.Wrap(ctx.Err())
		}
		dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		conn, err := e.cfg.Dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < e.cfg.ConnectRetries {
			select {
			case <-e.cfg.Clock.After(delay):
			case <-ctx.Done():
				return nil, trace.Wrap(ctx.Err())
			}
			delay *= 2
			if delay > e.cfg.RetryMaxDelay {
				delay = e.cfg.RetryMaxDelay
			}
		}
	}
	return nil, trace.ConnectionProblem(lastErr, "failed to connect to %s after %d attempts", addr, e.cfg.ConnectRetries+1)
}

// Release returns conn to the pool for future reuse, or closes it if
// no pool is configured.
func (e *Engine) Release(host string, port int, conn net.Conn) {
	if e.cfg.Pool != nil {
		e.cfg.Pool.Put(host, port, conn)
		return
	}
	conn.Close()
}

// ByteRecorder is called after each chunk is copied in a direction;
// returning an error (e.g. a quota violation) cancels the copy loop.
type ByteRecorder func(up, down int64) error

// Limiters bounds one direction's throughput to the minimum of up to
// three token buckets (per-connection, per-user aggregate, server-wide),
// per §4.7's "minimum of (per-connection cap, per-user aggregate cap,
// server-wide cap)".
type Limiters []*rate.Limiter

// wait blocks until all configured limiters have released n tokens,
// approximating the minimum of their rates.
func (ls Limiters) wait(ctx context.Context, n int) error {
	for _, l := range ls {
		if l == nil {
			continue
		}
		// WaitN refuses requests larger than the burst, so a chunk
		// bigger than the bucket is taken in burst-sized pieces.
		for left := n; left > 0; {
			take := left
			if b := l.Burst(); b > 0 && take > b {
				take = b
			}
			if err := l.WaitN(ctx, take); err != nil {
				return trace.Wrap(err)
			}
			left -= take
		}
	}
	return nil
}

// CopyResult reports why a bidirectional copy ended.
type CopyResult struct {
	BytesUp   int64
	BytesDown int64
	Err       error
}

// Copy pumps bytes bidirectionally between client and upstream,
// honoring throttle limiters per direction, reporting every chunk via
// record, observing ctx for cooperative cancellation, and
// closing both sides after idleTimeout of silence (§4.7 copy loop).
// onIdleWarning, if set, fires once after idleWarning of silence before
// the hard idleTimeout close (used for shell sessions).
func (e *Engine) Copy(ctx context.Context, client, upstream io.ReadWriteCloser, upLimits, downLimits Limiters, record ByteRecorder, onIdleWarning func()) CopyResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var result CopyResult
	done := make(chan struct{}, 2)
	activity := make(chan struct{}, 1)

	pump := func(dst io.Writer, src io.Reader, limiters Limiters, isUpload bool) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, e.cfg.BufferSize)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := src.Read(buf)
			if n > 0 {
				if wErr := limiters.wait(ctx, n); wErr != nil {
					result.Err = wErr
					cancel()
					return
				}
				if _, wErr := dst.Write(buf[:n]); wErr != nil {
					result.Err = trace.Wrap(wErr)
					cancel()
					return
				}
				select {
				case activity <- struct{}{}:
				default:
				}
				if isUpload {
					result.BytesUp += int64(n)
				} else {
					result.BytesDown += int64(n)
				}
				if record != nil {
					if rErr := record(boolToInt64(isUpload, n), boolToInt64(!isUpload, n)); rErr != nil {
						result.Err = rErr
						cancel()
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					result.Err = trace.Wrap(err)
				}
				cancel()
				return
			}
		}
	}

	go pump(upstream, client, upLimits, true)
	go pump(client, upstream, downLimits, false)

	warned := false
	quietLimit := e.cfg.IdleTimeout
	if e.cfg.IdleWarning > 0 && onIdleWarning != nil {
		quietLimit = e.cfg.IdleWarning
	}
	idleTimer := e.cfg.Clock.NewTimer(quietLimit)
	defer idleTimer.Stop()

	completed := 0
	for completed < 2 {
		select {
		case <-done:
			completed++
		case <-ctx.Done():
			client.Close()
			upstream.Close()
			// drain remaining pump completions without blocking forever
			for completed < 2 {
				<-done
				completed++
			}
		case <-activity:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.Chan():
				default:
				}
			}
			warned = false
			idleTimer.Reset(quietLimit)
		case <-idleTimer.Chan():
			if e.cfg.IdleWarning > 0 && !warned && onIdleWarning != nil {
				warned = true
				onIdleWarning()
				idleTimer.Reset(e.cfg.IdleTimeout - e.cfg.IdleWarning)
				continue
			}
			cancel()
			client.Close()
			upstream.Close()
		}
	}

	return result
}

func boolToInt64(b bool, n int) int64 {
	if b {
		return int64(n)
	}
	return 0
}
