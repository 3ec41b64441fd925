// Command s5d runs the hardened SSH egress proxy daemon: it loads the
// policy configuration, wires the Policy Store, Reputation Registry,
// Rate Gate, Quota Tracker, Authenticator, Egress Authorizer and Proxy
// Engine together, and serves SSH (and, optionally, a standalone
// SOCKS5 listener) until told to stop.
//
// CLI subcommands beyond "start" (init, hash-password, health-check,
// manpage/completions) are an explicit external collaborator per the
// scope of this package and are not implemented here.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/galti3r/s5/lib/audit"
	"github.com/galti3r/s5/lib/authn"
	"github.com/galti3r/s5/lib/config"
	"github.com/galti3r/s5/lib/dnscache"
	"github.com/galti3r/s5/lib/egress"
	"github.com/galti3r/s5/lib/geoip"
	"github.com/galti3r/s5/lib/policy"
	"github.com/galti3r/s5/lib/pool"
	"github.com/galti3r/s5/lib/proxyengine"
	"github.com/galti3r/s5/lib/pxproto"
	"github.com/galti3r/s5/lib/quota"
	"github.com/galti3r/s5/lib/ratelimit"
	"github.com/galti3r/s5/lib/registry"
	"github.com/galti3r/s5/lib/reputation"
	"github.com/galti3r/s5/lib/srv"
	"github.com/galti3r/s5/lib/sshutils"
)

// CommandLineFlags holds every value the "start" command accepts,
// mirrored on the teacher's tbot CommandLineFlags convention.
type CommandLineFlags struct {
	ConfigPath string
	Debug      bool

	Listen       string
	HostKeyPaths []string

	StandaloneListen  string
	StandaloneTLSCert string
	StandaloneTLSKey  string

	GeoIPPath         string
	QuotaSnapshotPath string
	QuotaPersistEvery time.Duration
	AuditLogPath      string
	WebhookURL        string
	WebhookSecret     string

	Maintenance bool
}

func main() {
	app := kingpin.New("s5d", "Hardened SSH egress proxy daemon.")
	var clf CommandLineFlags

	start := app.Command("start", "Run the proxy daemon.").Default()
	start.Flag("config", "Path to the YAML policy configuration file.").
		Short('c').Required().ExistingFileVar(&clf.ConfigPath)
	start.Flag("debug", "Enable verbose logging to stderr.").
		Short('d').BoolVar(&clf.Debug)
	start.Flag("listen", "Address the SSH listener binds.").
		Default("0.0.0.0:2222").StringVar(&clf.Listen)
	start.Flag("host-key", "Path to an OpenSSH-format host key file; repeatable. If none is given, a fresh Ed25519 key is generated and written to host_key.pem in the working directory.").
		StringsVar(&clf.HostKeyPaths)
	start.Flag("standalone-listen", "Address the standalone SOCKS5 listener binds; empty disables it.").
		StringVar(&clf.StandaloneListen)
	start.Flag("standalone-tls-cert", "TLS certificate file wrapping the standalone listener.").
		StringVar(&clf.StandaloneTLSCert)
	start.Flag("standalone-tls-key", "TLS key file wrapping the standalone listener.").
		StringVar(&clf.StandaloneTLSKey)
	start.Flag("geoip-db", "Path to a GeoLite2-Country (or compatible) MaxMind database; empty disables GeoIP gating.").
		StringVar(&clf.GeoIPPath)
	start.Flag("quota-snapshot", "Path to the quota write-behind snapshot file.").
		Default("quota-snapshot.json").StringVar(&clf.QuotaSnapshotPath)
	start.Flag("quota-persist-interval", "How often quota counters are opportunistically flushed to disk.").
		Default("30s").DurationVar(&clf.QuotaPersistEvery)
	start.Flag("audit-log", "Path to the JSON-lines audit log file.").
		Default("audit.log").StringVar(&clf.AuditLogPath)
	start.Flag("webhook-url", "Optional webhook URL notified of every audit event.").
		StringVar(&clf.WebhookURL)
	start.Flag("webhook-secret", "HMAC-SHA256 secret signing webhook deliveries.").
		StringVar(&clf.WebhookSecret)
	start.Flag("maintenance", "Start already in maintenance mode (admin users bypass).").
		BoolVar(&clf.Maintenance)

	ver := app.Command("version", "Print the version.")

	command, err := app.Parse(os.Args[1:])
	if err != nil {
		app.Usage(os.Args[1:])
		fatal(err)
	}

	switch command {
	case start.FullCommand():
		if clf.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := run(ctx, clf); err != nil {
			fatal(err)
		}
	case ver.FullCommand():
		fmt.Println("s5d (hardened SSH egress proxy)")
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, trace.DebugReport(err))
	os.Exit(1)
}

// daemon bundles every long-lived collaborator the core needs, wired
// once at startup and torn down together on shutdown.
type daemon struct {
	store      *policy.Store
	reputation *reputation.Registry
	rateGate   *ratelimit.Gate
	quota      *quota.Tracker
	pool       *pool.Pool
	registry   *registry.Registry
	audit      *audit.Writer
	geo        *geoip.DB

	server     *srv.Server
	standalone *srv.StandaloneServer

	listener           net.Listener
	standaloneListener net.Listener

	maintenance *srv.Maintenance

	log *log.Entry
}

func run(ctx context.Context, clf CommandLineFlags) error {
	d, err := build(ctx, clf)
	if err != nil {
		return trace.Wrap(err)
	}
	defer d.close()

	stop := make(chan struct{})
	go d.reputation.Run(stop)
	if d.pool != nil {
		go d.pool.Run(time.Minute, stop)
	}
	go d.quota.Run(clf.QuotaPersistEvery, stop)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go d.watchReload(ctx, clf.ConfigPath, hup)

	done := make(chan struct{}, 2)
	go func() {
		if err := d.server.Serve(ctx, d.listener); err != nil {
			d.log.WithError(err).Warn("SSH listener stopped")
		}
		done <- struct{}{}
	}()
	if d.standalone != nil {
		go func() {
			if err := d.standalone.Serve(ctx, d.standaloneListener); err != nil {
				d.log.WithError(err).Warn("standalone SOCKS5 listener stopped")
			}
			done <- struct{}{}
		}()
	} else {
		done <- struct{}{}
	}

	d.log.WithField("listen", clf.Listen).Info("s5d started")
	<-ctx.Done()
	d.log.Info("shutdown signal received, draining connections")

	close(stop)
	d.listener.Close()
	if d.standaloneListener != nil {
		d.standaloneListener.Close()
	}
	d.registry.Broadcast()

	shutdownTimeout := d.store.Current().Security().ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	select {
	case <-done:
		<-done
	case <-time.After(shutdownTimeout):
		d.log.Warn("shutdown timeout exceeded, abandoning unfinished connections")
	}
	if err := d.quota.PersistNow(); err != nil {
		d.log.WithError(err).Warn("final quota persist failed")
	}
	return nil
}

func (d *daemon) close() {
	if d.geo != nil {
		d.geo.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
}

// watchReload re-reads the config file on each SIGHUP, validating and
// atomically swapping the live snapshot per §4.1; in-flight
// connections are unaffected.
func (d *daemon) watchReload(ctx context.Context, path string, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			raw, err := config.Load(path)
			if err != nil {
				d.log.WithError(err).Error("reload: failed to read configuration file")
				continue
			}
			changed, err := d.store.Reload(raw)
			if err != nil {
				d.log.WithError(err).Error("reload: configuration rejected, previous snapshot still live")
				continue
			}
			d.audit.Emit(audit.Event{Event: audit.EventReload, OK: true})
			d.log.WithField("changed", changed).Info("reload: new configuration snapshot live")
		}
	}
}

// build constructs every collaborator named in §5's "process-scoped
// service bundle" from the parsed flags and the loaded configuration,
// stopping short of accepting connections.
func build(ctx context.Context, clf CommandLineFlags) (*daemon, error) {
	store, err := config.LoadStore(clf.ConfigPath)
	if err != nil {
		return nil, trace.Wrap(err, "loading configuration")
	}
	sec := store.Current().Security()
	clock := clockwork.NewRealClock()

	hostKeys, err := loadHostKeys(clf.HostKeyPaths)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var geoDB *geoip.DB
	var geoLookup authn.GeoLookup
	if clf.GeoIPPath != "" {
		geoDB, err = geoip.Open(clf.GeoIPPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		geoLookup = geoDB
	}

	repRegistry := reputation.New(reputation.Config{
		FailWeight:      sec.FailWeight,
		SuccessWeight:   sec.SuccessWeight,
		BanThreshold:    sec.BanThreshold,
		BanDuration:     sec.BanDuration,
		BanDurationMax:  sec.BanDurationMax,
		HalfLife:        sec.ReputationHalfLife,
		CleanupInterval: sec.CleanupInterval,
		Clock:           clock,
	})

	rateGate := ratelimit.New(clock)

	persister := quota.NewFilePersister(clf.QuotaSnapshotPath)
	quotaTracker := quota.New(clock, persister)

	dnsCache, err := dnscache.New(dnscache.Config{
		Mode:     dnscache.TTLMode(sec.DNSCacheTTLMode),
		FixedTTL: sec.DNSCacheFixedTTL,
		Clock:    clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var connPool *pool.Pool
	if sec.ConnectionPoolEnabled {
		connPool = pool.New(pool.Config{IdleTimeout: sec.PoolIdleTimeout, Clock: clock})
	}

	var egressGeo egress.GeoLookup
	if geoDB != nil {
		egressGeo = geoDB
	}
	egressAuthorizer, err := egress.New(egress.Config{
		DNS:                   dnsCache,
		Geo:                   egressGeo,
		ConnectionPoolEnabled: sec.ConnectionPoolEnabled,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	engine, err := proxyengine.New(proxyengine.Config{
		Pool:            connPool,
		ConnectTimeout:  sec.ConnectTimeout,
		ConnectRetries:  sec.ConnectRetries,
		IdleTimeout:     sec.IdleTimeout,
		IdleWarning:     sec.IdleWarning,
		ShutdownTimeout: sec.ShutdownTimeout,
		Clock:           clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	reg := registry.New(ctx)

	var notifier audit.Notifier
	if clf.WebhookURL != "" {
		notifier = audit.NewWebhookNotifier(clf.WebhookURL, []byte(clf.WebhookSecret), log.StandardLogger())
	}
	auditWriter, err := audit.New(audit.Config{Path: clf.AuditLogPath, Notifier: notifier})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	authenticator, err := authn.New(authn.Config{Store: store, Geo: geoLookup, Clock: clock.Now})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	maintenance := srv.NewMaintenance()
	if clf.Maintenance {
		maintenance.SetActive(true, sec.MaintenanceMessage)
	}

	server, err := srv.New(srv.Config{
		HostKeys:              hostKeys,
		Store:                 store,
		Authn:                 authenticator,
		Reputation:            repRegistry,
		RateGate:              rateGate,
		Quota:                 quotaTracker,
		Egress:                egressAuthorizer,
		Engine:                engine,
		Registry:              reg,
		Audit:                 auditWriter,
		Clock:                 clock,
		Maintenance:           maintenance,
		ServerRateLimits:      sec.ServerRateLimits,
		ServerWideBytesPerSec: 0,
		AuthTimeout:           sec.AuthTimeout,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ln, err := net.Listen("tcp", clf.Listen)
	if err != nil {
		return nil, trace.Wrap(err, "binding SSH listener")
	}
	if len(sec.TrustedProxyCIDRs) > 0 {
		trusted, err := parseCIDRs(sec.TrustedProxyCIDRs)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ln = pxproto.NewListener(ln, trusted)
	}

	d := &daemon{
		store:       store,
		reputation:  repRegistry,
		rateGate:    rateGate,
		quota:       quotaTracker,
		pool:        connPool,
		registry:    reg,
		audit:       auditWriter,
		geo:         geoDB,
		server:      server,
		listener:    ln,
		maintenance: maintenance,
		log:         log.WithField(trace.Component, "s5d"),
	}

	if clf.StandaloneListen != "" {
		standalone, err := srv.NewStandalone(srv.StandaloneConfig{
			Store:                 store,
			Authn:                 authenticator,
			Reputation:            repRegistry,
			RateGate:              rateGate,
			Quota:                 quotaTracker,
			Egress:                egressAuthorizer,
			Engine:                engine,
			Registry:              reg,
			Audit:                 auditWriter,
			Clock:                 clock,
			Maintenance:           maintenance,
			ServerRateLimits:      sec.ServerRateLimits,
			ServerWideBytesPerSec: 0,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		standaloneLn, err := net.Listen("tcp", clf.StandaloneListen)
		if err != nil {
			return nil, trace.Wrap(err, "binding standalone SOCKS5 listener")
		}
		if clf.StandaloneTLSCert != "" && clf.StandaloneTLSKey != "" {
			cert, err := tls.LoadX509KeyPair(clf.StandaloneTLSCert, clf.StandaloneTLSKey)
			if err != nil {
				return nil, trace.Wrap(err, "loading standalone TLS certificate")
			}
			standaloneLn = tls.NewListener(standaloneLn, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
		if len(sec.TrustedProxyCIDRs) > 0 {
			trusted, err := parseCIDRs(sec.TrustedProxyCIDRs)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			standaloneLn = pxproto.NewListener(standaloneLn, trusted)
		}
		d.standalone = standalone
		d.standaloneListener = standaloneLn
	}

	return d, nil
}

// loadHostKeys parses every path as an OpenSSH-format private key. If
// none are given, a fresh Ed25519 key is generated and persisted under
// "host_key.pem" in the working directory (§6 "Ed25519 preferred, RSA
// accepted").
func loadHostKeys(paths []string) ([]ssh.Signer, error) {
	if len(paths) == 0 {
		signer, err := sshutils.GenerateEd25519HostKey("host_key.pem")
		if err != nil {
			return nil, trace.Wrap(err, "generating default host key")
		}
		return []ssh.Signer{signer}, nil
	}
	keys := make([]ssh.Signer, 0, len(paths))
	for _, p := range paths {
		signer, err := sshutils.LoadHostKey(p)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		keys = append(keys, signer)
	}
	return keys, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, trace.BadParameter("invalid trusted proxy CIDR %q: %v", c, err)
		}
		out = append(out, n)
	}
	return out, nil
}
