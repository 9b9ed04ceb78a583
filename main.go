package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/die-net/spindle/internal/acceptor"
	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/dialer"
	"github.com/die-net/spindle/internal/eventbus"
	"github.com/die-net/spindle/internal/metrics"
	"github.com/die-net/spindle/internal/pki"
	"github.com/die-net/spindle/internal/proxy"
	"github.com/die-net/spindle/internal/web"
)

type options struct {
	hostname   string
	port       int
	backlog    int
	numWorkers int
	numEngines int
	workerMode string
	threadless bool

	clientRecvBufSize int
	serverRecvBufSize int
	maxSendSize       int
	timeout           time.Duration
	clientFlushBPS    int
	clientRecvBPS     int

	caCertFile string
	caKeyFile  string
	certFile   string
	keyFile    string
	basicAuth  string

	upstream           string
	dialTimeout        time.Duration
	negotiationTimeout time.Duration
	tcpKeepAlive       string

	disableHTTPProxy bool
	enableWebServer  bool
	pacFile          string
	pacFileURLPath   string

	enableEvents bool
	debugListen  string
	logLevel     string
	logFormat    string
	logFile      string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(o)
	if err != nil {
		return err
	}
	defer closeLog()

	if acceptor.IsWorkerProcess() {
		return runWorker(o, logger)
	}
	return runParent(o, logger)
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("spindle", pflag.ContinueOnError)

	fs.StringVar(&o.hostname, "hostname", conn.DefaultHostname, "Address to listen on")
	fs.IntVar(&o.port, "port", conn.DefaultPort, "Port to listen on; 0 picks a free port")
	fs.IntVar(&o.backlog, "backlog", conn.DefaultBacklog, "Maximum number of pending connections")
	fs.IntVar(&o.numWorkers, "num-workers", runtime.NumCPU(), "Number of acceptors")
	fs.IntVar(&o.numEngines, "num-engines", 1, "Threadless engines per acceptor")
	fs.StringVar(&o.workerMode, "worker-mode", "process", "How acceptors run: process | goroutine")
	fs.BoolVar(&o.threadless, "threadless", true, "Multiplex connections on shared engines; false runs one engine per connection")

	fs.IntVar(&o.clientRecvBufSize, "client-recvbuf-size", proxy.DefaultRecvBufSize, "Maximum bytes read from a client at once")
	fs.IntVar(&o.serverRecvBufSize, "server-recvbuf-size", proxy.DefaultRecvBufSize, "Maximum bytes read from an upstream at once")
	fs.IntVar(&o.maxSendSize, "max-send-size", conn.DefaultMaxSendSize, "Maximum bytes written per flush")
	fs.DurationVar(&o.timeout, "timeout", proxy.DefaultTimeout, "Close connections inactive for this long")
	fs.IntVar(&o.clientFlushBPS, "client-flush-bps", 0, "Per-connection bytes per second sent to clients; 0 is unlimited")
	fs.IntVar(&o.clientRecvBPS, "client-recv-bps", 0, "Per-connection bytes per second read from clients; 0 is unlimited")

	fs.StringVar(&o.caCertFile, "ca-cert-file", "", "CA certificate for TLS interception of CONNECT tunnels")
	fs.StringVar(&o.caKeyFile, "ca-key-file", "", "CA private key for TLS interception of CONNECT tunnels")
	fs.StringVar(&o.certFile, "cert-file", "", "Certificate for TLS between clients and the proxy")
	fs.StringVar(&o.keyFile, "key-file", "", "Private key for TLS between clients and the proxy")
	fs.StringVar(&o.basicAuth, "basic-auth", "", "Require proxy authentication as user:pass")

	fs.StringVar(&o.upstream, "upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&o.negotiationTimeout, "negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation with an upstream proxy")
	fs.StringVar(&o.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive for upstream connections: on|off|keepidle:keepintvl:keepcnt")

	fs.BoolVar(&o.disableHTTPProxy, "disable-http-proxy", false, "Do not proxy requests naming an upstream server")
	fs.BoolVar(&o.enableWebServer, "enable-web-server", false, "Serve web routes, including the WebSocket echo at "+web.EchoPath)
	fs.StringVar(&o.pacFile, "pac-file", "", "Proxy auto-config file, or the script itself, to serve; enables the web server")
	fs.StringVar(&o.pacFileURLPath, "pac-file-url-path", web.DefaultPACPath, "Path the PAC file is served at")

	fs.BoolVar(&o.enableEvents, "enable-events", false, "Publish request lifecycle events and log them at debug level")
	fs.StringVar(&o.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: trace | debug | info | warn | error")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text | json")
	fs.StringVar(&o.logFile, "log-file", "", "Write logs to this file, rotated by size, instead of stderr")

	fs.SortFlags = false
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// eventsEnabled reports whether an event bus is needed: for the event log
// or to feed the metrics.
func (o *options) eventsEnabled() bool {
	return o.enableEvents || o.debugListen != ""
}

func newLogger(o *options) (hclog.Logger, func(), error) {
	level := hclog.LevelFromString(o.logLevel)
	if level == hclog.NoLevel {
		return nil, nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
	}

	opts := &hclog.LoggerOptions{
		Name:   "spindle",
		Level:  level,
		Output: os.Stderr,
		Color:  hclog.AutoColor,
	}
	switch o.logFormat {
	case "text":
	case "json":
		opts.JSONFormat = true
		opts.Color = hclog.ColorOff
	default:
		return nil, nil, fmt.Errorf("invalid --log-format %q", o.logFormat)
	}

	closeLog := func() {}
	if o.logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   o.logFile,
			MaxSize:    100,
			MaxBackups: 3,
		}
		opts.Output = lj
		opts.Color = hclog.ColorOff
		closeLog = func() { _ = lj.Close() }
	}
	return hclog.New(opts), closeLog, nil
}

// newAcceptorConfig builds the per-acceptor template, including the proxy
// handler factory. The returned pool holds idle upstream connections and
// must be closed by the caller.
func newAcceptorConfig(o *options, logger hclog.Logger, events eventbus.Publisher) (acceptor.Config, *conn.Pool, error) {
	cfg, err := newProxyConfig(o, logger, events)
	if err != nil {
		return acceptor.Config{}, nil, err
	}
	return acceptor.Config{
		NumEngines:     o.numEngines,
		Threadless:     o.threadless,
		Factory:        proxy.NewFactory(cfg),
		ClientFlushBPS: o.clientFlushBPS,
		ClientRecvBPS:  o.clientRecvBPS,
		Events:         events,
		Logger:         logger,
	}, cfg.UpstreamPool, nil
}

func newProxyConfig(o *options, logger hclog.Logger, events eventbus.Publisher) (proxy.Config, error) {
	ka, err := parseTCPKeepAlive(o.tcpKeepAlive)
	if err != nil {
		return proxy.Config{}, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	d, err := dialer.New(dialer.Config{
		DialTimeout:        o.dialTimeout,
		NegotiationTimeout: o.negotiationTimeout,
		KeepAlive:          ka,
	}, o.upstream)
	if err != nil {
		return proxy.Config{}, fmt.Errorf("invalid --upstream: %w", err)
	}

	cfg := proxy.Config{
		Dialer:            d,
		ClientRecvBufSize: o.clientRecvBufSize,
		ServerRecvBufSize: o.serverRecvBufSize,
		MaxSendSize:       o.maxSendSize,
		Timeout:           o.timeout,
		BasicAuth:         o.basicAuth,
		EnableWebServer:   o.enableWebServer,
		DisableHTTPProxy:  o.disableHTTPProxy,
		Events:            events,
		Logger:            logger,
	}
	if o.basicAuth != "" && !strings.Contains(o.basicAuth, ":") {
		return proxy.Config{}, errors.New("invalid --basic-auth: expected user:pass")
	}

	if o.caCertFile != "" || o.caKeyFile != "" {
		if o.caCertFile == "" || o.caKeyFile == "" {
			return proxy.Config{}, errors.New("--ca-cert-file and --ca-key-file must be set together")
		}
		if cfg.CA, err = pki.LoadCA(o.caCertFile, o.caKeyFile); err != nil {
			return proxy.Config{}, err
		}
	}

	if o.certFile != "" || o.keyFile != "" {
		if o.certFile == "" || o.keyFile == "" {
			return proxy.Config{}, errors.New("--cert-file and --key-file must be set together")
		}
		pair, err := tls.LoadX509KeyPair(o.certFile, o.keyFile)
		if err != nil {
			return proxy.Config{}, fmt.Errorf("load certificate %s: %w", o.certFile, err)
		}
		cfg.ServerTLS = &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	}

	if o.pacFile != "" {
		pac, err := web.NewPACFilePlugin(o.pacFile, o.pacFileURLPath)
		if err != nil {
			return proxy.Config{}, err
		}
		cfg.WebPlugins = append(cfg.WebPlugins, pac)
		cfg.EnableWebServer = true
	}
	if o.enableWebServer {
		cfg.WebPlugins = append(cfg.WebPlugins, web.NewEchoPlugin())
	}

	cfg.UpstreamPool = conn.NewPool(conn.WithIdleTimeout(o.timeout))
	return cfg, nil
}

// runWorker is the entry point of a worker process spawned by the pool.
func runWorker(o *options, logger hclog.Logger) error {
	env, err := acceptor.WorkerFromEnv()
	if err != nil {
		return err
	}
	logger = logger.With("worker", env.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events eventbus.Publisher
	if o.eventsEnabled() {
		pub := eventbus.NewStreamPublisher(env.Events, logger.Named("eventbus"))
		defer pub.Close()
		events = pub
	} else {
		_ = env.Events.Close()
	}

	cfg, upstreams, err := newAcceptorConfig(o, logger, events)
	if err != nil {
		_ = env.Control.Close()
		return err
	}
	defer upstreams.Close()

	cfg.ID = env.ID
	cfg.LockPath = env.LockPath
	return acceptor.New(cfg, env.Control).Run(ctx)
}

func runParent(o *options, logger hclog.Logger) error {
	mode, err := acceptor.ParseMode(o.workerMode)
	if err != nil {
		return fmt.Errorf("invalid --worker-mode: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var (
		bus    *eventbus.Bus
		events eventbus.Publisher
	)
	if o.eventsEnabled() {
		bus = eventbus.New(eventbus.WithLogger(logger.Named("eventbus")))
		bus.Start(ctx)
		defer bus.Stop()
		events = bus

		if o.enableEvents {
			evLog := logger.Named("events")
			if _, err := bus.Subscribe(func(e eventbus.Event) {
				evLog.Debug(e.Name.String(), "request_id", e.RequestID, "publisher", e.PublisherID, "pid", e.ProcessID, "payload", e.Payload)
			}); err != nil {
				return err
			}
		}
	}

	// Built here in every mode so bad flags fail before workers spawn.
	acfg, upstreams, err := newAcceptorConfig(o, logger, events)
	if err != nil {
		return err
	}
	defer upstreams.Close()

	if o.debugListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.New(reg)
		if _, err := bus.Subscribe(m.Observe); err != nil {
			return err
		}
		http.DefaultServeMux.Handle("/metrics", metrics.Handler(reg))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := net.Listen("tcp", o.debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", debugLn.Addr().String())
	}

	pool := acceptor.NewPool(acceptor.PoolConfig{
		Listen: conn.ListenConfig{
			Hostname: o.hostname,
			Port:     o.port,
			Backlog:  o.backlog,
		},
		NumWorkers: o.numWorkers,
		Mode:       mode,
		Acceptor:   acfg,
		Events:     bus,
		Logger:     logger,
	})
	if err := pool.Setup(ctx); err != nil {
		return err
	}
	logger.Info("proxy listening", "hostname", o.hostname, "port", pool.Port(), "workers", o.numWorkers, "mode", mode.String())

	<-ctx.Done()
	logger.Info("shutting down")

	var result *multierror.Error
	if err := pool.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}
	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}
	return "direct://"
}
