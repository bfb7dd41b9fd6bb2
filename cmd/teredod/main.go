// teredod -- Teredo tunnel endpoint (RFC 4380), client and relay.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/5l1v3r1/teredod/internal/config"
	teredometrics "github.com/5l1v3r1/teredod/internal/metrics"
	"github.com/5l1v3r1/teredod/internal/server"
	"github.com/5l1v3r1/teredod/internal/teredo"
	"github.com/5l1v3r1/teredod/internal/tundev"
	appversion "github.com/5l1v3r1/teredod/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// tickInterval drives the engine's qualification timers: probe
// retransmission, server-silence detection, and keep-alive pings.
const tickInterval = 1 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	tunName := flag.String("tun", "", "tunnel interface name (Linux; empty lets the kernel pick one)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("teredod starting",
		slog.String("version", appversion.Version),
		slog.String("role", cfg.Teredo.Role),
		slog.String("grpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := teredometrics.NewCollector(reg, cfg.Teredo.Role)

	tun, err := tundev.Open(*tunName)
	if err != nil {
		logger.Warn("tunnel interface unavailable, decapsulated packets will be dropped",
			slog.String("error", err.Error()),
		)
		tun = nil
	} else {
		logger.Info("tunnel interface opened", slog.String("name", tun.Name()))
		defer tun.Close()
	}

	if err := runServers(cfg, collector, reg, tun, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("teredod exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("teredod stopped")
	return 0
}

// runServers builds the engine and its transport, then runs the driver
// loop alongside the metrics and introspection HTTP servers under an
// errgroup with a signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	collector *teredometrics.Collector,
	reg *prometheus.Registry,
	tun tundev.Device,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	laddr := netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.Teredo.LocalPort)
	sock, wake, err := teredo.NewUDPSocket(laddr)
	if err != nil {
		return fmt.Errorf("open teredo udp socket on %s: %w", laddr, err)
	}
	defer sock.Close()

	transport := teredo.NewUDPTransport(sock, nil)
	deliver := deliverFunc(tun, logger)
	phases := qualPhaseLabels()

	onState := func(change teredo.StateChange) {
		if change.Up {
			logger.Info("teredo qualified", slog.String("address", change.Address.String()))
		} else {
			logger.Info("teredo lost server, re-qualifying")
		}
	}

	engine, err := buildEngine(cfg, transport, deliver, onState, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	collector.SetPhase(engine.QualPhase().String(), phases)

	if err := engine.Start(); err != nil {
		return fmt.Errorf("start qualification: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	introspectSrv := newIntrospectionServer(cfg.GRPC, engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runDriverLoop(gCtx, engine, wake, collector, phases, logger)
	})

	startHTTPServers(gCtx, g, cfg, introspectSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, introspectSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// buildEngine constructs a client or relay Engine per cfg.Teredo.Role.
func buildEngine(
	cfg *config.Config,
	transport *teredo.UDPTransport,
	deliver teredo.DeliverFunc,
	onState teredo.StateCallback,
	logger *slog.Logger,
) (*teredo.Engine, error) {
	clock := teredo.RealClock()
	peers := teredo.NewPeerTable(teredo.DefaultPeerTableCapacity, clock)

	switch cfg.Teredo.Role {
	case "relay":
		prefix, err := cfg.Teredo.PrefixValue()
		if err != nil {
			return nil, err
		}
		engine := teredo.NewRelayEngine(teredo.RelayConfig{Prefix: prefix, Cone: cfg.Teredo.Cone}, transport, peers, clock, deliver, onState, logger)
		return engine, nil
	default:
		serverAddr, err := cfg.Teredo.ServerAddr()
		if err != nil {
			return nil, err
		}
		engine, err := teredo.NewClientEngine(teredo.ClientConfig{ServerIPv4: serverAddr}, transport, peers, clock, rand.Reader, deliver, onState, logger)
		if err != nil {
			return nil, fmt.Errorf("create client engine: %w", err)
		}
		return engine, nil
	}
}

// deliverFunc adapts an optional tundev.Device into a teredo.DeliverFunc,
// logging and dropping datagrams if no tunnel interface is available.
func deliverFunc(tun tundev.Device, logger *slog.Logger) teredo.DeliverFunc {
	if tun == nil {
		return func(ipv6 []byte) error {
			logger.Debug("decapsulated packet dropped, no tunnel interface", slog.Int("bytes", len(ipv6)))
			return nil
		}
	}
	return tun.Write
}

// qualPhaseLabels lists every QualPhase string, for the metrics
// collector's per-phase gauge vector.
func qualPhaseLabels() []string {
	return []string{
		teredo.PhaseProbeCone.String(),
		teredo.PhaseProbeRestricted.String(),
		teredo.PhaseProbeSymmetric.String(),
		teredo.PhaseQualified.String(),
	}
}

// runDriverLoop is the single goroutine that ever calls into the engine:
// it drains ready datagrams on every wake signal and advances the
// qualification timer on every tick, keeping Send/Receive/Tick serialized
// exactly as the engine requires.
func runDriverLoop(
	ctx context.Context,
	engine *teredo.Engine,
	wake <-chan struct{},
	collector *teredometrics.Collector,
	phases []string,
	logger *slog.Logger,
) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	drain := func() {
		for {
			err := engine.Receive()
			if err == nil {
				collector.SetPhase(engine.QualPhase().String(), phases)
				continue
			}
			if errors.Is(err, teredo.ErrNoData) {
				return
			}
			logger.Debug("receive error", slog.String("error", err.Error()))
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			drain()
		case <-ticker.C:
			if err := engine.Tick(); err != nil {
				logger.Warn("tick error", slog.String("error", err.Error()))
			}
			collector.SetPhase(engine.QualPhase().String(), phases)
		}
	}
}

// startHTTPServers registers the introspection and metrics HTTP server
// goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	introspectSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("introspection server listening", slog.String("addr", cfg.GRPC.Addr))
		return listenAndServe(ctx, &lc, introspectSrv, cfg.GRPC.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP
// reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. It exits immediately if no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	keepaliveInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", keepaliveInterval),
	)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only
// -------------------------------------------------------------------------

// handleSIGHUP reloads the dynamic log level on SIGHUP. The engine's role
// and transport are fixed at process start; only the log level can change
// without a restart. Blocks until ctx is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder
// -------------------------------------------------------------------------

// startFlightRecorder starts a rolling window of execution trace data for
// post-mortem debugging of qualification failures and NAT traversal
// issues that are hard to reproduce on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newIntrospectionServer wraps server.New in h2c so Connect clients can
// speak HTTP/2 without TLS, and mounts the standard gRPC health handler
// alongside it.
func newIntrospectionServer(cfg config.GRPCConfig, engine *teredo.Engine, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(engine, logger,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	mux.Handle(path, handler)

	healthPath, healthHandler := server.NewHealthHandler()
	mux.Handle(healthPath, healthHandler)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
