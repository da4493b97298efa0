// tlbridge bridges a proprietary treadmill's vendor GATT profile to a
// standards-compliant BLE Fitness Machine Service peer.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tlbridge/tlbridge/internal/bluez"
	"github.com/tlbridge/tlbridge/internal/bridgestate"
	"github.com/tlbridge/tlbridge/internal/central"
	"github.com/tlbridge/tlbridge/internal/config"
	"github.com/tlbridge/tlbridge/internal/coordinator"
	"github.com/tlbridge/tlbridge/internal/gatt"
	bridgemetrics "github.com/tlbridge/tlbridge/internal/metrics"
	"github.com/tlbridge/tlbridge/internal/peripheral"
	"github.com/tlbridge/tlbridge/internal/telemetry"
	appversion "github.com/tlbridge/tlbridge/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	deviceName := flag.String("device-name", "", "override the treadmill advertised name to scan for")
	localName := flag.String("local-name", "", "override the FTMS peripheral advertised name")
	manual := flag.Bool("manual", false, "enable the manual-override control surface")
	mock := flag.Bool("mock", false, "run against simulated GATT links instead of a real radio")
	platformPi := flag.Bool("platform-pi", false, "enable BlueZ D-Bus adapter control (vs. a no-op adapter)")
	adapterPath := flag.String("adapter-path", "", "override the BlueZ adapter D-Bus object path")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}
	applyFlagOverrides(cfg, *deviceName, *localName, *manual, *adapterPath, *verbose)

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tlbridge starting",
		slog.String("version", appversion.Version),
		slog.String("treadmill_name", cfg.Central.DeviceName),
		slog.String("peripheral_name", cfg.Peripheral.LocalName),
		slog.Bool("mock", *mock),
		slog.Bool("platform_pi", *platformPi),
	)

	reg := prometheus.NewRegistry()
	collector := bridgemetrics.NewCollector(reg)

	adapter, closeAdapter, err := newAdapter(*platformPi, cfg.Coordinator.AdapterPath, logger)
	if err != nil {
		logger.Error("failed to initialize adapter", slog.String("error", err.Error()))
		return 1
	}
	defer closeAdapter()

	centralLink, peripheralLink := newLinks(*mock)

	if err := runServices(cfg, collector, reg, adapter, centralLink, peripheralLink, logger); err != nil {
		logger.Error("tlbridge exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("tlbridge stopped")
	return 0
}

func applyFlagOverrides(cfg *config.Config, deviceName, localName string, manual bool, adapterPath string, verbose bool) {
	if deviceName != "" {
		cfg.Central.DeviceName = deviceName
	}
	if localName != "" {
		cfg.Peripheral.LocalName = localName
	}
	if manual {
		cfg.Peripheral.Manual = true
	}
	if adapterPath != "" {
		cfg.Coordinator.AdapterPath = adapterPath
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
}

// newAdapter wires the BlueZ D-Bus adapter in platform-Pi mode, or a
// no-op adapter on desktop/dev hosts (SPEC_FULL.md §6.1).
func newAdapter(platformPi bool, adapterPath string, logger *slog.Logger) (gatt.AdapterControl, func(), error) {
	if !platformPi {
		return gatt.NoopAdapter{}, func() {}, nil
	}

	a, err := bluez.Open(adapterPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bluez adapter %s: %w", adapterPath, err)
	}
	closer := func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("failed to close bluez adapter", slog.String("error", cerr.Error()))
		}
	}
	return a, closer, nil
}

// newLinks wires simulated GATT links in mock mode. Real link
// implementations are external collaborators per spec.md §1 and are not
// constructed here.
func newLinks(mock bool) (gatt.CentralLink, gatt.PeripheralLink) {
	if mock {
		return gatt.NewMockCentralLink(), gatt.NewMockPeripheralLink()
	}
	return nil, nil
}

func runServices(
	cfg *config.Config,
	collector *bridgemetrics.Collector,
	reg *prometheus.Registry,
	adapter gatt.AdapterControl,
	centralLink gatt.CentralLink,
	peripheralLink gatt.PeripheralLink,
	logger *slog.Logger,
) error {
	if centralLink == nil || peripheralLink == nil {
		return errors.New("tlbridge: no GATT link backend configured (pass --mock for a simulated run)")
	}

	state := bridgestate.New()

	centralCfg := central.DefaultConfig()
	centralCfg.DeviceName = cfg.Central.DeviceName
	centralCfg.ScanTimeout = cfg.Central.ScanTimeout
	centralCfg.ConnectTimeout = cfg.Central.ConnectTimeout
	centralCfg.ConnectRetries = cfg.Central.ConnectRetries
	centralCfg.TelemetryWatchdog = cfg.Central.TelemetryWatchdog
	centralCfg.IdleDisconnect = cfg.Central.IdleDisconnect

	session := central.NewSession(centralCfg, centralLink, adapter, state,
		logger.With(slog.String("component", "central")))

	peripheralCfg := peripheral.Config{
		LocalName:    cfg.Peripheral.LocalName,
		Manufacturer: "tlbridge",
		Model:        "vendor-bridge",
		Firmware:     appversion.Version,
		Serial:       cfg.Central.DeviceName,
	}
	server := peripheral.NewServer(peripheralCfg, peripheralLink, state,
		logger.With(slog.String("component", "peripheral")))

	session.OnTelemetry = func(d telemetry.DerivedState) {
		server.Nudge(d)
		collector.IncFramesReceived()
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.PollInterval = cfg.Coordinator.PollInterval
	coordCfg.SecurityInterval = cfg.Coordinator.SecurityInterval
	coord := coordinator.New(coordCfg, adapter, state, logger.With(slog.String("component", "coordinator")))

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return session.Run(gCtx) })
	g.Go(func() error { return server.Run(gCtx) })
	g.Go(func() error { return coord.Run(gCtx) })
	g.Go(func() error { return runWatchdog(gCtx, logger) })

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	if cfg.Peripheral.Manual {
		g.Go(func() error {
			return runManualConsole(gCtx, os.Stdin, server, logger.With(slog.String("component", "manual")))
		})
	}

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run services: %w", err)
	}
	return nil
}

// runManualConsole reads "speed <kph>" / "incline <percent>" lines from r
// and pushes them straight to the peripheral server's ManualOverride,
// bypassing Control Point framing entirely. This is the --manual console
// surface, grounded on the vendor prototype's interactive direct-connect
// mode (DESIGN.md). It returns when ctx is cancelled or r reaches EOF.
func runManualConsole(ctx context.Context, r io.Reader, server *peripheral.Server, logger *slog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseManualCommand(line)
			if err != nil {
				logger.Warn("manual console: bad command", slog.String("line", line), slog.String("error", err.Error()))
				continue
			}
			server.ManualOverride(cmd)
		}
	}
}

// parseManualCommand parses a "speed <kph>" or "incline <percent>" line
// into vendor-raw units (x100 for both speed and incline), the same units
// the Control Point handler enqueues after its own FTMS-to-vendor
// conversion, so ManualOverride queues the same command either way.
func parseManualCommand(line string) (bridgestate.TargetCommand, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return bridgestate.TargetCommand{}, fmt.Errorf("expected \"speed <kph>\" or \"incline <percent>\", got %q", line)
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return bridgestate.TargetCommand{}, fmt.Errorf("parse value: %w", err)
	}

	switch strings.ToLower(fields[0]) {
	case "speed":
		return bridgestate.TargetCommand{Kind: bridgestate.TargetSpeed, Value: uint16(v * 100)}, nil
	case "incline":
		return bridgestate.TargetCommand{Kind: bridgestate.TargetIncline, Value: uint16(v * 100)}, nil
	default:
		return bridgestate.TargetCommand{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

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

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
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
