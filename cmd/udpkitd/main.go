// Package main implements udpkitd, a daemon that binds the UDP endpoints
// named in its config file, polls them for datagrams, and forwards what
// arrives to NATS subjects and WebSocket subscribers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/udpkit/config"
	"github.com/c360/udpkit/endpoint"
	"github.com/c360/udpkit/forward"
	fwdnats "github.com/c360/udpkit/forward/nats"
	fwdws "github.com/c360/udpkit/forward/websocket"
	"github.com/c360/udpkit/health"
	"github.com/c360/udpkit/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "udpkitd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}
	if cliCfg.ShowVersion {
		printVersion()
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return err
	}

	loaded, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	safe := config.NewSafeConfig(loaded)

	// CLI logging flags win over the config file; the override goes
	// through Update so it is re-validated like any config change.
	if cliCfg.LogLevel != "" || cliCfg.LogFormat != "" {
		override := safe.Get()
		if cliCfg.LogLevel != "" {
			override.Logging.Level = cliCfg.LogLevel
		}
		if cliCfg.LogFormat != "" {
			override.Logging.Format = cliCfg.LogFormat
		}
		if err := safe.Update(override); err != nil {
			return err
		}
	}
	cfg := safe.Get()

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	if err := app.start(ctx); err != nil {
		app.shutdown(cliCfg.ShutdownTimeout)
		return err
	}
	logger.Info("daemon running",
		"endpoints", len(app.endpoints),
		"nats_forwarding", cfg.Forward.NATS.Enabled,
		"websocket_forwarding", cfg.Forward.WebSocket.Enabled,
	)

	// Block until a signal or a component failure. Each watcher returns
	// the component's error, cancelling gctx and releasing the rest.
	g, gctx := errgroup.WithContext(ctx)
	app.watch(g, gctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	if err != nil {
		logger.Error("component failed, shutting down", "error", err)
	}

	logger.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)
	app.shutdown(cliCfg.ShutdownTimeout)
	return err
}

// app holds the wired component graph for startup and ordered shutdown.
type app struct {
	logger *slog.Logger

	registry      *metric.Registry
	metricsServer *metric.Server
	monitor       *health.Monitor
	healthServer  *health.Server

	endpoints    []*endpoint.Endpoint
	tees         []*forward.Tee
	forwarders   []*fwdnats.Forwarder
	broadcasters []*fwdws.Broadcaster
}

// buildApp constructs every enabled component without starting anything.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		logger:   logger,
		registry: metric.NewRegistry(),
		monitor:  health.NewMonitor(),
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry)
	}
	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, a.monitor, logger)
	}

	natsOn := cfg.Forward.NATS.Enabled
	wsOn := cfg.Forward.WebSocket.Enabled

	// Sorted so the per-endpoint websocket port offsets are stable
	// across restarts.
	names := make([]string, 0, len(cfg.Endpoints))
	for name := range cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ec := cfg.Endpoints[name]
		if !ec.Enabled {
			logger.Debug("endpoint disabled, skipping", "endpoint", name)
			continue
		}

		ep, err := endpoint.New(endpoint.Deps{
			Name:            name,
			Config:          ec.ToEndpointConfig(),
			MetricsRegistry: a.registry,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		a.endpoints = append(a.endpoints, ep)

		if !natsOn && !wsOn {
			continue
		}

		// Both sinks draining the same endpoint would steal datagrams
		// from each other, so each endpoint feeds its sinks through a tee.
		var natsSrc, wsSrc forward.Source = ep, ep
		if natsOn && wsOn {
			tee, err := forward.NewTee(ep, logger)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", name, err)
			}
			nb, err := tee.Branch(name, 0)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", name, err)
			}
			wb, err := tee.Branch(name, 0)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", name, err)
			}
			natsSrc, wsSrc = nb, wb
			a.tees = append(a.tees, tee)
		}

		if natsOn {
			fwd, err := fwdnats.New(fwdnats.Deps{
				Name: "nats-forward-" + name,
				Config: fwdnats.Config{
					URL:           cfg.Forward.NATS.URL,
					SubjectPrefix: cfg.Forward.NATS.SubjectPrefix,
					MaxReconnects: cfg.Forward.NATS.MaxReconnects,
					ReconnectWait: time.Duration(cfg.Forward.NATS.ReconnectWaitMS) * time.Millisecond,
					Username:      cfg.Forward.NATS.Username,
					Password:      cfg.Forward.NATS.Password,
					Token:         cfg.Forward.NATS.Token,
				},
				Source:          natsSrc,
				MetricsRegistry: a.registry,
				Logger:          logger,
			})
			if err != nil {
				return nil, fmt.Errorf("nats forwarder for %s: %w", name, err)
			}
			a.forwarders = append(a.forwarders, fwd)
		}

		if wsOn {
			bc, err := fwdws.New(fwdws.Deps{
				Name: "ws-forward-" + name,
				Config: fwdws.Config{
					// Each broadcaster needs its own port; sorted
					// endpoint name order decides the offset.
					Port:         cfg.Forward.WebSocket.Port + len(a.broadcasters),
					Path:         cfg.Forward.WebSocket.Path,
					WriteTimeout: time.Duration(cfg.Forward.WebSocket.WriteTimeoutMS) * time.Millisecond,
					SendBacklog:  cfg.Forward.WebSocket.SendBacklog,
				},
				Source:          wsSrc,
				MetricsRegistry: a.registry,
				Logger:          logger,
			})
			if err != nil {
				return nil, fmt.Errorf("websocket broadcaster for %s: %w", name, err)
			}
			a.broadcasters = append(a.broadcasters, bc)
		}
	}

	if len(a.endpoints) == 0 {
		return nil, fmt.Errorf("no enabled endpoints in configuration")
	}

	for _, ep := range a.endpoints {
		a.monitor.Register(ep)
	}
	for _, fwd := range a.forwarders {
		a.monitor.Register(fwd)
	}
	for _, bc := range a.broadcasters {
		a.monitor.Register(bc)
	}
	return a, nil
}

// watch subscribes the group to every component that can fail after Start:
// the HTTP servers' serve loops and the forwarders' broker connections.
func (a *app) watch(g *errgroup.Group, ctx context.Context) {
	watch := func(name string, errCh <-chan error) {
		g.Go(func() error {
			select {
			case err := <-errCh:
				return fmt.Errorf("%s: %w", name, err)
			case <-ctx.Done():
				return nil
			}
		})
	}

	if a.metricsServer != nil {
		watch("metrics server", a.metricsServer.Err())
	}
	if a.healthServer != nil {
		watch("health server", a.healthServer.Err())
	}
	for _, fwd := range a.forwarders {
		watch(fwd.Meta().Name, fwd.Err())
	}
	for _, bc := range a.broadcasters {
		watch(bc.Meta().Name, bc.Err())
	}
}

// start brings components up sources-last so nothing is received before
// the sinks can take it.
func (a *app) start(ctx context.Context) error {
	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}
	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
	}
	for _, fwd := range a.forwarders {
		if err := fwd.Initialize(); err != nil {
			return err
		}
		if err := fwd.Start(ctx); err != nil {
			return err
		}
	}
	for _, bc := range a.broadcasters {
		if err := bc.Initialize(); err != nil {
			return err
		}
		if err := bc.Start(ctx); err != nil {
			return err
		}
	}
	for _, tee := range a.tees {
		if err := tee.Start(ctx); err != nil {
			return err
		}
	}
	for _, ep := range a.endpoints {
		if err := ep.Initialize(); err != nil {
			return err
		}
		if err := ep.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops in reverse order: sources first so the sinks can flush
// what is already buffered.
func (a *app) shutdown(timeout time.Duration) {
	for _, ep := range a.endpoints {
		if err := ep.Stop(timeout); err != nil {
			a.logger.Warn("endpoint stop failed", "endpoint", ep.Name(), "error", err)
		}
	}
	for _, tee := range a.tees {
		if err := tee.Stop(timeout); err != nil {
			a.logger.Warn("tee stop failed", "error", err)
		}
	}
	for _, fwd := range a.forwarders {
		if err := fwd.Stop(timeout); err != nil {
			a.logger.Warn("nats forwarder stop failed", "error", err)
		}
	}
	for _, bc := range a.broadcasters {
		if err := bc.Stop(timeout); err != nil {
			a.logger.Warn("websocket broadcaster stop failed", "error", err)
		}
	}
	if a.healthServer != nil {
		if err := a.healthServer.Stop(timeout); err != nil {
			a.logger.Warn("health server stop failed", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(timeout); err != nil {
			a.logger.Warn("metrics server stop failed", "error", err)
		}
	}
	for _, ep := range a.endpoints {
		if err := ep.Destroy(); err != nil {
			a.logger.Warn("endpoint destroy failed", "endpoint", ep.Name(), "error", err)
		}
	}
}
