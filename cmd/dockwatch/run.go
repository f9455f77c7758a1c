package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/config"
	"github.com/chazwilder/iqx-dockmonitor/health"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/monitor"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
	"github.com/chazwilder/iqx-dockmonitor/pipeline"
	"github.com/chazwilder/iqx-dockmonitor/pkg/tlsutil"
	"github.com/chazwilder/iqx-dockmonitor/rules"
	"github.com/chazwilder/iqx-dockmonitor/storage"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var validateOnly bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring service",
		Long: `Run loads the configuration layers, connects the configured event sources,
storage backends and notifiers, and monitors doors until SIGINT or SIGTERM.
A finite source such as a replay file stops the service when it is drained.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := setupLogger(cmd.OutOrStdout(), flags.logLevel, flags.logFormat)
			slog.SetDefault(logger)

			cfg, err := loadConfig(flags.configs)
			if err != nil {
				return err
			}
			if validateOnly {
				logger.Info("configuration is valid")
				return nil
			}

			logger.Info("starting dockwatch",
				"version", Version,
				"build_time", BuildTime,
				"site", cfg.Service.Site,
				"sources", cfg.Source.Kinds)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	return cmd
}

// loadConfig merges the layers and validates the result.
func loadConfig(layers []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range layers {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runService wires every component and blocks until ctx is cancelled or the
// source is drained.
func runService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	registry := metric.NewMetricsRegistry()
	healthMon := health.NewMonitor()

	var nc *natsclient.Client
	if cfg.NeedsNATS() {
		if nc, err = connectNATS(ctx, cfg, registry, healthMon, logger); err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if cerr := nc.Close(closeCtx); cerr != nil {
				logger.Warn("closing nats connection", "error", cerr)
			}
		}()
	}

	var closers closerList
	defer func() { err = stderrors.Join(err, closers.Close()) }()

	doors := analysis.NewRegistry()
	analyzer := analysis.NewAnalyzer(doors, nil, analysis.WithLogger(logger), analysis.WithMetrics(registry))

	ruleStore, err := buildRuleStore(ctx, cfg.Rules, nc)
	if err != nil {
		return err
	}
	ruleMgr := rules.NewManager(nil, ruleStore,
		rules.WithAnalyzer(analyzer),
		rules.WithLogger(logger),
		rules.WithMetrics(registry))
	if err := ruleMgr.Reload(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	store, err := buildStore(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}
	closers.Add("storage", store)
	if cfg.Storage.Restore {
		if _, err := pipeline.RestoreDoors(ctx, store, doors, logger); err != nil {
			logger.Warn("starting without saved door state", "error", err)
		}
	}
	writer := storage.NewAsync(store, cfg.Storage.Async, storage.WithLogger(logger), storage.WithMetrics(registry))

	suppressor, supCloser, err := buildSuppressor(ctx, cfg.Alerts)
	if err != nil {
		return err
	}
	closers.Add("suppressor", supCloser)
	notifiers, feed, err := buildNotifiers(cfg.Alerts, nc, registry, logger)
	if err != nil {
		return err
	}
	for _, n := range notifiers {
		if c, ok := n.(closer); ok {
			closers.Add("notifier "+n.Name(), c)
		}
	}
	alerts := alert.NewManager(cfg.Alerts.Config, suppressor, notifiers,
		alert.WithLogger(logger),
		alert.WithMetrics(registry))

	router := pipeline.NewRouter(alerts, writer, logger)

	backoff, err := monitor.NewBackoff(cfg.Monitor.Backoff)
	if err != nil {
		return err
	}
	worker := monitor.NewWorker(doors, nil, router,
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithBackoff(backoff),
		monitor.WithLogger(logger),
		monitor.WithMetrics(registry))
	if cfg.Storage.Restore {
		pipeline.RearmWatches(analyzer, worker, logger)
	}

	src, err := buildSources(ctx, cfg, nc, logger, registry, &closers)
	if err != nil {
		return err
	}
	handler := pipeline.NewHandler(analyzer, router, worker, src, cfg.Service.Handler,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(registry))

	svc := pipeline.NewService(cfg.Service.StopTimeout, healthMon, logger).WithMetrics(registry)
	svc.Add("storage", writer).Add("alerts", alerts).Add("monitor", worker)

	var cfgMgr *config.Manager
	if cfg.Service.SyncConfig {
		if cfgMgr, err = config.OpenManager(ctx, cfg, nc, logger); err != nil {
			return err
		}
		svc.Add("config", cfgMgr)
	}
	if cfg.Ops.Enabled {
		ops := metric.NewServer(cfg.Ops.Addr, cfg.Ops.MetricsPath, registry, logger)
		tlsCfg, err := tlsutil.Server(cfg.Ops.TLS)
		if err != nil {
			return err
		}
		ops.SetTLS(tlsCfg)
		mountOps(ops, cfg.Service.Name, healthMon, doors, ruleMgr, feed)
		svc.Add("ops", opsServer{ops})
	}
	svc.Add("handler", handler)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := svc.Start(runCtx); err != nil {
		return err
	}
	healthMon.SetReady(true)
	logger.Info("dockwatch started", "rules", len(analyzer.Rules()), "doors", doors.Len())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-handler.Done():
			cancel()
			return handler.Err()
		}
	})
	if cfg.Rules.Watch {
		g.Go(func() error { return ruleMgr.Watch(gctx) })
	}
	if cfgMgr != nil {
		updates := cfgMgr.OnChange("*")
		g.Go(func() error {
			applyUpdates(gctx, updates, alerts, worker, logger)
			return nil
		})
	}

	runErr := g.Wait()
	healthMon.SetReady(false)
	logger.Info("shutting down")
	return stderrors.Join(runErr, svc.Stop())
}

// applyUpdates retunes suppression windows and the re-check backoff from
// runtime configuration changes. The check interval is fixed at startup.
func applyUpdates(ctx context.Context, updates <-chan config.Update, alerts *alert.Manager, worker *monitor.Worker, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Section {
			case config.KeyAlerts:
				alerts.SetWindows(u.Config.Alerts.DefaultWindow, u.Config.Alerts.Windows)
			case config.KeyMonitor:
				b, err := monitor.NewBackoff(u.Config.Monitor.Backoff)
				if err != nil {
					logger.Error("ignoring monitor update", "error", err)
					continue
				}
				worker.SetBackoff(b)
				logger.Info("re-check backoff updated", "policy", u.Config.Monitor.Backoff.Policy)
			}
		}
	}
}

// opsServer adapts metric.Server to pipeline.Component.
type opsServer struct {
	*metric.Server
}

func (o opsServer) Start(context.Context) error { return o.Server.Start() }

func connectNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, healthMon *health.Monitor, logger *slog.Logger) (*natsclient.Client, error) {
	n := cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				healthMon.Set("nats", health.Healthy, "connected")
			} else {
				healthMon.Set("nats", health.Unhealthy, "disconnected")
			}
		}),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait))
	}
	if n.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.Timeout))
	}
	if n.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(n.PingInterval))
	}
	if n.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(n.DrainTimeout))
	}
	if n.StatsInterval > 0 {
		opts = append(opts, natsclient.WithMetricsInterval(n.StatsInterval))
	}
	name := n.Name
	if name == "" {
		name = cfg.Service.Name
	}
	opts = append(opts, natsclient.WithName(name))
	switch {
	case n.CredsFile != "":
		opts = append(opts, natsclient.WithCredsFile(n.CredsFile))
	case n.Token != "":
		opts = append(opts, natsclient.WithToken(n.Token))
	case n.Username != "":
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}

	client, err := natsclient.NewClient(joinURLs(n.URLs), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("connecting to NATS", "urls", n.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	healthMon.Set("nats", health.Healthy, "connected")
	return client, nil
}
