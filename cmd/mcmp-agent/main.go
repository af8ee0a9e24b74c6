package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modcluster/mod-cluster-sub001/internal/common"
	"github.com/modcluster/mod-cluster-sub001/internal/config"
	"github.com/modcluster/mod-cluster-sub001/internal/handler"
	"github.com/modcluster/mod-cluster-sub001/internal/logger"
	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
	"github.com/modcluster/mod-cluster-sub001/internal/metrics"
	"github.com/modcluster/mod-cluster-sub001/internal/service"
	"github.com/modcluster/mod-cluster-sub001/internal/topology"
	"github.com/modcluster/mod-cluster-sub001/internal/tracer"
)

var (
	configFile = flag.String("config", "/config/mcmp-agent.yaml", "Configuration file path")
	logLevel   = flag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR, FATAL) (overrides config file)")
)

// shutdownTimeout bounds the REMOVE-APP round sent on exit
const shutdownTimeout = 15 * time.Second

func main() {
	flag.Parse()

	logger.Info("🤖 MCMP agent starting")
	logger.Info("🔧 Loading configuration from: %s", *configFile)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("❌ Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLogLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)

	shutdownTracing, err := tracer.Setup(cfg.Tracing)
	if err != nil {
		logger.Error("❌ Failed to set up tracing: %v", err)
		os.Exit(1)
	}

	a, err := newAgent(cfg)
	if err != nil {
		logger.Error("❌ %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("🚀 Announcing %d engine(s) to %d proxy(ies)", len(cfg.Topology), len(cfg.Proxy.List))
	if err := a.svc.Init(ctx, cfg.Proxy.List); err != nil {
		logger.Error("💥 Failed to initialize proxies: %v", err)
		os.Exit(1)
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.StatusSchedule(), func() { a.svc.Status(ctx) }); err != nil {
		logger.Error("❌ Invalid status schedule %q: %v", cfg.StatusSchedule(), err)
		os.Exit(1)
	}
	scheduler.Start()

	if cfg.Metrics.Address != "" {
		registry := metrics.NewRegistry(metrics.NewCollector(a.handler.MetricsSnapshot))
		go func() {
			if err := metrics.Serve(cfg.Metrics.Address, cfg.Metrics.Path, registry); err != nil {
				logger.Error("❌ Metrics endpoint stopped: %v", err)
			}
		}()
	}

	reloader := config.NewReloader(cfg, a.apply)
	watcher := common.NewFileWatcher(reloader, cfg.HotReload.DebounceDelay)
	if cfg.HotReload.Enabled {
		if err := watcher.Start(); err != nil {
			logger.Warn("⚠️ Hot reload disabled: %v", err)
		}
	}

	logger.Info("✅ Agent is running (status schedule %s)", cfg.StatusSchedule())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("🔄 SIGHUP received, reloading configuration")
			if err := watcher.TriggerReload(); err != nil {
				logger.Error("❌ Reload failed: %v", err)
			}
			continue
		}
		break
	}

	logger.Info("🛑 Shutting down")
	_ = watcher.Stop()
	<-scheduler.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	a.svc.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("⚠️ Tracing shutdown: %v", err)
	}
	logger.Info("👋 Agent stopped")
}

// agent holds the wired components a reload needs
type agent struct {
	server  *topology.StaticServer
	handler *handler.Handler
	svc     *service.Service
}

func newAgent(cfg *config.Config) (*agent, error) {
	server, err := topology.NewStaticServer(cfg.Topology)
	if err != nil {
		return nil, err
	}
	proxyConfig, err := cfg.ProxyConfig()
	if err != nil {
		return nil, err
	}

	factory := mcmp.NewRequestFactory(cfg.Node, cfg.Balancer)
	exclusions := cfg.Exclusions()
	reconciler := handler.NewReconciler(server, factory, exclusions, cfg.AutoEnable())
	h := handler.New(proxyConfig, factory, reconciler)
	svc := service.New(server, h, factory, service.Options{
		Exclusions:  exclusions,
		AutoEnable:  cfg.AutoEnable(),
		StopTimeout: cfg.Context.StopTimeout,
		Load:        service.StaticLoad(cfg.Load),
	})
	return &agent{server: server, handler: h, svc: svc}, nil
}
