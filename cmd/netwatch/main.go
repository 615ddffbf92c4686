package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"netwatch/internal/engine"
	"netwatch/internal/probe"
	"netwatch/internal/store"
	"netwatch/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	proberCfg, _ := cfg.proberConfig() // validated above

	out := logOutput(cfg)
	if lj, ok := out.(*lumberjack.Logger); ok {
		defer lj.Close()
	}
	logger := newLogger(cfg, out)
	slog.SetDefault(logger)
	logger.Info("netwatch starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithLogRetention(cfg.Engine.AuditRetention))
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := engine.NewEventBus(logger)
	defer events.Close()
	core := engine.New(db, events, engine.Config{
		LatencyThresholdMS: cfg.Engine.LatencyThresholdMS,
	}, logger)
	registry := engine.NewRegistry(db, events)
	reconciler := engine.NewReconciler(core, logger)

	// Seed the inventory from the devices directory.
	if _, err := registry.LoadInventoryDir(cfg.DevicesDir, logger); err != nil {
		logger.Error("load inventory", "err", err)
		os.Exit(1)
	}

	if cfg.Simulation != nil {
		if err := registry.SetSimulation(*cfg.Simulation); err != nil {
			logger.Error("apply simulation flag", "err", err)
			os.Exit(1)
		}
	}

	checker, err := probe.New(cfg.probeConfig(proberCfg.Timeout))
	if err != nil {
		logger.Error("create probe", "err", err)
		os.Exit(1)
	}
	prober := engine.NewProber(core, checker, db, proberCfg, logger)
	if err := prober.Start(); err != nil {
		logger.Error("start prober", "err", err)
		os.Exit(1)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(core, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithProber(prober),
		web.WithVersion(version),
		web.WithClientBuffer(cfg.Web.WSBuffer),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(core, registry, reconciler, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(core, reconciler, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	prober.Stop(shutdownCtx)
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}
