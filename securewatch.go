// Copyright 2025 Dmitry Dagunts. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// a log watcher for sshd and fail2ban across a fleet of SSH-reachable hosts,
// with event deduplication, notifications and fleet-wide ban management

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// writePIDFile writes the process ID to a file
func writePIDFile(pidFile string, pid int) error {
	dir := filepath.Dir(pidFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory %s: %w", dir, err)
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// removePIDFile removes the PID file on shutdown
func removePIDFile(pidFile string, logger *zap.Logger) {
	if pidFile == "" {
		return
	}
	if err := os.Remove(pidFile); err != nil {
		logger.Warn("failed to remove PID file", zap.String("path", pidFile), zap.Error(err))
	}
}

// buildSeenSet selects the dedup backend
func buildSeenSet(ctx context.Context, cfg DedupConfig, logger *zap.Logger) (SeenSet, func(), error) {
	if cfg.Backend != "redis" {
		return newMemorySeenSet(), func() {}, nil
	}
	client, err := createRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return newRedisSeenSet(client, cfg.Key), func() { client.Close() }, nil
}

// buildNotifier assembles log, NATS and enrichment into one chain
func buildNotifier(cfg *Config, logger *zap.Logger) (NotifierChain, func(), error) {
	chain := multiNotifier{newLogNotifier(logger)}
	cleanup := func() {}

	if cfg.NATS.URL != "" {
		conn, err := connectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, newNATSNotifier(conn, cfg.NATS.Subject))
		cleanup = func() {
			if err := conn.Drain(); err != nil {
				conn.Close()
			}
		}
		logger.Info("publishing notifications to NATS", zap.String("url", cfg.NATS.URL), zap.String("subject", cfg.NATS.Subject))
	}

	enriching := &enrichingNotifier{next: chain, ipinfoLink: cfg.Customization.ShowIPInfoLink}
	if cfg.Customization.ResolveHostnames {
		enricher, err := newDNSEnricher(cfg.Customization.DNSResolver, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		enriching.enricher = enricher
	}
	return enriching, cleanup, nil
}

func run() error {
	configPath := os.Getenv("SECUREWATCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.General.LogLevel, cfg.General.PrettyLog)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if pidFile := cfg.General.PIDFile; pidFile != "" {
		if err := writePIDFile(pidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer removePIDFile(pidFile, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seen, closeSeen, err := buildSeenSet(ctx, cfg.Dedup, logger)
	if err != nil {
		return err
	}
	defer closeSeen()

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	metrics := NewMetrics()
	sessions := NewSessionSupervisor(cfg.Servers, metrics, logger)
	runner := newHostRunner(sessions)
	matcher := NewMatcher(logger)
	gate := NewNotificationGate(time.Now)

	ledger := NewBanLedger(cfg.PermanentBans, NewConfigStore(configPath))
	actions := NewActionExecutor(runner, sessions.Hosts(), ledger, ExecutorOptions{
		UseSudo:      boolValue(cfg.General.UseSudo, true),
		FirewallDrop: cfg.General.FirewallDrop,
		Metrics:      metrics,
		Logger:       logger,
	})

	monitor := NewMonitor(MonitorOptions{
		Config:   cfg,
		Matcher:  matcher,
		Dedup:    NewDeduplicator(seen, logger),
		Gate:     gate,
		Notifier: notifier,
		Sessions: sessions,
		Actions:  actions,
		Runner:   runner,
		Metrics:  metrics,
		Logger:   logger,
	})

	commands := NewCommands(CommandsOptions{
		Config:   cfg,
		Monitor:  monitor,
		Sessions: sessions,
		Actions:  actions,
		Gate:     gate,
		Matcher:  matcher,
		Runner:   runner,
		Logger:   logger,
	})

	var api *APIServer
	apiErr := make(chan error, 1)
	if cfg.API.Listen != "" {
		auth, err := NewAuthenticator(cfg.API, logger)
		if err != nil {
			return err
		}
		api = NewAPIServer(cfg.API, commands, monitor, auth, metrics, logger)
		go func() { apiErr <- api.Start() }()
	}

	monitorDone := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(monitorDone)
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", zap.Error(err))
	} else if ok {
		logger.Debug("notified systemd of readiness")
	}
	logger.Info("securewatch started",
		zap.String("config", configPath),
		zap.Bool("local_only", cfg.General.LocalOnly),
		zap.Int("servers", len(cfg.Servers)),
		zap.String("dedup", cfg.Dedup.Backend))

	select {
	case <-ctx.Done():
		logger.Info("signal received, stopping")
	case err := <-apiErr:
		if err != nil {
			logger.Error("HTTP API failed", zap.Error(err))
		}
		stop()
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API shutdown failed", zap.Error(err))
		}
		cancel()
	}
	<-monitorDone

	logger.Info("securewatch stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "securewatch: %v\n", err)
		os.Exit(1)
	}
}
