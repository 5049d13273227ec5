// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package probe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunDaemon inicia o lance-probe em modo daemon. Bloqueia até SIGTERM ou
// SIGINT. SIGHUP recarrega a configuração sem downtime.
func RunDaemon(configPath string, cfg *Config, logger *slog.Logger) error {
	logger.Info("starting daemon", "targets", len(cfg.Targets), "schedule", cfg.Schedule)

	sched, err := NewScheduler(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	sched.Start()

	stats := NewStatsReporter(sched, logger)
	stats.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := LoadConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			stats.Stop()
			sched.Stop(stopCtx)
			stopCancel()

			cfg = newCfg
			sched, err = NewScheduler(cfg, logger, nil)
			if err != nil {
				logger.Error("failed to create scheduler after reload", "error", err)
				return fmt.Errorf("reload scheduler: %w", err)
			}
			sched.Start()
			stats = NewStatsReporter(sched, logger)
			stats.Start()
			continue
		}

		logger.Info("shutting down", "signal", sig.String())
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		stats.Stop()
		sched.Stop(stopCtx)
		stopCancel()
		return nil
	}
}

// RunOnce executa uma rodada de sondas sequencialmente e retorna o
// primeiro erro observado.
func RunOnce(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	var firstErr error
	for _, target := range cfg.Targets {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		result, err := RunProbe(probeCtx, target, logger)
		cancel()
		if err != nil {
			logger.Error("probe failed", "target", target.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info("probe ok", "target", target.Name, "rtt", result.RTT, "topics", result.Topics)
	}
	return firstErr
}
