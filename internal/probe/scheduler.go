// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// probeTimeout limita a duração de cada sonda.
const probeTimeout = 30 * time.Second

// Scheduler gerencia um cron job de sonda por target.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*Job
}

// NewScheduler cria um Scheduler com um cron job por target. runFn é
// injetável para os testes; nil usa RunProbe.
func NewScheduler(cfg *Config, logger *slog.Logger, runFn func(ctx context.Context, target Target, logger *slog.Logger) (*Result, error)) (*Scheduler, error) {
	if runFn == nil {
		runFn = RunProbe
	}

	s := &Scheduler{logger: logger.With("component", "scheduler")}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	for _, target := range cfg.Targets {
		job := &Job{Target: target}
		s.jobs = append(s.jobs, job)

		if _, err := c.AddFunc(cfg.Schedule, func() {
			ran := job.TryRun(func() {
				ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
				defer cancel()

				result, err := runFn(ctx, job.Target, logger)
				if err != nil {
					result = &Result{
						Status:    "failed",
						Error:     err.Error(),
						Timestamp: time.Now().UTC(),
					}
					s.logger.Error("probe failed", "target", job.Target.Name, "error", err)
				}
				job.setResult(result)
			})
			if !ran {
				s.logger.Warn("probe still running, skipping tick", "target", job.Target.Name)
			}
		}); err != nil {
			return nil, fmt.Errorf("scheduling probe for %s: %w", target.Name, err)
		}
	}

	s.cron = c
	return s, nil
}

// Start inicia o cron.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "targets", len(s.jobs))
}

// Stop para o cron e espera os jobs em andamento até o deadline do ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline reached with probes still running")
	}
	s.logger.Info("scheduler stopped")
}

// Jobs retorna os jobs gerenciados.
func (s *Scheduler) Jobs() []*Job { return s.jobs }
