// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const statsInterval = 5 * time.Minute

// targetSnapshot captura o estado de um target para o log estruturado.
type targetSnapshot struct {
	Name      string  `json:"name"`
	Status    string  `json:"status,omitempty"`
	RttMs     float64 `json:"rtt_ms,omitempty"`
	Topics    int     `json:"topics,omitempty"`
	LastError string  `json:"last_error,omitempty"`
	LastAt    string  `json:"last_at,omitempty"`
}

// systemSnapshot agrega as métricas do host no relatório.
type systemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAverage   float64 `json:"load_average"`
}

// StatsReporter emite métricas periódicas do daemon no log: último
// resultado de cada target mais cpu/memória/load do host.
type StatsReporter struct {
	scheduler *Scheduler
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter que loga a cada 5 minutos.
func NewStatsReporter(scheduler *Scheduler, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		scheduler: scheduler,
		logger:    logger.With("component", "stats_reporter"),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	snapshots := sr.snapshotTargets()
	sr.logger.Info("daemon stats",
		"uptime_s", time.Since(sr.startTime).Seconds(),
		"targets", snapshots,
		"system", collectSystem(),
	)
}

func (sr *StatsReporter) snapshotTargets() []targetSnapshot {
	jobs := sr.scheduler.Jobs()
	snapshots := make([]targetSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snap := targetSnapshot{Name: job.Target.Name}
		if last := job.Snapshot(); last != nil {
			snap.Status = last.Status
			snap.RttMs = float64(last.RTT.Microseconds()) / 1000
			snap.Topics = last.Topics
			snap.LastError = last.Error
			snap.LastAt = last.Timestamp.Format(time.RFC3339)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// collectSystem coleta métricas do host; falhas individuais deixam o
// campo zerado em vez de derrubar o relatório.
func collectSystem() systemSnapshot {
	var snap systemSnapshot
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		snap.LoadAverage = avg.Load1
	}
	return snap
}
