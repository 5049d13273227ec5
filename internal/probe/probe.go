// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package probe implementa o daemon de health check do lance-probe:
// sondas agendadas por cron contra um ou mais brokers, com relatório
// periódico de métricas.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/lance-client/lance"
	"gopkg.in/yaml.v3"
)

// Target é um broker sondado pelo daemon.
type Target struct {
	Name   string             `yaml:"name"`
	Client lance.ClientConfig `yaml:"client"`
}

// LoggingInfo configura o logger do daemon.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Config é a configuração completa do lance-probe.
type Config struct {
	// Schedule é a cron expression compartilhada pelos targets.
	Schedule string      `yaml:"schedule"`
	Targets  []Target    `yaml:"targets"`
	Logging  LoggingInfo `yaml:"logging"`
}

// LoadConfig lê e valida o arquivo YAML do daemon.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading probe config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing probe config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating probe config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets must have at least one entry")
	}
	for i, target := range c.Targets {
		if target.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if target.Client.Host == "" {
			return fmt.Errorf("targets[%d].client.host is required", i)
		}
	}
	return nil
}

// Result armazena o desfecho da última sonda de um target.
type Result struct {
	Status          string        `json:"status"` // "ok" ou "failed"
	RTT             time.Duration `json:"rtt"`
	Topics          int           `json:"topics"`
	Error           string        `json:"error,omitempty"`
	DurationSeconds float64       `json:"duration_seconds"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Job representa um target com guard de execução: uma sonda nunca
// sobrepõe outra ainda em andamento para o mesmo target.
type Job struct {
	Target     Target
	mu         sync.Mutex
	running    bool
	LastResult *Result
}

// TryRun executa fn se o job não estiver rodando; retorna false quando a
// execução anterior ainda está em andamento.
func (j *Job) TryRun(fn func()) bool {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return false
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()
	fn()
	return true
}

func (j *Job) setResult(r *Result) {
	j.mu.Lock()
	j.LastResult = r
	j.mu.Unlock()
}

// Snapshot retorna uma cópia do último resultado (nil se nunca rodou).
func (j *Job) Snapshot() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.LastResult == nil {
		return nil
	}
	out := *j.LastResult
	return &out
}

// RunProbe executa uma sonda completa contra o target: conecta, mede o
// RTT com PING e conta os tópicos via LIST_TOPICS.
func RunProbe(ctx context.Context, target Target, logger *slog.Logger) (*Result, error) {
	start := time.Now()
	logger = logger.With("target", target.Name, "broker", target.Client.Addr())

	client, err := lance.Dial(ctx, target.Client, logger)
	if err != nil {
		return nil, fmt.Errorf("dialing target %s: %w", target.Name, err)
	}
	defer client.Close(ctx)

	rtt, err := client.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("pinging target %s: %w", target.Name, err)
	}

	topics, err := client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing topics on %s: %w", target.Name, err)
	}

	result := &Result{
		Status:          "ok",
		RTT:             rtt,
		Topics:          len(topics),
		DurationSeconds: time.Since(start).Seconds(),
		Timestamp:       time.Now().UTC(),
	}
	logger.Info("probe completed", "rtt_ms", float64(rtt.Microseconds())/1000, "topics", len(topics))
	return result, nil
}
