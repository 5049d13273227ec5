// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nishisan-dev/lance-client/lwp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadProducerConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
client:
  host: broker.internal
  port: 2992
  client_name: payments
batch_size: 65536
compression: lz4
max_pending_acks: 4
`)

	cfg, err := LoadProducerConfig(path)
	if err != nil {
		t.Fatalf("LoadProducerConfig: %v", err)
	}
	if cfg.Client.Addr() != "broker.internal:2992" {
		t.Errorf("expected addr broker.internal:2992, got %s", cfg.Client.Addr())
	}
	if cfg.BatchSize != 65536 {
		t.Errorf("expected batch_size 65536, got %d", cfg.BatchSize)
	}
	if cfg.Compression != lwp.CompressionLZ4 {
		t.Errorf("expected lz4, got %q", cfg.Compression)
	}
	if cfg.MaxPendingAcks != 4 {
		t.Errorf("expected max_pending_acks 4, got %d", cfg.MaxPendingAcks)
	}
	if !cfg.Client.autoReconnect() {
		t.Error("auto_reconnect must default to true")
	}
}

func TestLoadProducerConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
client:
  host: localhost
`)

	cfg, err := LoadProducerConfig(path)
	if err != nil {
		t.Fatalf("LoadProducerConfig: %v", err)
	}
	if cfg.Client.Addr() != "localhost:1992" {
		t.Errorf("expected default port 1992, got %s", cfg.Client.Addr())
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("expected default batch size, got %d", cfg.BatchSize)
	}
	if cfg.MaxPendingAcks != DefaultMaxPendingAcks {
		t.Errorf("expected default window, got %d", cfg.MaxPendingAcks)
	}
	if cfg.Client.ClientName == "" {
		t.Error("expected a default client name")
	}
}

func TestLoadProducerConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing host", "batch_size: 10\n", "host is required"},
		{"bad port", "client:\n  host: x\n  port: 99999\n", "port"},
		{"bad compression", "client:\n  host: x\ncompression: brotli\n", "compression"},
		{"negative window", "client:\n  host: x\nmax_pending_acks: -1\n", "max_pending_acks"},
		{"negative batch", "client:\n  host: x\nbatch_size: -5\n", "batch_size"},
		{"not yaml", "{{{", "parsing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := LoadProducerConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConsumerConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
client:
  host: broker.internal
consumer_name: billing
topic_id: 12
start_position: "offset:500"
offsets:
  backend: file
  dir: /var/lib/lance/offsets
`)

	cfg, err := LoadConsumerConfig(path)
	if err != nil {
		t.Fatalf("LoadConsumerConfig: %v", err)
	}
	kind, offset, err := cfg.startPosition()
	if err != nil {
		t.Fatalf("startPosition: %v", err)
	}
	if kind != "offset" || offset != 500 {
		t.Errorf("expected offset:500, got %s:%d", kind, offset)
	}
	if cfg.MaxFetchBytes != DefaultMaxFetchBytes {
		t.Errorf("expected default max_fetch_bytes, got %d", cfg.MaxFetchBytes)
	}
	if cfg.PollTimeout != DefaultPollTimeout {
		t.Errorf("expected default poll timeout, got %s", cfg.PollTimeout)
	}
	if cfg.AutoCommitInterval != DefaultAutoCommitInterval {
		t.Errorf("expected default auto-commit interval, got %s", cfg.AutoCommitInterval)
	}
}

func TestLoadConsumerConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing consumer name", "client:\n  host: x\n", "consumer_name"},
		{"bad start position", "client:\n  host: x\nconsumer_name: c\nstart_position: tail\n", "start_position"},
		{"bad offset value", "client:\n  host: x\nconsumer_name: c\nstart_position: \"offset:abc\"\n", "start_position"},
		{"bad backend", "client:\n  host: x\nconsumer_name: c\noffsets:\n  backend: redis\n", "backend"},
		{"s3 without bucket", "client:\n  host: x\nconsumer_name: c\noffsets:\n  backend: s3\n", "bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := LoadConsumerConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStartPosition_Variants(t *testing.T) {
	tests := []struct {
		input      string
		wantKind   string
		wantOffset uint64
		wantErr    bool
	}{
		{"", StartBeginning, 0, false},
		{"beginning", StartBeginning, 0, false},
		{"end", StartEnd, 0, false},
		{"offset:0", "offset", 0, false},
		{"offset:18446744073709551615", "offset", 1<<64 - 1, false},
		{"offset:", "", 0, true},
		{"offset:-1", "", 0, true},
		{"middle", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg := ConsumerConfig{StartPosition: tt.input}
			kind, offset, err := cfg.startPosition()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("startPosition: %v", err)
			}
			if kind != tt.wantKind || offset != tt.wantOffset {
				t.Errorf("expected %s:%d, got %s:%d", tt.wantKind, tt.wantOffset, kind, offset)
			}
		})
	}
}

func TestClientConfig_AutoReconnectOverride(t *testing.T) {
	path := writeConfig(t, `
host: broker
auto_reconnect: false
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.autoReconnect() {
		t.Error("expected auto_reconnect false")
	}
}

func TestTLSConfig_Enabled(t *testing.T) {
	var nilTLS *TLSConfig
	if nilTLS.enabled() {
		t.Error("nil TLS config must be disabled")
	}
	if (&TLSConfig{}).enabled() {
		t.Error("empty TLS config must be disabled")
	}
	if !(&TLSConfig{CACert: "/etc/lance/ca.pem"}).enabled() {
		t.Error("TLS config with CA must be enabled")
	}
}
