// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package lance é o client Go do Lance event broker: um Client de
// gerenciamento, um Producer com batching e um Consumer pull com offset
// store plugável, todos sobre o mesmo transport multiplexado.
package lance

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/lance-client/lwp"
	"gopkg.in/yaml.v3"
)

// TLSConfig contém os caminhos dos certificados mTLS do client. Vazio
// desabilita TLS (TCP puro).
type TLSConfig struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

func (t *TLSConfig) enabled() bool {
	return t != nil && (t.CACert != "" || t.ClientCert != "" || t.ClientKey != "")
}

// ClientConfig é a configuração de conexão compartilhada por Client,
// Producer e Consumer.
type ClientConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ClientName     string        `yaml:"client_name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AutoReconnect default true; nil herda o default.
	AutoReconnect        *bool `yaml:"auto_reconnect"`
	MaxReconnectAttempts int   `yaml:"max_reconnect_attempts"`

	TLS *TLSConfig `yaml:"tls"`
}

// Addr retorna host:port com os defaults aplicados.
func (c *ClientConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = lwp.DefaultPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (c *ClientConfig) autoReconnect() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

func (c *ClientConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.ClientName == "" {
		c.ClientName = "lance-client"
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	return nil
}

// ProducerConfig configura um Producer.
type ProducerConfig struct {
	Client ClientConfig `yaml:"client"`

	// BatchSize é o gatilho de flush por tamanho acumulado (bytes).
	BatchSize int `yaml:"batch_size"`

	// Linger é quanto tempo um batch parcial espera por mais records
	// antes do flush. 0 = flush a cada append.
	Linger time.Duration `yaml:"linger"`

	// Compression: "none", "lz4" ou "zstd". Vazio usa o codec negociado
	// no handshake.
	Compression string `yaml:"compression"`

	// MaxPendingAcks limita batches aguardando ACK.
	MaxPendingAcks int `yaml:"max_pending_acks"`

	// BandwidthLimit limita a escrita no socket (bytes/s, 0 = ilimitado).
	BandwidthLimit int64 `yaml:"bandwidth_limit"`
}

// DefaultBatchSize é o gatilho de flush default (256KB).
const DefaultBatchSize = 256 * 1024

// DefaultMaxPendingAcks é a janela default de batches in-flight.
const DefaultMaxPendingAcks = 8

func (c *ProducerConfig) validate() error {
	if err := c.Client.validate(); err != nil {
		return err
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0, got %d", c.BatchSize)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Linger < 0 {
		return fmt.Errorf("linger must be >= 0, got %s", c.Linger)
	}
	if c.MaxPendingAcks < 0 {
		return fmt.Errorf("max_pending_acks must be >= 0, got %d", c.MaxPendingAcks)
	}
	if c.MaxPendingAcks == 0 {
		c.MaxPendingAcks = DefaultMaxPendingAcks
	}
	switch c.Compression {
	case "", lwp.CompressionNone, lwp.CompressionLZ4, lwp.CompressionZstd:
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	if c.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth_limit must be >= 0, got %d", c.BandwidthLimit)
	}
	return nil
}

// Posições iniciais do consumer.
const (
	StartBeginning = "beginning"
	StartEnd       = "end"
)

// OffsetsConfig seleciona o backend de persistência de offsets.
type OffsetsConfig struct {
	// Backend: "file" (default), "memory" ou "s3".
	Backend string `yaml:"backend"`

	// Dir é o diretório do backend file.
	Dir string `yaml:"dir"`

	S3 S3Config `yaml:"s3"`
}

// S3Config configura o offset store em S3.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ConsumerConfig configura um Consumer.
type ConsumerConfig struct {
	Client ClientConfig `yaml:"client"`

	// ConsumerName identifica o cursor persistido.
	ConsumerName string `yaml:"consumer_name"`

	TopicID uint32 `yaml:"topic_id"`

	// MaxFetchBytes limita cada FETCH (0 = 1 MiB).
	MaxFetchBytes uint32 `yaml:"max_fetch_bytes"`

	// StartPosition: "beginning", "end" ou "offset:<n>". Um offset
	// persistido no store tem precedência.
	StartPosition string `yaml:"start_position"`

	// Subscribe registra a assinatura no broker ao conectar.
	Subscribe bool `yaml:"subscribe"`

	AutoCommitInterval time.Duration `yaml:"auto_commit_interval"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`

	// OffsetDir é atalho para Offsets.Dir com o backend file.
	OffsetDir string `yaml:"offset_dir"`

	Offsets OffsetsConfig `yaml:"offsets"`
}

// DefaultMaxFetchBytes limita cada FETCH quando não configurado (1 MiB).
const DefaultMaxFetchBytes uint32 = 1 << 20

// DefaultPollTimeout é o timeout default de Poll.
const DefaultPollTimeout = 5 * time.Second

// DefaultAutoCommitInterval é o período default do auto-commit.
const DefaultAutoCommitInterval = 5 * time.Second

func (c *ConsumerConfig) validate() error {
	if err := c.Client.validate(); err != nil {
		return err
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.MaxFetchBytes == 0 {
		c.MaxFetchBytes = DefaultMaxFetchBytes
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.AutoCommitInterval < 0 {
		return fmt.Errorf("auto_commit_interval must be >= 0, got %s", c.AutoCommitInterval)
	}
	if c.AutoCommitInterval == 0 {
		c.AutoCommitInterval = DefaultAutoCommitInterval
	}
	if _, _, err := c.startPosition(); err != nil {
		return err
	}
	if c.OffsetDir != "" && c.Offsets.Dir == "" {
		c.Offsets.Dir = c.OffsetDir
	}
	switch c.Offsets.Backend {
	case "", "file", "memory", "s3":
	default:
		return fmt.Errorf("unknown offsets backend %q", c.Offsets.Backend)
	}
	if c.Offsets.Backend == "s3" && c.Offsets.S3.Bucket == "" {
		return fmt.Errorf("offsets.s3.bucket is required for the s3 backend")
	}
	return nil
}

// startPosition interpreta StartPosition: kind é StartBeginning/StartEnd
// ou "offset" com o valor explícito.
func (c *ConsumerConfig) startPosition() (kind string, offset uint64, err error) {
	switch {
	case c.StartPosition == "" || c.StartPosition == StartBeginning:
		return StartBeginning, 0, nil
	case c.StartPosition == StartEnd:
		return StartEnd, 0, nil
	case strings.HasPrefix(c.StartPosition, "offset:"):
		raw := strings.TrimPrefix(c.StartPosition, "offset:")
		n, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			return "", 0, fmt.Errorf("invalid start_position offset %q", raw)
		}
		return "offset", n, nil
	default:
		return "", 0, fmt.Errorf("invalid start_position %q", c.StartPosition)
	}
}

// LoadProducerConfig lê e valida um arquivo YAML de configuração de
// producer.
func LoadProducerConfig(path string) (*ProducerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading producer config: %w", err)
	}
	var cfg ProducerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing producer config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating producer config: %w", err)
	}
	return &cfg, nil
}

// LoadConsumerConfig lê e valida um arquivo YAML de configuração de
// consumer.
func LoadConsumerConfig(path string) (*ConsumerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading consumer config: %w", err)
	}
	var cfg ConsumerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing consumer config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating consumer config: %w", err)
	}
	return &cfg, nil
}

// LoadClientConfig lê e valida um arquivo YAML de configuração de client.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}
	return &cfg, nil
}
