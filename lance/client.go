// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/lance-client/internal/pki"
	"github.com/nishisan-dev/lance-client/internal/transport"
	"github.com/nishisan-dev/lance-client/lwp"
)

// newConn monta o transport a partir da configuração compartilhada.
// compression e bandwidthLimit só são relevantes para producers.
func newConn(cfg *ClientConfig, compression []string, bandwidthLimit int64, logger *slog.Logger) (*transport.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opts := transport.Options{
		Addr:                 cfg.Addr(),
		ClientName:           cfg.ClientName,
		ConnectTimeout:       cfg.ConnectTimeout,
		RequestTimeout:       cfg.RequestTimeout,
		AutoReconnect:        cfg.autoReconnect(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Compression:          compression,
		BandwidthLimit:       bandwidthLimit,
		Logger:               logger,
	}

	if cfg.TLS.enabled() {
		tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("configuring TLS: %w", err)
		}
		host, _, err := net.SplitHostPort(cfg.Addr())
		if err != nil {
			host = cfg.Host
		}
		tlsCfg.ServerName = host

		addr := cfg.Addr()
		opts.Dial = func(ctx context.Context) (net.Conn, error) {
			d := &tls.Dialer{Config: tlsCfg}
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	return transport.NewConn(opts), nil
}

// Client é o client de gerenciamento: operações de tópico e ping. Para
// produzir e consumir use Producer e Consumer, que mantêm suas próprias
// conexões.
type Client struct {
	cfg    ClientConfig
	conn   *transport.Conn
	logger *slog.Logger
}

// Dial conecta o client de gerenciamento ao broker.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, err := newConn(&cfg, []string{lwp.CompressionNone}, 0, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	return &Client{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With("component", "client"),
	}, nil
}

// do envia um request de gerenciamento com payload JSON (em um record TLV
// 0x02) e decodifica a resposta JSON em out (quando não nil).
func (c *Client) do(ctx context.Context, opcode lwp.Opcode, topicID uint32, in, out any) error {
	frame := &lwp.Frame{Opcode: opcode, TopicID: topicID}
	if in != nil {
		rec, err := lwp.JSONRecord(in)
		if err != nil {
			return err
		}
		payload, err := lwp.EncodeRecords([]lwp.Record{rec})
		if err != nil {
			return err
		}
		frame.Payload = payload
	}

	resp, err := c.conn.Do(ctx, frame)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	records, err := lwp.DecodeRecords(resp.Payload)
	if err != nil {
		return fmt.Errorf("decoding response records: %w", err)
	}
	if len(records) == 0 || records[0].Type != lwp.RecordJSON {
		return &lwp.Error{Kind: lwp.KindInvalidFrame, Reason: fmt.Sprintf("expected json record in response to 0x%02x", byte(opcode))}
	}
	if err := json.Unmarshal(records[0].Value, out); err != nil {
		return &lwp.Error{Kind: lwp.KindInvalidFrame, Reason: "malformed response json", Err: err}
	}
	return nil
}

// CreateTopic cria um tópico com a retenção dada e retorna os metadados.
func (c *Client) CreateTopic(ctx context.Context, name string, retention lwp.Retention) (*lwp.TopicInfo, error) {
	req := lwp.CreateTopicRequest{Name: name, MaxAgeSecs: retention.MaxAgeSecs, MaxBytes: retention.MaxBytes}
	var info lwp.TopicInfo
	if err := c.do(ctx, lwp.OpCreateTopic, 0, req, &info); err != nil {
		return nil, fmt.Errorf("creating topic %q: %w", name, err)
	}
	return &info, nil
}

// DeleteTopic remove um tópico pelo nome.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	if err := c.do(ctx, lwp.OpDeleteTopic, 0, lwp.TopicNameRequest{Name: name}, nil); err != nil {
		return fmt.Errorf("deleting topic %q: %w", name, err)
	}
	return nil
}

// GetTopic retorna os metadados de um tópico pelo nome.
func (c *Client) GetTopic(ctx context.Context, name string) (*lwp.TopicInfo, error) {
	var info lwp.TopicInfo
	if err := c.do(ctx, lwp.OpGetTopic, 0, lwp.TopicNameRequest{Name: name}, &info); err != nil {
		return nil, fmt.Errorf("getting topic %q: %w", name, err)
	}
	return &info, nil
}

// ListTopics lista todos os tópicos do broker.
func (c *Client) ListTopics(ctx context.Context) ([]lwp.TopicInfo, error) {
	var topics []lwp.TopicInfo
	if err := c.do(ctx, lwp.OpListTopics, 0, nil, &topics); err != nil {
		return nil, fmt.Errorf("listing topics: %w", err)
	}
	return topics, nil
}

// SetRetention atualiza a política de retenção de um tópico.
func (c *Client) SetRetention(ctx context.Context, topicID uint32, retention lwp.Retention) error {
	if err := c.do(ctx, lwp.OpSetRetention, topicID, retention, nil); err != nil {
		return fmt.Errorf("setting retention for topic %d: %w", topicID, err)
	}
	return nil
}

// Ping mede o RTT de um PING/PONG multiplexado.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.conn.Do(ctx, &lwp.Frame{Opcode: lwp.OpPing}); err != nil {
		return 0, fmt.Errorf("pinging broker: %w", err)
	}
	return time.Since(start), nil
}

// State expõe o estado da conexão subjacente.
func (c *Client) State() string { return c.conn.State() }

// Close drena e fecha a conexão.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
