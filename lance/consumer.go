// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/lance-client/internal/transport"
	"github.com/nishisan-dev/lance-client/lwp"
)

// PollResult é o retorno de um Poll com dados: os records entregues, o
// offset após o último record e o lag em relação ao tail do tópico.
type PollResult struct {
	Records   []lwp.Record
	EndOffset uint64
	Lag       uint64
}

// Consumer é um pull-consumer standalone: mantém um cursor
// (topic, next_offset), busca records com FETCH e persiste o cursor no
// OffsetStore configurado, com auto-commit periódico.
type Consumer struct {
	cfg    ConsumerConfig
	conn   *transport.Conn
	store  OffsetStore
	logger *slog.Logger

	mu            sync.Mutex
	nextOffset    uint64
	lastDelivered uint64
	dirty         bool
	closed        bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer conecta ao broker, resolve a posição inicial do cursor
// (offset persistido > start_position) e inicia o auto-commit.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating consumer config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := newOffsetStore(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("building offset store: %w", err)
	}

	conn, err := newConn(&cfg.Client, nil, 0, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting consumer: %w", err)
	}

	c := &Consumer{
		cfg:    cfg,
		conn:   conn,
		store:  store,
		logger: logger.With("component", "consumer", "consumer", cfg.ConsumerName, "topic", cfg.TopicID),
		stopCh: make(chan struct{}),
	}

	if err := c.resolveStart(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}

	if cfg.Subscribe {
		if _, err := conn.Do(ctx, &lwp.Frame{Opcode: lwp.OpSubscribe, TopicID: cfg.TopicID}); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("subscribing to topic %d: %w", cfg.TopicID, err)
		}
	}

	c.wg.Add(1)
	go c.autoCommitLoop()
	return c, nil
}

// resolveStart posiciona o cursor: offset persistido tem precedência;
// sem ele vale o start_position da configuração.
func (c *Consumer) resolveStart(ctx context.Context) error {
	stored, found, err := c.store.Load(ctx, c.cfg.ConsumerName, c.cfg.TopicID)
	if err != nil {
		return fmt.Errorf("loading stored offset: %w", err)
	}
	if found {
		c.nextOffset = stored
		c.lastDelivered = stored
		c.logger.Info("resuming from stored offset", "offset", stored)
		return nil
	}

	kind, offset, err := c.cfg.startPosition()
	if err != nil {
		return err
	}
	switch kind {
	case StartEnd:
		tail, err := c.seekEnd(ctx)
		if err != nil {
			return err
		}
		c.logger.Info("starting from topic end", "offset", tail)
	case "offset":
		c.nextOffset = offset
		c.lastDelivered = offset
	default:
		// beginning: cursor em zero
	}
	return nil
}

func (c *Consumer) seekEnd(ctx context.Context) (uint64, error) {
	resp, err := c.conn.Do(ctx, &lwp.Frame{Opcode: lwp.OpSeekEnd, TopicID: c.cfg.TopicID})
	if err != nil {
		return 0, fmt.Errorf("seeking to end: %w", err)
	}
	c.mu.Lock()
	c.nextOffset = resp.Offset
	c.lastDelivered = resp.Offset
	c.mu.Unlock()
	return resp.Offset, nil
}

// Poll emite um FETCH a partir do cursor e retorna os records, o offset
// final e o lag. Sem records dentro de poll_timeout, retorna (nil, nil).
// O cursor avança pela contagem de bytes reportada pelo server (o
// tamanho descomprimido da sequência TLV).
func (c *Consumer) Poll(ctx context.Context) (*PollResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("consumer: %w", lwp.ErrClosed)
	}
	start := c.nextOffset
	c.mu.Unlock()

	payload := binary.LittleEndian.AppendUint32(nil, c.cfg.MaxFetchBytes)
	frame := &lwp.Frame{
		Opcode:  lwp.OpFetch,
		TopicID: c.cfg.TopicID,
		Offset:  start,
		Payload: payload,
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	resp, err := c.conn.Do(pollCtx, frame)
	if err != nil {
		// Sem dados dentro da janela de poll não é erro.
		if errors.Is(err, lwp.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching from offset %d: %w", start, err)
	}

	raw := resp.Payload
	if resp.IsCompressed() {
		raw, err = lwp.Decompress(c.conn.Compression(), raw, c.conn.MaxPayload())
		if err != nil {
			return nil, fmt.Errorf("decompressing fetch payload: %w", err)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	records, err := lwp.DecodeRecords(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding fetched records: %w", err)
	}

	end := start + uint64(len(raw))
	tail := resp.Offset
	var lag uint64
	if tail > end {
		lag = tail - end
	}

	c.mu.Lock()
	// Um Seek concorrente invalida esta entrega; não anda o cursor para trás.
	if c.nextOffset == start {
		c.nextOffset = end
		c.lastDelivered = end
		c.dirty = true
	}
	c.mu.Unlock()

	return &PollResult{Records: records, EndOffset: end, Lag: lag}, nil
}

// Seek reposiciona o cursor; records buffered ainda não entregues são
// descartados (o próximo FETCH parte do novo offset).
func (c *Consumer) Seek(offset uint64) {
	c.mu.Lock()
	c.nextOffset = offset
	c.lastDelivered = offset
	c.dirty = true
	c.mu.Unlock()
}

// SeekToBeginning reposiciona o cursor no início do tópico.
func (c *Consumer) SeekToBeginning() { c.Seek(0) }

// Rewind é um alias de Seek(0).
func (c *Consumer) Rewind() { c.Seek(0) }

// SeekToEnd consulta o tail do tópico no broker e posiciona o cursor lá.
func (c *Consumer) SeekToEnd(ctx context.Context) (uint64, error) {
	return c.seekEnd(ctx)
}

// Position retorna o offset corrente do cursor.
func (c *Consumer) Position() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextOffset
}

// Commit persiste o último offset entregue no offset store local.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	offset := c.lastDelivered
	c.dirty = false
	c.mu.Unlock()

	if err := c.store.Store(ctx, c.cfg.ConsumerName, c.cfg.TopicID, offset); err != nil {
		return fmt.Errorf("committing offset %d: %w", offset, err)
	}
	return nil
}

// CommitOffset persiste localmente e também registra o offset no broker
// (COMMIT), para tracking remoto de consumers.
func (c *Consumer) CommitOffset(ctx context.Context) error {
	c.mu.Lock()
	offset := c.lastDelivered
	c.mu.Unlock()

	if err := c.Commit(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Do(ctx, &lwp.Frame{Opcode: lwp.OpCommit, TopicID: c.cfg.TopicID, Offset: offset}); err != nil {
		return fmt.Errorf("committing offset %d on broker: %w", offset, err)
	}
	return nil
}

// autoCommitLoop persiste o cursor periodicamente quando houve entregas
// desde o último commit.
func (c *Consumer) autoCommitLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AutoCommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			dirty := c.dirty
			c.mu.Unlock()
			if !dirty {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Commit(ctx); err != nil {
				c.logger.Warn("auto-commit failed", "error", err)
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// State expõe o estado da conexão subjacente.
func (c *Consumer) State() string { return c.conn.State() }

// Close faz um commit final, para o auto-commit e fecha a conexão.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	commitErr := c.Commit(ctx)

	if c.cfg.Subscribe {
		unsubCtx, cancel := context.WithTimeout(ctx, time.Second)
		c.conn.Do(unsubCtx, &lwp.Frame{Opcode: lwp.OpUnsubscribe, TopicID: c.cfg.TopicID})
		cancel()
	}

	if err := c.conn.Close(ctx); err != nil {
		return err
	}
	return commitErr
}
