// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/lance-client/internal/transport"
	"github.com/nishisan-dev/lance-client/lwp"
)

// maxBatchRetries limita reenvios de um batch após erros retryable.
const maxBatchRetries = 5

// catchUpBackoff é a espera antes de reenviar quando o server responde
// SERVER_CATCHING_UP.
const catchUpBackoff = 5 * time.Second

// Producer acumula records por tópico em batches e os envia com ACK
// tracking dentro de uma janela limitada de batches in-flight.
//
// Gatilhos de flush: tamanho do batch >= batch_size, linger decorrido
// desde o primeiro append, Flush explícito e Close.
type Producer struct {
	cfg    ProducerConfig
	conn   *transport.Conn
	logger *slog.Logger

	mu       sync.Mutex
	open     map[uint32]*batch
	inflight int
	idleCh   chan struct{}
	closed   bool
	firstErr error

	// slots é o semáforo da janela: um batch ocupa um slot da abertura
	// até o ACK.
	slots chan struct{}

	// flushCh alimenta o sender na ordem de flush; capacidade igual à
	// janela, então o envio nunca bloqueia segurando o mutex.
	flushCh    chan *batch
	senderDone chan struct{}
}

// NewProducer conecta ao broker e devolve um Producer pronto.
func NewProducer(ctx context.Context, cfg ProducerConfig, logger *slog.Logger) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating producer config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// O codec configurado vira a oferta do HELLO; o server escolhe.
	offer := lwp.DefaultCompression
	switch cfg.Compression {
	case "":
	case lwp.CompressionNone:
		offer = []string{lwp.CompressionNone}
	default:
		offer = []string{cfg.Compression, lwp.CompressionNone}
	}

	conn, err := newConn(&cfg.Client, offer, cfg.BandwidthLimit, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting producer: %w", err)
	}

	p := &Producer{
		cfg:        cfg,
		conn:       conn,
		logger:     logger.With("component", "producer"),
		open:       make(map[uint32]*batch),
		slots:      make(chan struct{}, cfg.MaxPendingAcks),
		flushCh:    make(chan *batch, cfg.MaxPendingAcks),
		senderDone: make(chan struct{}),
	}
	go p.sendLoop()
	return p, nil
}

// Send acrescenta um record e bloqueia até o batch que o contém ser
// ACKado, retornando o id do batch. Bloqueia se a janela de ACKs
// estiver cheia.
func (p *Producer) Send(ctx context.Context, topic uint32, record lwp.Record) (BatchID, error) {
	b, err := p.appendRecords(ctx, topic, []lwp.Record{record}, true)
	if err != nil {
		return 0, err
	}

	select {
	case <-b.done:
		return b.id, b.err
	case <-ctx.Done():
		return b.id, ctx.Err()
	}
}

// SendAsync acrescenta um record e retorna o id do batch assim que ele é
// aceito; o ACK é rastreado internamente. Com a janela cheia, falha com
// Backpressure em vez de bloquear.
func (p *Producer) SendAsync(topic uint32, record lwp.Record) (BatchID, error) {
	b, err := p.appendRecords(context.Background(), topic, []lwp.Record{record}, false)
	if err != nil {
		return 0, err
	}
	return b.id, nil
}

// SendBatch acrescenta records atomicamente no mesmo batch, que pode ser
// flushado imediatamente se exceder batch_size.
func (p *Producer) SendBatch(ctx context.Context, topic uint32, records []lwp.Record) (BatchID, error) {
	if len(records) == 0 {
		return 0, fmt.Errorf("empty record batch")
	}
	b, err := p.appendRecords(ctx, topic, records, true)
	if err != nil {
		return 0, err
	}

	select {
	case <-b.done:
		return b.id, b.err
	case <-ctx.Done():
		return b.id, ctx.Err()
	}
}

// appendRecords acrescenta records ao batch aberto do tópico, abrindo um
// novo (e ocupando um slot da janela) quando necessário. block decide o
// comportamento com a janela cheia: esperar ou falhar com Backpressure.
func (p *Producer) appendRecords(ctx context.Context, topic uint32, records []lwp.Record, block bool) (*batch, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("producer: %w", lwp.ErrClosed)
	}

	b := p.open[topic]
	if b == nil {
		// Abrir batch novo exige um slot livre; solta o mutex enquanto
		// espera para não travar os outros tópicos.
		p.mu.Unlock()
		if err := p.acquireSlot(ctx, block); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.releaseSlot()
			return nil, fmt.Errorf("producer: %w", lwp.ErrClosed)
		}
		if existing := p.open[topic]; existing != nil {
			// Outro caller abriu o batch enquanto esperávamos o slot.
			p.releaseSlot()
			b = existing
		} else {
			b = newBatch(BatchID(p.conn.NextCorrelationID()), topic)
			p.open[topic] = b
			if p.cfg.Linger > 0 {
				p.armLinger(b)
			}
		}
	}
	defer p.mu.Unlock()

	if err := b.append(records); err != nil {
		return nil, fmt.Errorf("appending to batch %d: %w", b.id, err)
	}

	if b.size() >= p.cfg.BatchSize || p.cfg.Linger == 0 {
		p.flushLocked(b)
	}
	return b, nil
}

func (p *Producer) acquireSlot(ctx context.Context, block bool) error {
	if block {
		select {
		case p.slots <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
		return &lwp.Error{Kind: lwp.KindBackpressure, Reason: fmt.Sprintf("ack window of %d batches is full", p.cfg.MaxPendingAcks)}
	}
}

func (p *Producer) releaseSlot() { <-p.slots }

// armLinger inicia o linger timer do batch; dispara o flush se nenhum
// outro gatilho chegar antes.
func (p *Producer) armLinger(b *batch) {
	b.timer = time.AfterFunc(p.cfg.Linger, func() {
		p.mu.Lock()
		if p.open[b.topic] == b {
			p.flushLocked(b)
		}
		p.mu.Unlock()
	})
}

// flushLocked tira o batch do mapa de abertos e o entrega ao sender.
// Chamado com p.mu held.
func (p *Producer) flushLocked(b *batch) {
	delete(p.open, b.topic)
	if b.timer != nil {
		b.timer.Stop()
	}
	p.inflight++
	p.flushCh <- b
}

// sendLoop drena os batches na ordem de flush. Os Starts sequenciais
// garantem que batches do mesmo tópico entram no wire na ordem de
// submissão; a espera pelo ACK é paralela, uma goroutine por batch.
func (p *Producer) sendLoop() {
	defer close(p.senderDone)
	for b := range p.flushCh {
		frame := p.buildFrame(b)
		call, err := p.conn.Start(context.Background(), frame)
		if err != nil {
			p.finish(b, 0, fmt.Errorf("submitting batch %d: %w", b.id, err))
			continue
		}
		go p.awaitAck(b, frame, call)
	}
}

// buildFrame monta o frame PRODUCE do batch, comprimindo o payload com o
// codec negociado quando isso reduz o tamanho.
func (p *Producer) buildFrame(b *batch) *lwp.Frame {
	payload := b.buf
	flags := lwp.FlagAckRequested

	codec := p.conn.Compression()
	if p.cfg.Compression == lwp.CompressionNone {
		codec = lwp.CompressionNone
	}
	if codec != lwp.CompressionNone {
		if compressed, ok, err := lwp.Compress(codec, payload); err == nil && ok {
			payload = compressed
			flags |= lwp.FlagCompressed
		}
	}

	return &lwp.Frame{
		Opcode:        lwp.OpProduce,
		Flags:         flags,
		CorrelationID: uint64(b.id),
		TopicID:       b.topic,
		Payload:       payload,
	}
}

// awaitAck espera o PRODUCE_ACK do batch, reenviando em erros retryable
// (a conexão reconecta por baixo; o reenvio reusa o mesmo correlation
// id, então o batch mantém o id reportado ao caller).
func (p *Producer) awaitAck(b *batch, frame *lwp.Frame, call *transport.Call) {
	resp, err := p.conn.Await(context.Background(), call)

	for attempt := 1; err != nil && lwp.IsRetryable(err) && attempt <= maxBatchRetries; attempt++ {
		if errors.Is(err, lwp.ErrServerCatchingUp) {
			time.Sleep(catchUpBackoff)
		}
		p.logger.Warn("retrying batch", "batch_id", uint64(b.id), "attempt", attempt, "error", err)
		resp, err = p.conn.Do(context.Background(), frame)
	}

	if err != nil {
		p.finish(b, 0, err)
		return
	}
	p.finish(b, resp.Offset, nil)
}

// finish fecha o ciclo de vida do batch: libera o slot da janela, acorda
// quem espera o produtor esvaziar e por último completa o future, de modo
// que quem acorda pelo ACK já vê InFlight sem este batch.
func (p *Producer) finish(b *batch, offset uint64, err error) {
	p.releaseSlot()

	p.mu.Lock()
	if err != nil && p.firstErr == nil {
		p.firstErr = err
	}
	p.inflight--
	if p.inflight == 0 && p.idleCh != nil {
		close(p.idleCh)
		p.idleCh = nil
	}
	p.mu.Unlock()
	b.complete(offset, err)

	if err != nil {
		p.logger.Error("batch failed", "batch_id", uint64(b.id), "topic", b.topic, "error", err)
	}
}

// Flush força o flush de todos os batches parciais e espera todos os
// ACKs pendentes. Retorna o primeiro erro assíncrono observado desde o
// último Flush.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	for _, b := range p.open {
		p.flushLocked(b)
	}
	if p.inflight == 0 {
		err := p.firstErr
		p.firstErr = nil
		p.mu.Unlock()
		return err
	}
	if p.idleCh == nil {
		p.idleCh = make(chan struct{})
	}
	idle := p.idleCh
	p.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	err := p.firstErr
	p.firstErr = nil
	p.mu.Unlock()
	return err
}

// InFlight retorna o número de batches aguardando ACK.
func (p *Producer) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// State expõe o estado da conexão subjacente.
func (p *Producer) State() string { return p.conn.State() }

// Close flusha os batches pendentes, espera os ACKs e drena a conexão
// até Closed. O Producer não aceita mais sends.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.conn.Close(ctx)
	}
	p.closed = true
	p.mu.Unlock()

	flushErr := p.Flush(ctx)

	// Fechar a conexão antes de esperar o sender: acorda qualquer Start
	// bloqueado em espera de reconexão.
	close(p.flushCh)
	connErr := p.conn.Close(ctx)
	<-p.senderDone

	if connErr != nil {
		return connErr
	}
	return flushErr
}
