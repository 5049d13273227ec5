// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport gerencia uma conexão TCP com o broker LWP: handshake,
// read loop e write loop, multiplexação de requests por correlation id,
// keepalive PING/PONG, backpressure do server e reconexão com backoff
// exponencial.
//
// Exatamente uma goroutine lê do socket e exatamente uma escreve; todo o
// restante conversa com elas via writeCh e via a tabela de pendentes.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/lance-client/lwp"
)

// Estados da máquina de estados da conexão.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateHandshaking  = "handshaking"
	StateReady        = "ready"
	StateDraining     = "draining"
	StateReconnecting = "reconnecting"
	StateClosed       = "closed"
)

const (
	// DefaultConnectTimeout e DefaultRequestTimeout valem quando a
	// configuração não especifica.
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	// defaultKeepaliveIdle: sem frame inbound por este período → PING.
	// defaultKeepaliveTimeout: PING sem resposta por este período → miss.
	defaultKeepaliveIdle    = 30 * time.Second
	defaultKeepaliveTimeout = 5 * time.Second

	// defaultBackpressureGrace força resume se o server pausar e nunca
	// enviar o RESUME pareado.
	defaultBackpressureGrace = 30 * time.Second

	// writeDeadline é aplicado a cada escrita para detectar conexões
	// half-open do mesmo jeito que o lado server.
	writeDeadline = 30 * time.Second

	// baseBackoff/maxBackoff delimitam o backoff exponencial de reconexão.
	baseBackoff = 100 * time.Millisecond
	maxBackoff  = 30 * time.Second

	// writeQueueDepth é a profundidade do write queue. Submits além disso
	// bloqueiam, o que propaga backpressure para os producers.
	writeQueueDepth = 128

	clientVersion = "1.0"
)

// backoffDelay calcula o delay da tentativa n de reconexão:
// min(30s, 100ms·2ⁿ) com jitter de ±20%. n reseta quando a conexão
// volta a Ready.
func backoffDelay(attempt int) time.Duration {
	d := float64(baseBackoff) * math.Pow(2, float64(attempt))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(d * jitter)
}

// Options configura uma Conn.
type Options struct {
	// Addr é o endereço host:port do broker.
	Addr string

	// Dial é a transport factory: produz a conexão crua (TCP puro ou
	// envolvida em TLS). Nil usa um net.Dialer simples sobre Addr.
	Dial func(ctx context.Context) (net.Conn, error)

	// ClientName identifica o client no HELLO.
	ClientName string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// AutoReconnect controla a transição Ready → Reconnecting. Quando
	// false, qualquer erro de transporte leva direto a Closed.
	AutoReconnect bool

	// MaxReconnectAttempts limita tentativas consecutivas de reconexão.
	// 0 = ilimitado (com backoff capped).
	MaxReconnectAttempts int

	// MaxPayload é o cap de payload aceito (0 = 16 MiB). O handshake
	// pode negociar para baixo, nunca para cima.
	MaxPayload uint32

	// Compression é a lista de codecs oferecida no HELLO.
	Compression []string

	// BandwidthLimit limita a escrita no socket em bytes/segundo (0 =
	// sem limite).
	BandwidthLimit int64

	// Knobs de keepalive e backpressure; zero usa os defaults. Expostos
	// principalmente para os testes encurtarem os ciclos.
	KeepaliveIdle     time.Duration
	KeepaliveTimeout  time.Duration
	BackpressureGrace time.Duration

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.MaxPayload == 0 {
		out.MaxPayload = lwp.DefaultMaxPayload
	}
	if len(out.Compression) == 0 {
		out.Compression = lwp.DefaultCompression
	}
	if out.KeepaliveIdle <= 0 {
		out.KeepaliveIdle = defaultKeepaliveIdle
	}
	if out.KeepaliveTimeout <= 0 {
		out.KeepaliveTimeout = defaultKeepaliveTimeout
	}
	if out.BackpressureGrace <= 0 {
		out.BackpressureGrace = defaultBackpressureGrace
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return out
}

// outbound é um frame enfileirado para o write loop. corrID aponta o
// pendente a falhar se a escrita der erro (0 = frame sem completion).
type outbound struct {
	frame  *lwp.Frame
	corrID uint64
}

// Conn é uma conexão LWP com multiplexação de requests.
type Conn struct {
	opts   Options
	logger *slog.Logger

	state   atomic.Value // string
	corrID  atomic.Uint64
	pending *pendingTable

	connMu    sync.Mutex
	conn      net.Conn
	epochStop chan struct{}

	writeCh chan outbound

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	readyMu sync.Mutex
	readyCh chan struct{}

	lastInbound atomic.Int64 // unix nanos do último frame recebido
	pingSentAt  atomic.Int64 // unix nanos do PING pendente (0 = nenhum)

	compression atomic.Value // string
	maxPayload  atomic.Uint32

	connErrCh chan error
	stopCh    chan struct{}
	stopOnce  sync.Once
	lifeCtx   context.Context
	lifeStop  context.CancelFunc
	wg        sync.WaitGroup
}

// NewConn cria a Conn no estado Disconnected. Connect estabelece a
// conexão e dispara as goroutines de leitura, escrita e supervisão.
func NewConn(opts Options) *Conn {
	opts = opts.withDefaults()
	lifeCtx, lifeStop := context.WithCancel(context.Background())
	c := &Conn{
		opts:      opts,
		logger:    opts.Logger.With("component", "transport", "broker", opts.Addr),
		pending:   newPendingTable(),
		writeCh:   make(chan outbound, writeQueueDepth),
		readyCh:   make(chan struct{}),
		connErrCh: make(chan error, 1),
		stopCh:    make(chan struct{}),
		lifeCtx:   lifeCtx,
		lifeStop:  lifeStop,
	}
	c.state.Store(StateDisconnected)
	c.compression.Store(lwp.CompressionNone)
	c.maxPayload.Store(opts.MaxPayload)
	return c
}

// State retorna o estado corrente da máquina de estados.
func (c *Conn) State() string { return c.state.Load().(string) }

func (c *Conn) setState(s string) { c.state.Store(s) }

// Compression retorna o codec negociado no handshake.
func (c *Conn) Compression() string { return c.compression.Load().(string) }

// MaxPayload retorna o cap de payload negociado.
func (c *Conn) MaxPayload() uint32 { return c.maxPayload.Load() }

// NextCorrelationID emite o próximo correlation id, estritamente
// monotônico nesta conexão.
func (c *Conn) NextCorrelationID() uint64 { return c.corrID.Add(1) }

// Paused reporta se o server sinalizou backpressure.
func (c *Conn) Paused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

// InFlight retorna o número de requests pendentes.
func (c *Conn) InFlight() int { return c.pending.len() }

// Connect disca, faz o handshake HELLO/HELLO_ACK e coloca a conexão em
// Ready. Falha de handshake é erro de protocolo e fecha a conexão.
func (c *Conn) Connect(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return fmt.Errorf("connect from state %q: %w", c.State(), lwp.ErrClosed)
	}

	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return &lwp.Error{Kind: lwp.KindConnection, Reason: "dialing broker", Err: err}
	}

	c.setState(StateHandshaking)
	if err := c.handshake(conn); err != nil {
		conn.Close()
		c.closeState()
		return err
	}

	c.install(conn)
	c.startEpoch(conn)
	c.wg.Add(2)
	go c.supervise()
	go c.keepaliveLoop()

	c.setState(StateReady)
	c.signalReady()
	c.logger.Info("connected", "compression", c.Compression())
	return nil
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if c.opts.Dial != nil {
		return c.opts.Dial(dialCtx)
	}
	var d net.Dialer
	return d.DialContext(dialCtx, "tcp", c.opts.Addr)
}

// handshake roda o HELLO/HELLO_ACK sincronamente sobre a conexão crua,
// antes dos loops de I/O assumirem o socket.
func (c *Conn) handshake(conn net.Conn) error {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return &lwp.Error{Kind: lwp.KindConnection, Reason: "setting handshake deadline", Err: err}
	}
	defer conn.SetDeadline(time.Time{})

	hello, err := json.Marshal(lwp.Hello{
		Client:      c.opts.ClientName,
		Version:     clientVersion,
		MaxPayload:  c.opts.MaxPayload,
		Compression: c.opts.Compression,
	})
	if err != nil {
		return fmt.Errorf("marshaling hello: %w", err)
	}

	frame := &lwp.Frame{
		Opcode:        lwp.OpHello,
		CorrelationID: c.NextCorrelationID(),
		Payload:       hello,
	}
	if err := lwp.WriteFrame(conn, frame); err != nil {
		return &lwp.Error{Kind: lwp.KindConnection, Reason: "writing hello", Err: err}
	}

	resp, err := lwp.ReadFrame(conn, c.opts.MaxPayload)
	if err != nil {
		var le *lwp.Error
		if errors.As(err, &le) {
			return le
		}
		return &lwp.Error{Kind: lwp.KindConnection, Reason: "reading hello ack", Err: err}
	}

	switch resp.Opcode {
	case lwp.OpHelloAck:
	case lwp.OpError:
		typed, derr := lwp.DecodeErrorPayload(resp.Payload)
		if derr != nil {
			return derr
		}
		return typed
	default:
		return &lwp.Error{Kind: lwp.KindInvalidFrame, Reason: fmt.Sprintf("unexpected handshake opcode 0x%02x", byte(resp.Opcode))}
	}

	var ack lwp.HelloAck
	if err := json.Unmarshal(resp.Payload, &ack); err != nil {
		return &lwp.Error{Kind: lwp.KindInvalidFrame, Reason: "malformed hello ack", Err: err}
	}
	if ack.Compression != "" {
		c.compression.Store(ack.Compression)
	}
	// O server só pode apertar o cap, nunca alargar.
	if ack.MaxPayload > 0 && ack.MaxPayload < c.maxPayload.Load() {
		c.maxPayload.Store(ack.MaxPayload)
	}
	return nil
}

// install entrega uma conexão estabelecida para os loops de I/O.
func (c *Conn) install(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.lastInbound.Store(time.Now().UnixNano())
	c.pingSentAt.Store(0)
}

// startEpoch dispara o par read/write loop para a conexão corrente. O
// epochStop encerra o write loop quando o supervisor troca de conexão.
func (c *Conn) startEpoch(conn net.Conn) {
	stop := make(chan struct{})
	c.connMu.Lock()
	c.epochStop = stop
	c.connMu.Unlock()

	br := bufio.NewReaderSize(conn, 64*1024)
	var w io.Writer = NewThrottledWriter(c.lifeCtx, conn, c.opts.BandwidthLimit)
	bw := bufio.NewWriterSize(w, 256*1024)

	c.wg.Add(2)
	go c.readLoop(br, stop)
	go c.writeLoop(conn, bw, stop)
}

// teardownEpoch fecha a conexão corrente e encerra seus loops.
func (c *Conn) teardownEpoch() {
	c.connMu.Lock()
	if c.epochStop != nil {
		close(c.epochStop)
		c.epochStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Conn) notifyConnError(err error) {
	select {
	case c.connErrCh <- err:
	default:
	}
}

// readLoop é a única goroutine que lê do socket. Parseia frames completos
// e despacha: respostas para a tabela de pendentes, frames com correlation
// id 0 para a policy da conexão.
func (c *Conn) readLoop(br *bufio.Reader, epochStop chan struct{}) {
	defer c.wg.Done()
	for {
		frame, err := lwp.ReadFrame(br, c.maxPayload.Load())
		if err != nil {
			// Frame inválido é corrupção de protocolo: derruba a conexão e
			// o erro chega a todos os in-flight via failAll no supervisor.
			// Epochs já encerrados pelo supervisor não reportam: o erro de
			// leitura veio do próprio teardown.
			select {
			case <-epochStop:
			default:
				c.notifyConnError(err)
			}
			return
		}
		c.lastInbound.Store(time.Now().UnixNano())
		c.pingSentAt.Store(0)
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame *lwp.Frame) {
	if frame.CorrelationID == 0 {
		switch frame.Opcode {
		case lwp.OpPing:
			// PING do server: responde PONG inline, sem completion.
			c.enqueue(outbound{frame: &lwp.Frame{Opcode: lwp.OpPong, Flags: lwp.FlagKeepalive | lwp.FlagResponse}})
		case lwp.OpPong:
			// lastInbound já foi atualizado; nada mais a fazer.
		case lwp.OpBackpressure:
			c.pause()
		case lwp.OpResume:
			c.resume()
		case lwp.OpError:
			if typed, err := lwp.DecodeErrorPayload(frame.Payload); err == nil {
				c.logger.Warn("connection-level error from broker", "error", typed)
			}
		default:
			c.logger.Debug("dropping unroutable frame", "opcode", fmt.Sprintf("0x%02x", byte(frame.Opcode)))
		}
		return
	}

	if frame.Opcode == lwp.OpError {
		typed, err := lwp.DecodeErrorPayload(frame.Payload)
		if err != nil {
			c.notifyConnError(err)
			return
		}
		if !c.pending.fail(frame.CorrelationID, typed) {
			c.logger.Debug("dropping error for unknown correlation id", "corr_id", frame.CorrelationID)
		}
		return
	}

	if !c.pending.complete(frame.CorrelationID, frame) {
		// Response órfão (request cancelado ou id desconhecido): drena e
		// descarta, não é fatal.
		c.logger.Debug("dropping response for unknown correlation id",
			"corr_id", frame.CorrelationID, "opcode", fmt.Sprintf("0x%02x", byte(frame.Opcode)))
	}
}

// writeLoop é a única goroutine que escreve no socket. Respeita a pausa
// de backpressure antes de drenar cada frame.
func (c *Conn) writeLoop(conn net.Conn, bw *bufio.Writer, epochStop chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case out := <-c.writeCh:
			if !c.waitResume(epochStop) {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := lwp.WriteFrame(bw, out.frame)
			if err == nil {
				err = bw.Flush()
			}
			if err != nil {
				if out.corrID != 0 {
					c.pending.fail(out.corrID, &lwp.Error{Kind: lwp.KindConnection, Reason: "writing request", Err: err})
				}
				c.notifyConnError(err)
				return
			}
		case <-epochStop:
			return
		case <-c.stopCh:
			return
		}
	}
}

func (c *Conn) enqueue(out outbound) {
	select {
	case c.writeCh <- out:
	case <-c.stopCh:
	}
}

// pause ativa a pausa de backpressure até o RESUME pareado (ou o grace
// timeout no writeLoop).
func (c *Conn) pause() {
	c.pauseMu.Lock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
		c.logger.Warn("broker signaled backpressure, pausing writes")
	}
	c.pauseMu.Unlock()
}

func (c *Conn) resume() {
	c.pauseMu.Lock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
		c.logger.Info("broker resumed, draining write queue")
	}
	c.pauseMu.Unlock()
}

// waitResume bloqueia enquanto a pausa de backpressure estiver ativa.
// Retorna false se o epoch terminou durante a espera.
func (c *Conn) waitResume(epochStop chan struct{}) bool {
	c.pauseMu.Lock()
	paused, resumeCh := c.paused, c.resumeCh
	c.pauseMu.Unlock()
	if !paused {
		return true
	}

	grace := time.NewTimer(c.opts.BackpressureGrace)
	defer grace.Stop()
	select {
	case <-resumeCh:
		return true
	case <-grace.C:
		c.logger.Warn("backpressure grace elapsed without resume, forcing drain")
		c.resume()
		return true
	case <-epochStop:
		return false
	case <-c.stopCh:
		return false
	}
}

// keepaliveLoop monitora o tráfego inbound: idle além do limite dispara
// PING; PING sem resposta dentro do timeout conta como miss e derruba a
// conexão para o supervisor reconectar.
func (c *Conn) keepaliveLoop() {
	defer c.wg.Done()

	interval := c.opts.KeepaliveTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() != StateReady {
				continue
			}
			now := time.Now()
			if sentAt := c.pingSentAt.Load(); sentAt != 0 {
				if now.Sub(time.Unix(0, sentAt)) > c.opts.KeepaliveTimeout {
					c.logger.Warn("keepalive miss, dropping connection")
					c.pingSentAt.Store(0)
					c.notifyConnError(&lwp.Error{Kind: lwp.KindConnection, Reason: "keepalive miss"})
				}
				continue
			}
			idle := now.Sub(time.Unix(0, c.lastInbound.Load()))
			if idle >= c.opts.KeepaliveIdle {
				c.pingSentAt.Store(now.UnixNano())
				c.enqueue(outbound{frame: &lwp.Frame{Opcode: lwp.OpPing, Flags: lwp.FlagKeepalive}})
			}
		case <-c.stopCh:
			return
		}
	}
}

// supervise reage a erros de transporte: falha os pendentes com erro
// retryable de conexão e reconecta com backoff (quando habilitado).
func (c *Conn) supervise() {
	defer c.wg.Done()
	for {
		select {
		case err := <-c.connErrCh:
			state := c.State()
			if state == StateClosed || state == StateDraining {
				return
			}
			c.logger.Warn("connection lost", "error", err, "in_flight", c.pending.len())
			c.teardownEpoch()
			c.unsetReady()
			c.pending.failAll(&lwp.Error{Kind: lwp.KindConnection, Reason: "connection closed", Err: err})

			if !c.opts.AutoReconnect {
				c.closeState()
				return
			}
			c.setState(StateReconnecting)
			if !c.reconnect() {
				c.closeState()
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

// reconnect tenta restabelecer a conexão com backoff exponencial e
// jitter. Retorna false quando o limite de tentativas esgota ou a Conn
// foi fechada.
func (c *Conn) reconnect() bool {
	for attempt := 0; ; attempt++ {
		if c.opts.MaxReconnectAttempts > 0 && attempt >= c.opts.MaxReconnectAttempts {
			c.logger.Error("giving up reconnection", "attempts", attempt)
			return false
		}

		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return false
		}

		c.setState(StateConnecting)
		conn, err := c.dial(c.lifeCtx)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "delay", delay, "error", err)
			c.setState(StateReconnecting)
			continue
		}

		c.setState(StateHandshaking)
		if err := c.handshake(conn); err != nil {
			conn.Close()
			c.logger.Warn("reconnect handshake failed", "attempt", attempt+1, "error", err)
			c.setState(StateReconnecting)
			continue
		}

		// Descarta qualquer erro residual do epoch anterior antes de
		// instalar o novo.
		select {
		case <-c.connErrCh:
		default:
		}

		c.install(conn)
		c.startEpoch(conn)
		c.setState(StateReady)
		c.signalReady()
		c.logger.Info("reconnected", "attempts", attempt+1)
		return true
	}
}

func (c *Conn) signalReady() {
	c.readyMu.Lock()
	select {
	case <-c.readyCh:
		// já sinalizado
	default:
		close(c.readyCh)
	}
	c.readyMu.Unlock()
}

func (c *Conn) unsetReady() {
	c.readyMu.Lock()
	select {
	case <-c.readyCh:
		c.readyCh = make(chan struct{})
	default:
	}
	c.readyMu.Unlock()
}

// closeState transita para Closed e acorda quem espera por Ready.
func (c *Conn) closeState() {
	c.setState(StateClosed)
	c.signalReady()
}

// waitReady bloqueia até a conexão estar Ready (ou Closed/cancelada).
func (c *Conn) waitReady(ctx context.Context) error {
	for {
		switch c.State() {
		case StateReady, StateDraining:
			return nil
		case StateClosed:
			return lwp.ErrClosed
		}

		c.readyMu.Lock()
		ch := c.readyCh
		c.readyMu.Unlock()

		select {
		case <-ch:
			// reavalia o estado
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call é um request já colocado na fila de escrita, aguardando resposta.
type Call struct {
	corrID uint64
	opcode lwp.Opcode
	p      *pending
}

// CorrelationID retorna o id atribuído ao request.
func (call *Call) CorrelationID() uint64 { return call.corrID }

// Start registra o completion e enfileira o frame para o write loop,
// sem esperar a resposta. Starts sequenciais no mesmo caller garantem
// ordem de colocação no wire. Correlation id 0 no frame recebe o próximo
// id da conexão.
func (c *Conn) Start(ctx context.Context, frame *lwp.Frame) (*Call, error) {
	if s := c.State(); s == StateClosed || s == StateDisconnected {
		return nil, fmt.Errorf("submitting request in state %q: %w", s, lwp.ErrClosed)
	}
	if frame.CorrelationID == 0 {
		frame.CorrelationID = c.NextCorrelationID()
	}

	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	p := c.pending.add(frame.CorrelationID, frame.Opcode)
	select {
	case c.writeCh <- outbound{frame: frame, corrID: frame.CorrelationID}:
	case <-ctx.Done():
		c.pending.abandon(frame.CorrelationID)
		return nil, ctx.Err()
	case <-c.stopCh:
		c.pending.abandon(frame.CorrelationID)
		return nil, lwp.ErrClosed
	}
	return &Call{corrID: frame.CorrelationID, opcode: frame.Opcode, p: p}, nil
}

// Await bloqueia até a resposta pareada, erro tipado, timeout ou
// cancelamento. Cancelamento abandona o completion: uma resposta tardia
// é drenada e descartada pelo read loop.
func (c *Conn) Await(ctx context.Context, call *Call) (*lwp.Frame, error) {
	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-call.p.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-ctx.Done():
		c.pending.abandon(call.corrID)
		return nil, ctx.Err()
	case <-timer.C:
		c.pending.abandon(call.corrID)
		return nil, &lwp.Error{
			Kind:   lwp.KindTimeout,
			Reason: fmt.Sprintf("request 0x%02x after %s", byte(call.opcode), c.opts.RequestTimeout),
		}
	}
}

// Do envia um request e espera a resposta: Start + Await.
func (c *Conn) Do(ctx context.Context, frame *lwp.Frame) (*lwp.Frame, error) {
	call, err := c.Start(ctx, frame)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, call)
}

// Close drena os requests pendentes (até RequestTimeout), encerra as
// goroutines e fecha o socket. Idempotente.
func (c *Conn) Close(ctx context.Context) error {
	if c.State() == StateClosed {
		return nil
	}
	c.setState(StateDraining)

	drainDeadline := time.Now().Add(c.opts.RequestTimeout)
	for c.pending.len() > 0 && time.Now().Before(drainDeadline) {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			drainDeadline = time.Time{}
		}
	}

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.lifeStop()
	c.teardownEpoch()
	c.closeState()
	c.pending.failAll(lwp.ErrClosed)
	c.wg.Wait()
	c.logger.Info("connection closed")
	return nil
}
