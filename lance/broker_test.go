// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/lance-client/lwp"
)

// lockedWriter serializa escritas concorrentes no mesmo socket (serve
// goroutine + ACKs liberados pelo teste).
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeFrame(f *lwp.Frame) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lwp.WriteFrame(lw.w, f)
}

// heldAck é um PRODUCE aguardando liberação explícita pelo teste.
type heldAck struct {
	w     *lockedWriter
	frame *lwp.Frame
}

// testBroker é um broker LWP em memória para os testes do pacote:
// mantém um log de bytes TLV por tópico, metadados de tópicos e commits
// remotos.
type testBroker struct {
	t  *testing.T
	ln net.Listener

	compression string // codec respondido no HELLO_ACK

	mu      sync.Mutex
	logs    map[uint32][]byte
	topics  map[string]lwp.TopicInfo
	nextID  uint64
	commits map[string]uint64

	holdAcks     bool
	held         []heldAck
	produceCount atomic.Int32
	produceTimes []time.Time
	compressed   atomic.Int32 // frames PRODUCE com a flag COMPRESSED
}

func startTestBroker(t *testing.T, compression string) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &testBroker{
		t:           t,
		ln:          ln,
		compression: compression,
		logs:        make(map[uint32][]byte),
		topics:      make(map[string]lwp.TopicInfo),
		nextID:      1,
		commits:     make(map[string]uint64),
	}
	go b.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *testBroker) addr() string { return b.ln.Addr().String() }

func (b *testBroker) clientConfig() ClientConfig {
	host, port, _ := net.SplitHostPort(b.addr())
	var p int
	fmt.Sscanf(port, "%d", &p)
	return ClientConfig{
		Host:           host,
		Port:           p,
		ClientName:     "lance-test",
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	}
}

func (b *testBroker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.serve(conn)
	}
}

func (b *testBroker) serve(conn net.Conn) {
	defer conn.Close()
	lw := &lockedWriter{w: conn}

	hello, err := lwp.ReadFrame(conn, 0)
	if err != nil || hello.Opcode != lwp.OpHello {
		return
	}
	ack, _ := json.Marshal(lwp.HelloAck{Compression: b.compression, MaxPayload: lwp.DefaultMaxPayload})
	if err := lw.writeFrame(&lwp.Frame{
		Opcode:        lwp.OpHelloAck,
		Flags:         lwp.FlagResponse,
		CorrelationID: hello.CorrelationID,
		Payload:       ack,
	}); err != nil {
		return
	}

	for {
		frame, err := lwp.ReadFrame(conn, 0)
		if err != nil {
			return
		}
		if err := b.handle(lw, frame); err != nil {
			return
		}
	}
}

func (b *testBroker) handle(lw *lockedWriter, f *lwp.Frame) error {
	if f.CorrelationID == 0 {
		if f.Opcode == lwp.OpPing {
			return lw.writeFrame(&lwp.Frame{Opcode: lwp.OpPong, Flags: lwp.FlagKeepalive | lwp.FlagResponse})
		}
		return nil
	}

	switch f.Opcode {
	case lwp.OpPing:
		return lw.writeFrame(&lwp.Frame{Opcode: lwp.OpPong, Flags: lwp.FlagResponse, CorrelationID: f.CorrelationID})
	case lwp.OpProduce:
		return b.handleProduce(lw, f)
	case lwp.OpFetch:
		return b.handleFetch(lw, f)
	case lwp.OpSeekEnd:
		b.mu.Lock()
		tail := uint64(len(b.logs[f.TopicID]))
		b.mu.Unlock()
		return lw.writeFrame(&lwp.Frame{Opcode: lwp.OpSeekEnd, Flags: lwp.FlagResponse, CorrelationID: f.CorrelationID, TopicID: f.TopicID, Offset: tail})
	case lwp.OpCommit:
		b.mu.Lock()
		b.commits[fmt.Sprintf("%d", f.TopicID)] = f.Offset
		b.mu.Unlock()
		return lw.writeFrame(&lwp.Frame{Opcode: lwp.OpCommit, Flags: lwp.FlagResponse, CorrelationID: f.CorrelationID, TopicID: f.TopicID, Offset: f.Offset})
	case lwp.OpSubscribe, lwp.OpUnsubscribe:
		return lw.writeFrame(&lwp.Frame{Opcode: f.Opcode, Flags: lwp.FlagResponse, CorrelationID: f.CorrelationID, TopicID: f.TopicID})
	case lwp.OpCreateTopic, lwp.OpDeleteTopic, lwp.OpListTopics, lwp.OpGetTopic, lwp.OpSetRetention:
		return b.handleManagement(lw, f)
	default:
		return lw.writeFrame(&lwp.Frame{
			Opcode:        lwp.OpError,
			Flags:         lwp.FlagResponse,
			CorrelationID: f.CorrelationID,
			Payload:       lwp.EncodeErrorPayload(lwp.CodeInvalidArgument, fmt.Sprintf("unhandled opcode 0x%02x", byte(f.Opcode)), nil),
		})
	}
}

func (b *testBroker) handleProduce(lw *lockedWriter, f *lwp.Frame) error {
	b.produceCount.Add(1)
	b.mu.Lock()
	b.produceTimes = append(b.produceTimes, time.Now())
	hold := b.holdAcks
	if hold {
		b.held = append(b.held, heldAck{w: lw, frame: f})
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.ackProduce(lw, f)
}

func (b *testBroker) ackProduce(lw *lockedWriter, f *lwp.Frame) error {
	raw := f.Payload
	if f.Flags&lwp.FlagCompressed != 0 {
		b.compressed.Add(1)
		var err error
		raw, err = lwp.Decompress(b.compression, raw, 0)
		if err != nil {
			return lw.writeFrame(&lwp.Frame{
				Opcode:        lwp.OpError,
				Flags:         lwp.FlagResponse,
				CorrelationID: f.CorrelationID,
				Payload:       lwp.EncodeErrorPayload(lwp.CodeInvalidArgument, "bad compressed payload", nil),
			})
		}
	}

	b.mu.Lock()
	b.logs[f.TopicID] = append(b.logs[f.TopicID], raw...)
	tail := uint64(len(b.logs[f.TopicID]))
	b.mu.Unlock()

	return lw.writeFrame(&lwp.Frame{
		Opcode:        lwp.OpProduceAck,
		Flags:         lwp.FlagResponse,
		CorrelationID: f.CorrelationID,
		TopicID:       f.TopicID,
		Offset:        tail,
	})
}

// releaseAcks libera os n PRODUCEs mais antigos retidos por holdAcks.
func (b *testBroker) releaseAcks(n int) {
	b.mu.Lock()
	release := b.held
	if n < len(release) {
		release = release[:n]
		b.held = b.held[n:]
	} else {
		b.held = nil
	}
	b.mu.Unlock()
	for _, h := range release {
		b.ackProduce(h.w, h.frame)
	}
}

func (b *testBroker) handleFetch(lw *lockedWriter, f *lwp.Frame) error {
	b.mu.Lock()
	log := b.logs[f.TopicID]
	b.mu.Unlock()

	tail := uint64(len(log))
	start := f.Offset
	var payload []byte
	if start < tail {
		payload = log[start:]
	}

	return lw.writeFrame(&lwp.Frame{
		Opcode:        lwp.OpFetchResp,
		Flags:         lwp.FlagResponse | lwp.FlagEndOfStream,
		CorrelationID: f.CorrelationID,
		TopicID:       f.TopicID,
		Offset:        tail,
		Payload:       payload,
	})
}

func (b *testBroker) handleManagement(lw *lockedWriter, f *lwp.Frame) error {
	reply := func(v any) error {
		rec, err := lwp.JSONRecord(v)
		if err != nil {
			return err
		}
		payload, err := lwp.EncodeRecords([]lwp.Record{rec})
		if err != nil {
			return err
		}
		return lw.writeFrame(&lwp.Frame{Opcode: f.Opcode, Flags: lwp.FlagResponse, CorrelationID: f.CorrelationID, Payload: payload})
	}
	fail := func(code uint16, reason string) error {
		return lw.writeFrame(&lwp.Frame{
			Opcode:        lwp.OpError,
			Flags:         lwp.FlagResponse,
			CorrelationID: f.CorrelationID,
			Payload:       lwp.EncodeErrorPayload(code, reason, nil),
		})
	}

	decodeJSON := func(out any) error {
		records, err := lwp.DecodeRecords(f.Payload)
		if err != nil || len(records) == 0 {
			return fmt.Errorf("bad management payload")
		}
		return json.Unmarshal(records[0].Value, out)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch f.Opcode {
	case lwp.OpCreateTopic:
		var req lwp.CreateTopicRequest
		if err := decodeJSON(&req); err != nil {
			return fail(lwp.CodeInvalidArgument, err.Error())
		}
		info := lwp.TopicInfo{
			ID:          b.nextID,
			Name:        req.Name,
			CreatedAtNs: uint64(time.Now().UnixNano()),
			MaxAgeSecs:  req.MaxAgeSecs,
			MaxBytes:    req.MaxBytes,
		}
		b.nextID++
		b.topics[req.Name] = info
		return reply(info)
	case lwp.OpDeleteTopic:
		var req lwp.TopicNameRequest
		if err := decodeJSON(&req); err != nil {
			return fail(lwp.CodeInvalidArgument, err.Error())
		}
		if _, ok := b.topics[req.Name]; !ok {
			return fail(lwp.CodeTopicNotFound, "no such topic")
		}
		delete(b.topics, req.Name)
		return lw.writeFrame(&lwp.Frame{Opcode: f.Opcode, Flags: lwp.FlagResponse, CorrelationID: f.CorrelationID})
	case lwp.OpGetTopic:
		var req lwp.TopicNameRequest
		if err := decodeJSON(&req); err != nil {
			return fail(lwp.CodeInvalidArgument, err.Error())
		}
		info, ok := b.topics[req.Name]
		if !ok {
			return fail(lwp.CodeTopicNotFound, "no such topic")
		}
		return reply(info)
	case lwp.OpListTopics:
		topics := make([]lwp.TopicInfo, 0, len(b.topics))
		for _, info := range b.topics {
			topics = append(topics, info)
		}
		return reply(topics)
	case lwp.OpSetRetention:
		var ret lwp.Retention
		if err := decodeJSON(&ret); err != nil {
			return fail(lwp.CodeInvalidArgument, err.Error())
		}
		return lw.writeFrame(&lwp.Frame{Opcode: f.Opcode, Flags: lwp.FlagResponse, CorrelationID: f.CorrelationID, TopicID: f.TopicID})
	}
	return nil
}

// seedLog injeta records diretamente no log de um tópico.
func (b *testBroker) seedLog(topic uint32, records []lwp.Record) {
	buf, err := lwp.EncodeRecords(records)
	if err != nil {
		b.t.Fatalf("seeding log: %v", err)
	}
	b.mu.Lock()
	b.logs[topic] = append(b.logs[topic], buf...)
	b.mu.Unlock()
}

// logRecords decodifica o log acumulado de um tópico.
func (b *testBroker) logRecords(topic uint32) []lwp.Record {
	b.mu.Lock()
	log := append([]byte(nil), b.logs[topic]...)
	b.mu.Unlock()
	records, err := lwp.DecodeRecords(log)
	if err != nil {
		b.t.Fatalf("decoding broker log: %v", err)
	}
	return records
}

func (b *testBroker) setHoldAcks(hold bool) {
	b.mu.Lock()
	b.holdAcks = hold
	b.mu.Unlock()
}

func (b *testBroker) remoteCommit(topic uint32) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.commits[fmt.Sprintf("%d", topic)]
	return off, ok
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
