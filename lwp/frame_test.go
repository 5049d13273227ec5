// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lwp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	payload, err := EncodeRecords([]Record{RawRecord([]byte("hello lwp"))})
	if err != nil {
		t.Fatalf("EncodeRecords: %v", err)
	}

	tests := []struct {
		name  string
		frame Frame
	}{
		{"produce with payload", Frame{Opcode: OpProduce, Flags: FlagAckRequested, CorrelationID: 42, TopicID: 7, Payload: payload}},
		{"ping without payload", Frame{Opcode: OpPing, Flags: FlagKeepalive}},
		{"fetch resp", Frame{Opcode: OpFetchResp, Flags: FlagResponse | FlagEndOfStream, CorrelationID: 3, TopicID: 1, Offset: 1074, Payload: payload}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, &tt.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if buf.Len() != HeaderSize+len(tt.frame.Payload) {
				t.Errorf("expected %d bytes on the wire, got %d", HeaderSize+len(tt.frame.Payload), buf.Len())
			}

			got, err := ReadFrame(&buf, 0)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Opcode != tt.frame.Opcode || got.Flags != tt.frame.Flags ||
				got.CorrelationID != tt.frame.CorrelationID || got.TopicID != tt.frame.TopicID ||
				got.Offset != tt.frame.Offset {
				t.Errorf("header mismatch:\n got %+v\nwant %+v", got, &tt.frame)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("payload mismatch: got %q, want %q", got.Payload, tt.frame.Payload)
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left unread", buf.Len())
			}
		})
	}
}

// Um header declarando payload acima do cap deve ser rejeitado sem que o
// reader tente consumir o payload.
func TestReadFrame_CapRejectedBeforePayload(t *testing.T) {
	var raw [HeaderSize]byte
	copy(raw[0:4], Magic[:])
	raw[offVersion] = ProtocolVersion
	raw[offOpcode] = byte(OpProduce)
	binary.LittleEndian.PutUint32(raw[offPayloadLen:offPayloadLen+4], DefaultMaxPayload+1)
	binary.LittleEndian.PutUint32(raw[offCRC:offCRC+4], Checksum(raw[:offCRC]))

	// Buffer contém apenas o header: se o reader tentasse ler o payload,
	// o erro seria de EOF, não de frame inválido.
	buf := bytes.NewReader(raw[:])
	_, err := ReadFrame(buf, 0)
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
	if buf.Len() != 0 {
		// Só o header foi consumido; nada além dele existia.
		t.Errorf("reader consumed %d unexpected bytes", HeaderSize-buf.Len())
	}
}

func TestWriteFrame_PayloadTooLarge(t *testing.T) {
	f := &Frame{Opcode: OpProduce, Payload: make([]byte, DefaultMaxPayload+1)}
	if err := WriteFrame(&bytes.Buffer{}, f); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestResponseOpcode(t *testing.T) {
	tests := []struct {
		req  Opcode
		want Opcode
	}{
		{OpHello, OpHelloAck},
		{OpPing, OpPong},
		{OpProduce, OpProduceAck},
		{OpFetch, OpFetchResp},
		{OpCommit, OpCommit},
		{OpSeekEnd, OpSeekEnd},
		{OpListTopics, OpListTopics},
	}
	for _, tt := range tests {
		if got := ResponseOpcode(tt.req); got != tt.want {
			t.Errorf("ResponseOpcode(0x%02x): expected 0x%02x, got 0x%02x", byte(tt.req), byte(tt.want), byte(got))
		}
	}
}
