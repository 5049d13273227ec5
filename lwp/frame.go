// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lwp

import (
	"fmt"
	"io"
)

// Frame é um header decodificado mais o payload ainda não interpretado.
// O payload permanece em bytes crus nesta camada para permitir slicing
// zero-copy; quem despacha pelo opcode decide como decodificar.
type Frame struct {
	Opcode        Opcode
	Flags         Flags
	CorrelationID uint64
	TopicID       uint32
	Offset        uint64
	Payload       []byte
}

// IsResponse reporta se o frame carrega a flag RESPONSE.
func (f *Frame) IsResponse() bool { return f.Flags&FlagResponse != 0 }

// IsCompressed reporta se o payload está comprimido como um todo.
func (f *Frame) IsCompressed() bool { return f.Flags&FlagCompressed != 0 }

// WriteFrame serializa header + payload em w. O caller deve garantir
// exclusão mútua se múltiplas goroutines compartilham o mesmo writer,
// senão frames intercalam e corrompem o stream.
func WriteFrame(w io.Writer, f *Frame) error {
	if uint64(len(f.Payload)) > uint64(DefaultMaxPayload) {
		return invalidFrame("payload of %d bytes exceeds cap %d", len(f.Payload), DefaultMaxPayload)
	}
	header := EncodeHeader(&Header{
		Version:       ProtocolVersion,
		Opcode:        f.Opcode,
		Flags:         f.Flags,
		CorrelationID: f.CorrelationID,
		TopicID:       f.TopicID,
		Offset:        f.Offset,
		PayloadLen:    uint32(len(f.Payload)),
	})
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame lê e valida um frame completo de r. O header é validado antes
// de qualquer leitura do payload: um payload_len acima de maxPayload
// rejeita o frame sem consumir mais bytes. maxPayload 0 usa o default.
func ReadFrame(r io.Reader, maxPayload uint32) (*Frame, error) {
	var headerBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	h, err := DecodeHeader(headerBuf[:], maxPayload)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if h.PayloadLen > 0 {
		payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}

	return &Frame{
		Opcode:        h.Opcode,
		Flags:         h.Flags,
		CorrelationID: h.CorrelationID,
		TopicID:       h.TopicID,
		Offset:        h.Offset,
		Payload:       payload,
	}, nil
}
