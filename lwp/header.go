// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lwp

import (
	"encoding/binary"
	"hash/crc32"
)

// Layout do header (44 bytes, little-endian):
//
//	0      4  5  6     8        16      20       28        32(res) 40     44
//	┌──────┬──┬──┬─────┬────────┬───────┬────────┬─────────────────┬──────┐
//	│magic │v │op│flags│  corr  │ topic │ offset │payload_len + res│ crc  │
//	│ LWP1 │01│  │ u16 │  u64   │  u32  │  u64   │  u32  +  8B=0   │ u32  │
//	└──────┴──┴──┴─────┴────────┴───────┴────────┴─────────────────┴──────┘
//
// O CRC32C (polinômio Castagnoli) cobre os 40 bytes anteriores.
const (
	offMagic      = 0
	offVersion    = 4
	offOpcode     = 5
	offFlags      = 6
	offCorrID     = 8
	offTopicID    = 16
	offOffset     = 20
	offPayloadLen = 28
	offReserved   = 32
	offCRC        = 40
)

// Header representa o header fixo de 44 bytes de um frame.
type Header struct {
	Version       byte
	Opcode        Opcode
	Flags         Flags
	CorrelationID uint64
	TopicID       uint32
	Offset        uint64
	PayloadLen    uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum calcula o CRC32C (Castagnoli) de b. Usa a implementação da
// stdlib, acelerada por hardware quando disponível.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// EncodeHeader serializa o header nos 44 bytes do wire format, incluindo
// o CRC32C dos primeiros 40 bytes.
func EncodeHeader(h *Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[offMagic:offMagic+4], Magic[:])
	buf[offVersion] = h.Version
	buf[offOpcode] = byte(h.Opcode)
	binary.LittleEndian.PutUint16(buf[offFlags:offFlags+2], uint16(h.Flags))
	binary.LittleEndian.PutUint64(buf[offCorrID:offCorrID+8], h.CorrelationID)
	binary.LittleEndian.PutUint32(buf[offTopicID:offTopicID+4], h.TopicID)
	binary.LittleEndian.PutUint64(buf[offOffset:offOffset+8], h.Offset)
	binary.LittleEndian.PutUint32(buf[offPayloadLen:offPayloadLen+4], h.PayloadLen)
	// offReserved:offCRC permanece zerado
	binary.LittleEndian.PutUint32(buf[offCRC:offCRC+4], Checksum(buf[:offCRC]))
	return buf
}

// DecodeHeader valida e decodifica os 44 bytes de um header. maxPayload é
// o limite negociado de payload (0 usa DefaultMaxPayload). Qualquer
// violação — magic errado, versão não suportada, CRC inválido, payload
// acima do limite — retorna um Error de kind KindInvalidFrame.
func DecodeHeader(buf []byte, maxPayload uint32) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, invalidFrame("short header: %d bytes", len(buf))
	}
	if [4]byte(buf[offMagic:offMagic+4]) != Magic {
		return nil, invalidFrame("bad magic: %x", buf[offMagic:offMagic+4])
	}
	if buf[offVersion] != ProtocolVersion {
		return nil, invalidFrame("unsupported version: %d", buf[offVersion])
	}
	if got, want := binary.LittleEndian.Uint32(buf[offCRC:offCRC+4]), Checksum(buf[:offCRC]); got != want {
		return nil, invalidFrame("header crc mismatch: got %08x, want %08x", got, want)
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	payloadLen := binary.LittleEndian.Uint32(buf[offPayloadLen : offPayloadLen+4])
	if payloadLen > maxPayload {
		return nil, invalidFrame("payload length %d exceeds cap %d", payloadLen, maxPayload)
	}
	return &Header{
		Version:       buf[offVersion],
		Opcode:        Opcode(buf[offOpcode]),
		Flags:         Flags(binary.LittleEndian.Uint16(buf[offFlags : offFlags+2])),
		CorrelationID: binary.LittleEndian.Uint64(buf[offCorrID : offCorrID+8]),
		TopicID:       binary.LittleEndian.Uint32(buf[offTopicID : offTopicID+4]),
		Offset:        binary.LittleEndian.Uint64(buf[offOffset : offOffset+8]),
		PayloadLen:    payloadLen,
	}, nil
}
