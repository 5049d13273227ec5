// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lwp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// RecordType identifica o tipo de um record TLV.
type RecordType byte

// Tipos de record reconhecidos.
const (
	RecordRaw         RecordType = 0x01
	RecordJSON        RecordType = 0x02
	RecordMsgPack     RecordType = 0x03
	RecordKeyValue    RecordType = 0x10
	RecordTimestamped RecordType = 0x11
	RecordNull        RecordType = 0xFF
)

// extensionBase é o início da faixa de extensão. Tipos desconhecidos nesta
// faixa passam adiante como raw preservando o byte de tipo; abaixo dela,
// tipo desconhecido é erro de protocolo.
const extensionBase RecordType = 0x80

// tlvOverhead é o custo fixo de cada record no wire: type (1B) + length (4B).
const tlvOverhead = 5

// Record é um record TLV dentro de um payload de produce/fetch.
// Key só é significativo para RecordKeyValue e TimestampNs para
// RecordTimestamped; Value carrega os bytes opacos nos demais casos.
type Record struct {
	Type        RecordType
	Key         []byte
	TimestampNs uint64
	Value       []byte
}

// RawRecord cria um record de bytes opacos.
func RawRecord(value []byte) Record {
	return Record{Type: RecordRaw, Value: value}
}

// JSONRecord serializa v como JSON em um record 0x02.
func JSONRecord(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("marshaling json record: %w", err)
	}
	return Record{Type: RecordJSON, Value: b}, nil
}

// KeyValueRecord cria um record chave-valor.
func KeyValueRecord(key, value []byte) Record {
	return Record{Type: RecordKeyValue, Key: key, Value: value}
}

// TimestampedRecord cria um record com timestamp em nanos.
func TimestampedRecord(timestampNs uint64, value []byte) Record {
	return Record{Type: RecordTimestamped, TimestampNs: timestampNs, Value: value}
}

// NullRecord cria um record nulo (sem valor).
func NullRecord() Record {
	return Record{Type: RecordNull}
}

// WireSize retorna o tamanho do record serializado em bytes.
func (r Record) WireSize() int {
	n := tlvOverhead + len(r.Value)
	switch r.Type {
	case RecordKeyValue:
		n += 2 + len(r.Key)
	case RecordTimestamped:
		n += 8
	}
	return n
}

// AppendRecord serializa r e anexa em dst, retornando o slice estendido.
func AppendRecord(dst []byte, r Record) ([]byte, error) {
	var valueLen int
	switch r.Type {
	case RecordKeyValue:
		if len(r.Key) > 0xFFFF {
			return dst, fmt.Errorf("key too long: %d bytes", len(r.Key))
		}
		valueLen = 2 + len(r.Key) + len(r.Value)
	case RecordTimestamped:
		valueLen = 8 + len(r.Value)
	case RecordNull:
		if len(r.Value) > 0 {
			return dst, fmt.Errorf("null record carries %d value bytes", len(r.Value))
		}
		valueLen = 0
	default:
		valueLen = len(r.Value)
	}

	dst = append(dst, byte(r.Type))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(valueLen))
	switch r.Type {
	case RecordKeyValue:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(r.Key)))
		dst = append(dst, r.Key...)
		dst = append(dst, r.Value...)
	case RecordTimestamped:
		dst = binary.LittleEndian.AppendUint64(dst, r.TimestampNs)
		dst = append(dst, r.Value...)
	default:
		dst = append(dst, r.Value...)
	}
	return dst, nil
}

// EncodeRecords serializa a sequência de records em um único buffer.
func EncodeRecords(records []Record) ([]byte, error) {
	size := 0
	for _, r := range records {
		size += r.WireSize()
	}
	buf := make([]byte, 0, size)
	var err error
	for i, r := range records {
		if buf, err = AppendRecord(buf, r); err != nil {
			return nil, fmt.Errorf("encoding record %d: %w", i, err)
		}
	}
	return buf, nil
}

// DecodeRecords decodifica uma sequência TLV. O buffer é válido sse os
// records consomem exatamente todos os bytes; sobras ou truncamentos
// retornam KindInvalidFrame. Os slices retornados referenciam buf.
func DecodeRecords(buf []byte) ([]Record, error) {
	var records []Record
	for len(buf) > 0 {
		if len(buf) < tlvOverhead {
			return nil, invalidFrame("truncated tlv header: %d trailing bytes", len(buf))
		}
		typ := RecordType(buf[0])
		length := int(binary.LittleEndian.Uint32(buf[1:5]))
		buf = buf[tlvOverhead:]
		if length > len(buf) {
			return nil, invalidFrame("tlv length %d overruns buffer of %d bytes", length, len(buf))
		}
		value := buf[:length]
		buf = buf[length:]

		rec, err := decodeValue(typ, value)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeValue(typ RecordType, value []byte) (Record, error) {
	switch typ {
	case RecordRaw, RecordJSON, RecordMsgPack:
		return Record{Type: typ, Value: value}, nil
	case RecordKeyValue:
		if len(value) < 2 {
			return Record{}, invalidFrame("keyvalue record too short: %d bytes", len(value))
		}
		keyLen := int(binary.LittleEndian.Uint16(value[0:2]))
		if len(value) < 2+keyLen {
			return Record{}, invalidFrame("keyvalue key length %d overruns record", keyLen)
		}
		return Record{Type: typ, Key: value[2 : 2+keyLen], Value: value[2+keyLen:]}, nil
	case RecordTimestamped:
		if len(value) < 8 {
			return Record{}, invalidFrame("timestamped record too short: %d bytes", len(value))
		}
		return Record{Type: typ, TimestampNs: binary.LittleEndian.Uint64(value[0:8]), Value: value[8:]}, nil
	case RecordNull:
		if len(value) != 0 {
			return Record{}, invalidFrame("null record carries %d value bytes", len(value))
		}
		return Record{Type: typ}, nil
	default:
		if typ >= extensionBase {
			// Faixa de extensão: passa adiante preservando o tipo original.
			return Record{Type: typ, Value: value}, nil
		}
		return Record{}, invalidFrame("unknown reserved tlv type 0x%02x", byte(typ))
	}
}
