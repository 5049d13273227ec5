// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lwp

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codecs de compressão negociáveis no handshake.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// DefaultCompression é a lista oferecida no HELLO, em ordem de preferência.
var DefaultCompression = []string{CompressionLZ4, CompressionZstd, CompressionNone}

// Blocos LZ4 não carregam o tamanho original, então o payload comprimido
// é prefixado com o tamanho descomprimido em u32 little-endian.
const lz4SizePrefix = 4

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
}

// Compress comprime raw com o codec indicado. Retorna ok=false quando a
// compressão não reduz o tamanho (ou o codec é "none"); nesse caso o
// caller envia raw sem a flag COMPRESSED.
func Compress(codec string, raw []byte) (compressed []byte, ok bool, err error) {
	switch codec {
	case CompressionNone, "":
		return nil, false, nil
	case CompressionLZ4:
		var c lz4.Compressor
		dst := make([]byte, lz4SizePrefix+lz4.CompressBlockBound(len(raw)))
		binary.LittleEndian.PutUint32(dst[:lz4SizePrefix], uint32(len(raw)))
		n, err := c.CompressBlock(raw, dst[lz4SizePrefix:])
		if err != nil {
			return nil, false, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || lz4SizePrefix+n >= len(raw) {
			return nil, false, nil // incompressível
		}
		return dst[:lz4SizePrefix+n], true, nil
	case CompressionZstd:
		zstdInit()
		dst := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)))
		if len(dst) >= len(raw) {
			return nil, false, nil
		}
		return dst, true, nil
	default:
		return nil, false, fmt.Errorf("unknown compression codec %q", codec)
	}
}

// Decompress expande um payload marcado com COMPRESSED. maxSize limita o
// tamanho descomprimido (0 usa DefaultMaxPayload); exceder é erro de
// protocolo, não de memória.
func Decompress(codec string, payload []byte, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxPayload
	}
	switch codec {
	case CompressionLZ4:
		if len(payload) < lz4SizePrefix {
			return nil, invalidFrame("lz4 payload too short: %d bytes", len(payload))
		}
		size := binary.LittleEndian.Uint32(payload[:lz4SizePrefix])
		if size > maxSize {
			return nil, invalidFrame("decompressed size %d exceeds cap %d", size, maxSize)
		}
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(payload[lz4SizePrefix:], dst)
		if err != nil {
			return nil, invalidFrame("lz4 decompress: %v", err)
		}
		return dst[:n], nil
	case CompressionZstd:
		zstdInit()
		dst, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, invalidFrame("zstd decompress: %v", err)
		}
		if uint64(len(dst)) > uint64(maxSize) {
			return nil, invalidFrame("decompressed size %d exceeds cap %d", len(dst), maxSize)
		}
		return dst, nil
	default:
		return nil, invalidFrame("frame compressed with unknown codec %q", codec)
	}
}
