// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lwp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func compressibleData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 7)
	}
	return data
}

func TestCompress_RoundTrip(t *testing.T) {
	raw := compressibleData(64 * 1024)

	for _, codec := range []string{CompressionLZ4, CompressionZstd} {
		t.Run(codec, func(t *testing.T) {
			compressed, ok, err := Compress(codec, raw)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if !ok {
				t.Fatal("expected compressible data to compress")
			}
			if len(compressed) >= len(raw) {
				t.Fatalf("compressed size %d not smaller than %d", len(compressed), len(raw))
			}

			got, err := Decompress(codec, compressed, 0)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(got, raw) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestCompress_SkipsWhenNotSmaller(t *testing.T) {
	raw := make([]byte, 4096)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	for _, codec := range []string{CompressionLZ4, CompressionZstd} {
		t.Run(codec, func(t *testing.T) {
			_, ok, err := Compress(codec, raw)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if ok {
				t.Error("random data reported as compressible")
			}
		})
	}
}

func TestCompress_None(t *testing.T) {
	_, ok, err := Compress(CompressionNone, []byte("abc"))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if ok {
		t.Error("codec none must never compress")
	}
}

func TestDecompress_Limits(t *testing.T) {
	raw := compressibleData(8192)

	for _, codec := range []string{CompressionLZ4, CompressionZstd} {
		t.Run(codec, func(t *testing.T) {
			compressed, ok, err := Compress(codec, raw)
			if err != nil || !ok {
				t.Fatalf("Compress: ok=%v err=%v", ok, err)
			}
			if _, err := Decompress(codec, compressed, 1024); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("expected cap violation, got %v", err)
			}
		})
	}
}

func TestDecompress_Garbage(t *testing.T) {
	tests := []struct {
		name  string
		codec string
		buf   []byte
	}{
		{"lz4 short", CompressionLZ4, []byte{1, 2}},
		{"lz4 corrupt", CompressionLZ4, []byte{16, 0, 0, 0, 0xDE, 0xAD, 0xBE, 0xEF}},
		{"zstd corrupt", CompressionZstd, []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{"unknown codec", "snappy", []byte{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decompress(tt.codec, tt.buf, 0); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}
