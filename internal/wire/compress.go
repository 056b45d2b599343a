// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressor applies optional zstd framing to entry payloads at the
// outbound staging step, mirroring the teacher's CompressionZstd frame
// constant: a config flag picks the codec, the codec is otherwise
// transparent to the framer above it.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCompressor builds a Compressor using a fast compression level, suited
// to per-entry payloads rather than bulk archives.
func NewCompressor() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("wire: building zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("wire: building zstd decoder: %w", err)
	}
	return &Compressor{enc: enc, dec: dec}, nil
}

// Compress appends the zstd-compressed form of src to dst and returns the
// extended slice.
func (c *Compressor) Compress(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst)
}

// Decompress appends the decompressed form of src to dst.
func (c *Compressor) Decompress(dst, src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("wire: zstd decode: %w", err)
	}
	return out, nil
}

// Close releases the encoder/decoder goroutines and buffers.
func (c *Compressor) Close() {
	c.enc.Close()
	c.dec.Close()
}
