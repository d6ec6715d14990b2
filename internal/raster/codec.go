package raster

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Compression names accepted in artifact headers.
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// Codec compresses and decompresses tile payloads. One codec is shared
// per store; EncodeAll and DecodeAll are safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a zstd codec.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Close releases codec resources.
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

// Compress returns the zstd frame for raw.
func (c *Codec) Compress(raw []byte) []byte {
	return c.enc.EncodeAll(raw, nil)
}

// Decompress expands a zstd frame.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return raw, nil
}

// MarshalCells encodes pixel values as little-endian float64 bytes.
func MarshalCells(cells []float64) []byte {
	buf := make([]byte, 8*len(cells))
	for i, v := range cells {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// UnmarshalCells decodes a little-endian float64 buffer.
func UnmarshalCells(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("cell buffer length %d is not a multiple of 8", len(buf))
	}
	cells := make([]float64, len(buf)/8)
	for i := range cells {
		cells[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return cells, nil
}
