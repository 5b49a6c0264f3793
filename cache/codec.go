package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes cache values as msgpack, zstd-compressing entries above
// the threshold. Create once and reuse to eliminate allocations; safe for
// concurrent use.
type Codec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

const (
	frameRaw  = 0x00
	frameZstd = 0x01
)

// NewCodec creates a reusable codec. Entries larger than threshold bytes
// (after msgpack encoding) are compressed; threshold <= 0 uses 4KiB.
// Caller must Close() when done to release zstd resources.
func NewCodec(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = 4 << 10
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec, threshold: threshold}, nil
}

// Marshal encodes v, compressing large payloads. The first byte tags the
// frame format.
func (c *Codec) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	if len(data) <= c.threshold {
		return append([]byte{frameRaw}, data...), nil
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
	compressed[0] = frameZstd
	return compressed, nil
}

// Unmarshal decodes a frame produced by Marshal into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty cache frame")
	}
	payload := data[1:]
	if data[0] == frameZstd {
		decompressed, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("decompress cache frame: %w", err)
		}
		payload = decompressed
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode cache value: %w", err)
	}
	return nil
}

// Close releases zstd resources.
func (c *Codec) Close() error {
	if c.decoder != nil {
		c.decoder.Close()
	}
	if c.encoder != nil {
		return c.encoder.Close()
	}
	return nil
}
