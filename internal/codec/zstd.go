package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec compresses with zstd. The encoder and decoder are reused across
// calls; both are safe for concurrent use.
type ZstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCodec builds a zstd codec at the given level (1-4 per
// zstd.EncoderLevel; level 3 is the default tradeoff).
func NewZstdCodec(level int) (*ZstdCodec, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *ZstdCodec) Name() string { return "zstd" }

// Compress is exactly reversible for every input, including empty: zstd
// frames carry their own length, so incompressible payloads simply come out
// slightly larger and are never rejected.
func (c *ZstdCodec) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *ZstdCodec) Decompress(data []byte, rawSize int) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != rawSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
	}
	return out, nil
}
