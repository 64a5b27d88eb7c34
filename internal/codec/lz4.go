package codec

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4Codec compresses with block-mode LZ4. Faster than zstd with lower
// ratios; a reasonable default when ingest CPU is the bottleneck.
type LZ4Codec struct{}

// NewLZ4Codec builds an LZ4 codec. Block mode has no meaningful levels.
func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{}
}

func (LZ4Codec) Name() string { return "lz4" }

// Compress returns ErrIncompressible when LZ4 cannot shrink the input; the
// chunk store then records the payload under the "none" codec instead.
func (LZ4Codec) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	bound := lz4.CompressBlockBound(len(data))
	dst := make([]byte, bound)

	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is incompressible.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}

	return dst[:written], nil
}

func (LZ4Codec) Decompress(data []byte, rawSize int) ([]byte, error) {
	if rawSize == 0 {
		if len(data) != 0 {
			return nil, fmt.Errorf("lz4 decompress: %d bytes for empty payload", len(data))
		}
		return []byte{}, nil
	}

	dst := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawSize)
	}
	return dst, nil
}
