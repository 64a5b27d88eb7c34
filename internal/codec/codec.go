// Package codec provides the chunk compression codecs. Compression runs on
// the raw chunk bytes before erasure encoding; the codec used is recorded in
// chunk metadata so stores with mixed codecs reconstruct correctly.
package codec

import (
	"errors"
	"fmt"
)

// ErrIncompressible is returned by a codec when the compressed output would
// not be smaller than the input. Callers fall back to the "none" codec.
var ErrIncompressible = errors.New("data is incompressible")

// Codec compresses and decompresses chunk payloads. Decompress verifies the
// output length against the recorded raw size; a mismatch is an error, never
// silently truncated data. Implementations must be safe for concurrent use.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, rawSize int) ([]byte, error)
}

// NoneCodec stores payloads uncompressed. Used as the fallback for
// incompressible content (already-compressed media, encrypted data).
type NoneCodec struct{}

func (NoneCodec) Name() string { return "none" }

func (NoneCodec) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (NoneCodec) Decompress(data []byte, rawSize int) ([]byte, error) {
	if len(data) != rawSize {
		return nil, fmt.Errorf("none codec: size %d does not match expected %d", len(data), rawSize)
	}
	return data, nil
}

// Registry resolves codecs by name. The default codec is the one used for new
// chunks; the others remain available for decompressing chunks written under
// a different configuration.
type Registry struct {
	defaultName string
	codecs      map[string]Codec
}

// NewRegistry builds a registry with all known codecs. The named codec, built
// with the given level, becomes the default for new chunks.
func NewRegistry(name string, level int) (*Registry, error) {
	zstdCodec, err := NewZstdCodec(level)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		defaultName: name,
		codecs: map[string]Codec{
			"none": NoneCodec{},
			"zstd": zstdCodec,
			"lz4":  NewLZ4Codec(),
		},
	}
	if _, ok := r.codecs[name]; !ok {
		return nil, fmt.Errorf("unknown compression codec: %q", name)
	}
	return r, nil
}

// Default returns the codec used for newly ingested chunks.
func (r *Registry) Default() Codec {
	return r.codecs[r.defaultName]
}

// Get returns the codec recorded in chunk metadata.
func (r *Registry) Get(name string) (Codec, error) {
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown compression codec: %q", name)
	}
	return c, nil
}
