// Package erasure wraps Reed-Solomon coding of compressed chunk payloads.
// A payload is split into k data shards plus m parity shards; any k of the
// k+m shards reconstruct the payload exactly (systematic code).
package erasure

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"

	apperrors "github.com/edgevault/edgevault/internal/errors"
)

// Coder encodes and decodes with a fixed system-wide geometry. Safe for
// concurrent use.
type Coder struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// NewCoder creates a coder with k data and m parity shards.
func NewCoder(dataShards, parityShards int) (*Coder, error) {
	if dataShards < 1 || parityShards < 1 {
		return nil, fmt.Errorf("invalid erasure geometry %d+%d: need at least 1 data and 1 parity shard", dataShards, parityShards)
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Coder{
		dataShards:   dataShards,
		parityShards: parityShards,
		enc:          enc,
	}, nil
}

func (c *Coder) DataShards() int   { return c.dataShards }
func (c *Coder) ParityShards() int { return c.parityShards }
func (c *Coder) TotalShards() int  { return c.dataShards + c.parityShards }

// Encode splits the payload into data shards and computes parity. All k+m
// returned shards have equal length (the last data shard is zero-padded;
// Decode trims back to payloadSize).
func (c *Coder) Encode(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("cannot erasure encode empty payload")
	}

	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, err
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}

	return shards, nil
}

// Decode reconstructs the payload from any k of the k+m shards. Missing
// shards are nil entries in the slice, which must have length k+m. Fails with
// ErrInsufficientShards when fewer than k shards are present.
func (c *Coder) Decode(shards [][]byte, payloadSize int64) ([]byte, error) {
	total := c.TotalShards()
	if len(shards) != total {
		return nil, fmt.Errorf("expected %d shard slots, got %d", total, len(shards))
	}

	available := 0
	for _, shard := range shards {
		if shard != nil {
			available++
		}
	}
	if available < c.dataShards {
		return nil, fmt.Errorf("%w: have %d of %d required", apperrors.ErrInsufficientShards, available, c.dataShards)
	}

	// Reconstruct mutates the slice; keep the caller's view intact.
	work := make([][]byte, total)
	copy(work, shards)

	if err := c.enc.Reconstruct(work); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := c.enc.Join(&buf, work, int(payloadSize)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
