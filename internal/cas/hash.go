package cas

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// PrefixLen is the number of leading digest characters used as the storage
// directory shard. Two hex characters bound fan-out to 256 directories.
const PrefixLen = 2

// DigestLen is the length of a hex-encoded blake3-256 digest.
const DigestLen = 64

// Digest computes the content digest of a chunk: blake3-256, hex encoded.
// The digest is a deterministic pure function of the raw bytes; equal digests
// are treated as byte-identical content.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s looks like a digest this system produced.
func ValidDigest(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ShardKey builds the storage key of one erasure-coded shard:
// {prefix}/{digest}.{shardIndex}.shard
func ShardKey(digest string, shardIndex int) string {
	return fmt.Sprintf("%s/%s.%d.shard", digest[:PrefixLen], digest, shardIndex)
}
