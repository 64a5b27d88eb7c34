package errors

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound      = errors.New("upload session not found")
	ErrSessionExpired       = errors.New("upload session has expired")
	ErrDuplicateChunkIndex  = errors.New("chunk index already received with different content")
	ErrChunkIndexOutOfRange = errors.New("chunk index outside the session's expected range")
	ErrEmptyChunk           = errors.New("cannot admit empty chunk")
	ErrChecksumMismatch     = errors.New("whole-object checksum does not match")
	ErrUploadIncomplete     = errors.New("upload session is missing chunks")
	ErrInsufficientShards   = errors.New("insufficient shards available for reconstruction")
	ErrObjectNotFound       = errors.New("object manifest not found or not committed")
	ErrChunkNotFound        = errors.New("no chunk stored under this digest")
	ErrManifestConflict     = errors.New("conflicting digest for an already recorded chunk index")
	ErrManifestCommitted    = errors.New("manifest is committed and immutable")
)

func ConfigNotSetError(config string) error {
	return fmt.Errorf("The %s configuration value must be set", config)
}

// MissingChunksError reports which chunk indices a finalize attempt found absent.
func MissingChunksError(indices []int) error {
	return fmt.Errorf("%w: missing indices %v", ErrUploadIncomplete, indices)
}
