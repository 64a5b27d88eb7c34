package shardstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// FsShardRepository stores shards on a local mount point. Writes go to a
// temp file in the target directory, are fsynced, then renamed into place so
// a crash never leaves a partial shard under the final key.
type FsShardRepository struct {
	name string
	root string
}

// NewFsShardRepository initializes a repository rooted at the given mount
// directory, creating it if necessary.
func NewFsShardRepository(name, root string) (*FsShardRepository, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shard root %s: %w", root, err)
	}
	return &FsShardRepository{name: name, root: root}, nil
}

// GetName returns the registered backend name.
func (r *FsShardRepository) GetName() string {
	return r.name
}

// GetStorageType returns the shard store type.
func (r *FsShardRepository) GetStorageType() string {
	return "fs"
}

// Write durably stores a shard blob under key.
func (r *FsShardRepository) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(r.root, filepath.FromSlash(key))
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".shard-*")
	if err != nil {
		return fmt.Errorf("failed to create temp shard file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write shard %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync shard %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish shard %s: %w", key, err)
	}

	// Sync the directory so the rename itself survives a crash.
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			log.Warnf("failed to sync shard directory %s: %v", dir, err)
		}
		d.Close()
	}

	return nil
}

// Read returns the shard blob stored under key.
func (r *FsShardRepository) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(r.root, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s on %s", ErrShardNotFound, key, r.name)
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the shard blob under key. Deleting a missing shard is not
// an error.
func (r *FsShardRepository) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(r.root, filepath.FromSlash(key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
