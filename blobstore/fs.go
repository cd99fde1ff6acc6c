package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore implements Store over a local directory tree, the one
// backend with no third-party client to wire: a local filesystem has no
// ecosystem SDK, only the stdlib os/io surface.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore constructs a FilesystemStore rooted at root, creating
// it if necessary.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

func (f *FilesystemStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FilesystemStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list %s: %w", prefix, err)
	}
	return keys, nil
}

func (f *FilesystemStore) Get(_ context.Context, key string) ([]byte, *ObjectMeta, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	var meta *ObjectMeta
	if metaBytes, err := os.ReadFile(f.path(MetaKey(key))); err == nil {
		meta = &ObjectMeta{}
		if err := json.Unmarshal(metaBytes, meta); err != nil {
			return nil, nil, fmt.Errorf("blobstore: decode metadata for %s: %w", key, err)
		}
	}
	return data, meta, nil
}

func (f *FilesystemStore) Put(_ context.Context, key string, data []byte, meta *ObjectMeta) error {
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("blobstore: encode metadata for %s: %w", key, err)
		}
		if err := os.WriteFile(f.path(MetaKey(key)), b, 0o644); err != nil {
			return fmt.Errorf("blobstore: write metadata for %s: %w", key, err)
		}
	}
	return nil
}

func (f *FilesystemStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	_ = os.Remove(f.path(MetaKey(key)))
	return nil
}
