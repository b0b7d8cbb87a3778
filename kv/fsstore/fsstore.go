// Package fsstore implements the file-backed KV store.
//
// Each key maps to one file directly under the root directory, which is
// safe because the key charset excludes path separators and the dot
// directories. Writes land in a scratch subdirectory and are renamed into
// place, so readers observe either the old value or the new one, never a
// partial write.
package fsstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/provide-io/tofusoup-go/kv"
)

const scratchDir = ".scratch"

// Store is a filesystem KV store rooted at one directory.
type Store struct {
	root string
}

// New constructs a Store rooted at root, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("fsstore: root directory is required")
	}
	if err := os.MkdirAll(filepath.Join(root, scratchDir), 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Root returns the backing directory.
func (s *Store) Root() string { return s.root }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := kv.ValidateKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kv.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, scratchDir), "put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.pathFor(key)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if kv.ValidateKey(name) != nil {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.root, key)
}
