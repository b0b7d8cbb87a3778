package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/ipfs/go-cid"
)

// Store is a filesystem-backed artifact store.
//
// Objects are stored immutably and keyed strictly by CID. Each object is
// written once with mode 0444 under a two-character shard directory and
// fsynced before Put returns.
type Store struct {
	root string
}

// Open returns a Store rooted at root. The directory is created if needed.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("artifact: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Root returns the store's directory.
func (s *Store) Root() string { return s.root }

// Put stores data and returns its CID. Storing the same bytes twice is
// idempotent; a path collision with different bytes is ErrImmutable.
func (s *Store) Put(data []byte) (cid.Cid, error) {
	id, err := CIDOf(data)
	if err != nil {
		return cid.Undef, err
	}
	if !id.Defined() {
		return cid.Undef, ErrInvalidCID
	}

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cid.Undef, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := s.Get(id)
			if rerr != nil {
				// The file exists but is unreadable or corrupted: treat as an
				// immutability violation rather than repairing in place.
				return cid.Undef, ErrImmutable
			}
			if string(existing) != string(data) {
				return cid.Undef, ErrImmutable
			}
			return id, nil
		}
		return cid.Undef, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return cid.Undef, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return cid.Undef, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return cid.Undef, err
	}

	return id, nil
}

// Get returns the stored bytes for id, revalidating them against the CID.
func (s *Store) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	path := s.pathFor(id)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	got, err := CIDOf(b)
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, ErrCIDMismatch
	}
	return b, nil
}

// Has reports whether id is present without reading the object.
func (s *Store) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// List returns every stored CID sorted by string form. Files whose names do
// not decode as CIDs are skipped.
func (s *Store) List() ([]cid.Cid, error) {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []cid.Cid
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			id, err := cid.Decode(f.Name())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *Store) pathFor(id cid.Cid) string {
	str := id.String()
	if len(str) < 2 {
		return filepath.Join(s.root, str)
	}
	return filepath.Join(s.root, str[:2], str)
}
