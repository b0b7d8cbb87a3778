package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store is a filesystem keystore for report-signing seeds.
//
// Layout under Dir:
//
//	<name>/root.key         hex ed25519 seed, one per signer
//	<name>/roles/<role>.key role keys derived from the root seed
//
// Seed files are written 0600 and never replaced unless overwrite is set.
type Store struct {
	Dir string
}

// Entry describes one signer held by the store.
type Entry struct {
	Name  string
	Roles []string
}

// DefaultDir returns the per-user keystore location.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tofusoup", "keys"), nil
}

// Open returns a Store rooted at dir, falling back to DefaultDir when dir is
// empty. Directories are created lazily on first write.
func Open(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) rootPath(name string) string {
	return filepath.Join(s.Dir, name, "root.key")
}

func (s *Store) rolePath(name, role string) string {
	return filepath.Join(s.Dir, name, "roles", role+".key")
}

// CheckName rejects signer names that would not survive as a path segment or
// a report field value.
func CheckName(name string) error {
	if name == "" {
		return errors.New("signer name cannot be empty")
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in signer name", r)
	}
	return nil
}

// CheckRole applies the signer-name charset rules to a role name.
func CheckRole(role string) error {
	if role == "" {
		return errors.New("role cannot be empty")
	}
	for _, r := range role {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in role", r)
	}
	return nil
}

// ParseSeedHex decodes a hex-encoded ed25519 seed, tolerating an 0x prefix
// and surrounding whitespace.
func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

func (s *Store) writeSeed(path string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return f.Close()
}

func (s *Store) readSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// SaveRoot stores seed as the root key for name and returns the signer ID
// plus the seed file path.
func (s *Store) SaveRoot(name string, seed []byte, overwrite bool) (signerID string, path string, err error) {
	if err := CheckName(name); err != nil {
		return "", "", err
	}
	path = s.rootPath(name)
	if err := s.writeSeed(path, seed, overwrite); err != nil {
		return "", "", err
	}
	return SignerID(seed), path, nil
}

// DeriveRole derives a role key from name's root seed and stores it, returning
// the role's signer ID plus the seed file path.
func (s *Store) DeriveRole(name, role string, overwrite bool) (signerID string, path string, err error) {
	if err := CheckName(name); err != nil {
		return "", "", err
	}
	if err := CheckRole(role); err != nil {
		return "", "", err
	}
	rootSeed, err := s.readSeed(s.rootPath(name))
	if err != nil {
		return "", "", err
	}
	roleSeed, err := DeriveRoleSeed(rootSeed, role)
	if err != nil {
		return "", "", err
	}
	path = s.rolePath(name, role)
	if err := s.writeSeed(path, roleSeed, overwrite); err != nil {
		return "", "", err
	}
	return SignerID(roleSeed), path, nil
}

// Export returns the signer ID for a stored key without exposing the seed.
// Role may be empty to address the root key.
func (s *Store) Export(name, role string) (string, error) {
	if err := CheckName(name); err != nil {
		return "", err
	}
	var seed []byte
	var err error
	if role == "" {
		seed, err = s.readSeed(s.rootPath(name))
	} else {
		if err := CheckRole(role); err != nil {
			return "", err
		}
		seed, err = s.readSeed(s.rolePath(name, role))
	}
	if err != nil {
		return "", err
	}
	return SignerID(seed), nil
}

// ResolveSeed locates a signing seed from the first available source: a hex
// literal, an explicit seed file, or a stored signer name with optional role.
func (s *Store) ResolveSeed(seedHex, name, role, keyFile string) ([]byte, error) {
	if seedHex != "" {
		return ParseSeedHex(seedHex)
	}
	if keyFile != "" {
		return s.readSeed(keyFile)
	}
	if name != "" {
		if err := CheckName(name); err != nil {
			return nil, err
		}
		if role == "" {
			return s.readSeed(s.rootPath(name))
		}
		if err := CheckRole(role); err != nil {
			return nil, err
		}
		return s.readSeed(s.rolePath(name, role))
	}
	return nil, errors.New("no signer provided")
}

// List returns the stored signers sorted by name, each with its derived roles.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var result []Entry
	for _, name := range names {
		rolesDir := filepath.Join(s.Dir, name, "roles")
		roleEntries, rerr := os.ReadDir(rolesDir)
		var roles []string
		if rerr == nil {
			for _, roleEntry := range roleEntries {
				if roleEntry.IsDir() {
					continue
				}
				if strings.HasSuffix(roleEntry.Name(), ".key") {
					roles = append(roles, strings.TrimSuffix(roleEntry.Name(), ".key"))
				}
			}
			sort.Strings(roles)
		}
		result = append(result, Entry{Name: name, Roles: roles})
	}
	return result, nil
}
