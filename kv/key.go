package kv

import "fmt"

// ValidateKey enforces the probe key charset: one or more of
// [A-Za-z0-9._-]. The restriction is a traversal defense; a valid key can
// never name a path outside a store's root, so filesystem-backed stores
// map keys to file names directly.
//
// "." and ".." satisfy the charset but still name directories, so they are
// rejected explicitly.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if key == "." || key == ".." {
		return fmt.Errorf("%w: %q names a directory", ErrInvalidKey, key)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: byte %q at offset %d", ErrInvalidKey, c, i)
		}
	}
	return nil
}
