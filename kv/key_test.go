package kv

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey_Accepts(t *testing.T) {
	keys := []string{
		"greeting",
		"user.profile",
		"snake_case_key",
		"kebab-case-key",
		"MiXeD123",
		"...",
		"a",
		strings.Repeat("k", 512),
	}
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			t.Fatalf("ValidateKey(%q): %v", k, err)
		}
	}
}

func TestValidateKey_Rejects(t *testing.T) {
	keys := []string{
		"",
		".",
		"..",
		"with space",
		"slash/inside",
		"back\\slash",
		"../escape",
		"null\x00byte",
		"tab\tkey",
		"новый",
		"emoji🥣",
		"semi;colon",
	}
	for _, k := range keys {
		err := ValidateKey(k)
		if !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("ValidateKey(%q) = %v, want ErrInvalidKey", k, err)
		}
	}
}
