package memstore

import (
	"context"
	"testing"

	"github.com/provide-io/tofusoup-go/kv"
	"github.com/provide-io/tofusoup-go/kv/kvtest"
)

func TestConformance(t *testing.T) {
	kvtest.RunStoreConformance(t, func(t *testing.T) kv.Store {
		return New()
	})
}

func TestStoredBytesAreNotAliased(t *testing.T) {
	s := New()
	ctx := context.Background()

	src := []byte("original")
	if err := s.Put(ctx, "k", src); err != nil {
		t.Fatalf("Put: %v", err)
	}
	src[0] = 'X'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("caller mutation leaked into store: %q", got)
	}

	got[0] = 'Y'
	again, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(again) != "original" {
		t.Fatalf("reader mutation leaked into store: %q", again)
	}
}
