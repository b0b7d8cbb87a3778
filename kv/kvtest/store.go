// Package kvtest holds the conformance suite every KV store
// implementation must pass.
package kvtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/provide-io/tofusoup-go/kv"
)

// NewStore constructs a fresh, empty store for a test.
// The returned store MUST be isolated from other tests.
type NewStore func(t *testing.T) kv.Store

func RunStoreConformance(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		want := []byte("hello, probe")

		if err := s.Put(ctx, "greeting", want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, "greeting")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch: got %q want %q", got, want)
		}
	})

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "absent")
		if !kv.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}
	})

	t.Run("OverwriteLastWriteWins", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, "k", []byte("first")); err != nil {
			t.Fatalf("Put(1) failed: %v", err)
		}
		if err := s.Put(ctx, "k", []byte("second")); err != nil {
			t.Fatalf("Put(2) failed: %v", err)
		}
		got, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "second" {
			t.Fatalf("overwrite lost: got %q", got)
		}
	})

	t.Run("DeleteThenNotFound", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put(ctx, "doomed", []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Delete(ctx, "doomed"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "doomed"); !kv.IsNotFound(err) {
			t.Fatalf("Get after delete: got err=%v want ErrNotFound", err)
		}
	})

	t.Run("DeleteAbsentIsAck", func(t *testing.T) {
		s := newStore(t)
		if err := s.Delete(ctx, "never-existed"); err != nil {
			t.Fatalf("Delete of absent key should ack, got %v", err)
		}
	})

	t.Run("ListSortedAndComplete", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"zeta", "alpha", "mid.point"} {
			if err := s.Put(ctx, k, []byte(k)); err != nil {
				t.Fatalf("Put(%q) failed: %v", k, err)
			}
		}
		keys, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"alpha", "mid.point", "zeta"}
		if len(keys) != len(want) {
			t.Fatalf("List returned %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("List order: got %v, want %v", keys, want)
			}
		}
	})

	t.Run("InvalidKeyRejectedEverywhere", func(t *testing.T) {
		s := newStore(t)
		bad := "../escape"
		if err := s.Put(ctx, bad, []byte("x")); !errors.Is(err, kv.ErrInvalidKey) {
			t.Fatalf("Put invalid key: got %v want ErrInvalidKey", err)
		}
		if _, err := s.Get(ctx, bad); !errors.Is(err, kv.ErrInvalidKey) {
			t.Fatalf("Get invalid key: got %v want ErrInvalidKey", err)
		}
		if err := s.Delete(ctx, bad); !errors.Is(err, kv.ErrInvalidKey) {
			t.Fatalf("Delete invalid key: got %v want ErrInvalidKey", err)
		}

		// The rejected Put must not have created anything.
		keys, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("invalid Put left entries behind: %v", keys)
		}
	})

	t.Run("BinaryAndEmptyValues", func(t *testing.T) {
		s := newStore(t)
		cases := map[string][]byte{
			"empty":  {},
			"binary": {0x00, 0xff, 0x88, 0x01},
			"nul":    []byte("with\x00inside"),
		}
		for k, v := range cases {
			if err := s.Put(ctx, k, v); err != nil {
				t.Fatalf("Put(%q) failed: %v", k, err)
			}
			got, err := s.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get(%q) failed: %v", k, err)
			}
			if !bytes.Equal(got, v) {
				t.Fatalf("value %q mismatch: got %q want %q", k, got, v)
			}
		}
	})

	t.Run("ReadYourWritesPerKeyUnderConcurrency", func(t *testing.T) {
		s := newStore(t)
		const workers = 8
		var wg sync.WaitGroup
		errCh := make(chan error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("worker-%d", i)
				for round := 0; round < 20; round++ {
					want := []byte(fmt.Sprintf("%d:%d", i, round))
					if err := s.Put(ctx, key, want); err != nil {
						errCh <- fmt.Errorf("put %s: %w", key, err)
						return
					}
					got, err := s.Get(ctx, key)
					if err != nil {
						errCh <- fmt.Errorf("get %s: %w", key, err)
						return
					}
					if !bytes.Equal(got, want) {
						errCh <- fmt.Errorf("key %s read %q after writing %q", key, got, want)
						return
					}
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatal(err)
		}
	})
}
