// Package kv defines the probe service's key/value contract, the key
// charset rule, and the enrichment applied to structured payloads.
package kv

import "context"

// Store is the minimal keyed byte store behind the probe service.
//
// Contract:
// - Keys MUST satisfy ValidateKey before any other use.
// - Put is last-write-wins per key; there is no versioning.
// - A Get issued after a completed Put on the same key MUST observe the new
//   value (read-your-writes per key). No cross-key atomicity is guaranteed.
// - Get MUST return ErrNotFound when the key is absent.
// - Delete of an absent key is an ack, not an error.
// - List returns keys in lexicographic order.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}
