// Package artifact persists run evidence in a content-addressed store.
//
// Server transcripts and rendered run reports are stored immutably and keyed
// by CIDv1 (raw codec, sha2-256), so reruns deduplicate and a report can cite
// the exact bytes it was derived from. The store is offline and
// deterministic: it never touches the network and never consults the clock.
package artifact

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Storage errors. Callers match with errors.Is.
var (
	ErrNotFound    = errors.New("artifact: not found")
	ErrInvalidCID  = errors.New("artifact: invalid cid")
	ErrCIDMismatch = errors.New("artifact: cid mismatch")
	ErrImmutable   = errors.New("artifact: immutable object mismatch")
)

// CID returns the CIDv1 string (raw codec, sha2-256 multihash) for data.
func CID(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1
		// length, this should be unreachable.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// CIDOf is the typed form of CID.
func CIDOf(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}
