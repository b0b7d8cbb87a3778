package kvrpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/provide-io/tofusoup-go/kv"
)

func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return kv.ErrNotFound
	case codes.InvalidArgument:
		// Server uses InvalidArgument for malformed keys and requests.
		return kv.ErrInvalidKey
	default:
		// Best-effort: if the server sent a known sentinel message, preserve it.
		switch st.Message() {
		case kv.ErrNotFound.Error():
			return kv.ErrNotFound
		case kv.ErrInvalidKey.Error():
			return kv.ErrInvalidKey
		default:
			return err
		}
	}
}
