package kvrpc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/provide-io/tofusoup-go/kv"
)

// Server exposes a kv.Store over the KV gRPC service.
//
// Writes pass through metadata enrichment: structured JSON object payloads
// gain a server-stamped metadata field before they reach the store, opaque
// payloads are stored byte for byte. See kv.Enrich.
type Server struct {
	UnimplementedKVServer
	Store kv.Store

	// Session seeds the write metadata with connection-level facts the
	// server knows at startup. PeerEndpoint and Timestamp are filled per
	// request.
	Session kv.Meta

	// DisableEnrichment stores every payload byte for byte, as required
	// by strict byte-exact conformance scenarios.
	DisableEnrichment bool

	Log zerolog.Logger

	// Now overrides the metadata timestamp source when non-nil.
	Now func() time.Time
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	b, err := s.Store.Get(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Put(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	key, value, err := DecodePutRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := kv.ValidateKey(key); err != nil {
		return nil, mapErr(err)
	}

	stored := value
	if !s.DisableEnrichment {
		meta := s.Session
		meta.PeerEndpoint = peerEndpoint(ctx)
		meta.Timestamp = s.timestamp()
		enriched, collided, err := kv.Enrich(kv.Classify(value), meta)
		if err != nil {
			return nil, status.Error(codes.Internal, "metadata enrichment failed")
		}
		if collided {
			s.Log.Warn().Str("key", key).Msg("payload carried the reserved metadata field; replaced with server metadata")
		}
		stored = enriched
	}

	if err := s.Store.Put(ctx, key, stored); err != nil {
		return nil, mapErr(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Delete(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	if err := s.Store.Delete(ctx, in.GetValue()); err != nil {
		return nil, mapErr(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	if s == nil || s.Store == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing store")
	}
	keys, err := s.Store.List(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	vals := make([]*structpb.Value, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, structpb.NewStringValue(k))
	}
	return &structpb.ListValue{Values: vals}, nil
}

func (s *Server) timestamp() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func peerEndpoint(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return status.Error(codes.NotFound, kv.ErrNotFound.Error())
	case errors.Is(err, kv.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
