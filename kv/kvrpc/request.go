package kvrpc

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Put request field names. The value travels base64-encoded so arbitrary
// bytes survive the Struct's string fields.
const (
	putFieldKey   = "key"
	putFieldValue = "value_b64"
)

// EncodePutRequest packs a key and raw value into the Put request struct.
func EncodePutRequest(key string, value []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		putFieldKey:   structpb.NewStringValue(key),
		putFieldValue: structpb.NewStringValue(base64.StdEncoding.EncodeToString(value)),
	}}
}

// DecodePutRequest unpacks EncodePutRequest, rejecting missing or mistyped
// fields so a malformed caller fails loudly instead of writing garbage.
func DecodePutRequest(in *structpb.Struct) (key string, value []byte, err error) {
	fields := in.GetFields()
	kf, ok := fields[putFieldKey]
	if !ok {
		return "", nil, fmt.Errorf("put request missing %q field", putFieldKey)
	}
	ks, ok := kf.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", nil, fmt.Errorf("put request field %q is not a string", putFieldKey)
	}
	vf, ok := fields[putFieldValue]
	if !ok {
		return "", nil, fmt.Errorf("put request missing %q field", putFieldValue)
	}
	vs, ok := vf.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", nil, fmt.Errorf("put request field %q is not a string", putFieldValue)
	}
	raw, err := base64.StdEncoding.DecodeString(vs.StringValue)
	if err != nil {
		return "", nil, fmt.Errorf("put request field %q is not valid base64: %w", putFieldValue, err)
	}
	return ks.StringValue, raw, nil
}
