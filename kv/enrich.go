package kv

import (
	"bytes"
	"encoding/json"
	"io"
	"time"
)

// MetadataField is the reserved name under which enrichment attaches
// connection metadata to a structured payload.
const MetadataField = "soup_metadata"

// Payload is the result of classifying a value before persistence: either
// a structured JSON object or opaque bytes. Classification is explicit so
// enrichment can be a pure function over the tag instead of re-probing the
// bytes at each decision point.
type Payload struct {
	Structured bool
	Object     map[string]any // set only when Structured
	Raw        []byte
}

// Classify inspects value. A payload is structured only when it is exactly
// one JSON object with nothing but whitespace after it; numbers are kept
// as json.Number so re-encoding does not reshape them.
func Classify(value []byte) Payload {
	opaque := Payload{Raw: value}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return opaque
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return opaque
	}
	if _, err := dec.Token(); err != io.EOF {
		return opaque
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return opaque
	}
	return Payload{Structured: true, Object: obj, Raw: value}
}

// Meta is the connection context enrichment attaches to structured
// payloads.
type Meta struct {
	PeerEndpoint    string    `json:"peer_endpoint"`
	ProtocolVersion int       `json:"protocol_version"`
	TLSMode         string    `json:"tls_mode"`
	CryptoConfigID  string    `json:"crypto_config,omitempty"`
	CertFingerprint string    `json:"cert_fingerprint,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Enrich returns the bytes to persist for p. Opaque payloads pass through
// byte-identical. Structured payloads gain a MetadataField object; a
// pre-existing field of that name is replaced, and the second return
// reports the replacement so callers can surface it.
func Enrich(p Payload, meta Meta) ([]byte, bool, error) {
	if !p.Structured {
		return p.Raw, false, nil
	}
	_, collided := p.Object[MetadataField]

	enriched := make(map[string]any, len(p.Object)+1)
	for k, v := range p.Object {
		enriched[k] = v
	}
	enriched[MetadataField] = meta

	out, err := json.Marshal(enriched)
	if err != nil {
		return nil, false, err
	}
	return out, collided, nil
}
