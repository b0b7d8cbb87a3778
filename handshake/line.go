// Package handshake implements the single-line startup negotiation between
// a launching client and a harness server process.
//
// A server emits exactly one line on standard output once its listener is
// bound:
//
//	core_version|protocol_version|network|address|protocol|cert_b64\n
//
// Everything else a server writes to standard output is treated as log
// noise and skipped by the client. The line is ASCII and emitted once;
// cert_b64 carries the base64 DER of the server certificate when automatic
// mTLS is active, and is empty otherwise.
package handshake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// CoreProtocolVersion is the handshake framing version this library
	// speaks. A server advertising a different core version cannot be
	// negotiated with.
	CoreProtocolVersion = 1

	// ProtocolVersion is the KV probe application protocol version.
	ProtocolVersion = 1

	// ProtocolGRPC identifies the gRPC binding of the KV probe service.
	ProtocolGRPC = "grpc"

	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

// ErrNotHandshake marks a line that does not match the six-field pattern.
// Clients skip such lines as ordinary process output.
var ErrNotHandshake = errors.New("not a handshake line")

// Line is one parsed handshake announcement.
type Line struct {
	CoreVersion     int
	ProtocolVersion int
	Network         string // NetworkTCP or NetworkUnix
	Address         string
	Protocol        string // RPC protocol identifier, e.g. ProtocolGRPC
	CertB64         string // base64 DER server certificate, "" unless auto mTLS
}

// Render produces the wire form of the line without the trailing newline.
func (l Line) Render() string {
	return fmt.Sprintf("%d|%d|%s|%s|%s|%s",
		l.CoreVersion, l.ProtocolVersion, l.Network, l.Address, l.Protocol, l.CertB64)
}

func (l Line) String() string { return l.Render() }

// CertDER decodes the advertised certificate. Both padded and unpadded
// base64 are accepted. Returns nil when no certificate is advertised.
func (l Line) CertDER() ([]byte, error) {
	if l.CertB64 == "" {
		return nil, nil
	}
	return decodeBase64(l.CertB64)
}

// Parse interprets one line (without its newline) as a handshake
// announcement. Any violation of the six-field pattern yields an error
// wrapping ErrNotHandshake so callers can treat the line as log output.
func Parse(s string) (Line, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 6 {
		return Line{}, fmt.Errorf("%d fields: %w", len(parts), ErrNotHandshake)
	}

	core, err := strconv.Atoi(parts[0])
	if err != nil || core <= 0 {
		return Line{}, fmt.Errorf("core version %q: %w", parts[0], ErrNotHandshake)
	}
	proto, err := strconv.Atoi(parts[1])
	if err != nil || proto <= 0 {
		return Line{}, fmt.Errorf("protocol version %q: %w", parts[1], ErrNotHandshake)
	}

	network := parts[2]
	address := parts[3]
	switch network {
	case NetworkTCP:
		if _, _, err := net.SplitHostPort(address); err != nil {
			return Line{}, fmt.Errorf("tcp address %q: %w", address, ErrNotHandshake)
		}
	case NetworkUnix:
		if address == "" {
			return Line{}, fmt.Errorf("empty socket path: %w", ErrNotHandshake)
		}
	default:
		return Line{}, fmt.Errorf("network %q: %w", network, ErrNotHandshake)
	}

	protocol := parts[4]
	if protocol == "" {
		return Line{}, fmt.Errorf("empty protocol: %w", ErrNotHandshake)
	}

	certB64 := parts[5]
	if certB64 != "" {
		if _, err := decodeBase64(certB64); err != nil {
			return Line{}, fmt.Errorf("cert_b64: %w", ErrNotHandshake)
		}
	}

	return Line{
		CoreVersion:     core,
		ProtocolVersion: proto,
		Network:         network,
		Address:         address,
		Protocol:        protocol,
		CertB64:         certB64,
	}, nil
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
