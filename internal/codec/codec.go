// Package codec implements the ASoc wire format: discovery datagrams,
// the fixed frame header, and the HELLO/ACCEPT handshake payloads.
// Every exported function here is stateless and safe for concurrent use.
package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

// Errors returned by the decode functions in this package.
var (
	ErrShortBuffer    = errors.New("codec: buffer too short")
	ErrBadVersion     = errors.New("codec: unsupported version")
	ErrUnknownType    = errors.New("codec: unknown frame type")
	ErrBadLength      = errors.New("codec: payload length mismatch")
	ErrBadSignature   = errors.New("codec: signature verification failed")
	ErrStaleTimestamp = errors.New("codec: timestamp outside acceptance window")
)

// Frame types carried in the low nibble of the frame header's
// first byte (the version occupies the high nibble).
const (
	FrameTypeData    byte = 1
	FrameTypeEnd     byte = 2
	FrameTypeControl byte = 3
	FrameTypeHello   byte = 4
	FrameTypeAccept  byte = 5
)

// ProtocolVersion is the only wire version this codec speaks.
const ProtocolVersion byte = 1

// Fixed wire sizes, named so callers never hardcode magic numbers.
const (
	DiscoverySize = 50
	HelloSize     = 36
	AcceptSize    = 16
	FrameHeaderSize = 14

	discoveryCommunityOffset  = 0
	discoveryCommunitySize    = 8
	discoveryUUIDOffset       = 8
	discoveryUUIDSize         = 16
	discoveryPortOffset       = 24
	discoveryTimestampOffset  = 26
	discoveryChallengeOffset  = 30
	discoverySignatureOffset  = 34
	discoverySignatureSize    = 16
	discoverySignedPrefixSize = 34

	helloUUIDSize      = 16
	helloChallengeSize = 4
	helloSignatureSize = 16
	helloSignedPrefix  = helloUUIDSize + helloChallengeSize

	acceptTokenSize     = 8
	acceptSignatureSize = 8

	// DiscoveryTimestampWindow is the ± tolerance applied when verifying a
	// discovery datagram's embedded timestamp against local time (spec.md §4.2).
	DiscoveryTimestampWindow = 60 * time.Second
)

// CommunityHash projects a community string onto its 8-byte wire identifier:
// the first 8 bytes of SHA-256(community).
func CommunityHash(community string) [8]byte {
	sum := sha256.Sum256([]byte(community))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func truncatedHMAC(key, msg []byte, n int) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	sum := mac.Sum(nil)
	return sum[:n]
}

// Discovery is the decoded, verified form of a 50-byte discovery datagram.
type Discovery struct {
	CommunityHash [8]byte
	NodeID        [16]byte
	Port          uint16
	Timestamp     uint32
	Challenge     uint32
}

// EncodeDiscovery serializes and signs a discovery datagram. challenge should
// be freshly drawn per spec.md §4.2's emit loop.
func EncodeDiscovery(community string, nodeID [16]byte, port uint16, timestamp uint32, challenge uint32, apiKey []byte) []byte {
	buf := make([]byte, DiscoverySize)
	ch := CommunityHash(community)
	copy(buf[discoveryCommunityOffset:], ch[:])
	copy(buf[discoveryUUIDOffset:], nodeID[:])
	binary.BigEndian.PutUint16(buf[discoveryPortOffset:], port)
	binary.BigEndian.PutUint32(buf[discoveryTimestampOffset:], timestamp)
	binary.BigEndian.PutUint32(buf[discoveryChallengeOffset:], challenge)

	sig := truncatedHMAC(apiKey, buf[:discoverySignedPrefixSize], discoverySignatureSize)
	copy(buf[discoverySignatureOffset:], sig)
	return buf
}

// DecodeAndVerifyDiscovery validates length, HMAC, and timestamp freshness.
// Community-hash equality and replay protection are caller concerns (the
// discovery component applies them after this call succeeds) since they
// require state this stateless codec does not hold.
func DecodeAndVerifyDiscovery(buf []byte, apiKey []byte, now time.Time) (*Discovery, error) {
	if len(buf) != DiscoverySize {
		return nil, ErrShortBuffer
	}

	expected := truncatedHMAC(apiKey, buf[:discoverySignedPrefixSize], discoverySignatureSize)
	if !hmac.Equal(expected, buf[discoverySignatureOffset:discoverySignatureOffset+discoverySignatureSize]) {
		return nil, ErrBadSignature
	}

	ts := binary.BigEndian.Uint32(buf[discoveryTimestampOffset:])
	sent := time.Unix(int64(ts), 0)
	delta := now.Sub(sent)
	if delta < 0 {
		delta = -delta
	}
	if delta > DiscoveryTimestampWindow {
		return nil, ErrStaleTimestamp
	}

	d := &Discovery{
		Port:      binary.BigEndian.Uint16(buf[discoveryPortOffset:]),
		Timestamp: ts,
		Challenge: binary.BigEndian.Uint32(buf[discoveryChallengeOffset:]),
	}
	copy(d.CommunityHash[:], buf[discoveryCommunityOffset:discoveryCommunityOffset+discoveryCommunitySize])
	copy(d.NodeID[:], buf[discoveryUUIDOffset:discoveryUUIDOffset+discoveryUUIDSize])
	return d, nil
}

// FrameHeader is the fixed 14-byte header preceding every frame payload.
type FrameHeader struct {
	Version  byte
	Type     byte
	StreamID uint32
	Sequence uint32
	Length   uint32
}

// EncodeFrameHeader serializes a FrameHeader. h.Version is not read; the
// header always carries ProtocolVersion.
func EncodeFrameHeader(h FrameHeader) []byte {
	buf := make([]byte, FrameHeaderSize)
	buf[0] = (ProtocolVersion << 4) | (h.Type & 0x0F)
	binary.BigEndian.PutUint32(buf[1:], h.StreamID)
	binary.BigEndian.PutUint32(buf[5:], h.Sequence)
	binary.BigEndian.PutUint32(buf[9:], h.Length)
	return buf
}

// DecodeFrameHeader parses and validates a 14-byte frame header. Unknown
// frame types are reported as ErrUnknownType; callers decide (per
// spec.md §4.1) whether that is fatal based on session state.
func DecodeFrameHeader(buf []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(buf) != FrameHeaderSize {
		return h, ErrShortBuffer
	}
	version := buf[0] >> 4
	typ := buf[0] & 0x0F
	if version != ProtocolVersion {
		return h, ErrBadVersion
	}
	switch typ {
	case FrameTypeData, FrameTypeEnd, FrameTypeControl, FrameTypeHello, FrameTypeAccept:
	default:
		return h, ErrUnknownType
	}
	h.Version = version
	h.Type = typ
	h.StreamID = binary.BigEndian.Uint32(buf[1:])
	h.Sequence = binary.BigEndian.Uint32(buf[5:])
	h.Length = binary.BigEndian.Uint32(buf[9:])
	return h, nil
}

// Hello is the decoded HELLO handshake payload (initiator → acceptor).
type Hello struct {
	NodeID    [16]byte
	Challenge uint32
}

// EncodeHello serializes and signs a HELLO payload: UUID || challenge ||
// HMAC-SHA256(key, UUID||challenge)[0..16].
func EncodeHello(nodeID [16]byte, challenge uint32, apiKey []byte) []byte {
	buf := make([]byte, HelloSize)
	copy(buf[0:], nodeID[:])
	binary.BigEndian.PutUint32(buf[helloUUIDSize:], challenge)
	sig := truncatedHMAC(apiKey, buf[:helloSignedPrefix], helloSignatureSize)
	copy(buf[helloSignedPrefix:], sig)
	return buf
}

// DecodeAndVerifyHello validates length and signature.
func DecodeAndVerifyHello(buf []byte, apiKey []byte) (*Hello, error) {
	if len(buf) != HelloSize {
		return nil, ErrShortBuffer
	}
	expected := truncatedHMAC(apiKey, buf[:helloSignedPrefix], helloSignatureSize)
	if !hmac.Equal(expected, buf[helloSignedPrefix:helloSignedPrefix+helloSignatureSize]) {
		return nil, ErrBadSignature
	}
	h := &Hello{Challenge: binary.BigEndian.Uint32(buf[helloUUIDSize:helloSignedPrefix])}
	copy(h.NodeID[:], buf[0:helloUUIDSize])
	return h, nil
}

// Accept is the decoded ACCEPT handshake payload (acceptor → initiator).
type Accept struct {
	Token [8]byte
}

// EncodeAccept serializes and signs an ACCEPT payload: token || HMAC-SHA256(key, token)[0..8].
func EncodeAccept(token [8]byte, apiKey []byte) []byte {
	buf := make([]byte, AcceptSize)
	copy(buf[0:], token[:])
	sig := truncatedHMAC(apiKey, buf[:acceptTokenSize], acceptSignatureSize)
	copy(buf[acceptTokenSize:], sig)
	return buf
}

// VerifyAccept validates length and signature, returning the session token.
func VerifyAccept(buf []byte, apiKey []byte) (*Accept, error) {
	if len(buf) != AcceptSize {
		return nil, ErrShortBuffer
	}
	expected := truncatedHMAC(apiKey, buf[:acceptTokenSize], acceptSignatureSize)
	if !hmac.Equal(expected, buf[acceptTokenSize:acceptTokenSize+acceptSignatureSize]) {
		return nil, ErrBadSignature
	}
	a := &Accept{}
	copy(a.Token[:], buf[0:acceptTokenSize])
	return a, nil
}
