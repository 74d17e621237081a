package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"
)

func TestCommunityHash(t *testing.T) {
	got := CommunityHash("my-cluster")
	want := CommunityHash("my-cluster")
	if got != want {
		t.Fatalf("CommunityHash not deterministic: %x vs %x", got, want)
	}
	if CommunityHash("my-cluster") == CommunityHash("other-cluster") {
		t.Fatalf("expected distinct community hashes")
	}
}

func TestDiscoveryRoundTrip(t *testing.T) {
	var nodeID [16]byte
	copy(nodeID[:], bytes.Repeat([]byte{0xAB}, 16))
	apiKey := []byte("test-secret-key-0123456789abcdef")
	now := uint32(time.Now().Unix())

	buf := EncodeDiscovery("c1", nodeID, 9000, now, 0x12345678, apiKey)
	if len(buf) != DiscoverySize {
		t.Fatalf("expected %d bytes, got %d", DiscoverySize, len(buf))
	}

	d, err := DecodeAndVerifyDiscovery(buf, apiKey, time.Unix(int64(now), 0))
	if err != nil {
		t.Fatalf("DecodeAndVerifyDiscovery: %v", err)
	}
	if d.NodeID != nodeID {
		t.Errorf("node id mismatch")
	}
	if d.Port != 9000 {
		t.Errorf("expected port 9000, got %d", d.Port)
	}
	if d.Challenge != 0x12345678 {
		t.Errorf("expected challenge 0x12345678, got %x", d.Challenge)
	}
	if d.CommunityHash != CommunityHash("c1") {
		t.Errorf("community hash mismatch")
	}
}

func TestDiscoveryFlippedSignatureBitFails(t *testing.T) {
	var nodeID [16]byte
	apiKey := []byte("test-secret-key-0123456789abcdef")
	now := uint32(time.Now().Unix())

	buf := EncodeDiscovery("c1", nodeID, 9000, now, 1, apiKey)
	buf[34] ^= 0x01 // flip one bit inside the signature

	if _, err := DecodeAndVerifyDiscovery(buf, apiKey, time.Unix(int64(now), 0)); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestDiscoveryShortBuffer(t *testing.T) {
	if _, err := DecodeAndVerifyDiscovery(make([]byte, DiscoverySize-1), nil, time.Now()); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestDiscoveryStaleTimestamp(t *testing.T) {
	var nodeID [16]byte
	apiKey := []byte("k")
	old := uint32(time.Now().Add(-5 * time.Minute).Unix())
	buf := EncodeDiscovery("c1", nodeID, 9000, old, 1, apiKey)

	if _, err := DecodeAndVerifyDiscovery(buf, apiKey, time.Now()); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := FrameHeader{Type: FrameTypeData, StreamID: 1, Sequence: 42, Length: 1024}
	buf := EncodeFrameHeader(h)
	if len(buf) != FrameHeaderSize {
		t.Fatalf("expected %d bytes, got %d", FrameHeaderSize, len(buf))
	}

	got, err := DecodeFrameHeader(buf)
	if err != nil {
		t.Fatalf("DecodeFrameHeader: %v", err)
	}
	got.Version = 0 // not compared; header always encodes ProtocolVersion
	h.Version = 0
	if got != h {
		t.Errorf("expected %+v, got %+v", h, got)
	}
}

func TestFrameHeaderBadVersion(t *testing.T) {
	buf := EncodeFrameHeader(FrameHeader{Type: FrameTypeData})
	buf[0] = (0x0F << 4) | FrameTypeData
	if _, err := DecodeFrameHeader(buf); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestFrameHeaderUnknownType(t *testing.T) {
	buf := EncodeFrameHeader(FrameHeader{Type: FrameTypeData})
	buf[0] = (ProtocolVersion << 4) | 0x0E
	if _, err := DecodeFrameHeader(buf); err != ErrUnknownType {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

// TestHelloSignatureStability pins the literal cross-implementation
// deterministic value from spec.md §8 (api_key="test-secret-key", node id
// a1b2c3d4e5f607182930a1b2c3d4e5f6, challenge 0x12345678 ->
// HMAC-SHA256(api_key, uuid||challenge)[0:16]) so any ASoc port can be
// checked against this repo. The expected value is hardcoded rather than
// recomputed via truncatedHMAC, the same helper EncodeHello calls
// internally — recomputing it here would let the whole HMAC scheme drift
// without this test ever noticing.
func TestHelloSignatureStability(t *testing.T) {
	apiKey := []byte("test-secret-key")
	nodeIDBytes, err := hex.DecodeString("a1b2c3d4e5f607182930a1b2c3d4e5f6")
	if err != nil {
		t.Fatal(err)
	}
	var nodeID [16]byte
	copy(nodeID[:], nodeIDBytes)

	buf := EncodeHello(nodeID, 0x12345678, apiKey)

	expectedSig, err := hex.DecodeString("8b6d98913a9f26e16ba09fadc8fb89d1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[helloSignedPrefix:], expectedSig) {
		t.Fatalf("hello signature does not match spec.md §8's worked example: got %x, want %x", buf[helloSignedPrefix:], expectedSig)
	}

	var challengeBE [4]byte
	binary.BigEndian.PutUint32(challengeBE[:], 0x12345678)
	if !bytes.Equal(buf[16:20], challengeBE[:]) {
		t.Fatalf("challenge not encoded big-endian")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	var nodeID [16]byte
	copy(nodeID[:], bytes.Repeat([]byte{0x01}, 16))
	apiKey := []byte("shared-secret")

	buf := EncodeHello(nodeID, 7, apiKey)
	h, err := DecodeAndVerifyHello(buf, apiKey)
	if err != nil {
		t.Fatalf("DecodeAndVerifyHello: %v", err)
	}
	if h.NodeID != nodeID || h.Challenge != 7 {
		t.Errorf("unexpected decode result: %+v", h)
	}
}

func TestHelloWrongKeyFails(t *testing.T) {
	var nodeID [16]byte
	buf := EncodeHello(nodeID, 1, []byte("key-a"))
	if _, err := DecodeAndVerifyHello(buf, []byte("key-b")); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAcceptRoundTrip(t *testing.T) {
	var token [8]byte
	copy(token[:], []byte("tok12345"))
	apiKey := []byte("shared-secret")

	buf := EncodeAccept(token, apiKey)
	if len(buf) != AcceptSize {
		t.Fatalf("expected %d bytes, got %d", AcceptSize, len(buf))
	}

	a, err := VerifyAccept(buf, apiKey)
	if err != nil {
		t.Fatalf("VerifyAccept: %v", err)
	}
	if a.Token != token {
		t.Errorf("token mismatch: %v vs %v", a.Token, token)
	}
}

func TestAcceptBadSignature(t *testing.T) {
	var token [8]byte
	buf := EncodeAccept(token, []byte("key-a"))
	if _, err := VerifyAccept(buf, []byte("key-b")); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
