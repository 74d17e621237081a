package asoc

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestOptionsSetDefaults_RequiresCommunityAndAPIKey(t *testing.T) {
	o := Options{}
	if err := o.setDefaults(); err == nil {
		t.Fatal("expected error for missing community")
	}
	o = Options{Community: "lab"}
	if err := o.setDefaults(); err == nil {
		t.Fatal("expected error for missing api_key")
	}
}

func TestOptionsSetDefaults_FillsAndValidates(t *testing.T) {
	o := Options{Community: "lab", APIKey: []byte("k")}
	if err := o.setDefaults(); err != nil {
		t.Fatalf("setDefaults: %v", err)
	}
	if o.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, o.Port)
	}
	if o.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, o.ChunkSize)
	}
	if o.NodeID == uuid.Nil {
		t.Fatal("expected a generated node id")
	}
	if o.Logger == nil {
		t.Fatal("expected a default logger")
	}
}

func TestOptionsSetDefaults_RejectsChunkSizeLargerThanMaxFrame(t *testing.T) {
	o := Options{Community: "lab", APIKey: []byte("k"), MaxFrameBytes: 1024, ChunkSize: 2048}
	if err := o.setDefaults(); err == nil {
		t.Fatal("expected error for chunk_size > max_frame_bytes")
	}
}

func TestOptionsSetDefaults_RejectsPeerTTLBelowBroadcastInterval(t *testing.T) {
	o := Options{
		Community:         "lab",
		APIKey:            []byte("k"),
		BroadcastInterval: 30 * time.Second,
		PeerTTL:           10 * time.Second,
	}
	if err := o.setDefaults(); err == nil {
		t.Fatal("expected error for peer_ttl < broadcast_interval")
	}
}

func TestNewNode_DiscoveryDisabledLeavesDiscoveryNil(t *testing.T) {
	n, err := NewNode(Options{
		Community: "lab",
		APIKey:    []byte("test-secret-key-needs-16-bytes!"),
		Port:      freeLoopbackPort(t),
	})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if n.discovery != nil {
		t.Fatal("expected discovery to be nil when EnableDiscovery is false")
	}
}

// TestTwoNodesHandshakeStreamAndTeardown exercises the full loopback
// scenario from spec.md §8 scenario 1: two nodes configured as each other's
// static peer establish a session, stream a payload end to end, observe
// peer-up on both sides, then shut down cleanly and observe peer-down.
func TestTwoNodesHandshakeStreamAndTeardown(t *testing.T) {
	apiKey := []byte("test-secret-key-needs-16-bytes!")
	portA := freeLoopbackPort(t)
	portB := freeLoopbackPort(t)
	addrA := net.JoinHostPort("127.0.0.1", strconv.Itoa(portA))
	addrB := net.JoinHostPort("127.0.0.1", strconv.Itoa(portB))

	nodeA, err := NewNode(Options{
		Community:   "lab",
		APIKey:      apiKey,
		Port:        portA,
		StaticPeers: []string{addrB},
	})
	if err != nil {
		t.Fatalf("NewNode A: %v", err)
	}
	nodeB, err := NewNode(Options{
		Community:   "lab",
		APIKey:      apiKey,
		Port:        portB,
		StaticPeers: []string{addrA},
	})
	if err != nil {
		t.Fatalf("NewNode B: %v", err)
	}

	upA := make(chan uuid.UUID, 1)
	upB := make(chan uuid.UUID, 1)
	downB := make(chan uuid.UUID, 1)
	type received struct {
		peer uuid.UUID
		data []byte
	}
	gotOnB := make(chan received, 1)

	nodeA.OnPeerUp(func(peer uuid.UUID) { upA <- peer })
	nodeB.OnPeerUp(func(peer uuid.UUID) { upB <- peer })
	nodeB.OnPeerDown(func(peer uuid.UUID, _ error) { downB <- peer })
	nodeB.OnStream(func(peer uuid.UUID, r *StreamReader) {
		go func() {
			var buf bytes.Buffer
			for {
				chunk, err := r.Recv(context.Background())
				if err != nil {
					gotOnB <- received{peer: peer, data: buf.Bytes()}
					return
				}
				buf.Write(chunk)
			}
		}()
	})

	ctx := context.Background()
	if err := nodeB.Start(ctx); err != nil {
		t.Fatalf("nodeB.Start: %v", err)
	}
	defer nodeB.Shutdown(context.Background())
	if err := nodeA.Start(ctx); err != nil {
		t.Fatalf("nodeA.Start: %v", err)
	}

	select {
	case peer := <-upA:
		if peer != nodeB.opts.NodeID {
			t.Fatalf("nodeA connected to wrong peer: %s", peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for nodeA OnPeerUp")
	}
	select {
	case peer := <-upB:
		if peer != nodeA.opts.NodeID {
			t.Fatalf("nodeB saw wrong peer: %s", peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for nodeB OnPeerUp")
	}

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	res, err := nodeA.Stream(context.Background(), nodeB.opts.NodeID, payload, StreamOptions{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.BytesSent != int64(len(payload)) {
		t.Fatalf("expected %d bytes sent, got %d", len(payload), res.BytesSent)
	}

	select {
	case got := <-gotOnB:
		if got.peer != nodeA.opts.NodeID {
			t.Fatalf("stream attributed to wrong peer: %s", got.peer)
		}
		if !bytes.Equal(got.data, payload) {
			t.Fatal("reassembled payload mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound stream on nodeB")
	}

	if peers := nodeA.Peers(); len(peers) != 1 || peers[0] != nodeB.opts.NodeID {
		t.Fatalf("unexpected nodeA.Peers(): %v", peers)
	}

	if err := nodeA.Shutdown(context.Background()); err != nil {
		t.Fatalf("nodeA.Shutdown: %v", err)
	}

	select {
	case peer := <-downB:
		if peer != nodeA.opts.NodeID {
			t.Fatalf("nodeB saw peer-down for wrong peer: %s", peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for nodeB OnPeerDown after nodeA shutdown")
	}
}
