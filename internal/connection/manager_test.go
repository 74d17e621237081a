package connection

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sparksbenjamin/asoc/internal/streaming"
)

type receivedStream struct {
	peer uuid.UUID
	data []byte
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestManagerStaticPeerEstablishesAndStreams(t *testing.T) {
	apiKey := []byte("test-secret-key-needs-16-bytes!")
	serverAddr := freeLoopbackAddr(t)

	serverID := uuid.New()
	clientID := uuid.New()

	server := NewManager(ManagerConfig{
		LocalID:    serverID,
		APIKey:     apiKey,
		ListenAddr: serverAddr,
	})
	serverUp := make(chan uuid.UUID, 1)
	gotReader := make(chan receivedStream, 1)
	server.OnPeerUp(func(peerID uuid.UUID) { serverUp <- peerID })
	server.OnStream(func(peerID uuid.UUID, r *streaming.StreamReader) {
		go func() {
			var buf bytes.Buffer
			for {
				chunk, err := r.Recv(context.Background())
				if err != nil {
					gotReader <- receivedStream{peer: peerID, data: buf.Bytes()}
					return
				}
				buf.Write(chunk)
			}
		}()
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	defer server.Shutdown()

	clientAddr := freeLoopbackAddr(t)
	client := NewManager(ManagerConfig{
		LocalID:     clientID,
		APIKey:      apiKey,
		ListenAddr:  clientAddr,
		StaticPeers: []string{serverAddr},
	})
	clientUp := make(chan uuid.UUID, 1)
	client.OnPeerUp(func(peerID uuid.UUID) { clientUp <- peerID })
	if err := client.Start(); err != nil {
		t.Fatalf("client.Start: %v", err)
	}
	defer client.Shutdown()

	select {
	case peer := <-clientUp:
		if peer != serverID {
			t.Fatalf("client connected to wrong peer id: %s", peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client OnPeerUp")
	}
	select {
	case peer := <-serverUp:
		if peer != clientID {
			t.Fatalf("server saw wrong peer id: %s", peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server OnPeerUp")
	}

	payload := bytes.Repeat([]byte{0xCD}, 2048)
	res, err := client.Stream(context.Background(), serverID, payload, streaming.StreamOptions{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.BytesSent != int64(len(payload)) {
		t.Fatalf("expected %d bytes, got %d", len(payload), res.BytesSent)
	}

	select {
	case got := <-gotReader:
		if got.peer != clientID {
			t.Fatalf("stream attributed to wrong peer: %s", got.peer)
		}
		if !bytes.Equal(got.data, payload) {
			t.Fatal("reassembled payload mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound stream")
	}
}

func TestManagerStreamToUnknownPeerFails(t *testing.T) {
	m := NewManager(ManagerConfig{LocalID: uuid.New(), APIKey: []byte("x"), ListenAddr: "127.0.0.1:0"})
	_, err := m.Stream(context.Background(), uuid.New(), []byte("hi"), streaming.StreamOptions{})
	if err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
