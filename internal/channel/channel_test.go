package channel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"orchestratord/internal/model"
)

func testSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.sock")
}

func TestOpenServerAndClientRoundTrip(t *testing.T) {
	path := testSocketPath(t)
	srv, err := OpenServer(path, "", nil)
	if err != nil {
		t.Fatalf("OpenServer() error = %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cli, err := OpenClient(ctx, path, DefaultClientOptions("agent-1"), nil)
	if err != nil {
		t.Fatalf("OpenClient() error = %v", err)
	}
	defer cli.Close()

	msg := &model.AgentMessage{
		MessageID:   "m-1",
		SenderID:    "agent-1",
		ReceiverID:  "broker",
		MessageType: model.MessageHeartbeat,
		Timestamp:   time.Now(),
	}
	if err := cli.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := srv.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("server Receive() error = %v", err)
	}
	if got.MessageID != "m-1" {
		t.Errorf("MessageID = %q, want m-1", got.MessageID)
	}
}

func TestServerReceiveTimesOutWithoutError(t *testing.T) {
	path := testSocketPath(t)
	srv, err := OpenServer(path, "", nil)
	if err != nil {
		t.Fatalf("OpenServer() error = %v", err)
	}
	defer srv.Close()

	_, err = srv.Receive(50 * time.Millisecond)
	if !IsNoMessage(err) {
		t.Errorf("Receive() error = %v, want no-message sentinel", err)
	}
}

func TestBroadcastWithZeroPeersDoesNotError(t *testing.T) {
	path := testSocketPath(t)
	srv, err := OpenServer(path, "", nil)
	if err != nil {
		t.Fatalf("OpenServer() error = %v", err)
	}
	defer srv.Close()

	if srv.PeerCount() != 0 {
		t.Fatalf("PeerCount() = %d, want 0", srv.PeerCount())
	}
	srv.Broadcast(&model.AgentMessage{MessageID: "b-1", MessageType: model.MessageStatusUpdate}, "")
}

func TestBroadcastDeliversToAllExceptExcluded(t *testing.T) {
	path := testSocketPath(t)
	srv, err := OpenServer(path, "", nil)
	if err != nil {
		t.Fatalf("OpenServer() error = %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cli1, err := OpenClient(ctx, path, DefaultClientOptions("agent-1"), nil)
	if err != nil {
		t.Fatalf("OpenClient(agent-1) error = %v", err)
	}
	defer cli1.Close()
	cli2, err := OpenClient(ctx, path, DefaultClientOptions("agent-2"), nil)
	if err != nil {
		t.Fatalf("OpenClient(agent-2) error = %v", err)
	}
	defer cli2.Close()

	// give the server time to register both peers before broadcasting
	deadline := time.Now().Add(time.Second)
	for srv.PeerCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.PeerCount() != 2 {
		t.Fatalf("PeerCount() = %d, want 2", srv.PeerCount())
	}

	srv.Broadcast(&model.AgentMessage{
		MessageID:   "b-2",
		MessageType: model.MessageCoordination,
		ReceiverID:  model.BroadcastReceiver,
	}, "")

	got, err := cli1.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("cli1 Receive() error = %v", err)
	}
	if got.MessageID != "b-2" {
		t.Errorf("cli1 got MessageID = %q, want b-2", got.MessageID)
	}

	got, err = cli2.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("cli2 Receive() error = %v", err)
	}
	if got.MessageID != "b-2" {
		t.Errorf("cli2 got MessageID = %q, want b-2", got.MessageID)
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	path := testSocketPath(t)
	srv, err := OpenServer(path, "shared-secret", nil)
	if err != nil {
		t.Fatalf("OpenServer() error = %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	opts := DefaultClientOptions("agent-1")
	opts.AuthSecret = "wrong-secret"
	opts.MaxAttempts = 1

	cli, err := OpenClient(ctx, path, opts, nil)
	if err == nil {
		cli.Close()
		t.Fatal("expected handshake failure with mismatched secret")
	}
}

func TestHandshakeAcceptsMatchingSecret(t *testing.T) {
	path := testSocketPath(t)
	srv, err := OpenServer(path, "shared-secret", nil)
	if err != nil {
		t.Fatalf("OpenServer() error = %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	opts := DefaultClientOptions("agent-1")
	opts.AuthSecret = "shared-secret"

	cli, err := OpenClient(ctx, path, opts, nil)
	if err != nil {
		t.Fatalf("OpenClient() error = %v", err)
	}
	defer cli.Close()
}
