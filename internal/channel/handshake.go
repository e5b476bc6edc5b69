package channel

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// handshakeHello and handshakeChallenge are exchanged before any
// AgentMessage on a new connection, per SPEC_FULL.md §6. When the broker's
// communication.auth_secret is unset, the server skips the challenge
// entirely and the first frame read is a regular AgentMessage — this keeps
// spec.md's literal default (any peer accepted) unchanged.
type handshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

type handshakeHello struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	MAC     string `json:"mac"`
}

// deriveHandshakeKey stretches the configured passphrase into a fixed-size
// MAC key scoped to this socket path, so the same secret reused across two
// sockets still produces distinct keys.
func deriveHandshakeKey(secret, socketPath string) ([]byte, error) {
	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(socketPath), []byte("orchestratord-channel-handshake"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("channel_error: derive handshake key: %w", err)
	}
	return key, nil
}

func computeMAC(key []byte, nonce string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// serverHandshake runs the challenge/response exchange over a freshly
// accepted connection before it is promoted to a Channel. Returns the
// authenticated agent_id, or "" if auth_secret is unset and the step was
// skipped.
func serverHandshake(rw io.ReadWriter, secret, socketPath string) (string, error) {
	if secret == "" {
		return "", nil
	}
	nonce, err := randomNonce()
	if err != nil {
		return "", fmt.Errorf("channel_error: generate nonce: %w", err)
	}
	challenge, _ := json.Marshal(handshakeChallenge{Type: "hello_challenge", Nonce: nonce})
	if err := writeFrame(rw, challenge); err != nil {
		return "", err
	}

	payload, err := readFrame(rw)
	if err != nil {
		return "", fmt.Errorf("channel_error: read handshake hello: %w", err)
	}
	var hello handshakeHello
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != "hello" {
		return "", fmt.Errorf("channel_error: malformed handshake hello")
	}

	key, err := deriveHandshakeKey(secret, socketPath)
	if err != nil {
		return "", err
	}
	want := computeMAC(key, nonce)
	if !hmac.Equal([]byte(want), []byte(hello.MAC)) {
		return "", fmt.Errorf("channel_error: handshake MAC mismatch for agent %q", hello.AgentID)
	}
	return hello.AgentID, nil
}

// clientHandshake answers the server's challenge. No-op when secret is
// unset, matching serverHandshake's skip.
func clientHandshake(rw io.ReadWriter, secret, socketPath, agentID string) error {
	if secret == "" {
		return nil
	}
	payload, err := readFrame(rw)
	if err != nil {
		return fmt.Errorf("channel_error: read handshake challenge: %w", err)
	}
	var challenge handshakeChallenge
	if err := json.Unmarshal(payload, &challenge); err != nil || challenge.Type != "hello_challenge" {
		return fmt.Errorf("channel_error: malformed handshake challenge")
	}

	key, err := deriveHandshakeKey(secret, socketPath)
	if err != nil {
		return err
	}
	hello, _ := json.Marshal(handshakeHello{
		Type:    "hello",
		AgentID: agentID,
		MAC:     computeMAC(key, challenge.Nonce),
	})
	return writeFrame(rw, hello)
}
