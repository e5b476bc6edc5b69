package channel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"orchestratord/internal/logging"
)

// DefaultConnectTimeout bounds how long OpenClient waits for a single dial
// attempt before giving up on it (spec.md §4.1 "bounded connect timeout").
const DefaultConnectTimeout = 5 * time.Second

// ClientOptions configures OpenClient's retry behavior.
type ClientOptions struct {
	ConnectTimeout time.Duration
	AuthSecret     string
	AgentID        string
	MaxAttempts    uint
}

// DefaultClientOptions fills in spec.md's defaults.
func DefaultClientOptions(agentID string) ClientOptions {
	return ClientOptions{ConnectTimeout: DefaultConnectTimeout, AgentID: agentID, MaxAttempts: 3}
}

// OpenClient connects to the broker socket at path, retrying with
// exponential backoff up to opts.MaxAttempts, then performs the optional
// handshake. Fails with a channel_connect_error-prefixed error if every
// attempt is exhausted or ctx is cancelled first.
func OpenClient(ctx context.Context, path string, opts ClientOptions, logger *logging.Logger) (*Channel, error) {
	dial := func() (net.Conn, error) {
		d := net.Dialer{Timeout: opts.ConnectTimeout}
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, fmt.Errorf("channel_connect_error: %w", err)
		}
		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	conn, err := backoff.Retry(ctx, dial, backoff.WithBackOff(bo), backoff.WithMaxTries(opts.MaxAttempts))
	if err != nil {
		return nil, err
	}

	if err := clientHandshake(conn, opts.AuthSecret, path, opts.AgentID); err != nil {
		conn.Close()
		return nil, err
	}

	return newChannel(conn, opts.AgentID, logger), nil
}
