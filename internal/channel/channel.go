package channel

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"orchestratord/internal/logging"
	"orchestratord/internal/model"
)

// errNoMessage is returned by Receive on timeout, per spec.md §4.1: "does not
// raise on timeout." Callers distinguish it with IsNoMessage.
var errNoMessage = fmt.Errorf("no message")

// IsNoMessage reports whether err is the sentinel Receive returns on a
// timed-out wait rather than a real transport failure.
func IsNoMessage(err error) bool { return err == errNoMessage }

// Channel wraps one Unix-domain connection (peer-to-peer or one leg of the
// broker's many server-side connections) with framed send/receive and a
// single reader goroutine feeding a buffered inbound queue.
type Channel struct {
	PeerID string

	conn    net.Conn
	inbound chan *model.AgentMessage
	writeMu sync.Mutex
	logger  *logging.Logger

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
	readErrMu sync.Mutex
}

func newChannel(conn net.Conn, peerID string, logger *logging.Logger) *Channel {
	c := &Channel{
		PeerID:  peerID,
		conn:    conn,
		inbound: make(chan *model.AgentMessage, 64),
		logger:  logger,
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	defer close(c.inbound)
	for {
		payload, err := readFrame(c.conn)
		if err != nil {
			c.setReadErr(err)
			return
		}
		var msg model.AgentMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			if c.logger != nil {
				c.logger.WithError(err).Warn("channel: dropping malformed frame", "peer_id", c.PeerID)
			}
			continue
		}
		select {
		case c.inbound <- &msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) setReadErr(err error) {
	c.readErrMu.Lock()
	c.readErr = err
	c.readErrMu.Unlock()
}

// ReadErr returns the error that terminated the read loop (io.EOF on a
// clean peer disconnect), or nil while the connection is still live.
func (c *Channel) ReadErr() error {
	c.readErrMu.Lock()
	defer c.readErrMu.Unlock()
	return c.readErr
}

// Send serializes msg and writes it as one framed write. Concurrent
// senders on the same Channel are serialized by writeMu so frames are
// never interleaved.
func (c *Channel) Send(msg *model.AgentMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("channel_write_error: encode: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, payload)
}

// Receive waits up to timeout for the next inbound message. A non-positive
// timeout blocks indefinitely. Returns errNoMessage (see IsNoMessage) on
// timeout, and the read loop's terminal error (often io.EOF) once the
// connection is gone and its queue is drained.
func (c *Channel) Receive(timeout time.Duration) (*model.AgentMessage, error) {
	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			if err := c.ReadErr(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return msg, nil
	case <-after:
		return nil, errNoMessage
	}
}

// Close terminates the reader goroutine and closes the underlying
// connection. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
