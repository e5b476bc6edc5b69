package channel

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"orchestratord/internal/logging"
	"orchestratord/internal/model"
)

// Server is the broker's Unix-domain listener: one accept loop, one
// Channel per connected peer, and a fan-in inbound queue merging every
// peer's messages into a single Receive stream (spec.md §4.1).
type Server struct {
	path       string
	authSecret string
	logger     *logging.Logger

	ln      net.Listener
	inbound chan *model.AgentMessage

	mu      sync.Mutex
	peers   map[string]*Channel
	nextID  int
	closed  chan struct{}
	closeOnce sync.Once
}

// OpenServer binds a Unix-domain stream socket at path, unlinking any stale
// file first, and begins accepting connections concurrently.
func OpenServer(path, authSecret string, logger *logging.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("channel_bind_error: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("channel_bind_error: %w", err)
	}
	s := &Server{
		path:       path,
		authSecret: authSecret,
		logger:     logger,
		ln:         ln,
		inbound:    make(chan *model.AgentMessage, 256),
		peers:      make(map[string]*Channel),
		closed:     make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				if s.logger != nil {
					s.logger.WithError(err).Warn("channel: accept failed")
				}
				return
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	peerID, err := serverHandshake(conn, s.authSecret, s.path)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("channel: handshake failed, dropping peer")
		}
		conn.Close()
		return
	}

	s.mu.Lock()
	if peerID == "" {
		s.nextID++
		peerID = fmt.Sprintf("peer-%d", s.nextID)
	}
	ch := newChannel(conn, peerID, s.logger)
	s.peers[peerID] = ch
	s.mu.Unlock()

	go s.pump(ch)
}

// pump forwards one peer's inbound messages into the server's merged
// queue until the peer disconnects, then removes it from the peer table.
func (s *Server) pump(ch *Channel) {
	defer s.removePeer(ch.PeerID)
	for {
		msg, err := ch.Receive(0)
		if err != nil {
			return
		}
		select {
		case s.inbound <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *Server) removePeer(peerID string) {
	s.mu.Lock()
	delete(s.peers, peerID)
	s.mu.Unlock()
}

// Receive waits up to timeout for the next message from any connected
// peer. See Channel.Receive for timeout semantics.
func (s *Server) Receive(timeout time.Duration) (*model.AgentMessage, error) {
	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-after:
		return nil, errNoMessage
	case <-s.closed:
		return nil, errNoMessage
	}
}

// SendTo delivers msg to exactly one connected peer by id.
func (s *Server) SendTo(peerID string, msg *model.AgentMessage) error {
	s.mu.Lock()
	ch, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel_write_error: peer %q not connected", peerID)
	}
	return ch.Send(msg)
}

// Broadcast delivers msg to every connected peer other than except. The
// peer list is cloned under the lock first so the writes themselves never
// hold it (spec.md §5's documented preference). With no connected peers
// this is a no-op, not an error (spec.md §8).
func (s *Server) Broadcast(msg *model.AgentMessage, except string) {
	s.mu.Lock()
	targets := make([]*Channel, 0, len(s.peers))
	for id, ch := range s.peers {
		if id == except {
			continue
		}
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		if err := ch.Send(msg); err != nil && s.logger != nil {
			s.logger.WithError(err).Warn("channel: broadcast to peer failed", "peer_id", ch.PeerID)
		}
	}
}

// PeerCount reports the number of currently connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close cancels the accept loop, closes every peer connection and the
// listening socket, and unlinks the socket path.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		s.mu.Lock()
		for _, ch := range s.peers {
			ch.Close()
		}
		s.peers = nil
		s.mu.Unlock()
		os.Remove(s.path)
	})
	return err
}
