// Package protocol implements request/response correlation and
// message-type dispatch on top of a channel.Channel or channel.Server
// (spec.md §4.2).
package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestratord/internal/logging"
	"orchestratord/internal/model"
)

// Transport is the subset of channel.Channel / channel.Server that the
// Protocol layer needs. Accepting an interface here keeps this package
// usable from both the broker (channel.Server, many peers) and an agent's
// own client Channel (one peer) without depending on which.
type Transport interface {
	Receive(timeout time.Duration) (*model.AgentMessage, error)
}

// Sender is implemented by both channel.Channel (send to its one peer) and
// a per-peer send on channel.Server (SendTo).
type Sender interface {
	Send(msg *model.AgentMessage) error
}

// HandlerFunc processes one inbound message that did not correlate to a
// pending request.
type HandlerFunc func(msg *model.AgentMessage)

// ResponseCallback is invoked once when a correlated task_response arrives.
type ResponseCallback func(resp *model.AgentMessage)

// Protocol dispatches inbound AgentMessages by type, and correlates
// task_response messages back to the send_request call that originated
// them.
type Protocol struct {
	selfID    string
	transport Transport
	sender    Sender
	logger    *logging.Logger

	mu       sync.Mutex
	handlers map[model.MessageType]HandlerFunc
	pending  map[string]ResponseCallback
	seen     map[string]struct{} // message_id dedup, see spec.md §7 duplicate-message protocol_error
}

// New builds a Protocol bound to one transport/sender pair. selfID is this
// side's own identity, used as SenderID on outgoing messages.
func New(selfID string, transport Transport, sender Sender, logger *logging.Logger) *Protocol {
	return &Protocol{
		selfID:    selfID,
		transport: transport,
		sender:    sender,
		logger:    logger,
		handlers:  make(map[model.MessageType]HandlerFunc),
		pending:   make(map[string]ResponseCallback),
		seen:      make(map[string]struct{}),
	}
}

// RegisterHandler installs fn as the handler for messageType. Last
// registration wins per spec.md §4.2.
func (p *Protocol) RegisterHandler(messageType model.MessageType, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[messageType] = fn
}

// SendRequest constructs a task_request with a freshly minted message_id,
// registers callback (if non-nil) in the pending-request table, and sends
// it via sender. Returns the new message_id for the caller to correlate
// with independently if it does not use the callback mechanism.
func (p *Protocol) SendRequest(receiverID string, payload map[string]interface{}, callback ResponseCallback) (string, error) {
	msgID := uuid.NewString()
	msg := &model.AgentMessage{
		MessageID:   msgID,
		SenderID:    p.selfID,
		ReceiverID:  receiverID,
		MessageType: model.MessageTaskRequest,
		Payload:     payload,
		Timestamp:   time.Now(),
	}

	if callback != nil {
		p.mu.Lock()
		p.pending[msgID] = callback
		p.mu.Unlock()
	}

	if err := p.sender.Send(msg); err != nil {
		p.mu.Lock()
		delete(p.pending, msgID)
		p.mu.Unlock()
		return "", err
	}
	return msgID, nil
}

// SendResponse replies to original with a task_response whose
// correlation_id is original's message_id, targeted back at its sender.
func (p *Protocol) SendResponse(original *model.AgentMessage, payload map[string]interface{}) error {
	resp := &model.AgentMessage{
		MessageID:     uuid.NewString(),
		SenderID:      p.selfID,
		ReceiverID:    original.SenderID,
		MessageType:   model.MessageTaskResponse,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: original.MessageID,
	}
	return p.sender.Send(resp)
}

// ProcessMessages drains one inbound message from transport (blocking up
// to timeout) and dispatches it: a task_response whose correlation_id
// matches a pending entry invokes and removes that callback; otherwise the
// message is handed to its type handler if one is registered; otherwise it
// is dropped with a warning. A repeated message_id is logged and dropped
// as a protocol error rather than processed twice.
//
// Returns channel.IsNoMessage-compatible behavior by propagating the
// transport's own timeout error unchanged, so callers loop on it the same
// way they would loop directly on the transport.
func (p *Protocol) ProcessMessages(timeout time.Duration) error {
	msg, err := p.transport.Receive(timeout)
	if err != nil {
		return err
	}
	p.dispatch(msg)
	return nil
}

func (p *Protocol) dispatch(msg *model.AgentMessage) {
	p.mu.Lock()
	if _, dup := p.seen[msg.MessageID]; dup {
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Warn("protocol_error: duplicate message_id dropped", "message_id", msg.MessageID)
		}
		return
	}
	p.seen[msg.MessageID] = struct{}{}

	if msg.MessageType == model.MessageTaskResponse && msg.CorrelationID != "" {
		if cb, ok := p.pending[msg.CorrelationID]; ok {
			delete(p.pending, msg.CorrelationID)
			p.mu.Unlock()
			cb(msg)
			return
		}
	}

	handler, ok := p.handlers[msg.MessageType]
	p.mu.Unlock()

	if !ok {
		if p.logger != nil {
			p.logger.Warn("protocol: no handler registered, dropping message", "message_type", string(msg.MessageType))
		}
		return
	}
	handler(msg)
}

// PendingCount reports the number of outstanding send_request calls still
// awaiting a correlated response, mainly for tests and diagnostics.
func (p *Protocol) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ErrUnknownMessageType is returned by validation helpers that reject a
// message whose message_type does not match any of model's MessageType
// constants (spec.md §6 "Unknown message_type is a protocol error").
var ErrUnknownMessageType = fmt.Errorf("protocol_error: unknown message_type")

var knownMessageTypes = map[model.MessageType]struct{}{
	model.MessageTaskRequest:  {},
	model.MessageTaskResponse: {},
	model.MessageStatusUpdate: {},
	model.MessageCoordination: {},
	model.MessageHeartbeat:    {},
	model.MessageError:        {},
}

// ValidateMessageType returns ErrUnknownMessageType if t is not one of the
// six recognized AgentMessage message types.
func ValidateMessageType(t model.MessageType) error {
	if _, ok := knownMessageTypes[t]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	return nil
}
