package model

import "time"

// MessageType enumerates the AgentMessage payload schemas the Protocol
// layer dispatches on (spec.md §3).
type MessageType string

const (
	MessageTaskRequest   MessageType = "task_request"
	MessageTaskResponse  MessageType = "task_response"
	MessageStatusUpdate  MessageType = "status_update"
	MessageCoordination  MessageType = "coordination"
	MessageHeartbeat     MessageType = "heartbeat"
	MessageError         MessageType = "error"
)

// BroadcastReceiver is the sentinel ReceiverID meaning "every connected
// peer other than the sender" (spec.md §6).
const BroadcastReceiver = "broadcast"

// AgentMessage is the wire type exchanged over a Channel. Fields map 1:1
// onto the JSON payload described in spec.md §6; message_type is the
// string form of MessageType and unknown payload keys are preserved
// untouched (see internal/channel for the framing and internal/protocol
// for dispatch).
type AgentMessage struct {
	MessageID     string                 `json:"message_id"`
	SenderID      string                 `json:"sender_id"`
	ReceiverID    string                 `json:"receiver_id"`
	MessageType   MessageType            `json:"message_type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// IsBroadcast reports whether the message targets every connected peer
// except the sender.
func (m *AgentMessage) IsBroadcast() bool {
	return m.ReceiverID == BroadcastReceiver
}
