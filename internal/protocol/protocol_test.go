package protocol

import (
	"testing"
	"time"

	"orchestratord/internal/model"
)

// fakeTransport lets tests hand a fixed sequence of messages to
// ProcessMessages without a real channel.Channel.
type fakeTransport struct {
	queue []*model.AgentMessage
}

func (f *fakeTransport) Receive(timeout time.Duration) (*model.AgentMessage, error) {
	if len(f.queue) == 0 {
		return nil, errNoMessageForTest
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

var errNoMessageForTest = &noMessageErr{}

type noMessageErr struct{}

func (e *noMessageErr) Error() string { return "no message" }

type fakeSender struct {
	sent []*model.AgentMessage
}

func (f *fakeSender) Send(msg *model.AgentMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func TestSendRequestRegistersPendingAndSends(t *testing.T) {
	sender := &fakeSender{}
	p := New("broker", &fakeTransport{}, sender, nil)

	called := false
	msgID, err := p.SendRequest("agent-1", map[string]interface{}{"task_id": "t-1"}, func(resp *model.AgentMessage) {
		called = true
	})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	if sender.sent[0].MessageID != msgID {
		t.Errorf("sent MessageID = %q, want %q", sender.sent[0].MessageID, msgID)
	}
	if sender.sent[0].MessageType != model.MessageTaskRequest {
		t.Errorf("MessageType = %v, want task_request", sender.sent[0].MessageType)
	}
	if p.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", p.PendingCount())
	}
	if called {
		t.Fatal("callback invoked before any response processed")
	}
}

func TestProcessMessagesInvokesCallbackOnCorrelatedResponse(t *testing.T) {
	sender := &fakeSender{}
	p := New("broker", &fakeTransport{}, sender, nil)

	var gotPayload map[string]interface{}
	msgID, _ := p.SendRequest("agent-1", nil, func(resp *model.AgentMessage) {
		gotPayload = resp.Payload
	})

	transport := &fakeTransport{queue: []*model.AgentMessage{
		{
			MessageID:     "resp-1",
			SenderID:      "agent-1",
			MessageType:   model.MessageTaskResponse,
			CorrelationID: msgID,
			Payload:       map[string]interface{}{"status": "success"},
		},
	}}
	p.transport = transport

	if err := p.ProcessMessages(0); err != nil {
		t.Fatalf("ProcessMessages() error = %v", err)
	}
	if gotPayload["status"] != "success" {
		t.Errorf("callback payload = %v", gotPayload)
	}
	if p.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 after callback fires", p.PendingCount())
	}
}

func TestProcessMessagesDispatchesToTypeHandlerWhenUncorrelated(t *testing.T) {
	sender := &fakeSender{}
	var handled *model.AgentMessage
	p := New("broker", &fakeTransport{queue: []*model.AgentMessage{
		{MessageID: "hb-1", MessageType: model.MessageHeartbeat, SenderID: "agent-1"},
	}}, sender, nil)
	p.RegisterHandler(model.MessageHeartbeat, func(msg *model.AgentMessage) {
		handled = msg
	})

	if err := p.ProcessMessages(0); err != nil {
		t.Fatalf("ProcessMessages() error = %v", err)
	}
	if handled == nil || handled.MessageID != "hb-1" {
		t.Errorf("handler did not receive expected message, got %v", handled)
	}
}

func TestProcessMessagesDropsDuplicateMessageID(t *testing.T) {
	sender := &fakeSender{}
	calls := 0
	p := New("broker", &fakeTransport{queue: []*model.AgentMessage{
		{MessageID: "dup-1", MessageType: model.MessageHeartbeat},
		{MessageID: "dup-1", MessageType: model.MessageHeartbeat},
	}}, sender, nil)
	p.RegisterHandler(model.MessageHeartbeat, func(msg *model.AgentMessage) { calls++ })

	p.ProcessMessages(0)
	p.ProcessMessages(0)

	if calls != 1 {
		t.Errorf("handler invoked %d times, want 1 (duplicate message_id must be dropped)", calls)
	}
}

func TestRegisterHandlerLastRegistrationWins(t *testing.T) {
	sender := &fakeSender{}
	p := New("broker", &fakeTransport{queue: []*model.AgentMessage{
		{MessageID: "m-1", MessageType: model.MessageStatusUpdate},
	}}, sender, nil)

	var first, second bool
	p.RegisterHandler(model.MessageStatusUpdate, func(msg *model.AgentMessage) { first = true })
	p.RegisterHandler(model.MessageStatusUpdate, func(msg *model.AgentMessage) { second = true })

	p.ProcessMessages(0)
	if first {
		t.Error("first registration should have been overwritten")
	}
	if !second {
		t.Error("second (last) registration should have run")
	}
}

func TestSendResponseSetsCorrelationID(t *testing.T) {
	sender := &fakeSender{}
	p := New("agent-1", &fakeTransport{}, sender, nil)

	original := &model.AgentMessage{MessageID: "req-1", SenderID: "broker"}
	if err := p.SendResponse(original, map[string]interface{}{"result": "ok"}); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	resp := sender.sent[0]
	if resp.CorrelationID != "req-1" {
		t.Errorf("CorrelationID = %q, want req-1", resp.CorrelationID)
	}
	if resp.ReceiverID != "broker" {
		t.Errorf("ReceiverID = %q, want broker", resp.ReceiverID)
	}
	if resp.MessageType != model.MessageTaskResponse {
		t.Errorf("MessageType = %v, want task_response", resp.MessageType)
	}
}

func TestValidateMessageTypeRejectsUnknown(t *testing.T) {
	if err := ValidateMessageType(model.MessageHeartbeat); err != nil {
		t.Errorf("ValidateMessageType(heartbeat) error = %v", err)
	}
	if err := ValidateMessageType("bogus_type"); err == nil {
		t.Error("expected error for unknown message_type")
	}
}
