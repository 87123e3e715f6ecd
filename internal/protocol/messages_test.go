package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageUserMessage(t *testing.T) {
	raw := []byte(`{"type":"user_message","content":"I love hiking, what's your favorite trail?"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg, ok := parsed.(UserMessage)
	if !ok {
		t.Fatalf("parsed type = %T, want UserMessage", parsed)
	}
	if msg.Content != "I love hiking, what's your favorite trail?" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
}

func TestParseClientMessagePing(t *testing.T) {
	parsed, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := parsed.(Ping); !ok {
		t.Fatalf("parsed type = %T, want Ping", parsed)
	}
}

func TestParseClientMessageRejectsEmptyContent(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"user_message","content":""}`)); err == nil {
		t.Fatalf("empty content should be rejected")
	}
}

func TestParseClientMessageUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"audio_chunk"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("invalid JSON should be rejected")
	}
}

func TestTypeOfCoversOutboundEvents(t *testing.T) {
	events := []any{
		ConnectionEstablished{Type: TypeConnectionEstablished},
		Pong{Type: TypePong},
		MessageEvent{Type: TypeMessage},
		CompatibilityEvent{Type: TypeCompatibility},
		StatusChangeEvent{Type: TypeStatusChange},
		UserActionEvent{Type: TypeUserAction},
		SessionStartEvent{Type: TypeSessionStart},
		SessionEndEvent{Type: TypeSessionEnd},
		ErrorEvent{Type: TypeError},
	}
	for _, ev := range events {
		if _, ok := TypeOf(ev); !ok {
			t.Fatalf("TypeOf(%T) not covered", ev)
		}
	}
	if _, ok := TypeOf(struct{}{}); ok {
		t.Fatalf("TypeOf should reject unknown payloads")
	}
}
