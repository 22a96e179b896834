package domain

import (
	"testing"
	"time"
)

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	event, err := DecodeEvent([]byte(`{"source_id":-1001234,"sender_id":42,"text":"hello","date":1739876543,"message_id":7}`))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.SourceID != -1001234 || event.SenderID != 42 || event.MessageID != 7 {
		t.Fatalf("unexpected event %+v", event)
	}
	if !event.EventTime().Equal(time.Unix(1739876543, 0)) {
		t.Fatalf("unexpected event time %s", event.EventTime())
	}
}

func TestDecodeEventRejectsMissingSource(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEvent([]byte(`{"text":"hello","date":1}`)); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestDecodeEventRejectsBadJSON(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEvent([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestInboundEventHasText(t *testing.T) {
	t.Parallel()

	if (InboundEvent{}).HasText() {
		t.Fatalf("empty text must not count")
	}
	for _, text := range []string{"x", "  \n", " "} {
		if !(InboundEvent{Text: text}).HasText() {
			t.Fatalf("text %q must count", text)
		}
	}
}
