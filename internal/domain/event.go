package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InboundEvent is a read-only projection of one new-message event.
// Params: source chat id, sender id (0 for channel posts), text, unix seconds, message id.
// Returns: event payload consumed by the monitor pipeline.
type InboundEvent struct {
	SourceID  int64  `json:"source_id"`
	SenderID  int64  `json:"sender_id,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"date"`
	MessageID int64  `json:"message_id,omitempty"`
}

// EventTime converts the unix-seconds timestamp into UTC time.
// Params: none.
// Returns: event time in UTC.
func (e InboundEvent) EventTime() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// HasText reports whether the event carries any text; media-only messages arrive empty.
// Params: none.
// Returns: true when the text is not empty, whitespace included.
func (e InboundEvent) HasText() bool {
	return e.Text != ""
}

// DecodeEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeEvent(raw []byte) (InboundEvent, error) {
	var event InboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return InboundEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return InboundEvent{}, err
	}
	return event, nil
}

// Validate validates one event against the gateway contract.
// Params: event fields parsed from transport.
// Returns: validation error when schema is violated.
func (e InboundEvent) Validate() error {
	if e.SourceID == 0 {
		return errors.New("source_id is required")
	}
	if e.Timestamp <= 0 {
		return errors.New("date must be >0")
	}
	if e.MessageID < 0 {
		return errors.New("message_id must be >=0")
	}
	return nil
}
