// Package outbox queues forwarded messages on a JetStream work queue so delivery
// survives restarts and gateway outages.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tgmonitor/internal/permanent"
)

// Job is one queued delivery of a rendered message.
type Job struct {
	ID        string    `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJob creates a job with a fresh id.
// Params: target chat, rendered text and creation time.
// Returns: job ready to enqueue.
func NewJob(chatID int64, text string, now time.Time) Job {
	return Job{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Text:      text,
		CreatedAt: now.UTC(),
	}
}

// DLQReason identifies why a job was moved to the dead-letter stream.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable delivery failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks jobs whose redeliveries ran out.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is the dead-letter record for a failed job.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// Handler delivers one job; permanent errors skip redelivery.
type Handler func(ctx context.Context, job Job) error

// classify returns the DLQ reason for a failed attempt, or "" when the job should be redelivered.
func classify(err error, attempts uint64, maxDeliver int) DLQReason {
	switch {
	case permanent.Is(err):
		return DLQReasonPermanentError
	case isMaxDeliverExceeded(attempts, maxDeliver):
		return DLQReasonMaxDeliverExceeded
	default:
		return ""
	}
}

// isMaxDeliverExceeded reports whether attempt is the last allowed delivery.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}
