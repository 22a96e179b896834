package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"tgmonitor/internal/clock"
	"tgmonitor/internal/config"
	"tgmonitor/internal/logging"
	"tgmonitor/internal/permanent"
	"tgmonitor/test/testutil"
)

const testDLQSubject = "tgmonitor.test.outbox.dlq"

func newTestQueueConfig(natsURL string, maxDeliver int) config.QueueConfig {
	return config.QueueConfig{
		Enabled:       true,
		URL:           []string{natsURL},
		Stream:        "TGMON_TEST_OUTBOX",
		Subject:       "tgmonitor.test.outbox",
		ConsumerName:  "tgmonitor-test-outbox",
		DeliverGroup:  "tgmonitor-test-workers",
		DLQStream:     "TGMON_TEST_OUTBOX_DLQ",
		DLQSubject:    testDLQSubject,
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    maxDeliver,
		MaxAckPending: 128,
	}
}

func TestNewJob(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	first := NewJob(-100, "hi", now)
	second := NewJob(-100, "hi", now)
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("job ids must be unique: %q %q", first.ID, second.ID)
	}
	if first.CreatedAt.Location() != time.UTC || !first.CreatedAt.Equal(now) {
		t.Fatalf("created_at must be UTC, got %v", first.CreatedAt)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		attempts   uint64
		maxDeliver int
		want       DLQReason
	}{
		{"permanent first attempt", permanent.Mark(errors.New("chat not found")), 1, 5, DLQReasonPermanentError},
		{"transient with retries left", errors.New("timeout"), 1, 3, ""},
		{"transient on last attempt", errors.New("timeout"), 3, 3, DLQReasonMaxDeliverExceeded},
		{"unbounded redelivery", errors.New("timeout"), 50, -1, ""},
	}
	for _, tc := range cases {
		if got := classify(tc.err, tc.attempts, tc.maxDeliver); got != tc.want {
			t.Fatalf("%s: classify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestProducerWorkerRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)
	producer, err := NewProducer(cfg, &clock.Fixed{At: time.Unix(1700000000, 0)})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		got      Job
		doneCh   = make(chan struct{}, 1)
	)
	worker, err := NewWorker(cfg, logging.Discard(), func(_ context.Context, job Job) error {
		mu.Lock()
		attempts[job.ID]++
		current := attempts[job.ID]
		got = job
		mu.Unlock()
		if current == 1 {
			return context.DeadlineExceeded
		}
		select {
		case doneCh <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	if err := producer.Send(context.Background(), -1001, "*deal*"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for redelivery success")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts[got.ID] < 2 {
		t.Fatalf("expected redelivery, got %d attempts", attempts[got.ID])
	}
	if got.ChatID != -1001 || got.Text != "*deal*" || got.CreatedAt.Unix() != 1700000000 {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestWorkerPublishesPermanentErrorToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)
	cfg.DLQ = true

	producer, err := NewProducer(cfg, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewWorker(cfg, logging.Discard(), func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return permanent.Mark(errors.New("chat write forbidden"))
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(testDLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := NewJob(-1001, "x", time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonPermanentError || entry.Job.ID != job.ID || entry.Attempts != 1 {
		t.Fatalf("unexpected dlq entry %+v", entry)
	}
	if entry.OriginalMsgID != job.ID {
		t.Fatalf("expected original msg id %q, got %q", job.ID, entry.OriginalMsgID)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single handler call, got %d", got)
	}
}

func TestWorkerPublishesMaxDeliverToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 2)
	cfg.AckWaitSec = 1
	cfg.DLQ = true

	producer, err := NewProducer(cfg, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewWorker(cfg, logging.Discard(), func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("gateway timeout")
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(testDLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := NewJob(-1001, "x", time.Now())
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(8 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonMaxDeliverExceeded || entry.Attempts < 2 {
		t.Fatalf("unexpected dlq entry %+v", entry)
	}
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected at least two handler calls, got %d", got)
	}
}

func TestNewWorkerRequiresHandler(t *testing.T) {
	t.Parallel()

	if _, err := NewWorker(config.QueueConfig{}, logging.Discard(), nil); err == nil {
		t.Fatalf("expected error without handler")
	}
}
