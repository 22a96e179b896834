package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tgmonitor/internal/clock"
	"tgmonitor/internal/config"
	"tgmonitor/internal/logging"
)

const (
	outboxStreamMaxAge = 24 * time.Hour
	dlqStreamMaxAge    = 7 * 24 * time.Hour
)

// Producer publishes delivery jobs into the outbox stream.
type Producer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	clock   clock.Clock
}

// NewProducer connects and ensures the outbox streams exist.
// Params: queue config and clock for job timestamps.
// Returns: producer or setup error.
func NewProducer(cfg config.QueueConfig, clk clock.Clock) (*Producer, error) {
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Producer{nc: nc, js: js, subject: cfg.Subject, clock: clk}, nil
}

// Enqueue publishes one job; the job id doubles as the dedupe id.
// Params: context and job.
// Returns: publish error.
func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal outbox job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish outbox job: %w", err)
	}
	return nil
}

// Send enqueues text for chatID so the producer can stand in for a direct sender.
func (p *Producer) Send(ctx context.Context, chatID int64, text string) error {
	return p.Enqueue(ctx, NewJob(chatID, text, p.clock.Now()))
}

// Close closes the producer connection.
func (p *Producer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// Worker consumes outbox jobs through a durable queue-group consumer.
type Worker struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	sub       *nats.Subscription
	logger    *slog.Logger
	handler   Handler
	cfg       config.QueueConfig
	ackWait   time.Duration
	nackDelay time.Duration
}

// NewWorker starts the consumer.
// Params: queue config, logger and per-job handler.
// Returns: running worker or setup error.
func NewWorker(cfg config.QueueConfig, logger *slog.Logger, handler Handler) (*Worker, error) {
	if handler == nil {
		return nil, errors.New("outbox handler is required")
	}
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &Worker{
		nc:        nc,
		js:        js,
		logger:    logging.Component(logger, "outbox"),
		handler:   handler,
		cfg:       cfg,
		ackWait:   time.Duration(cfg.AckWaitSec) * time.Second,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(worker.ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe outbox %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handle delivers one message and decides between ack, nak and dead-lettering.
func (w *Worker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("outbox decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.ackWait)
	defer cancel()
	err := w.handler(ctx, job)
	if err == nil {
		_ = message.Ack()
		return
	}

	w.logger.Error("outbox delivery failed", "job_id", job.ID, "chat_id", job.ChatID, "error", err.Error())
	attempts := deliveryAttempts(message)
	reason := classify(err, attempts, w.cfg.MaxDeliver)
	if reason == "" {
		w.nak(message)
		return
	}
	if w.cfg.DLQ {
		if dlqErr := w.publishDLQ(ctx, message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("outbox dlq publish failed", "job_id", job.ID, "reason", reason, "error", dlqErr.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *Worker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// publishDLQ records a failed job on the dead-letter subject.
func (w *Worker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:           job,
		Reason:        reason,
		Error:         strings.TrimSpace(cause.Error()),
		Attempts:      attempts,
		MaxDeliver:    w.cfg.MaxDeliver,
		Subject:       message.Subject,
		FailedAt:      time.Now().UTC(),
		OriginalMsgID: strings.TrimSpace(message.Header.Get(nats.MsgIdHdr)),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal outbox dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.cfg.DLQSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id+":dlq:"+string(reason)+":"+strconv.FormatUint(attempts, 10))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish outbox dlq entry: %w", err)
	}
	return nil
}

// Close drains the subscription and closes the connection.
func (w *Worker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// ensureStream creates the stream when it does not exist yet.
func ensureStream(js nats.JetStreamContext, name, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", name, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	return nil
}

// openJetStream connects and ensures the outbox and optional DLQ streams.
func openJetStream(cfg config.QueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("tgmonitor-outbox"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect outbox nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for outbox: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, outboxStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts reads the delivery counter from JetStream metadata.
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered == 0 {
		return 1
	}
	return metadata.NumDelivered
}
