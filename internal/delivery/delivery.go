package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"tgmonitor/internal/config"
	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
	"tgmonitor/internal/logging"
	"tgmonitor/internal/permanent"
)

// Sender delivers one rendered MarkdownV2 message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// ClientSource exposes the live gateway client.
type ClientSource interface {
	Client() gateway.Client
}

// GatewaySender posts through the logged-in account.
type GatewaySender struct {
	source ClientSource
}

// NewGatewaySender creates a sender bound to the session's current client.
func NewGatewaySender(source ClientSource) *GatewaySender {
	return &GatewaySender{source: source}
}

// Send posts text through the current client.
// Params: context, target chat id and MarkdownV2 text.
// Returns: ErrNotLoggedIn without client or gateway error.
func (s *GatewaySender) Send(ctx context.Context, chatID int64, text string) error {
	client := s.source.Client()
	if client == nil || !client.Connected() {
		return domain.ErrNotLoggedIn
	}
	if err := client.SendMessage(ctx, chatID, text); err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	return nil
}

// BotSender posts through the Telegram Bot API.
type BotSender struct {
	client  *tgbot.Bot
	initErr error
}

// NewBotSender creates a Bot API sender.
// Params: bot token and API base URL.
// Returns: sender; configuration problems surface on Send.
func NewBotSender(cfg config.BotConfig) *BotSender {
	sender := &BotSender{}
	if strings.TrimSpace(cfg.Token) == "" {
		sender.initErr = permanent.Mark(errors.New("bot token is required"))
		return sender
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	client, err := tgbot.New(cfg.Token, options...)
	if err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("init bot: %w", err))
		return sender
	}
	sender.client = client
	return sender
}

// Send posts text to chatID with MarkdownV2 parse mode.
// Params: context, chat id and MarkdownV2 text.
// Returns: transport error; 4xx rejections are permanent.
func (s *BotSender) Send(ctx context.Context, chatID int64, text string) error {
	if s.initErr != nil {
		return s.initErr
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil {
		err = fmt.Errorf("bot send: %w", err)
		if isRejected(err) {
			return permanent.Mark(err)
		}
		return err
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("bot send returned empty message id")
	}
	return nil
}

func isRejected(err error) bool {
	return errors.Is(err, tgbot.ErrorBadRequest) ||
		errors.Is(err, tgbot.ErrorForbidden) ||
		errors.Is(err, tgbot.ErrorUnauthorized) ||
		errors.Is(err, tgbot.ErrorNotFound)
}

// Retrying wraps a sender with the configured retry policy.
type Retrying struct {
	next   Sender
	policy config.RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps next with policy.
// Params: inner sender, retry policy and logger.
// Returns: retrying sender; a disabled policy sends once.
func NewRetrying(next Sender, policy config.RetryConfig, logger *slog.Logger) *Retrying {
	return &Retrying{next: next, policy: policy, logger: logging.Component(logger, "delivery")}
}

// Send delivers text with retries.
// Params: context, chat id and text.
// Returns: last error after attempts are exhausted, permanent error, or ctx error.
func (r *Retrying) Send(ctx context.Context, chatID int64, text string) error {
	if !r.policy.Enabled {
		return r.next.Send(ctx, chatID, text)
	}

	attempt := 0
	backoff := time.Duration(r.policy.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(r.policy.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		err := r.next.Send(ctx, chatID, text)
		if err == nil {
			if r.policy.LogEachAttempt && attempt > 1 {
				r.logger.Info("send recovered after retries", "chat_id", chatID, "attempt", attempt)
			}
			return nil
		}
		if r.policy.LogEachAttempt {
			r.logger.Warn("send attempt failed", "chat_id", chatID, "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return err
		}
		if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
			return fmt.Errorf("send to %d failed after %d attempts: %w", chatID, attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(r.policy.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// New builds the configured sender: gateway or bot, wrapped with retries.
// Params: delivery config, session client source and logger.
// Returns: sender used by the pipeline or the outbox worker.
func New(cfg config.DeliveryConfig, source ClientSource, logger *slog.Logger) Sender {
	var base Sender
	switch cfg.Mode {
	case config.DeliveryModeBot:
		base = NewBotSender(cfg.Bot)
	default:
		base = NewGatewaySender(source)
	}
	return NewRetrying(base, cfg.Retry, logger)
}
