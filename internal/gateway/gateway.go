// Package gateway talks to the user-account gateway that owns the MTProto connection.
// The service never speaks MTProto itself: every account operation is a NATS
// request/reply round trip and new messages arrive as published events.
package gateway

import (
	"context"

	"tgmonitor/internal/domain"
)

// Client is one account session on the gateway.
type Client interface {
	Connect(ctx context.Context, session string) error
	Disconnect(ctx context.Context) error
	Connected() bool
	Authorized(ctx context.Context) (bool, error)
	SendCode(ctx context.Context, phone string) (string, error)
	SignIn(ctx context.Context, phone, phoneCodeHash, code string) error
	CheckPassword(ctx context.Context, password string) error
	ExportSession(ctx context.Context) (string, error)
	GetDialogs(ctx context.Context, limit int) ([]domain.Peer, error)
	GetEntity(ctx context.Context, id int64) (domain.Peer, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SubscribeNewMessage(handler func(domain.InboundEvent)) (Subscription, error)
}

// Subscription cancels a new-message registration.
type Subscription interface {
	Unsubscribe() error
}

// Dialer opens a client bound to one phone number.
type Dialer interface {
	Dial(ctx context.Context, phone string) (Client, error)
}
