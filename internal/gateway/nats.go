package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"tgmonitor/internal/config"
	"tgmonitor/internal/domain"
	"tgmonitor/internal/logging"

	"github.com/nats-io/nats.go"
)

// NATSDialer shares one NATS connection across account clients.
// Params: NATS connection, subject prefix, API credentials and request timeout.
// Returns: Dialer implementation for the session manager.
type NATSDialer struct {
	nc      *nats.Conn
	cfg     config.GatewayConfig
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSDialer connects to the gateway NATS cluster.
// Params: gateway config and logger.
// Returns: dialer or connect error.
func NewNATSDialer(cfg config.GatewayConfig, logger *slog.Logger) (*NATSDialer, error) {
	logger = logging.Component(logger, "gateway")
	nc, err := nats.Connect(strings.Join(cfg.URL, ","),
		nats.Name("tgmonitor"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("gateway nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("gateway nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect gateway nats: %w", err)
	}
	return &NATSDialer{nc: nc, cfg: cfg, timeout: cfg.RequestTimeout(), logger: logger}, nil
}

// Dial returns a client bound to phone; no network call happens until Connect.
// Params: ctx (unused) and phone number.
// Returns: client handle.
func (d *NATSDialer) Dial(_ context.Context, phone string) (Client, error) {
	if !d.nc.IsConnected() {
		return nil, errors.New("gateway nats connection is not established")
	}
	return &NATSClient{
		nc:      d.nc,
		prefix:  d.cfg.SubjectPrefix,
		phone:   phone,
		apiID:   d.cfg.APIID,
		apiHash: d.cfg.APIHash,
		timeout: d.timeout,
		logger:  d.logger.With("phone", phone),
	}, nil
}

// Ping reports whether the NATS connection is currently up.
func (d *NATSDialer) Ping() bool {
	return d.nc.IsConnected()
}

// Close drains the shared connection.
// Params: none.
// Returns: drain error.
func (d *NATSDialer) Close() error {
	if d == nil || d.nc == nil {
		return nil
	}
	if err := d.nc.Drain(); err != nil {
		d.nc.Close()
		return err
	}
	return nil
}

// NATSClient is one account session reached over request/reply.
type NATSClient struct {
	nc        *nats.Conn
	prefix    string
	phone     string
	apiID     int
	apiHash   string
	timeout   time.Duration
	logger    *slog.Logger
	connected atomic.Bool
}

// Connect opens (or resumes) the account session on the gateway.
// Params: exported session string, empty for a fresh login.
// Returns: transport or gateway error.
func (c *NATSClient) Connect(ctx context.Context, session string) error {
	if _, err := c.call(ctx, opConnect, Request{Session: session, APIID: c.apiID, APIHash: c.apiHash, Phone: c.phone}); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

// Disconnect closes the account session; the local flag is cleared even on failure.
func (c *NATSClient) Disconnect(ctx context.Context) error {
	wasConnected := c.connected.Swap(false)
	if !wasConnected {
		return nil
	}
	_, err := c.call(ctx, opDisconnect, Request{})
	return err
}

// Connected reports the local session flag combined with NATS connectivity.
func (c *NATSClient) Connected() bool {
	return c.connected.Load() && c.nc.IsConnected()
}

// Authorized asks whether the session is signed in.
func (c *NATSClient) Authorized(ctx context.Context) (bool, error) {
	reply, err := c.call(ctx, opAuthorized, Request{})
	if err != nil {
		return false, err
	}
	return reply.Authorized, nil
}

// SendCode requests a login code.
// Params: phone number.
// Returns: phone code hash to thread into SignIn.
func (c *NATSClient) SendCode(ctx context.Context, phone string) (string, error) {
	reply, err := c.call(ctx, opSendCode, Request{Phone: phone})
	if err != nil {
		return "", err
	}
	return reply.PhoneCodeHash, nil
}

// SignIn submits the login code.
// Params: phone, phone code hash from SendCode, and code.
// Returns: error matching domain.ErrPasswordRequired when 2FA is enabled.
func (c *NATSClient) SignIn(ctx context.Context, phone, phoneCodeHash, code string) error {
	_, err := c.call(ctx, opSignIn, Request{Phone: phone, PhoneCodeHash: phoneCodeHash, Code: code})
	return err
}

// CheckPassword submits the two-factor password.
func (c *NATSClient) CheckPassword(ctx context.Context, password string) error {
	_, err := c.call(ctx, opCheckPassword, Request{Password: password})
	return err
}

// ExportSession returns the serialized session for later resume.
func (c *NATSClient) ExportSession(ctx context.Context) (string, error) {
	reply, err := c.call(ctx, opExportSession, Request{})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply.Session) == "" {
		return "", errors.New("gateway export_session: empty session")
	}
	return reply.Session, nil
}

// GetDialogs lists the most recent dialogs.
// Params: maximum number of dialogs.
// Returns: raw dialog peers.
func (c *NATSClient) GetDialogs(ctx context.Context, limit int) ([]domain.Peer, error) {
	reply, err := c.call(ctx, opDialogs, Request{Limit: limit})
	if err != nil {
		return nil, err
	}
	return reply.Dialogs, nil
}

// GetEntity resolves one peer id.
func (c *NATSClient) GetEntity(ctx context.Context, id int64) (domain.Peer, error) {
	reply, err := c.call(ctx, opEntity, Request{PeerID: id})
	if err != nil {
		return domain.Peer{}, err
	}
	if reply.Peer == nil {
		return domain.Peer{}, fmt.Errorf("gateway entity %d: empty peer", id)
	}
	return *reply.Peer, nil
}

// SendMessage sends MarkdownV2 text to a chat.
func (c *NATSClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.call(ctx, opSend, Request{ChatID: chatID, Text: text, ParseMode: ParseModeMarkdownV2})
	return err
}

// SubscribeNewMessage registers handler for this session's new-message events.
// Params: handler invoked on the NATS delivery goroutine for every valid event.
// Returns: subscription handle.
func (c *NATSClient) SubscribeNewMessage(handler func(domain.InboundEvent)) (Subscription, error) {
	subject := EventSubject(c.prefix, c.phone)
	sub, err := c.nc.Subscribe(subject, func(message *nats.Msg) {
		event, err := domain.DecodeEvent(message.Data)
		if err != nil {
			c.logger.Warn("gateway event decode failed", "subject", message.Subject, "error", err.Error())
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", subject, err)
	}
	return natsSubscription{sub: sub}, nil
}

// call performs one request/reply round trip bounded by the configured timeout.
// Params: operation and request body (session id is filled in).
// Returns: decoded reply or transport/remote error.
func (c *NATSClient) call(ctx context.Context, op string, req Request) (Reply, error) {
	req.SessionID = c.phone
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode %s request: %w", op, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, c.prefix+"."+op, body)
	if err != nil {
		return Reply{}, fmt.Errorf("gateway %s: %w", op, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode %s reply: %w", op, err)
	}
	if err := replyError(op, reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops event delivery; repeated calls are harmless.
func (s natsSubscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
