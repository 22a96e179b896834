// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
)

// SentMessage records one SendMessage call.
type SentMessage struct {
	ChatID int64
	Text   string
}

// Account simulates one phone's account on the gateway.
// Fields set before use configure behavior; the rest is observable state.
type Account struct {
	Phone    string
	Code     string
	Password string
	CodeHash string
	Session  string
	Dialogs  []domain.Peer
	Peers    map[int64]domain.Peer

	mu         sync.Mutex
	connected  bool
	authorized bool
	calls      []string
	sent       []SentMessage
	handlers   map[int]func(domain.InboundEvent)
	nextHandle int
	failures   map[string]error
}

// NewAccount returns an account with a fixed code, code hash and session blob.
func NewAccount(phone string) *Account {
	return &Account{
		Phone:    phone,
		Code:     "12345",
		CodeHash: "hash-" + phone,
		Session:  "session-" + phone,
		Peers:    make(map[int64]domain.Peer),
		handlers: make(map[int]func(domain.InboundEvent)),
		failures: make(map[string]error),
	}
}

// AddPeer registers a resolvable peer.
func (a *Account) AddPeer(peer domain.Peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Peers[peer.ID] = peer
}

// FailNext makes the next call of op return err.
func (a *Account) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = err
}

// Drop simulates a network drop: the client reports disconnected.
func (a *Account) Drop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
}

// Emit delivers an event synchronously to every subscribed handler.
func (a *Account) Emit(event domain.InboundEvent) {
	a.mu.Lock()
	handlers := make([]func(domain.InboundEvent), 0, len(a.handlers))
	for _, handler := range a.handlers {
		handlers = append(handlers, handler)
	}
	a.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

// Subscribers returns the number of active event handlers.
func (a *Account) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

// Sent returns recorded outgoing messages.
func (a *Account) Sent() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentMessage(nil), a.sent...)
}

// Calls returns the operation log.
func (a *Account) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// IsAuthorized reports account authorization.
func (a *Account) IsAuthorized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authorized
}

// enter records op and returns an injected failure; caller holds no lock.
func (a *Account) enter(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op)
	if err, ok := a.failures[op]; ok {
		delete(a.failures, op)
		return err
	}
	return nil
}

// Client is the fake gateway.Client handed out by Dialer.
type Client struct {
	account *Account
}

var _ gateway.Client = (*Client)(nil)

func (c *Client) Connect(_ context.Context, session string) error {
	if err := c.account.enter("connect"); err != nil {
		return err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	a.authorized = session != "" && session == a.Session
	return nil
}

func (c *Client) Disconnect(_ context.Context) error {
	if err := c.account.enter("disconnect"); err != nil {
		return err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.handlers = make(map[int]func(domain.InboundEvent))
	return nil
}

func (c *Client) Connected() bool {
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (c *Client) Authorized(_ context.Context) (bool, error) {
	if err := c.account.enter("authorized"); err != nil {
		return false, err
	}
	return c.account.IsAuthorized(), nil
}

func (c *Client) SendCode(_ context.Context, phone string) (string, error) {
	if err := c.account.enter("send_code"); err != nil {
		return "", err
	}
	if phone != c.account.Phone {
		return "", fmt.Errorf("send_code: unexpected phone %q", phone)
	}
	return c.account.CodeHash, nil
}

func (c *Client) SignIn(_ context.Context, phone, phoneCodeHash, code string) error {
	if err := c.account.enter("sign_in"); err != nil {
		return err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	if phone != a.Phone || phoneCodeHash != a.CodeHash {
		return &gateway.RemoteError{Op: "sign_in", Code: "PHONE_CODE_HASH_INVALID", Message: "code hash mismatch"}
	}
	if code != a.Code {
		return &gateway.RemoteError{Op: "sign_in", Code: "PHONE_CODE_INVALID", Message: "wrong code"}
	}
	if a.Password != "" {
		return &gateway.RemoteError{Op: "sign_in", Code: gateway.CodePasswordNeeded, Message: "password required"}
	}
	a.authorized = true
	return nil
}

func (c *Client) CheckPassword(_ context.Context, password string) error {
	if err := c.account.enter("check_password"); err != nil {
		return err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	if password != a.Password {
		return &gateway.RemoteError{Op: "check_password", Code: "PASSWORD_HASH_INVALID", Message: "wrong password"}
	}
	a.authorized = true
	return nil
}

func (c *Client) ExportSession(_ context.Context) (string, error) {
	if err := c.account.enter("export_session"); err != nil {
		return "", err
	}
	if !c.account.IsAuthorized() {
		return "", errors.New("export_session: not authorized")
	}
	return c.account.Session, nil
}

func (c *Client) GetDialogs(_ context.Context, limit int) ([]domain.Peer, error) {
	if err := c.account.enter("dialogs"); err != nil {
		return nil, err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	dialogs := a.Dialogs
	if limit > 0 && len(dialogs) > limit {
		dialogs = dialogs[:limit]
	}
	return append([]domain.Peer(nil), dialogs...), nil
}

func (c *Client) GetEntity(_ context.Context, id int64) (domain.Peer, error) {
	if err := c.account.enter("entity"); err != nil {
		return domain.Peer{}, err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	peer, ok := a.Peers[id]
	if !ok {
		return domain.Peer{}, &gateway.RemoteError{Op: "entity", Code: gateway.CodePeerIDInvalid, Message: "unknown peer"}
	}
	return peer, nil
}

func (c *Client) SendMessage(_ context.Context, chatID int64, text string) error {
	if err := c.account.enter("send"); err != nil {
		return err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

func (c *Client) SubscribeNewMessage(handler func(domain.InboundEvent)) (gateway.Subscription, error) {
	if err := c.account.enter("subscribe"); err != nil {
		return nil, err
	}
	a := c.account
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	handle := a.nextHandle
	a.handlers[handle] = handler
	return subscription{account: a, handle: handle}, nil
}

type subscription struct {
	account *Account
	handle  int
}

func (s subscription) Unsubscribe() error {
	s.account.mu.Lock()
	defer s.account.mu.Unlock()
	delete(s.account.handlers, s.handle)
	return nil
}

// Dialer hands out clients for registered accounts.
type Dialer struct {
	mu       sync.Mutex
	accounts map[string]*Account
	dials    int
	failNext error
}

var _ gateway.Dialer = (*Dialer)(nil)

// NewDialer registers accounts by phone.
func NewDialer(accounts ...*Account) *Dialer {
	d := &Dialer{accounts: make(map[string]*Account, len(accounts))}
	for _, account := range accounts {
		d.accounts[account.Phone] = account
	}
	return d
}

// Dial returns a client for phone, creating a default account when unknown.
func (d *Dialer) Dial(_ context.Context, phone string) (gateway.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := d.failNext; err != nil {
		d.failNext = nil
		return nil, err
	}
	account, ok := d.accounts[phone]
	if !ok {
		account = NewAccount(phone)
		d.accounts[phone] = account
	}
	return &Client{account: account}, nil
}

// Account returns the registered account for phone.
func (d *Dialer) Account(phone string) *Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accounts[phone]
}

// Dials counts Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// FailNextDial makes the next Dial return err.
func (d *Dialer) FailNextDial(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}
