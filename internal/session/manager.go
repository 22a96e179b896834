package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
	"tgmonitor/internal/logging"
)

// SessionTTL is how long an exported session stays in the cache.
const SessionTTL = 30 * 24 * time.Hour

var phonePattern = regexp.MustCompile(`^\+\d{6,15}$`)

// CacheKey returns the cache key holding the exported session of phone.
func CacheKey(phone string) string {
	return "telegram:session:" + phone
}

// Cache is the best-effort store for exported sessions.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Expire(ctx context.Context, key string, ttl time.Duration) bool
}

type stepKind int

const (
	stepNone stepKind = iota
	stepCode
	stepPassword
)

type pendingStep struct {
	kind     stepKind
	phone    string
	codeHash string
}

// Manager owns the one live gateway client and drives the login state machine.
// Login, Reconnect and Disconnect are serialized; Client and IsLoggedIn never block on them.
type Manager struct {
	mu      sync.Mutex
	dialer  gateway.Dialer
	cache   Cache
	logger  *slog.Logger
	pending pendingStep
	hooks   []func()

	clientMu sync.RWMutex
	client   gateway.Client
	state    domain.LoginState
	phone    string
}

// NewManager wires dialer, session cache and logger.
// Params: gateway dialer, cache (may be nil) and logger.
// Returns: manager in NotLoggedIn state.
func NewManager(dialer gateway.Dialer, cache Cache, logger *slog.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		cache:  cache,
		logger: logging.Component(logger, "session"),
		state:  domain.NotLoggedIn,
	}
}

// OnDisconnect registers a teardown hook run whenever the client is dropped.
func (m *Manager) OnDisconnect(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// BindPhone records phone without contacting the gateway so Reconnect can log in later.
// Params: E.164 phone number.
// Returns: ErrInvalidPhoneFormat for malformed input.
func (m *Manager) BindPhone(phone string) error {
	phone = stripSpaces(phone)
	if !phonePattern.MatchString(phone) {
		return domain.ErrInvalidPhoneFormat
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Phone() == "" {
		m.setPhone(phone)
	}
	return nil
}

// Login runs one step of the login flow.
// Params: phone number and optional login info (code, password or session string).
// Returns: resulting login state or error.
func (m *Manager) Login(ctx context.Context, phone, loginInfo string) (domain.LoginState, error) {
	phone = stripSpaces(phone)
	info := stripSpaces(loginInfo)
	if !phonePattern.MatchString(phone) {
		return domain.NotLoggedIn, domain.ErrInvalidPhoneFormat
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx, phone, info)
}

func (m *Manager) loginLocked(ctx context.Context, phone, info string) (domain.LoginState, error) {
	if current := m.Phone(); current != phone && m.Client() != nil {
		m.logger.Info("phone changed, dropping current session", "from", current, "to", phone)
		m.disconnectLocked(ctx)
	}
	m.setPhone(phone)

	if info != "" && m.pending.kind != stepNone && m.pending.phone == phone && m.Client() != nil {
		return m.completeStepLocked(ctx, info)
	}

	credential := info
	if credential == "" && m.cache != nil {
		credential, _ = m.cache.Get(ctx, CacheKey(phone))
	}

	if m.Client() != nil {
		m.disconnectLocked(ctx)
	}
	client, err := m.dialer.Dial(ctx, phone)
	if err != nil {
		m.setState(domain.NotLoggedIn)
		return domain.NotLoggedIn, fmt.Errorf("dial gateway: %w", err)
	}
	if err := client.Connect(ctx, credential); err != nil {
		m.setState(domain.NotLoggedIn)
		return domain.NotLoggedIn, fmt.Errorf("connect: %w", err)
	}
	m.setClient(client)

	authorized, err := client.Authorized(ctx)
	if err != nil {
		return m.State(), fmt.Errorf("check authorization: %w", err)
	}
	if authorized {
		m.pending = pendingStep{}
		m.persistLocked(ctx, client, phone, credential)
		m.setState(domain.LoggedIn)
		m.logger.Info("logged in", "phone", phone)
		return domain.LoggedIn, nil
	}

	if info != "" {
		return domain.NotLoggedIn, domain.ErrCodeNotRequested
	}

	codeHash, err := client.SendCode(ctx, phone)
	if err != nil {
		m.setState(domain.NotLoggedIn)
		return domain.NotLoggedIn, fmt.Errorf("send code: %w", err)
	}
	m.pending = pendingStep{kind: stepCode, phone: phone, codeHash: codeHash}
	m.setState(domain.WaitingForVerificationCode)
	m.logger.Info("verification code sent", "phone", phone)
	return domain.WaitingForVerificationCode, nil
}

// completeStepLocked submits a code or password for the pending step.
func (m *Manager) completeStepLocked(ctx context.Context, info string) (domain.LoginState, error) {
	client := m.Client()
	var err error
	switch m.pending.kind {
	case stepCode:
		err = client.SignIn(ctx, m.pending.phone, m.pending.codeHash, info)
		if errors.Is(err, domain.ErrPasswordRequired) {
			m.pending.kind = stepPassword
			m.setState(domain.WaitingForPassword)
			m.logger.Info("two-factor password required", "phone", m.pending.phone)
			return domain.WaitingForPassword, nil
		}
	case stepPassword:
		err = client.CheckPassword(ctx, info)
	}
	if err != nil {
		return m.State(), err
	}

	phone := m.pending.phone
	m.pending = pendingStep{}
	m.persistLocked(ctx, client, phone, "")
	m.setState(domain.LoggedIn)
	m.logger.Info("logged in", "phone", phone)
	return domain.LoggedIn, nil
}

// persistLocked exports the session into the cache; failures are only logged.
// An unchanged session only gets its expiry pushed back.
func (m *Manager) persistLocked(ctx context.Context, client gateway.Client, phone, previous string) {
	if m.cache == nil {
		return
	}
	session, err := client.ExportSession(ctx)
	if err != nil {
		m.logger.Warn("export session failed", "phone", phone, "error", err.Error())
		return
	}
	key := CacheKey(phone)
	if previous != "" && session == previous && m.cache.Expire(ctx, key, SessionTTL) {
		return
	}
	m.cache.Set(ctx, key, session, SessionTTL)
}

// Reconnect logs in again with the bound phone and cached session.
// Params: ctx for gateway calls.
// Returns: login state, or ErrNoStoredPhone before any login.
func (m *Manager) Reconnect(ctx context.Context) (domain.LoginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phone := m.Phone()
	if phone == "" {
		return domain.NotLoggedIn, domain.ErrNoStoredPhone
	}
	return m.loginLocked(ctx, phone, "")
}

// Disconnect closes the client and runs teardown hooks; repeated calls are no-ops.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(ctx)
}

func (m *Manager) disconnectLocked(ctx context.Context) {
	client := m.Client()
	m.pending = pendingStep{}
	if client == nil {
		return
	}
	if err := client.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed", "error", err.Error())
	}
	m.setClient(nil)
	m.setState(domain.NotLoggedIn)
	for _, hook := range m.hooks {
		hook()
	}
}

// IsLoggedIn reports whether a client exists and is connected.
func (m *Manager) IsLoggedIn() bool {
	client := m.Client()
	return client != nil && client.Connected()
}

// Client returns the current client or nil.
func (m *Manager) Client() gateway.Client {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()
	return m.client
}

// State returns the last login state.
func (m *Manager) State() domain.LoginState {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()
	return m.state
}

// Phone returns the bound phone number.
func (m *Manager) Phone() string {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()
	return m.phone
}

func (m *Manager) setPhone(phone string) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	m.phone = phone
}

func (m *Manager) setClient(client gateway.Client) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	m.client = client
}

func (m *Manager) setState(state domain.LoginState) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	m.state = state
}

func stripSpaces(value string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)
}
