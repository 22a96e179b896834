// Package monitor forwards keyword-matched messages from the live session to a target chat.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
	"tgmonitor/internal/keyword"
	"tgmonitor/internal/logging"
	"tgmonitor/internal/msgfmt"
	"tgmonitor/internal/peer"

	"golang.org/x/sync/semaphore"
)

const (
	defaultDialogLimit   = 100
	defaultMaxInFlight   = 16
	defaultHandleTimeout = 30 * time.Second
)

// RuleSource returns the current keyword snapshot.
type RuleSource interface {
	ListAll(ctx context.Context) ([]domain.KeywordRule, error)
}

// SessionView exposes the live gateway client.
type SessionView interface {
	Client() gateway.Client
	IsLoggedIn() bool
}

// Sender delivers rendered MarkdownV2 text to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Forwarded describes one message delivered to the target chat.
type Forwarded struct {
	SourceID    int64     `json:"sourceId"`
	SourceTitle string    `json:"sourceTitle"`
	SenderID    int64     `json:"senderId"`
	SenderTitle string    `json:"senderTitle"`
	SenderKind  string    `json:"senderKind"`
	MessageID   int64     `json:"messageId,omitempty"`
	Text        string    `json:"text"`
	Keywords    []string  `json:"keywords"`
	Time        time.Time `json:"time"`
}

// Observer is notified about forwarded messages and monitor status changes.
type Observer interface {
	MonitorStatusChanged(active bool, reason string)
	MessageForwarded(msg Forwarded)
}

// Outcome is the gate a handled event stopped at.
type Outcome string

const (
	OutcomeForwarded  Outcome = "forwarded"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeExcluded   Outcome = "excluded"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeFailed     Outcome = "failed"
)

// Options tunes the pipeline; zero values select defaults.
type Options struct {
	DialogLimit   int
	MaxInFlight   int
	HandleTimeout time.Duration
}

// Pipeline owns the monitoring flag, target chat and event subscription.
// Start and Stop are serialized; event handling runs concurrently with both.
type Pipeline struct {
	opMu sync.Mutex

	mu         sync.RWMutex
	monitoring bool
	target     int64
	hasTarget  bool
	ad         string
	sub        gateway.Subscription
	observers  []Observer
	closed     bool

	session  SessionView
	resolver *peer.Resolver
	rules    RuleSource
	sender   Sender
	opts     Options
	logger   *slog.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewPipeline wires the pipeline collaborators.
// Params: session view, peer resolver, rule source, sender, options and logger.
// Returns: idle pipeline without target.
func NewPipeline(session SessionView, resolver *peer.Resolver, rules RuleSource, sender Sender, opts Options, logger *slog.Logger) *Pipeline {
	if opts.DialogLimit <= 0 {
		opts.DialogLimit = defaultDialogLimit
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = defaultHandleTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		session:  session,
		resolver: resolver,
		rules:    rules,
		sender:   sender,
		opts:     opts,
		logger:   logging.Component(logger, "monitor"),
		sem:      semaphore.NewWeighted(int64(opts.MaxInFlight)),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// AddObserver registers an observer.
func (p *Pipeline) AddObserver(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// SetTarget sets the chat forwarded messages are sent to.
func (p *Pipeline) SetTarget(chatID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = chatID
	p.hasTarget = true
	p.logger.Info("target chat set", "chat_id", chatID)
}

// Target returns the target chat and whether one is set.
func (p *Pipeline) Target() (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target, p.hasTarget
}

// SetAdvertisement replaces the trailing advertisement line.
func (p *Pipeline) SetAdvertisement(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ad = text
}

// Advertisement returns the current advertisement line.
func (p *Pipeline) Advertisement() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ad
}

// Start subscribes to new messages and primes the peer cache from the dialog list.
// Params: ctx bounding the dialog fetch.
// Returns: typed start result; failures are logged and reported as MonitorError.
func (p *Pipeline) Start(ctx context.Context) domain.MonitorStartResult {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if _, ok := p.Target(); !ok {
		return domain.MonitorMissingTarget
	}
	client := p.session.Client()
	if client == nil || !client.Connected() {
		return domain.MonitorError
	}
	if p.Active() {
		return domain.MonitorAlreadyRunning
	}

	sub, err := client.SubscribeNewMessage(p.dispatch)
	if err != nil {
		p.logger.Error("subscribe failed", "error", err.Error())
		return domain.MonitorError
	}
	dialogs, err := client.GetDialogs(ctx, p.opts.DialogLimit)
	if err != nil {
		p.logger.Error("dialog prefill failed", "error", err.Error())
		if unsubErr := sub.Unsubscribe(); unsubErr != nil {
			p.logger.Warn("unsubscribe failed", "error", unsubErr.Error())
		}
		return domain.MonitorError
	}
	p.resolver.Prime(dialogs)

	p.mu.Lock()
	p.sub = sub
	p.monitoring = true
	p.mu.Unlock()

	p.logger.Info("monitor started", "dialogs", len(dialogs), "cached_peers", p.resolver.Len())
	p.notifyStatus(true, domain.MonitorStarted.String())
	return domain.MonitorStarted
}

// Stop cancels the subscription; calling it while idle is a no-op.
func (p *Pipeline) Stop() {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	sub := p.sub
	wasActive := p.monitoring
	p.sub = nil
	p.monitoring = false
	p.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe failed", "error", err.Error())
		}
	}
	if wasActive {
		p.logger.Info("monitor stopped")
		p.notifyStatus(false, "Stopped")
	}
}

// Active reports whether the monitor is running.
func (p *Pipeline) Active() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.monitoring
}

// Status reports login and monitoring state; monitoring requires a live login.
func (p *Pipeline) Status() domain.Status {
	loggedIn := p.session.IsLoggedIn()
	return domain.Status{LoggedIn: loggedIn, Monitoring: loggedIn && p.Active()}
}

// ListDialogs returns the chats the account can still post to.
// Params: ctx for the gateway call.
// Returns: dialog entries or ErrNotLoggedIn.
func (p *Pipeline) ListDialogs(ctx context.Context) ([]domain.Dialog, error) {
	client := p.session.Client()
	if client == nil || !p.session.IsLoggedIn() {
		return nil, domain.ErrNotLoggedIn
	}
	peers, err := client.GetDialogs(ctx, p.opts.DialogLimit)
	if err != nil {
		return nil, err
	}
	dialogs := make([]domain.Dialog, 0, len(peers))
	for _, item := range peers {
		if !item.CanSend() {
			continue
		}
		dialogs = append(dialogs, domain.DialogOf(item))
	}
	return dialogs, nil
}

// dispatch is the subscription callback; it hands events to bounded background handlers.
func (p *Pipeline) dispatch(event domain.InboundEvent) {
	if !event.HasText() {
		return
	}
	if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
		return
	}
	p.mu.RLock()
	if p.closed || !p.monitoring {
		p.mu.RUnlock()
		p.sem.Release(1)
		return
	}
	p.inflight.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.inflight.Done()
		defer p.sem.Release(1)
		ctx, cancel := context.WithTimeout(p.baseCtx, p.opts.HandleTimeout)
		defer cancel()
		p.HandleMessage(ctx, event)
	}()
}

// HandleMessage runs one event through the keyword gates and forwards it on a match.
// Params: ctx for collaborator calls and the inbound event.
// Returns: the gate the event stopped at.
func (p *Pipeline) HandleMessage(ctx context.Context, event domain.InboundEvent) Outcome {
	if !p.Active() || !event.HasText() {
		return OutcomeIgnored
	}
	target, ok := p.Target()
	if !ok {
		return OutcomeIgnored
	}

	rules, err := p.rules.ListAll(ctx)
	if err != nil {
		p.logger.Warn("keyword snapshot unavailable", "error", err.Error())
		return OutcomeFailed
	}

	textMatches := keyword.MatchText(event.Text, rules)
	if len(textMatches) == 0 {
		return OutcomeIgnored
	}
	if hasAction(textMatches, domain.ActionExclude) {
		p.logger.Debug("message excluded by keyword", "source_id", event.SourceID, "message_id", event.MessageID)
		return OutcomeExcluded
	}
	monitored := withAction(textMatches, domain.ActionMonitor)
	if len(monitored) == 0 {
		return OutcomeIgnored
	}

	source := p.resolver.Resolve(ctx, event.SourceID)
	if source == nil {
		p.logger.Warn("source unresolved, message dropped", "source_id", event.SourceID)
		return OutcomeUnresolved
	}
	sender := source
	if event.SenderID != 0 {
		sender = p.resolver.Resolve(ctx, event.SenderID)
		if sender == nil {
			p.logger.Warn("sender unresolved, message dropped", "sender_id", event.SenderID)
			return OutcomeUnresolved
		}
	}

	userMatches := keyword.MatchUser(sender.ID, sender.Usernames, rules)
	if hasAction(userMatches, domain.ActionExclude) {
		p.logger.Debug("message excluded by sender", "sender_id", sender.ID)
		return OutcomeExcluded
	}
	shown := monitored
	if userMonitored := withAction(userMatches, domain.ActionMonitor); len(userMonitored) > 0 {
		shown = userMonitored
	}

	eventTime := event.EventTime()
	text := msgfmt.FormatForMonitor(msgfmt.MonitorMessage{
		Text:          event.Text,
		Source:        *source,
		Sender:        *sender,
		Keywords:      shown,
		Time:          eventTime,
		MessageID:     event.MessageID,
		Advertisement: p.Advertisement(),
	})
	if err := p.sender.Send(ctx, target, text); err != nil {
		p.logger.Error("forward failed", "target", target, "source_id", source.ID, "error", err.Error())
		return OutcomeFailed
	}

	senderKind, _ := p.resolver.Kind(sender.ID)
	p.logger.Info("message forwarded", "source_id", source.ID, "sender_id", sender.ID, "sender_kind", senderKind.String(), "keywords", len(shown))
	p.notifyForwarded(Forwarded{
		SourceID:    source.ID,
		SourceTitle: source.Title,
		SenderID:    sender.ID,
		SenderTitle: sender.Title,
		SenderKind:  senderKind.String(),
		MessageID:   event.MessageID,
		Text:        event.Text,
		Keywords:    contents(shown),
		Time:        eventTime,
	})
	return OutcomeForwarded
}

// Shutdown stops monitoring and waits for in-flight handlers.
// Params: ctx bounding the wait; remaining handlers are cancelled when it expires.
// Returns: ctx error when the wait was cut short.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.Stop()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.cancel()
	<-done
	return err
}

func (p *Pipeline) notifyStatus(active bool, reason string) {
	for _, observer := range p.snapshotObservers() {
		observer.MonitorStatusChanged(active, reason)
	}
}

func (p *Pipeline) notifyForwarded(msg Forwarded) {
	for _, observer := range p.snapshotObservers() {
		observer.MessageForwarded(msg)
	}
}

func (p *Pipeline) snapshotObservers() []Observer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Observer(nil), p.observers...)
}

func hasAction(rules []domain.KeywordRule, action domain.KeywordAction) bool {
	for _, rule := range rules {
		if rule.Action == action {
			return true
		}
	}
	return false
}

func withAction(rules []domain.KeywordRule, action domain.KeywordAction) []domain.KeywordRule {
	var out []domain.KeywordRule
	for _, rule := range rules {
		if rule.Action == action {
			out = append(out, rule)
		}
	}
	return out
}

func contents(rules []domain.KeywordRule) []string {
	out := make([]string, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule.Content)
	}
	return out
}
