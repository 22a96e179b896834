package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"tgmonitor/internal/config"
	"tgmonitor/internal/domain"
	"tgmonitor/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	mu         sync.Mutex
	loggedIn   bool
	current    domain.LoginState
	state      domain.LoginState
	err        error
	reconnects int
	onDrop     func()
}

func (s *fakeSession) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

func (s *fakeSession) State() domain.LoginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSession) Reconnect(context.Context) (domain.LoginState, error) {
	s.mu.Lock()
	s.reconnects++
	onDrop := s.onDrop
	s.mu.Unlock()
	if onDrop != nil {
		onDrop()
	}
	if s.err != nil {
		return domain.NotLoggedIn, s.err
	}
	s.mu.Lock()
	s.loggedIn = s.state == domain.LoggedIn
	s.mu.Unlock()
	return s.state, nil
}

type fakeMonitor struct {
	mu     sync.Mutex
	active bool
	starts int
	stops  int
}

func (m *fakeMonitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *fakeMonitor) Start(context.Context) domain.MonitorStartResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	m.active = true
	return domain.MonitorStarted
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.active = false
}

type adSink struct {
	mu   sync.Mutex
	text string
	sets int
}

func (s *adSink) SetAdvertisement(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	s.sets++
}

func (s *adSink) get() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.sets
}

func TestCheckHealthySessionDoesNothing(t *testing.T) {
	t.Parallel()

	session := &fakeSession{loggedIn: true}
	monitor := &fakeMonitor{active: true}
	state := NewHealthChecker(session, monitor, 0, logging.Discard()).Check(context.Background())
	if state != domain.LoggedIn || session.reconnects != 0 || monitor.starts != 0 {
		t.Fatalf("healthy session must not reconnect: state=%v reconnects=%d", state, session.reconnects)
	}
}

func TestCheckRestartsMonitorThatWasActive(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{active: true}
	// Reconnect tears the old client down, which stops the monitor before the check can see it.
	session := &fakeSession{state: domain.LoggedIn, onDrop: monitor.Stop}

	state := NewHealthChecker(session, monitor, time.Second, logging.Discard()).Check(context.Background())
	if state != domain.LoggedIn || session.reconnects != 1 {
		t.Fatalf("expected reconnect, got state=%v reconnects=%d", state, session.reconnects)
	}
	if !monitor.Active() || monitor.starts != 1 {
		t.Fatalf("monitor must be restarted, starts=%d", monitor.starts)
	}
}

func TestCheckLeavesIdleMonitorAlone(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{}
	session := &fakeSession{state: domain.LoggedIn}
	NewHealthChecker(session, monitor, time.Second, logging.Discard()).Check(context.Background())
	if monitor.starts != 0 {
		t.Fatalf("idle monitor must stay idle")
	}
}

func TestCheckReportsReconnectFailures(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{active: true}
	failing := &fakeSession{err: errors.New("gateway down")}
	if state := NewHealthChecker(failing, monitor, time.Second, logging.Discard()).Check(context.Background()); state != domain.NotLoggedIn {
		t.Fatalf("expected NotLoggedIn, got %v", state)
	}

	waiting := &fakeSession{state: domain.WaitingForVerificationCode}
	if state := NewHealthChecker(waiting, monitor, time.Second, logging.Discard()).Check(context.Background()); state != domain.WaitingForVerificationCode {
		t.Fatalf("expected code prompt state, got %v", state)
	}
	if monitor.starts != 0 {
		t.Fatalf("monitor must not restart without login")
	}
}

func TestCheckSkipsPendingLogin(t *testing.T) {
	t.Parallel()

	session := &fakeSession{current: domain.WaitingForPassword, state: domain.LoggedIn}
	state := NewHealthChecker(session, &fakeMonitor{}, time.Second, logging.Discard()).Check(context.Background())
	if state != domain.WaitingForPassword || session.reconnects != 0 {
		t.Fatalf("pending login must not be reset: state=%v reconnects=%d", state, session.reconnects)
	}
}

func TestHealthRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	session := &fakeSession{state: domain.LoggedIn}
	checker := NewHealthChecker(session, &fakeMonitor{}, 5*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- checker.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		session.mu.Lock()
		reconnects := session.reconnects
		session.mu.Unlock()
		if reconnects > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health check never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	var body atomic.Value
	body.Store("  Join our channel!\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer server.Close()

	sink := &adSink{}
	fetcher := NewAdvertisementFetcher(config.AdvertisementConfig{URL: server.URL, TimeoutSec: 1}, sink, logging.Discard())

	fetcher.Refresh(context.Background())
	if text, _ := sink.get(); text != "Join our channel!" {
		t.Fatalf("unexpected advertisement %q", text)
	}

	status.Store(http.StatusInternalServerError)
	if _, err := fetcher.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for non-200")
	}
	status.Store(http.StatusOK)
	body.Store("   ")
	if _, err := fetcher.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for empty body")
	}

	fetcher.Refresh(context.Background())
	if text, sets := sink.get(); text != "Join our channel!" || sets != 1 {
		t.Fatalf("failed fetch must keep previous advertisement, got %q after %d sets", text, sets)
	}
}

func TestAdvertisementFileIsWatched(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ad.txt")
	if err := os.WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink := &adSink{}
	fetcher := NewAdvertisementFetcher(config.AdvertisementConfig{File: path}, sink, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fetcher.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	waitForAd(t, sink, "first")
	if err := os.WriteFile(path, []byte("second\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitForAd(t, sink, "second")
}

func TestRunFailsForMissingDirectory(t *testing.T) {
	t.Parallel()

	fetcher := NewAdvertisementFetcher(config.AdvertisementConfig{File: filepath.Join(t.TempDir(), "missing", "ad.txt")}, &adSink{}, logging.Discard())
	if err := fetcher.Run(context.Background()); err == nil {
		t.Fatalf("expected watch error")
	}
}

func waitForAd(t *testing.T, sink *adSink, want string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if text, _ := sink.get(); text == want {
			return
		}
		if time.Now().After(deadline) {
			text, _ := sink.get()
			t.Fatalf("advertisement = %q, want %q", text, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
