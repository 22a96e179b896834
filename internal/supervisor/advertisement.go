package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"tgmonitor/internal/config"
	"tgmonitor/internal/logging"
)

const (
	defaultAdInterval = 30 * time.Minute
	defaultAdTimeout  = 10 * time.Second
	maxAdBytes        = 4096
)

// AdSink receives refreshed advertisement text.
type AdSink interface {
	SetAdvertisement(text string)
}

// AdvertisementFetcher refreshes the advertisement line from a URL and/or a watched file.
type AdvertisementFetcher struct {
	url      string
	file     string
	interval time.Duration
	client   *http.Client
	sink     AdSink
	logger   *slog.Logger
}

// NewAdvertisementFetcher creates a fetcher.
// Params: advertisement config, sink and logger.
// Returns: fetcher ready for Run.
func NewAdvertisementFetcher(cfg config.AdvertisementConfig, sink AdSink, logger *slog.Logger) *AdvertisementFetcher {
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultAdInterval
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultAdTimeout
	}
	file := strings.TrimSpace(cfg.File)
	if file != "" {
		file = filepath.Clean(file)
	}
	return &AdvertisementFetcher{
		url:      strings.TrimSpace(cfg.URL),
		file:     file,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		sink:     sink,
		logger:   logging.Component(logger, "advertisement"),
	}
}

// Run loads the advertisement once, then refreshes on every interval and on file writes.
// Params: ctx tied to process shutdown.
// Returns: watcher setup error, or nil on shutdown.
func (f *AdvertisementFetcher) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	if f.file != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create advertisement watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(f.file)); err != nil {
			return fmt.Errorf("watch %q: %w", filepath.Dir(f.file), err)
		}
		events, watchErrors = watcher.Events, watcher.Errors
	}

	f.Refresh(ctx)

	var tick <-chan time.Time
	if f.url != "" {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			f.refreshURL(ctx)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != f.file || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			f.refreshFile()
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			f.logger.Warn("advertisement watcher error", "error", err.Error())
		}
	}
}

// Refresh loads every configured source once; the URL wins over the file when both succeed.
func (f *AdvertisementFetcher) Refresh(ctx context.Context) {
	if f.file != "" {
		f.refreshFile()
	}
	if f.url != "" {
		f.refreshURL(ctx)
	}
}

func (f *AdvertisementFetcher) refreshURL(ctx context.Context) {
	text, err := f.Fetch(ctx)
	if err != nil {
		f.logger.Warn("advertisement fetch failed", "url", f.url, "error", err.Error())
		return
	}
	f.sink.SetAdvertisement(text)
	f.logger.Debug("advertisement refreshed", "source", "url", "length", len(text))
}

func (f *AdvertisementFetcher) refreshFile() {
	text, err := f.ReadFile()
	if err != nil {
		f.logger.Warn("advertisement file unreadable", "path", f.file, "error", err.Error())
		return
	}
	f.sink.SetAdvertisement(text)
	f.logger.Debug("advertisement refreshed", "source", "file", "length", len(text))
}

// Fetch downloads the advertisement text.
// Params: ctx for the request.
// Returns: trimmed body, or error for non-200 and empty bodies.
func (f *AdvertisementFetcher) Fetch(ctx context.Context) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	request.Close = true
	response, err := f.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxAdBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", errors.New("empty advertisement")
	}
	return text, nil
}

// ReadFile reads the advertisement from the local file.
// Params: none.
// Returns: trimmed content; an empty file clears the advertisement.
func (f *AdvertisementFetcher) ReadFile() (string, error) {
	body, err := os.ReadFile(f.file)
	if err != nil {
		return "", err
	}
	if len(body) > maxAdBytes {
		body = body[:maxAdBytes]
	}
	return strings.TrimSpace(string(body)), nil
}
