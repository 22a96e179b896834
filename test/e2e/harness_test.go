package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tgmonitor/internal/api"
	"tgmonitor/internal/app"
	"tgmonitor/internal/clock"
	"tgmonitor/internal/config"
	"tgmonitor/test/testutil"
)

const gatewayPrefix = "tge2e.gw"

// serviceConfig renders a config file with the HTTP port, gateway URL and a temp database.
func serviceConfig(t *testing.T, port int, natsURL, extra string) string {
	t.Helper()

	dir := t.TempDir()
	body := fmt.Sprintf(`
[log.console]
enabled = true
level = "error"
format = "line"

[http]
listen = "127.0.0.1:%d"

[storage]
dsn = %q

[gateway]
url = [%q]
subject_prefix = %q
request_timeout_ms = 2000

[health]
enabled = false
%s`, port, filepath.Join(dir, "keywords.db"), natsURL, gatewayPrefix, extra)

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// startService builds and runs the service; the returned stop cancels Run and checks its result.
func startService(t *testing.T, path string, port int) (baseURL string, stop func()) {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	testutil.WaitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})

	stop = func() {
		cancel()
		select {
		case runErr := <-done:
			if runErr != nil {
				t.Fatalf("service run error: %v", runErr)
			}
		case <-time.After(8 * time.Second):
			t.Fatalf("service did not stop after cancel")
		}
	}
	return baseURL, stop
}

// call sends one API request and decodes the envelope.
func call(t *testing.T, method, url string, body any) (int, api.Envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer response.Body.Close()

	var envelope api.Envelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return response.StatusCode, envelope
}

func freePort(t *testing.T) int {
	t.Helper()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	return port
}
