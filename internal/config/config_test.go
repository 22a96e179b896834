package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullConfig = `[service]
name = "monitor-a"

[log.console]
enabled = true
level = "debug"
format = "json"

[http]
listen = "127.0.0.1:18080"

[storage]
dsn = "file:test.db"

[cache]
backend = "nats"
url = ["nats://127.0.0.1:4333"]
bucket = "tgmon_cache"

[gateway]
url = ["nats://127.0.0.1:4222"]
subject_prefix = "tg.gw"
request_timeout_ms = 2000
api_id = 12345
api_hash = "hash"

[session]
phone = "+86 138 0000 0000"

[delivery]
mode = "bot"

[delivery.bot]
token = "bot-token"

[delivery.retry]
enabled = true
backoff = "linear"
initial_ms = 10
max_ms = 100
max_attempts = 4

[delivery.queue]
enabled = true
max_deliver = -1

[monitor]
target_chat_id = -1001234
dialog_limit = 50
auto_start = true

[health]
enabled = false

[advertisement]
enabled = true
url = "https://example.com/ad.txt"
`

func TestLoadSnapshotFromFile(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, fullConfig)

	if cfg.Service.Name != "monitor-a" {
		t.Fatalf("unexpected service name %q", cfg.Service.Name)
	}
	if cfg.Cache.Backend != CacheBackendNATS || cfg.Cache.URL[0] != "nats://127.0.0.1:4333" {
		t.Fatalf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Gateway.RequestTimeout().Milliseconds() != 2000 || cfg.Gateway.APIID != 12345 {
		t.Fatalf("unexpected gateway config %+v", cfg.Gateway)
	}
	if cfg.Session.Phone != "+8613800000000" {
		t.Fatalf("phone whitespace must be stripped, got %q", cfg.Session.Phone)
	}
	if cfg.Delivery.Mode != DeliveryModeBot || cfg.Delivery.Bot.APIBase != defaultBotAPIBase {
		t.Fatalf("unexpected delivery config %+v", cfg.Delivery)
	}
	if cfg.Delivery.Queue.MaxDeliver != -1 || cfg.Delivery.Queue.Stream != defaultOutboxStream {
		t.Fatalf("unexpected queue config %+v", cfg.Delivery.Queue)
	}
	if cfg.Monitor.TargetChatID != -1001234 || cfg.Monitor.DialogLimit != 50 {
		t.Fatalf("unexpected monitor config %+v", cfg.Monitor)
	}
	if cfg.Health.IsEnabled() {
		t.Fatalf("health check must be disabled explicitly")
	}
	if cfg.Advertisement.TimeoutSec != defaultAdTimeoutSec || cfg.Advertisement.IntervalSec != defaultAdIntervalSec {
		t.Fatalf("unexpected advertisement defaults %+v", cfg.Advertisement)
	}
}

func TestLoadSnapshotDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, `[service]
name = "x"`)

	if !cfg.Log.Console.Enabled || cfg.Log.Console.Format != "line" {
		t.Fatalf("console sink must be enabled by default: %+v", cfg.Log.Console)
	}
	if cfg.HTTP.Listen != defaultHTTPListen || cfg.HTTP.WSPath != defaultWSPath || cfg.HTTP.MaxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("unexpected http defaults %+v", cfg.HTTP)
	}
	if cfg.Cache.Backend != CacheBackendMemory || cfg.Cache.Bucket != defaultCacheBucket {
		t.Fatalf("unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.Delivery.Mode != DeliveryModeGateway || cfg.Delivery.Retry.MaxAttempts != defaultRetryMaxAttempts {
		t.Fatalf("unexpected delivery defaults %+v", cfg.Delivery)
	}
	if !cfg.Health.IsEnabled() || cfg.Health.Interval().Seconds() != defaultHealthIntervalSec {
		t.Fatalf("unexpected health defaults %+v", cfg.Health)
	}
	if cfg.Gateway.SubjectPrefix != defaultGatewayPrefix || len(cfg.Gateway.URL) != 1 {
		t.Fatalf("unexpected gateway defaults %+v", cfg.Gateway)
	}
}

func TestLoadSnapshotFromDirOverlaysInLexicalOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "10-base.toml"), `[service]
name = "base"

[monitor]
target_chat_id = 1
dialog_limit = 20`)
	writeConfigFile(t, filepath.Join(dir, "20-override.toml"), `[monitor]
target_chat_id = 2`)
	writeConfigFile(t, filepath.Join(dir, "notes.txt"), `ignored`)

	cfg, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if cfg.Service.Name != "base" || cfg.Monitor.TargetChatID != 2 || cfg.Monitor.DialogLimit != 20 {
		t.Fatalf("unexpected merged config %+v / %+v", cfg.Service, cfg.Monitor)
	}
}

func TestLoadSnapshotFromEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := LoadSnapshot(ConfigSource{Dir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "no .toml files") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body string
		want string
	}{
		"bot without token": {`[delivery]
mode = "bot"`, "delivery.bot.token is required"},
		"unknown mode": {`[delivery]
mode = "smtp"`, "delivery.mode must be"},
		"unknown cache backend": {`[cache]
backend = "redis"`, "cache.backend must be"},
		"bad storage driver": {`[storage]
driver = "postgres"`, "storage.driver"},
		"auto start without target": {`[monitor]
auto_start = true`, "monitor.target_chat_id is required"},
		"dialog limit too large": {`[monitor]
dialog_limit = 1000`, "monitor.dialog_limit"},
		"ad without source": {`[advertisement]
enabled = true`, "advertisement.url or advertisement.file"},
		"file sink without path": {`[log.file]
enabled = true`, "log.file.path is required"},
		"bad subject prefix": {`[gateway]
subject_prefix = "tg.*"`, "gateway.subject_prefix"},
		"retry bounds": {`[delivery.retry]
initial_ms = 500
max_ms = 100`, "delivery.retry.max_ms"},
		"relative probe path": {`[http]
health_path = "healthz"`, "http.health_path must start with /"},
		"phone without plus": {`[session]
phone = "8613800000000"`, "session.phone"},
		"proxy section": {`[proxy]
host = "127.0.0.1"`, "proxy configuration is not supported"},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := loadSnapshotErr(t, tc.body)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestApplyEnvOverridesFileValues(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvBotToken:     "env-token",
		EnvAPIID:        "777",
		EnvAPIHash:      "env-hash",
		EnvPhone:        "+15550001111",
		EnvTargetChatID: "-100987",
		EnvStorageDSN:   "file:env.db",
		EnvGatewayURL:   "nats://a:4222,nats://b:4222",
	}
	cfg := Config{Delivery: DeliveryConfig{Bot: BotConfig{Token: "file-token"}}}
	if err := applyEnv(&cfg, mapLookup(env)); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Delivery.Bot.Token != "env-token" || cfg.Gateway.APIID != 777 || cfg.Gateway.APIHash != "env-hash" {
		t.Fatalf("unexpected overlay %+v", cfg)
	}
	if cfg.Session.Phone != "+15550001111" || cfg.Monitor.TargetChatID != -100987 || cfg.Storage.DSN != "file:env.db" {
		t.Fatalf("unexpected overlay %+v", cfg)
	}
	if len(cfg.Gateway.URL) != 2 {
		t.Fatalf("expected two gateway urls, got %v", cfg.Gateway.URL)
	}
}

func TestApplyEnvRejectsNonNumeric(t *testing.T) {
	t.Parallel()

	for _, key := range []string{EnvAPIID, EnvTargetChatID} {
		var cfg Config
		if err := applyEnv(&cfg, mapLookup(map[string]string{key: "abc"})); err == nil {
			t.Fatalf("expected parse error for %s", key)
		}
	}
}

func TestApplyEnvIgnoresBlankValues(t *testing.T) {
	t.Parallel()

	cfg := Config{Gateway: GatewayConfig{APIHash: "file"}}
	if err := applyEnv(&cfg, mapLookup(map[string]string{EnvAPIHash: "  "})); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Gateway.APIHash != "file" {
		t.Fatalf("blank env must not override, got %q", cfg.Gateway.APIHash)
	}
}

func TestLoadSnapshotReadsDotEnv(t *testing.T) {
	if _, ok := os.LookupEnv(EnvAPIHash); ok {
		t.Skipf("%s already set in environment", EnvAPIHash)
	}
	t.Cleanup(func() { _ = os.Unsetenv(EnvAPIHash) })

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	envPath := filepath.Join(dir, ".env")
	writeConfigFile(t, cfgPath, `[service]
name = "dotenv"`)
	writeConfigFile(t, envPath, EnvAPIHash+"=from-dotenv\n")

	cfg, err := LoadSnapshot(ConfigSource{File: cfgPath, EnvFile: envPath})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if cfg.Gateway.APIHash != "from-dotenv" {
		t.Fatalf("expected dotenv value, got %q", cfg.Gateway.APIHash)
	}
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	t.Parallel()

	if err := loadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file must be ignored: %v", err)
	}
}

func TestFromCLI(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error without source")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error with both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil || src.File != "a.toml" || src.EnvFile != ".env" {
		t.Fatalf("unexpected source %+v err=%v", src, err)
	}
}

func mustLoadSnapshot(t *testing.T, body string) Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, body)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return cfg
}

func loadSnapshotErr(t *testing.T, body string) error {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, body)
	_, err := LoadSnapshot(ConfigSource{File: path})
	return err
}

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}
