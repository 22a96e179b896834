package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName       = "tgmonitor"
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultWSPath            = "/ws"
	defaultMaxBodyBytes      = 1 << 20
	defaultStorageDriver     = "sqlite"
	defaultStorageDSN        = "tgmonitor.db"
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultCacheBucket       = "tgmonitor_cache"
	defaultGatewayPrefix     = "tgmonitor.gateway"
	defaultGatewayTimeoutMS  = 15000
	defaultBotAPIBase        = "https://api.telegram.org"
	defaultRetryInitialMS    = 500
	defaultRetryMaxMS        = 5000
	defaultRetryMaxAttempts  = 3
	defaultQueueAckWaitSec   = 30
	defaultQueueNackDelayMS  = 1000
	defaultQueueMaxDeliver   = 5
	defaultQueueMaxAckPend   = 256
	defaultOutboxStream      = "TGMONITOR_OUTBOX"
	defaultOutboxSubject     = "tgmonitor.outbox"
	defaultOutboxConsumer    = "tgmonitor-outbox"
	defaultOutboxGroup       = "tgmonitor-outbox-workers"
	defaultOutboxDLQStream   = "TGMONITOR_OUTBOX_DLQ"
	defaultOutboxDLQSubject  = "tgmonitor.outbox.dlq"
	defaultDialogLimit       = 100
	defaultHealthIntervalSec = 60
	defaultAdIntervalSec     = 1800
	defaultAdTimeoutSec      = 10

	// CacheBackendMemory keeps cache entries in process memory.
	CacheBackendMemory = "memory"
	// CacheBackendNATS keeps cache entries in a JetStream KV bucket.
	CacheBackendNATS = "nats"

	// DeliveryModeGateway sends forwarded messages through the logged-in account.
	DeliveryModeGateway = "gateway"
	// DeliveryModeBot sends forwarded messages through a Bot API token.
	DeliveryModeBot = "bot"
)

// Env variables that override file values; secrets normally live in .env.
const (
	EnvBotToken     = "TGMON_BOT_TOKEN"
	EnvAPIID        = "TGMON_API_ID"
	EnvAPIHash      = "TGMON_API_HASH"
	EnvPhone        = "TGMON_PHONE"
	EnvTargetChatID = "TGMON_TARGET_CHAT_ID"
	EnvStorageDSN   = "TGMON_STORAGE_DSN"
	EnvGatewayURL   = "TGMON_GATEWAY_URL"
)

var (
	proxySectionPattern = regexp.MustCompile(`(?m)^\s*\[\s*proxy(\.[^\]]*)?\s*\]`)
	subjectTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)
)

// Config is the full runtime configuration snapshot.
type Config struct {
	Service       ServiceConfig       `toml:"service"`
	Log           LogConfig           `toml:"log"`
	HTTP          HTTPConfig          `toml:"http"`
	Storage       StorageConfig       `toml:"storage"`
	Cache         CacheConfig         `toml:"cache"`
	Gateway       GatewayConfig       `toml:"gateway"`
	Session       SessionConfig       `toml:"session"`
	Delivery      DeliveryConfig      `toml:"delivery"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Health        HealthConfig        `toml:"health"`
	Advertisement AdvertisementConfig `toml:"advertisement"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name string `toml:"name"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path ("stderr" switches console output).
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// HTTPConfig configures the API listener, probes and websocket endpoint.
type HTTPConfig struct {
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	WSPath       string `toml:"ws_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// StorageConfig selects the keyword database.
type StorageConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// CacheConfig selects the key/value cache used for sessions and keyword snapshots.
// Params: backend name; URL and bucket apply to the nats backend.
// Returns: cache backend options.
type CacheConfig struct {
	Backend string   `toml:"backend"`
	URL     []string `toml:"url"`
	Bucket  string   `toml:"bucket"`
}

// GatewayConfig points to the user-account gateway reached over NATS request/reply.
// Params: NATS URLs, subject prefix, per-request timeout and API credentials forwarded on connect.
// Returns: gateway client options.
type GatewayConfig struct {
	URL              []string `toml:"url"`
	SubjectPrefix    string   `toml:"subject_prefix"`
	RequestTimeoutMS int      `toml:"request_timeout_ms"`
	APIID            int      `toml:"api_id"`
	APIHash          string   `toml:"api_hash"`
}

// RequestTimeout returns the per-request timeout.
func (g GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutMS) * time.Millisecond
}

// SessionConfig binds a phone at startup so the health check can reconnect without manual login.
type SessionConfig struct {
	Phone string `toml:"phone"`
}

// DeliveryConfig controls how forwarded messages reach the target chat.
type DeliveryConfig struct {
	Mode  string      `toml:"mode"`
	Bot   BotConfig   `toml:"bot"`
	Retry RetryConfig `toml:"retry"`
	Queue QueueConfig `toml:"queue"`
}

// BotConfig holds Bot API credentials for delivery mode "bot".
type BotConfig struct {
	Token   string `toml:"token"`
	APIBase string `toml:"api_base"`
}

// RetryConfig configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for delivery.
type RetryConfig struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// QueueConfig enables the JetStream outbox; stream names are fixed at runtime.
type QueueConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Stream        string   `toml:"-"`
	Subject       string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	DLQStream     string   `toml:"-"`
	DLQSubject    string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// MonitorConfig seeds the monitor target and dialog prefill size.
type MonitorConfig struct {
	TargetChatID int64 `toml:"target_chat_id"`
	DialogLimit  int   `toml:"dialog_limit"`
	AutoStart    bool  `toml:"auto_start"`
}

// HealthConfig controls the periodic session liveness check; enabled unless set to false.
type HealthConfig struct {
	Enabled     *bool `toml:"enabled"`
	IntervalSec int   `toml:"interval_sec"`
}

// IsEnabled reports whether the health check should run.
func (h HealthConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Interval returns the check period.
func (h HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSec) * time.Second
}

// AdvertisementConfig controls the footer text appended to forwarded messages.
// Params: remote URL and/or local file source, refresh interval and HTTP timeout.
// Returns: advertisement refresher options.
type AdvertisementConfig struct {
	Enabled     bool   `toml:"enabled"`
	URL         string `toml:"url"`
	File        string `toml:"file"`
	IntervalSec int    `toml:"interval_sec"`
	TimeoutSec  int    `toml:"timeout_sec"`
}

// ConfigSource describes file or directory config source plus optional dotenv file.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File    string
	Dir     string
	EnvFile string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	if filePath != "" {
		return ConfigSource{File: filePath, EnvFile: ".env"}, nil
	}
	return ConfigSource{Dir: dirPath, EnvFile: ".env"}, nil
}

// LoadSnapshot loads, overlays environment, defaults and validates configuration.
// Params: source selects file or directory mode and optional dotenv file.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	if err := loadDotEnv(src.EnvFile); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv populates process env from a dotenv file without overriding existing variables.
// Params: path to dotenv file; empty or missing file is ignored.
// Returns: parse error.
func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// rejectUnsupportedSyntax checks sections the service deliberately does not support.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if proxySectionPattern.Match(body) {
		return errors.New("proxy configuration is not supported; route the gateway through its own proxy settings")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	var cfg Config
	if err := decodeInto(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeInto overlays one TOML file onto dst; keys absent from the file keep their values.
func decodeInto(path string, dst *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir reads and overlays TOML files from one directory in lexical order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		if err := decodeInto(file, &merged); err != nil {
			return Config{}, err
		}
	}
	return merged, nil
}

// applyEnv overrides file values from environment variables.
// Params: config to mutate and env lookup function.
// Returns: parse error for numeric variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	str(EnvBotToken, &cfg.Delivery.Bot.Token)
	str(EnvAPIHash, &cfg.Gateway.APIHash)
	str(EnvPhone, &cfg.Session.Phone)
	str(EnvStorageDSN, &cfg.Storage.DSN)

	if value, ok := lookup(EnvGatewayURL); ok && strings.TrimSpace(value) != "" {
		cfg.Gateway.URL = strings.Split(value, ",")
	}
	if value, ok := lookup(EnvAPIID); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvAPIID, err)
		}
		cfg.Gateway.APIID = parsed
	}
	if value, ok := lookup(EnvTargetChatID); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvTargetChatID, err)
		}
		cfg.Monitor.TargetChatID = parsed
	}
	return nil
}

// applyDefaults fills missing values with runtime defaults.
// Params: config to mutate.
// Returns: none.
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = defaultServiceName
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console = LogSinkConfig{Enabled: true, Level: "info", Format: "line"}
	}
	fillSinkDefaults(&cfg.Log.Console)
	fillSinkDefaults(&cfg.Log.File)

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if cfg.HTTP.HealthPath == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.HTTP.ReadyPath == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.HTTP.WSPath == "" {
		cfg.HTTP.WSPath = defaultWSPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaultStorageDriver
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = defaultStorageDSN
	}

	cfg.Gateway.URL = normalizeNATSURLs(cfg.Gateway.URL)
	if len(cfg.Gateway.URL) == 0 {
		cfg.Gateway.URL = []string{defaultNATSURL}
	}
	if cfg.Gateway.SubjectPrefix == "" {
		cfg.Gateway.SubjectPrefix = defaultGatewayPrefix
	}
	if cfg.Gateway.RequestTimeoutMS <= 0 {
		cfg.Gateway.RequestTimeoutMS = defaultGatewayTimeoutMS
	}

	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheBackendMemory
	}
	cfg.Cache.URL = normalizeNATSURLs(cfg.Cache.URL)
	if len(cfg.Cache.URL) == 0 {
		cfg.Cache.URL = cfg.Gateway.URL
	}
	if cfg.Cache.Bucket == "" {
		cfg.Cache.Bucket = defaultCacheBucket
	}

	cfg.Session.Phone = strings.Join(strings.Fields(cfg.Session.Phone), "")

	cfg.Delivery.Mode = strings.ToLower(strings.TrimSpace(cfg.Delivery.Mode))
	if cfg.Delivery.Mode == "" {
		cfg.Delivery.Mode = DeliveryModeGateway
	}
	if cfg.Delivery.Bot.APIBase == "" {
		cfg.Delivery.Bot.APIBase = defaultBotAPIBase
	}
	fillRetryDefaults(&cfg.Delivery.Retry)
	fillQueueDefaults(&cfg.Delivery.Queue, cfg.Gateway.URL)

	if cfg.Monitor.DialogLimit <= 0 {
		cfg.Monitor.DialogLimit = defaultDialogLimit
	}
	if cfg.Health.IntervalSec <= 0 {
		cfg.Health.IntervalSec = defaultHealthIntervalSec
	}
	if cfg.Advertisement.IntervalSec <= 0 {
		cfg.Advertisement.IntervalSec = defaultAdIntervalSec
	}
	if cfg.Advertisement.TimeoutSec <= 0 {
		cfg.Advertisement.TimeoutSec = defaultAdTimeoutSec
	}
}

func fillSinkDefaults(sink *LogSinkConfig) {
	if sink.Level == "" {
		sink.Level = "info"
	}
	if sink.Format == "" {
		sink.Format = "line"
	}
}

func fillRetryDefaults(retry *RetryConfig) {
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = defaultRetryInitialMS
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = defaultRetryMaxMS
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultRetryMaxAttempts
	}
}

func fillQueueDefaults(queue *QueueConfig, urls []string) {
	queue.URL = urls
	queue.Stream = defaultOutboxStream
	queue.Subject = defaultOutboxSubject
	queue.ConsumerName = defaultOutboxConsumer
	queue.DeliverGroup = defaultOutboxGroup
	queue.DLQStream = defaultOutboxDLQStream
	queue.DLQSubject = defaultOutboxDLQSubject
	if queue.AckWaitSec <= 0 {
		queue.AckWaitSec = defaultQueueAckWaitSec
	}
	if queue.NackDelayMS < 0 {
		queue.NackDelayMS = 0
	} else if queue.NackDelayMS == 0 {
		queue.NackDelayMS = defaultQueueNackDelayMS
	}
	if queue.MaxDeliver == 0 {
		queue.MaxDeliver = defaultQueueMaxDeliver
	}
	if queue.MaxAckPending <= 0 {
		queue.MaxAckPending = defaultQueueMaxAckPend
	}
}

// validateConfig checks semantic constraints after defaults.
// Params: config snapshot.
// Returns: first violation as "section.key ..." error.
func validateConfig(cfg Config) error {
	for name, sink := range map[string]LogSinkConfig{"log.console": cfg.Log.Console, "log.file": cfg.Log.File} {
		if !sink.Enabled {
			continue
		}
		switch strings.ToLower(sink.Level) {
		case "debug", "info", "warn", "error", "panic":
		default:
			return fmt.Errorf("%s.level %q is not supported", name, sink.Level)
		}
		if sink.Format != "line" && sink.Format != "json" {
			return fmt.Errorf("%s.format must be line or json", name)
		}
	}
	if cfg.Log.File.Enabled && strings.TrimSpace(cfg.Log.File.Path) == "" {
		return errors.New("log.file.path is required when file sink is enabled")
	}

	for name, path := range map[string]string{"http.health_path": cfg.HTTP.HealthPath, "http.ready_path": cfg.HTTP.ReadyPath, "http.ws_path": cfg.HTTP.WSPath} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	if cfg.Storage.Driver != defaultStorageDriver {
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}

	switch cfg.Cache.Backend {
	case CacheBackendMemory, CacheBackendNATS:
	default:
		return fmt.Errorf("cache.backend must be %s or %s", CacheBackendMemory, CacheBackendNATS)
	}
	if !subjectTokenPattern.MatchString(cfg.Cache.Bucket) || strings.Contains(cfg.Cache.Bucket, ".") {
		return fmt.Errorf("cache.bucket %q is not a valid bucket name", cfg.Cache.Bucket)
	}

	if !subjectTokenPattern.MatchString(cfg.Gateway.SubjectPrefix) {
		return fmt.Errorf("gateway.subject_prefix %q is not a valid subject", cfg.Gateway.SubjectPrefix)
	}

	if cfg.Session.Phone != "" && !strings.HasPrefix(cfg.Session.Phone, "+") {
		return errors.New("session.phone must be in E.164 format")
	}

	switch cfg.Delivery.Mode {
	case DeliveryModeGateway:
	case DeliveryModeBot:
		if strings.TrimSpace(cfg.Delivery.Bot.Token) == "" {
			return errors.New("delivery.bot.token is required when delivery.mode = \"bot\"")
		}
	default:
		return fmt.Errorf("delivery.mode must be %s or %s", DeliveryModeGateway, DeliveryModeBot)
	}
	if backoff := strings.ToLower(cfg.Delivery.Retry.Backoff); backoff != "linear" && backoff != "exponential" {
		return errors.New("delivery.retry.backoff must be linear or exponential")
	}
	if cfg.Delivery.Retry.MaxMS < cfg.Delivery.Retry.InitialMS {
		return errors.New("delivery.retry.max_ms must be >= initial_ms")
	}

	if cfg.Monitor.DialogLimit > 500 {
		return errors.New("monitor.dialog_limit must be <= 500")
	}
	if cfg.Monitor.AutoStart && cfg.Monitor.TargetChatID == 0 {
		return errors.New("monitor.target_chat_id is required when monitor.auto_start is enabled")
	}

	if cfg.Advertisement.Enabled && strings.TrimSpace(cfg.Advertisement.URL) == "" && strings.TrimSpace(cfg.Advertisement.File) == "" {
		return errors.New("advertisement.url or advertisement.file is required when advertisement is enabled")
	}
	return nil
}

// normalizeNATSURLs trims and drops empty URLs.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
