package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config holds application configuration.
type Config struct {
	HTTPAddr      string `toml:"http_addr"`
	MetricsAddr   string `toml:"metrics_addr"`
	RedisMode     string `toml:"redis_mode"` // "inmemory" or "external"
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Namespace     string `toml:"namespace"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"` // "text" or "json"

	Queue        string   `toml:"queue"`
	RetryCount   int      `toml:"retry_count"`
	BatchSize    int      `toml:"batch_size"`
	NumWorkers   int      `toml:"num_workers"`
	PollInterval Duration `toml:"poll_interval"`

	WebhookURL     string   `toml:"webhook_url"`
	WebhookToken   string   `toml:"webhook_token"`
	WebhookTimeout Duration `toml:"webhook_timeout"`

	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
}

// Duration is a time.Duration written as a string like "300ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		MetricsAddr:    ":9090",
		RedisMode:      "inmemory",
		RedisAddr:      "localhost:6379",
		Namespace:      "rq",
		LogLevel:       "info",
		LogFormat:      "text",
		Queue:          "default",
		RetryCount:     3,
		NumWorkers:     4,
		PollInterval:   Duration{300 * time.Millisecond},
		WebhookTimeout: Duration{10 * time.Second},
		NATSSubject:    "retryq.dead_letters",
	}
}

// Load returns the defaults overlaid with the TOML file at path (if not empty)
// and then with RETRYQ_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOrDefault("RETRYQ_HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = envOrDefault("RETRYQ_METRICS_ADDR", c.MetricsAddr)
	c.RedisMode = envOrDefault("RETRYQ_REDIS_MODE", c.RedisMode)
	c.RedisAddr = envOrDefault("RETRYQ_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOrDefault("RETRYQ_REDIS_PASSWORD", c.RedisPassword)
	c.Namespace = envOrDefault("RETRYQ_NAMESPACE", c.Namespace)
	c.LogLevel = envOrDefault("RETRYQ_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)
	c.Queue = envOrDefault("RETRYQ_QUEUE", c.Queue)
	c.WebhookURL = envOrDefault("RETRYQ_WEBHOOK_URL", c.WebhookURL)
	c.WebhookToken = envOrDefault("RETRYQ_WEBHOOK_TOKEN", c.WebhookToken)
	c.NATSURL = envOrDefault("RETRYQ_NATS_URL", c.NATSURL)
	c.NATSSubject = envOrDefault("RETRYQ_NATS_SUBJECT", c.NATSSubject)

	var errs []error
	envInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	envDuration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			dst.Duration = d
		}
	}
	envInt("RETRYQ_REDIS_DB", &c.RedisDB)
	envInt("RETRYQ_RETRY_COUNT", &c.RetryCount)
	envInt("RETRYQ_BATCH_SIZE", &c.BatchSize)
	envInt("RETRYQ_NUM_WORKERS", &c.NumWorkers)
	envDuration("RETRYQ_POLL_INTERVAL", &c.PollInterval)
	envDuration("RETRYQ_WEBHOOK_TIMEOUT", &c.WebhookTimeout)
	return errors.Join(errs...)
}

// RegisterFlags adds a flag for every setting to fs, defaulting to the
// built-in configuration.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("http-addr", d.HTTPAddr, "HTTP API listen address")
	fs.String("metrics-addr", d.MetricsAddr, "HTTP server listen address for Prometheus metrics")
	fs.String("redis-mode", d.RedisMode, "Redis mode: inmemory or external")
	fs.String("redis-addr", d.RedisAddr, "Redis address (listen address in inmemory mode)")
	fs.String("redis-password", d.RedisPassword, "Redis password for external mode")
	fs.Int("redis-db", d.RedisDB, "Redis database for external mode")
	fs.String("namespace", d.Namespace, "Key namespace prefix")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "Log format: text or json")
	fs.String("queue", d.Queue, "Queue name")
	fs.Int("retry-count", d.RetryCount, "Attempts before a failing item is dropped")
	fs.Int("batch-size", d.BatchSize, "Items per handler invocation (0 = one at a time)")
	fs.Int("num-workers", d.NumWorkers, "Number of worker goroutines draining the queue")
	fs.Duration("poll-interval", d.PollInterval.Duration, "Wait after a drain cycle found the queue empty")
	fs.String("webhook-url", d.WebhookURL, "Endpoint receiving popped item ids")
	fs.String("webhook-token", d.WebhookToken, "Bearer token for the webhook")
	fs.Duration("webhook-timeout", d.WebhookTimeout.Duration, "Timeout of one webhook delivery")
	fs.String("nats-url", d.NATSURL, "NATS server for dead letter notifications (empty disables)")
	fs.String("nats-subject", d.NATSSubject, "NATS subject prefix for dead letters")
}

// ApplyFlags copies every flag the user set explicitly into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if fs.Changed(name) {
			v, err := fs.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) {
		if fs.Changed(name) {
			v, err := fs.GetDuration(name)
			errs = append(errs, err)
			dst.Duration = v
		}
	}

	str("http-addr", &c.HTTPAddr)
	str("metrics-addr", &c.MetricsAddr)
	str("redis-mode", &c.RedisMode)
	str("redis-addr", &c.RedisAddr)
	str("redis-password", &c.RedisPassword)
	num("redis-db", &c.RedisDB)
	str("namespace", &c.Namespace)
	str("log-level", &c.LogLevel)
	str("log-format", &c.LogFormat)
	str("queue", &c.Queue)
	num("retry-count", &c.RetryCount)
	num("batch-size", &c.BatchSize)
	num("num-workers", &c.NumWorkers)
	dur("poll-interval", &c.PollInterval)
	str("webhook-url", &c.WebhookURL)
	str("webhook-token", &c.WebhookToken)
	dur("webhook-timeout", &c.WebhookTimeout)
	str("nats-url", &c.NATSURL)
	str("nats-subject", &c.NATSSubject)
	return errors.Join(errs...)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.RedisMode != "inmemory" && c.RedisMode != "external" {
		errs = append(errs, fmt.Errorf("redis mode must be inmemory or external, got %q", c.RedisMode))
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace must not be empty"))
	}
	if c.Queue == "" {
		errs = append(errs, errors.New("queue must not be empty"))
	}
	if c.RetryCount < 1 {
		errs = append(errs, fmt.Errorf("retry count must be at least 1, got %d", c.RetryCount))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must not be negative, got %d", c.BatchSize))
	}
	if c.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("num workers must be at least 1, got %d", c.NumWorkers))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// QueueKey returns the Redis key of the named queue.
func (c *Config) QueueKey(name string) string {
	return c.Namespace + ":" + name
}

func envOrDefault(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}
