package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	BaseURL       string `env:"BASE_URL,notEmpty"`
	FilesDir      string `env:"FILES_DIR" envDefault:"./data/files"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`

	RenderTimeoutMS int `env:"RENDER_TIMEOUT_MS" envDefault:"30000"`
	PollIntervalMS  int `env:"QUEUE_POLL_INTERVAL_MS" envDefault:"1000"`
	BatchSize       int `env:"QUEUE_BATCH_SIZE" envDefault:"4"`
	DefaultVT       int `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"120"`
	MaxDeliveries   int `env:"MAX_DELIVERIES" envDefault:"5"`
	Concurrency     int `env:"WORKER_CONCURRENCY" envDefault:"0"`

	BrowserBin       string `env:"ROD_BROWSER_BIN"`
	BrowserNoSandbox bool   `env:"ROD_NO_SANDBOX"`

	WebhookTimeoutMS   int `env:"WEBHOOK_TIMEOUT_MS" envDefault:"10000"`
	WebhookMaxAttempts int `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"3"`

	StuckJobGraceSec int `env:"STUCK_JOB_GRACE_SEC" envDefault:"900"`
	SweepIntervalMS  int `env:"SWEEP_INTERVAL_MS" envDefault:"10000"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	IdempotencyTTLSec  int `env:"IDEMPOTENCY_TTL_SEC" envDefault:"86400"`
}

// Parse reads the configuration from the environment.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutMS) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.DefaultVT) * time.Second
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutMS) * time.Millisecond
}

func (c Config) StuckJobGrace() time.Duration {
	return time.Duration(c.StuckJobGraceSec) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}
