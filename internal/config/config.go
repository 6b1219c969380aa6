package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"smsrouter/internal/domain"
)

type LogConfig struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// StoreConfig selects the storage backend. The memory driver keeps all state
// in one process and is meant for local development only.
type StoreConfig struct {
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN       string `envconfig:"DB_DSN"`

	DBMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	MigrateOnStart bool `envconfig:"MIGRATE_ON_START" default:"false"`
}

func (c StoreConfig) Memory() bool { return c.StoreDriver == "memory" }

func (c StoreConfig) validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

type SQSConfig struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type IngestConfig struct {
	LogConfig
	StoreConfig
	SQSConfig

	Port         string `envconfig:"PORT" default:"8080"`
	MaxBodyBytes int64  `envconfig:"MAX_BODY_BYTES" default:"262144"`

	// RECEIVED_SMS_SURCHARGE is debited per received message; 0 disables billing.
	Surcharge decimal.Decimal `envconfig:"RECEIVED_SMS_SURCHARGE" default:"0.01"`

	// GATEWAY_SECRETS=profile:secret,profile2:secret2. Profiles without a
	// secret accept unsigned requests.
	GatewaySecrets map[string]string `envconfig:"GATEWAY_SECRETS"`
	ProfilesFile   string            `envconfig:"PROFILES_FILE"`

	BindingRefreshInterval time.Duration `envconfig:"BINDING_REFRESH_INTERVAL" default:"30s"`

	RedisURL        string        `envconfig:"REDIS_URL"`
	RateLimit       int           `envconfig:"RATE_LIMIT_PER_PROFILE" default:"600"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	JWTSecret string `envconfig:"OPERATOR_JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"OPERATOR_JWT_ISSUER" default:"smsrouter"`
}

type ForwarderConfig struct {
	LogConfig
	StoreConfig
	SQSConfig

	Port string `envconfig:"PORT" default:"8081"`

	SQSWaitTime       int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs        int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout     int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	WorkerConcurrency int   `envconfig:"WORKER_CONCURRENCY" default:"16"`

	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`
	SweepBatch    int           `envconfig:"SWEEP_BATCH" default:"100"`

	RetryBase        time.Duration `envconfig:"RETRY_BASE" default:"30s"`
	RetryMax         time.Duration `envconfig:"RETRY_MAX" default:"30m"`
	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"8"`
	RetryJitterPct   int           `envconfig:"RETRY_JITTER_PCT" default:"20"`

	Lease       time.Duration `envconfig:"DELIVERY_LEASE" default:"2m"`
	HTTPTimeout time.Duration `envconfig:"FORWARD_HTTP_TIMEOUT" default:"10s"`

	OutboundRPS   float64 `envconfig:"OUTBOUND_RPS" default:"50"`
	OutboundBurst int     `envconfig:"OUTBOUND_BURST" default:"100"`

	BreakerFailures uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"5"`
	BreakerOpenFor  time.Duration `envconfig:"BREAKER_OPEN_FOR" default:"1m"`
}

type CtlConfig struct {
	LogConfig

	DBDSN     string `envconfig:"DB_DSN"`
	JWTSecret string `envconfig:"OPERATOR_JWT_SECRET"`
	JWTIssuer string `envconfig:"OPERATOR_JWT_ISSUER" default:"smsrouter"`
}

func (c IngestConfig) Validate() error {
	if err := c.StoreConfig.validate(); err != nil {
		return err
	}
	if c.Surcharge.IsNegative() {
		return fmt.Errorf("RECEIVED_SMS_SURCHARGE must not be negative")
	}
	if !domain.WithinAmountScale(c.Surcharge) {
		return fmt.Errorf("RECEIVED_SMS_SURCHARGE allows at most %d decimal places", domain.AmountScale)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	return nil
}

func (c ForwarderConfig) Validate() error {
	if err := c.StoreConfig.validate(); err != nil {
		return err
	}
	if c.Memory() {
		return fmt.Errorf("forwarder needs a shared store; STORE_DRIVER=memory is only supported by ingest")
	}
	if c.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Lease <= c.HTTPTimeout {
		return fmt.Errorf("DELIVERY_LEASE must exceed FORWARD_HTTP_TIMEOUT")
	}
	return nil
}

func LoadIngest() IngestConfig {
	var cfg IngestConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadForwarder() ForwarderConfig {
	var cfg ForwarderConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadCtl() CtlConfig {
	var cfg CtlConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
