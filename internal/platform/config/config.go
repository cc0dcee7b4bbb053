package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	Server       Server
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	AWS          AWSConfig
	Broker       BrokerConfig
	Scanner      ScannerConfig
	Evidence     EvidenceConfig
	Dispatcher   DispatcherConfig
	Webhook      WebhookConfig
	Gateway      GatewayConfig
	Journal      JournalConfig
	Onboarding   OnboardingConfig
	Provisioning ProvisioningConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"SECUREBASE_ADDR" envDefault:":8080"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	TrustedProxies  []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
}

type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

type KafkaConfig struct {
	Brokers         string        `env:"KAFKA_BROKERS"`
	Acks            string        `env:"KAFKA_ACKS" envDefault:"all"`
	Retries         int           `env:"KAFKA_RETRIES" envDefault:"3"`
	DeliveryTimeout time.Duration `env:"KAFKA_DELIVERY_TIMEOUT" envDefault:"30s"`
	ActivityTopic   string        `env:"KAFKA_ACTIVITY_TOPIC" envDefault:"securebase.activity"`
}

type AWSConfig struct {
	Region   string `env:"AWS_REGION" envDefault:"us-east-1"`
	Endpoint string `env:"AWS_ENDPOINT_URL"`
}

// BrokerConfig drives the credential broker.
type BrokerConfig struct {
	RoleTemplate     string        `env:"DELEGATION_ROLE_TEMPLATE" envDefault:"SecureBaseAuditRole"`
	SessionName      string        `env:"DELEGATION_SESSION_NAME" envDefault:"securebase-evidence"`
	SessionCeiling   time.Duration `env:"DELEGATION_SESSION_CEILING" envDefault:"60m"`
	SafetyMargin     time.Duration `env:"DELEGATION_SAFETY_MARGIN" envDefault:"2m"`
	DenialThreshold  int           `env:"DELEGATION_DENIAL_THRESHOLD" envDefault:"3"`
	UpstreamFailures int           `env:"DELEGATION_BREAKER_FAILURES" envDefault:"5"`
	UpstreamCooldown time.Duration `env:"DELEGATION_BREAKER_COOLDOWN" envDefault:"30s"`
}

type ScannerConfig struct {
	ResourceTimeout time.Duration `env:"SCAN_RESOURCE_TIMEOUT" envDefault:"10s"`
	RunTimeout      time.Duration `env:"SCAN_RUN_TIMEOUT" envDefault:"5m"`
	Concurrency     int           `env:"SCAN_CONCURRENCY" envDefault:"8"`
	MaxRetries      int           `env:"SCAN_MAX_RETRIES" envDefault:"3"`
	BaseDelay       time.Duration `env:"SCAN_RETRY_BASE_DELAY" envDefault:"200ms"`
	MaxDelay        time.Duration `env:"SCAN_RETRY_MAX_DELAY" envDefault:"2s"`
}

type EvidenceConfig struct {
	Backend       string `env:"EVIDENCE_BACKEND" envDefault:"memory"`
	DynamoTable   string `env:"EVIDENCE_DYNAMODB_TABLE" envDefault:"securebase-evidence"`
	ProofCeiling  int    `env:"EVIDENCE_PROOF_CEILING" envDefault:"8192"`
	BatchAttempts int    `env:"EVIDENCE_BATCH_ATTEMPTS" envDefault:"5"`
}

type DispatcherConfig struct {
	MaxAttempts   int           `env:"DISPATCHER_MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay     time.Duration `env:"DISPATCHER_BASE_DELAY" envDefault:"500ms"`
	MaxDelay      time.Duration `env:"DISPATCHER_MAX_DELAY" envDefault:"30s"`
	EmailSender   string        `env:"NOTIFY_EMAIL_SENDER"`
	InAppEnabled  bool          `env:"NOTIFY_INAPP_ENABLED" envDefault:"true"`
	EncryptionKey string        `env:"NOTIFY_ENCRYPTION_KEY"`
	KeyID         string        `env:"NOTIFY_ENCRYPTION_KEY_ID" envDefault:"notify-v1"`
}

type WebhookConfig struct {
	Secret    string        `env:"PAYMENT_WEBHOOK_SECRET,notEmpty"`
	Tolerance time.Duration `env:"PAYMENT_SIGNATURE_TOLERANCE" envDefault:"300s"`
	Workers   int           `env:"ONBOARDING_WORKERS" envDefault:"4"`
	QueueSize int           `env:"ONBOARDING_QUEUE_SIZE" envDefault:"256"`
}

type GatewayConfig struct {
	AssertionKey string `env:"GATEWAY_ASSERTION_KEY"`
	Issuer       string `env:"GATEWAY_ISSUER" envDefault:"securebase-gateway"`
}

type JournalConfig struct {
	BufferSize     int           `env:"JOURNAL_BUFFER_SIZE" envDefault:"1024"`
	FlushInterval  time.Duration `env:"JOURNAL_FLUSH_INTERVAL" envDefault:"1s"`
	BatchSize      int           `env:"JOURNAL_BATCH_SIZE" envDefault:"100"`
	PublishToKafka bool          `env:"JOURNAL_PUBLISH_KAFKA" envDefault:"false"`
}

type OnboardingConfig struct {
	LeaseDuration time.Duration `env:"ONBOARDING_LEASE" envDefault:"2m"`
	SweepInterval time.Duration `env:"ONBOARDING_SWEEP_INTERVAL" envDefault:"30s"`
	MaxAttempts   int           `env:"ONBOARDING_MAX_ATTEMPTS" envDefault:"10"`
	SetupBaseURL  string        `env:"ONBOARDING_SETUP_URL" envDefault:"https://portal.securebase.io/setup"`
}

type ProvisioningConfig struct {
	Backend  string `env:"PROVISIONING_BACKEND" envDefault:"kafka"`
	Topic    string `env:"PROVISIONING_TOPIC" envDefault:"securebase.provisioning"`
	QueueURL string `env:"PROVISIONING_SQS_URL"`
}

// Load reads configuration from the environment, after an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
	}
	if c.Scanner.Concurrency < 1 {
		return fmt.Errorf("SCAN_CONCURRENCY must be at least 1")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("DISPATCHER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Onboarding.MaxAttempts < 1 {
		return fmt.Errorf("ONBOARDING_MAX_ATTEMPTS must be at least 1")
	}
	if c.Onboarding.LeaseDuration <= 0 {
		return fmt.Errorf("ONBOARDING_LEASE must be positive")
	}
	if c.Broker.SessionCeiling <= c.Broker.SafetyMargin {
		return fmt.Errorf("DELEGATION_SESSION_CEILING must exceed DELEGATION_SAFETY_MARGIN")
	}
	if c.Broker.DenialThreshold < 1 {
		return fmt.Errorf("DELEGATION_DENIAL_THRESHOLD must be at least 1")
	}
	if c.Evidence.ProofCeiling < 1 {
		return fmt.Errorf("EVIDENCE_PROOF_CEILING must be positive")
	}
	switch c.Evidence.Backend {
	case "memory", "postgres", "dynamodb":
	default:
		return fmt.Errorf("EVIDENCE_BACKEND must be one of memory, postgres, dynamodb")
	}
	switch c.Provisioning.Backend {
	case "kafka", "sqs", "log":
	default:
		return fmt.Errorf("PROVISIONING_BACKEND must be one of kafka, sqs, log")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.Server.TrustedProxies))
	for _, raw := range c.Server.TrustedProxies {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}
