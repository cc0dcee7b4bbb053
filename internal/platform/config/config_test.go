package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_config_test"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAYMENT_WEBHOOK_SECRET", testWebhookSecret)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Scanner.Concurrency)
	assert.Equal(t, 3, cfg.Scanner.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Scanner.BaseDelay)
	assert.Equal(t, 300*time.Second, cfg.Webhook.Tolerance)
	assert.Equal(t, 3, cfg.Broker.DenialThreshold)
	assert.Equal(t, 60*time.Minute, cfg.Broker.SessionCeiling)
	assert.Equal(t, "memory", cfg.Evidence.Backend)
	assert.Empty(t, cfg.Server.CORSOrigins)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PAYMENT_WEBHOOK_SECRET", testWebhookSecret)
	t.Setenv("SCAN_CONCURRENCY", "16")
	t.Setenv("DELEGATION_SESSION_CEILING", "15m")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,192.168.0.0/16")
	t.Setenv("EVIDENCE_BACKEND", "dynamodb")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Scanner.Concurrency)
	assert.Equal(t, 15*time.Minute, cfg.Broker.SessionCeiling)
	assert.Equal(t, "dynamodb", cfg.Evidence.Backend)

	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	assert.Len(t, prefixes, 2)
}

func TestLoad_RequiresWebhookSecret(t *testing.T) {
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "PAYMENT_WEBHOOK_SECRET")
}

func TestValidate(t *testing.T) {
	t.Setenv("PAYMENT_WEBHOOK_SECRET", testWebhookSecret)
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("rejects empty webhook secret", func(t *testing.T) {
		cfg := base()
		cfg.Webhook.Secret = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero concurrency", func(t *testing.T) {
		cfg := base()
		cfg.Scanner.Concurrency = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects margin larger than ceiling", func(t *testing.T) {
		cfg := base()
		cfg.Broker.SafetyMargin = cfg.Broker.SessionCeiling
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown evidence backend", func(t *testing.T) {
		cfg := base()
		cfg.Evidence.Backend = "s3"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects malformed proxy prefix", func(t *testing.T) {
		cfg := base()
		cfg.Server.TrustedProxies = []string{"10.0.0.1"}
		assert.Error(t, cfg.Validate())
	})
}
