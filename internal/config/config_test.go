package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIngestDefaults(t *testing.T) {
	t.Setenv("OPERATOR_JWT_SECRET", "s3cret")
	t.Setenv("DB_DSN", "postgres://localhost/smsrouter")

	cfg := LoadIngest()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.True(t, cfg.Surcharge.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(256<<10), cfg.MaxBodyBytes)
	assert.Equal(t, 30*time.Second, cfg.BindingRefreshInterval)
	assert.Equal(t, 30*time.Minute, cfg.DBMaxConnLifetime)
	assert.Empty(t, cfg.GatewaySecrets)
}

func TestLoadIngestOverrides(t *testing.T) {
	t.Setenv("OPERATOR_JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RECEIVED_SMS_SURCHARGE", "0.0250")
	t.Setenv("GATEWAY_SECRETS", "generic:abc,modem-pool:def")

	cfg := LoadIngest()
	assert.True(t, cfg.Memory())
	assert.True(t, cfg.Surcharge.Equal(decimal.RequireFromString("0.025")))
	assert.Equal(t, map[string]string{"generic": "abc", "modem-pool": "def"}, cfg.GatewaySecrets)
}

func TestLoadIngestRejectsBadConfig(t *testing.T) {
	t.Setenv("OPERATOR_JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "postgres")
	assert.Panics(t, func() { LoadIngest() }, "postgres without DSN")

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RECEIVED_SMS_SURCHARGE", "-1")
	assert.Panics(t, func() { LoadIngest() })

	t.Setenv("RECEIVED_SMS_SURCHARGE", "0.00005")
	assert.Panics(t, func() { LoadIngest() }, "surcharge finer than the ledger stores")

	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("RECEIVED_SMS_SURCHARGE", "0")
	assert.Panics(t, func() { LoadIngest() })
}

func TestIngestValidateSurchargeScale(t *testing.T) {
	cfg := IngestConfig{StoreConfig: StoreConfig{StoreDriver: "memory"}, MaxBodyBytes: 1024}
	for _, ok := range []string{"0", "0.01", "0.0125", "2"} {
		cfg.Surcharge = decimal.RequireFromString(ok)
		assert.NoError(t, cfg.Validate(), ok)
	}
	for _, bad := range []string{"0.00005", "0.01001"} {
		cfg.Surcharge = decimal.RequireFromString(bad)
		assert.Error(t, cfg.Validate(), bad)
	}
}

func TestForwarderValidate(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/smsrouter")
	t.Setenv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/nudges")

	cfg := LoadForwarder()
	assert.Equal(t, 8, cfg.RetryMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.RetryBase)
	assert.Equal(t, 30*time.Minute, cfg.RetryMax)
	assert.Equal(t, 20, cfg.RetryJitterPct)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Lease = time.Second
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.StoreDriver = "memory"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.SQSQueueURL = ""
	assert.Error(t, bad.Validate())
}
