package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("NOTIFY_DRIVER", "")
	t.Setenv("CHECKOUT_STEP_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "none", cfg.Notify.Driver)
	assert.Equal(t, 3*time.Second, cfg.Checkout.StepTimeout)
	assert.Equal(t, "", cfg.Redis.URL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "MEMORY")
	t.Setenv("CHECKOUT_STEP_TIMEOUT", "750ms")
	t.Setenv("PAYMENT_SWEEP_BATCH", "7")
	t.Setenv("PAYMENT_GATEWAY_URL", "http://gateway.local/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 750*time.Millisecond, cfg.Checkout.StepTimeout)
	assert.Equal(t, 7, cfg.Checkout.PaymentSweepBatch)
	assert.Equal(t, "http://gateway.local", cfg.Gateway.URL)
}

func TestLoadRejectsUnknownDrivers(t *testing.T) {
	t.Setenv("NOTIFY_DRIVER", "carrier-pigeon")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("NOTIFY_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "")

	_, err = Load()
	assert.Error(t, err)
}
