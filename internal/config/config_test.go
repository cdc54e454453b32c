package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("MESSAGING_ENABLED", "false")
}

func TestNewDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "noop", cfg.Cache.Driver)
	assert.Equal(t, "noop", cfg.Messaging.Driver)
	assert.Equal(t, "sandbox", cfg.Payment.Provider)
	assert.Equal(t, "INR", cfg.Payment.Currency)
	assert.Equal(t, 10*time.Second, cfg.Payment.Timeout)
	assert.False(t, cfg.Orders.RequirePaymentBeforeDelivery)
	assert.Equal(t, 3, cfg.Orders.MaxUpdateRetries)
	assert.Equal(t, cfg.Database.WriterDSN, cfg.Database.ReaderDSN)
}

func TestNewRequiresJWTSecret(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUTH_JWT_SECRET", "")

	_, err := New()
	require.EqualError(t, err, "missing AUTH_JWT_SECRET")
}

func TestNewPaymentProviders(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		wantError string
		check     func(t *testing.T, cfg Config)
	}{
		{
			name:      "razorpay without keys",
			env:       map[string]string{"PAYMENT_PROVIDER": "razorpay"},
			wantError: "RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET must be provided",
		},
		{
			name: "razorpay webhook secret falls back to key secret",
			env: map[string]string{
				"PAYMENT_PROVIDER":    "Razorpay",
				"RAZORPAY_KEY_ID":     "rzp_test",
				"RAZORPAY_KEY_SECRET": "shh",
				"PAYMENT_CURRENCY":    "inr",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "razorpay", cfg.Payment.Provider)
				assert.Equal(t, "shh", cfg.Payment.Razorpay.WebhookSecret)
				assert.Equal(t, "INR", cfg.Payment.Currency)
			},
		},
		{
			name:      "stripe without webhook secret",
			env:       map[string]string{"PAYMENT_PROVIDER": "stripe", "STRIPE_SECRET_KEY": "sk_test"},
			wantError: "STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET must be provided",
		},
		{
			name:      "unknown provider",
			env:       map[string]string{"PAYMENT_PROVIDER": "paypal"},
			wantError: "unsupported payment provider: paypal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := New()
			if tt.wantError != "" {
				require.EqualError(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestNewOrderPolicy(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ORDERS_REQUIRE_PAYMENT_BEFORE_DELIVERY", "true")
	t.Setenv("ORDERS_MAX_UPDATE_RETRIES", "0")
	t.Setenv("ORDERS_DEFAULT_PAGE_SIZE", "500")

	cfg, err := New()
	require.NoError(t, err)

	assert.True(t, cfg.Orders.RequirePaymentBeforeDelivery)
	assert.Equal(t, 1, cfg.Orders.MaxUpdateRetries)
	assert.Equal(t, 20, cfg.Orders.DefaultPageSize)
}

func TestNewTraceSampleRate(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("OBS_TRACE_SAMPLE_RATE", "0.25")

	cfg, err := New()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.Observability.TraceSampleRate, 1e-9)

	t.Setenv("OBS_TRACE_SAMPLE_RATE", "1.5")
	_, err = New()
	require.Error(t, err)
}

func TestBlankEnvFallsBackToDefault(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("KAFKA_BROKERS", " , ")
	t.Setenv("ORDERS_MAX_UPDATE_RETRIES", "   ")
	t.Setenv("OBS_SERVICE_NAME", "  ")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:9092"}, cfg.Messaging.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Orders.MaxUpdateRetries)
	assert.Equal(t, "animalmela-orders", cfg.Observability.ServiceName)
}
