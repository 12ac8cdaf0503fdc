package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/broadcast-mailer/internal/config"
	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("DATABASE_URL", "postgres://localhost/mailer")
	t.Setenv("APP_URL", "https://app.example.com/")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 5566, cfg.Port)
	assert.Equal(t, 9102, cfg.MetricsPort)
	assert.Equal(t, "kibamail", cfg.ShortName)
	assert.Equal(t, "x-kibamail-team-id", cfg.TeamHeader())
	assert.Equal(t, "https://app.example.com/webhooks/ses", cfg.WebhookEndpoint("ses"))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.ConfirmAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.ConfirmDelay)
	assert.Equal(t, 1500*time.Millisecond, cfg.DeliveryInterval)
	assert.Equal(t, "@every 10m", cfg.HealthCheckSchedule)
}

func TestLoadRejectsShortAppKey(t *testing.T) {
	t.Setenv("APP_KEY", "short")
	t.Setenv("DATABASE_URL", "")

	_, err := config.Load()
	require.Error(t, err)

	var verr *appErrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 2)
}

func TestWebhookEndpointEmptyWithoutAppURL(t *testing.T) {
	cfg := config.Config{}
	assert.Equal(t, "", cfg.WebhookEndpoint("ses"))
}
