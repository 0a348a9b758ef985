package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/funnel?sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("API_TOKEN", "0123456789abcdef0123456789abcdef")
	t.Setenv("FORM_BASE_URL", "https://forms.example.com/intake")
	t.Setenv("BOOKING_BASE_URL", "https://cal.example.com/book")
}

func TestLoad(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		setRequiredEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Addr())
		assert.Equal(t, "Asia/Jerusalem", cfg.Timezone)
		assert.Equal(t, "9-20", cfg.WeekdayWindow)
		assert.Equal(t, "9-15", cfg.FridayWindow)
		assert.Equal(t, 24*time.Hour, cfg.SessionTTL())
		assert.Equal(t, 5*time.Minute, cfg.SweepInterval())
		assert.Equal(t, 10*time.Second, cfg.SendTimeout())
		assert.Equal(t, 4, cfg.WorkerConcurrency)
		assert.Equal(t, 3, cfg.MaxSendRetries)
	})

	t.Run("fails when a required variable is missing", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("DATABASE_URL", "placeholder")
		os.Unsetenv("DATABASE_URL")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("parses the holiday list", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("HOLIDAYS", "2026-04-02, 2026-04-08 ,2026-09-12")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, []string{"2026-04-02", "2026-04-08", "2026-09-12"}, cfg.HolidayDates())
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Run("accepts a well-formed config", func(t *testing.T) {
		setRequiredEnv(t)
		cfg, err := Load()
		require.NoError(t, err)

		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects a short api token", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("API_TOKEN", "short")
		cfg, err := Load()
		require.NoError(t, err)

		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects a malformed holiday date", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("HOLIDAYS", "April 2nd")
		cfg, err := Load()
		require.NoError(t, err)

		assert.Error(t, cfg.Validate())
	})

	t.Run("requires a sender number with twilio credentials", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("TWILIO_ACCOUNT_SID", "AC00000000000000000000000000000000")
		cfg, err := Load()
		require.NoError(t, err)

		assert.Error(t, cfg.Validate())
	})
}
