package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	APIToken    string `env:"API_TOKEN,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Messaging transport (Twilio WhatsApp).
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`

	// CRM lead upsert endpoint. Empty disables the CRM side effect.
	CRMBaseURL string `env:"CRM_BASE_URL" envDefault:""`
	CRMAPIKey  string `env:"CRM_API_KEY" envDefault:""`

	// Links rendered into outbound messages.
	FormBaseURL    string `env:"FORM_BASE_URL,required"`
	BookingBaseURL string `env:"BOOKING_BASE_URL,required"`

	// Calendar region and holiday dates (comma-separated YYYY-MM-DD).
	Timezone string   `env:"TIMEZONE" envDefault:"Asia/Jerusalem"`
	Holidays []string `env:"HOLIDAYS" envSeparator:","`

	// Send windows as "startHour-endHour" in local time. The end hour is
	// exclusive. Saturday is always blocked.
	WeekdayWindow string `env:"WEEKDAY_SEND_WINDOW" envDefault:"9-20"`
	FridayWindow  string `env:"FRIDAY_SEND_WINDOW" envDefault:"9-15"`

	// Funnel rule tables as "stage:delayMinutes[:startHour-endHour]"
	// comma-separated lists. Empty keeps the built-in defaults.
	FormFunnelRules        string `env:"FORM_FUNNEL_RULES" envDefault:""`
	AppointmentFunnelRules string `env:"APPOINTMENT_FUNNEL_RULES" envDefault:""`

	SessionTTLHours      int `env:"SESSION_TTL_HOURS" envDefault:"24"`
	SweepIntervalMinutes int `env:"SWEEP_INTERVAL_MINUTES" envDefault:"5"`
	WorkerConcurrency    int `env:"WORKER_CONCURRENCY" envDefault:"4"`
	SendTimeoutSeconds   int `env:"SEND_TIMEOUT_SECONDS" envDefault:"10"`
	MaxSendRetries       int `env:"MAX_SEND_RETRIES" envDefault:"3"`
	SendRatePerSecond    int `env:"SEND_RATE_PER_SECOND" envDefault:"5"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c *Config) HolidayDates() []string {
	dates := make([]string, 0, len(c.Holidays))
	for _, h := range c.Holidays {
		if d := strings.TrimSpace(h); d != "" {
			dates = append(dates, d)
		}
	}
	return dates
}

func (c *Config) Validate() error {
	if len(c.APIToken) < 16 {
		return fmt.Errorf("API_TOKEN must be at least 16 characters (generate with: openssl rand -hex 16)")
	}
	for _, h := range c.HolidayDates() {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("HOLIDAYS entry %q is not a YYYY-MM-DD date", h)
		}
	}
	if c.TwilioAccountSID != "" && c.TwilioFromNumber == "" {
		return fmt.Errorf("TWILIO_FROM_NUMBER is required when TWILIO_ACCOUNT_SID is set")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
