package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every policy knob the core reads at startup. No runtime
// reconfiguration except the admin window-extend override.
type Config struct {
	DatabaseURL      string
	RedisURL         string
	Port             string
	Env              string
	OpenAIKey        string
	WhatsAppStoreURL string
	WhatsAppAPIVersion    string
	WhatsAppAppSecret     string
	WhatsAppVerifyToken   string

	// Window Engine (C4)
	WindowDuration time.Duration

	// Rate Limiter (C5) — conservative defaults, overridable per number.
	OfficialPerMinute int
	OfficialPerHour   int
	OfficialPerDay    int
	QRCodePerHour     int
	QRCodeMinDelay    time.Duration

	// Outbound Dispatcher (C7)
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMaxAttempt int
	DispatchWorkers int

	// Watchdog Scheduler (C9)
	WatchdogInterval        time.Duration
	DefaultInactivityMinute int

	// HTTP timeouts
	HTTPTimeout time.Duration
}

// Load reads configuration from the environment (.env if present),
// applying conservative defaults for anything unset.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ .env file not found, using system environment variables")
	}

	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		Port:             os.Getenv("PORT"),
		Env:              os.Getenv("ENV"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		WhatsAppStoreURL: os.Getenv("WHATSAPP_STORE_URL"),
		WhatsAppAPIVersion:  os.Getenv("WHATSAPP_API_VERSION"),
		WhatsAppAppSecret:   os.Getenv("WHATSAPP_APP_SECRET"),
		WhatsAppVerifyToken: os.Getenv("WHATSAPP_VERIFY_TOKEN"),

		WindowDuration: envDuration("WINDOW_DURATION", 24*time.Hour),

		OfficialPerMinute: envInt("RATE_OFFICIAL_PER_MINUTE", 20),
		OfficialPerHour:   envInt("RATE_OFFICIAL_PER_HOUR", 100),
		OfficialPerDay:    envInt("RATE_OFFICIAL_PER_DAY", 500),
		QRCodePerHour:     envInt("RATE_QRCODE_PER_HOUR", 1000),
		QRCodeMinDelay:    envDuration("RATE_QRCODE_MIN_DELAY", 500*time.Millisecond),

		RetryBaseDelay:  envDuration("RETRY_BASE_DELAY", 60*time.Second),
		RetryMaxDelay:   envDuration("RETRY_MAX_DELAY", 3600*time.Second),
		RetryMaxAttempt: envInt("RETRY_MAX_ATTEMPTS", 3),
		DispatchWorkers: envInt("DISPATCH_WORKERS", 8),

		WatchdogInterval:        envDuration("WATCHDOG_INTERVAL", 5*time.Minute),
		DefaultInactivityMinute: envInt("DEFAULT_INACTIVITY_MINUTES", 60),

		HTTPTimeout: envDuration("HTTP_TIMEOUT", 30*time.Second),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/0"
	}
	if cfg.WhatsAppStoreURL == "" {
		cfg.WhatsAppStoreURL = cfg.DatabaseURL
	}
	if cfg.WhatsAppAPIVersion == "" {
		cfg.WhatsAppAPIVersion = "v18.0"
	}

	return cfg
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️ Invalid integer for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("⚠️ Invalid duration for %s=%q, using default %s", key, v, def)
		return def
	}
	return d
}
