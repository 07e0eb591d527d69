// Package config centralizes environment-variable configuration for
// the scheduler process: plain os.Getenv reads with inline defaults,
// no config file or third-party config library.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all environment-derived settings for one process.
type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string

	DatabaseURL string

	MaxEmailsPerHour           int
	MaxEmailsPerHourPerSender  int
	MinDelayBetweenEmailsMs    int64
	WorkerConcurrency          int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// SweepInterval is how often the stuck-dispatch sweeper runs.
	SweepInterval time.Duration
	// SweepGracePeriod is how long a dispatch may sit in SENDING
	// before the sweeper considers it orphaned by a crashed worker.
	SweepGracePeriod time.Duration
}

// Load reads configuration from the environment, applying the
// defaults named in spec.md §6.
func Load() Config {
	return Config{
		ListenAddr:    getString("LISTEN_ADDR", ":8080"),
		RedisAddr:     getString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getString("REDIS_PASSWORD", ""),
		DatabaseURL:   getString("DATABASE_URL", "postgres://localhost:5432/reachinbox?sslmode=disable"),

		MaxEmailsPerHour:          getInt("MAX_EMAILS_PER_HOUR", 200),
		MaxEmailsPerHourPerSender: getInt("MAX_EMAILS_PER_HOUR_PER_SENDER", 50),
		MinDelayBetweenEmailsMs:   getInt64("MIN_DELAY_BETWEEN_EMAILS_MS", 2000),
		WorkerConcurrency:         getInt("WORKER_CONCURRENCY", 5),

		SMTPHost:     getString("SMTP_HOST", ""),
		SMTPPort:     getInt("SMTP_PORT", 587),
		SMTPUsername: getString("SMTP_USERNAME", ""),
		SMTPPassword: getString("SMTP_PASSWORD", ""),
		SMTPFrom:     getString("SMTP_FROM", ""),
		SMTPFromName: getString("SMTP_FROM_NAME", "ReachInbox"),

		SweepInterval:    30 * time.Second,
		SweepGracePeriod: 5 * time.Minute,
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
