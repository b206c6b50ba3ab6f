package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config holds scheduler configuration
type Config struct {
	// Enabled controls whether the scheduler runs
	Enabled bool

	// WatchdogInterval is the interval between recovery sweeps
	WatchdogInterval time.Duration

	// QueueStatsInterval is the interval for exporting queue depth metrics
	QueueStatsInterval time.Duration

	// Cron schedule overrides (take precedence over intervals when set)
	// Cron format with seconds: "second minute hour day-of-month month day-of-week"
	WatchdogSchedule   string
	QueueStatsSchedule string
}

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	return &Config{
		Enabled:            getEnvBool("SCHEDULER_ENABLED", true),
		WatchdogInterval:   getEnvDuration("WATCHDOG_INTERVAL_MS", time.Minute),
		QueueStatsInterval: getEnvDuration("QUEUE_STATS_INTERVAL_MS", 30*time.Second),
		// Cron schedule overrides (empty string means use interval)
		WatchdogSchedule:   getEnvString("WATCHDOG_SCHEDULE", ""),
		QueueStatsSchedule: getEnvString("QUEUE_STATS_SCHEDULE", ""),
	}
}

// getEnvBool returns a boolean from an environment variable
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvInt returns an integer from an environment variable
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration returns a duration from an environment variable (in milliseconds)
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// getEnvString returns a string from an environment variable
func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
