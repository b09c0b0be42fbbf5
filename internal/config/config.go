package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Environment string
	HTTPAddr    string
	DataDir     string
	DBPath      string

	PolicyFile  string
	PolicyWatch bool

	StoreTimeoutMs int
	AuditTimeoutMs int

	DuePollLimit          int
	ClaimMaxTasks         int
	ClaimStaleSeconds     int
	TaskMaxRetries        int
	SchedulerPollSeconds  int
	MaintenanceCron       string
	TaskRetentionHours    int
	QuotaResetCron        string
	QuotaTimezone         string
	HeartbeatEnabled      bool
	HeartbeatIntervalSec  int
	HeartbeatStaleSeconds int
}

func FromEnv() Config {
	dataDir := stringOrDefault("ACTION_GOVERNOR_DATA_DIR", "/data")
	dbPath := stringOrDefault("ACTION_GOVERNOR_DB_PATH", filepath.Join(dataDir, "action-governor", "governor.sqlite"))

	return Config{
		Environment: stringOrDefault("ACTION_GOVERNOR_ENV", "development"),
		HTTPAddr:    stringOrDefault("ACTION_GOVERNOR_HTTP_ADDR", ":8080"),
		DataDir:     dataDir,
		DBPath:      dbPath,

		PolicyFile:  strings.TrimSpace(os.Getenv("ACTION_GOVERNOR_POLICY_FILE")),
		PolicyWatch: boolOrDefault("ACTION_GOVERNOR_POLICY_WATCH", true),

		StoreTimeoutMs: intOrDefault("ACTION_GOVERNOR_STORE_TIMEOUT_MS", 2000),
		AuditTimeoutMs: intOrDefault("ACTION_GOVERNOR_AUDIT_TIMEOUT_MS", 1000),

		DuePollLimit:          intOrDefault("ACTION_GOVERNOR_DUE_POLL_LIMIT", 50),
		ClaimMaxTasks:         intOrDefault("ACTION_GOVERNOR_CLAIM_MAX_TASKS", 10),
		ClaimStaleSeconds:     intOrDefault("ACTION_GOVERNOR_CLAIM_STALE_SECONDS", 600),
		TaskMaxRetries:        intOrDefault("ACTION_GOVERNOR_TASK_MAX_RETRIES", 3),
		SchedulerPollSeconds:  intOrDefault("ACTION_GOVERNOR_SCHEDULER_POLL_SECONDS", 15),
		MaintenanceCron:       stringOrDefault("ACTION_GOVERNOR_MAINTENANCE_CRON", "15 3 * * *"),
		TaskRetentionHours:    intOrDefault("ACTION_GOVERNOR_TASK_RETENTION_HOURS", 168),
		QuotaResetCron:        stringOrDefault("ACTION_GOVERNOR_QUOTA_RESET_CRON", "0 0 * * *"),
		QuotaTimezone:         stringOrDefault("ACTION_GOVERNOR_QUOTA_TIMEZONE", "UTC"),
		HeartbeatEnabled:      boolOrDefault("ACTION_GOVERNOR_HEARTBEAT_ENABLED", true),
		HeartbeatIntervalSec:  intOrDefault("ACTION_GOVERNOR_HEARTBEAT_INTERVAL_SECONDS", 30),
		HeartbeatStaleSeconds: intOrDefault("ACTION_GOVERNOR_HEARTBEAT_STALE_SECONDS", 120),
	}
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

func (c Config) AuditTimeout() time.Duration {
	return time.Duration(c.AuditTimeoutMs) * time.Millisecond
}

func (c Config) ClaimStaleAfter() time.Duration {
	return time.Duration(c.ClaimStaleSeconds) * time.Second
}

func (c Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.SchedulerPollSeconds) * time.Second
}

func (c Config) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionHours) * time.Hour
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c Config) HeartbeatStaleAfter() time.Duration {
	return time.Duration(c.HeartbeatStaleSeconds) * time.Second
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
