package config

import "time"

// WatcherConfig holds runtime configuration for the task state watcher.
type WatcherConfig struct {
	Environment             string
	Addr                    string
	LogLevel                string
	DatabaseURL             string
	MigrationsDir           string
	MigrateOnStart          bool
	AccountEnvironments     string
	AccountEnvironmentsFile string
	DeploymentInstanceCap   int
	TestRunLinkWindow       time.Duration
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	EntityCacheTTL          time.Duration
	SQSQueueURL             string
	SQSRegion               string
	SQSWorkers              int
	SQSMaxMessages          int
	SQSWaitTime             time.Duration
	SQSVisibilityTimeout    time.Duration
	HandleTimeout           time.Duration
	NotifyURL               string
	NotifyToken             string
}

// LoadWatcherConfig constructs a WatcherConfig from environment variables.
func LoadWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Environment:             GetString("APP_ENV", "development"),
		Addr:                    GetString("WATCHER_ADDR", ":4100"),
		LogLevel:                GetString("LOG_LEVEL", "info"),
		DatabaseURL:             GetString("DATABASE_URL", "postgres://taskwatch:taskwatch@db:5432/taskwatch?sslmode=disable"),
		MigrationsDir:           GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		MigrateOnStart:          GetBool("MIGRATE_ON_START", true),
		AccountEnvironments:     GetString("ACCOUNT_ENVIRONMENTS", ""),
		AccountEnvironmentsFile: GetString("ACCOUNT_ENVIRONMENTS_FILE", ""),
		DeploymentInstanceCap:   GetInt("DEPLOYMENT_INSTANCE_CAP", 50),
		TestRunLinkWindow:       GetDuration("TEST_RUN_LINK_WINDOW", 10*time.Minute),
		RedisAddr:               GetString("REDIS_ADDR", ""),
		RedisPassword:           GetString("REDIS_PASSWORD", ""),
		RedisDB:                 GetInt("REDIS_DB", 0),
		EntityCacheTTL:          GetDuration("ENTITY_CACHE_TTL", time.Minute),
		SQSQueueURL:             GetString("SQS_ECS_QUEUE_URL", ""),
		SQSRegion:               GetString("AWS_REGION", "eu-west-2"),
		SQSWorkers:              GetInt("SQS_WORKERS", 4),
		SQSMaxMessages:          GetInt("SQS_MAX_MESSAGES", 10),
		SQSWaitTime:             GetDuration("SQS_WAIT_TIME", 20*time.Second),
		SQSVisibilityTimeout:    GetDuration("SQS_VISIBILITY_TIMEOUT", time.Minute),
		HandleTimeout:           GetDuration("EVENT_HANDLE_TIMEOUT", 30*time.Second),
		NotifyURL:               GetString("NOTIFY_URL", ""),
		NotifyToken:             GetString("NOTIFY_TOKEN", ""),
	}
}
