package config

import "time"

// Config holds runtime configuration for the build pipeline service. It is
// constructed once at process start and injected into each component; nothing
// reads the environment after Load returns.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret     string
	EncryptionKey string
	WebhookSecret string

	// AppBaseURL is the public origin of this service, used to assemble the
	// worker's status and log callback URLs and build-log links in commit
	// statuses. PreviewBaseURL is the origin serving published site previews.
	AppBaseURL     string
	PreviewBaseURL string

	QueueRedisAddr     string
	QueueRedisPassword string
	QueueRedisDB       int
	BuildJobList       string
	BuildCancelList    string

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	BuildBucket        string
	CacheControl       string

	GithubAPIBase string
	StatusContext string

	ProcessingTimeout time.Duration
	TaskedTimeout     time.Duration
	SweepInterval     time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://pages:pages@db:5432/pages?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:     GetString("JWT_SECRET", "supersecuresecret"),
		EncryptionKey: GetString("USER_TOKEN_ENCRYPTION_KEY", ""),
		WebhookSecret: GetString("GITHUB_WEBHOOK_SECRET", "supersecret"),

		AppBaseURL:     GetString("APP_BASE_URL", "http://localhost:4000"),
		PreviewBaseURL: GetString("PREVIEW_BASE_URL", "http://localhost:4001"),

		QueueRedisAddr:     GetString("QUEUE_REDIS_ADDR", "redis:6379"),
		QueueRedisPassword: GetString("QUEUE_REDIS_PASSWORD", ""),
		QueueRedisDB:       GetInt("QUEUE_REDIS_DB", 0),
		BuildJobList:       GetString("BUILD_JOB_LIST", "pages:builds"),
		BuildCancelList:    GetString("BUILD_CANCEL_LIST", "pages:build-cancels"),

		AWSAccessKeyID:     GetString("BUILD_AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: GetString("BUILD_AWS_SECRET_ACCESS_KEY", ""),
		BuildBucket:        GetString("BUILD_BUCKET", ""),
		CacheControl:       GetString("BUILD_CACHE_CONTROL", "max-age=60"),

		GithubAPIBase: GetString("GITHUB_API_BASE", "https://api.github.com"),
		StatusContext: GetString("GITHUB_STATUS_CONTEXT", "pages/build"),

		ProcessingTimeout: GetMinutes("BUILD_PROCESSING_TIMEOUT_MINUTES", 45),
		TaskedTimeout:     GetMinutes("BUILD_TASKED_TIMEOUT_MINUTES", 5),
		SweepInterval:     GetMinutes("BUILD_SWEEP_INTERVAL_MINUTES", 1),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// SharedBuildSecrets lists the secret literals every build has in common:
// queue credentials and storage keys. Per-build secrets (the callback token,
// the triggering user's access token) are appended by callers.
func (c Config) SharedBuildSecrets() []string {
	return []string{
		c.QueueRedisPassword,
		c.AWSAccessKeyID,
		c.AWSSecretAccessKey,
	}
}
