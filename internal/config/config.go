package config

import (
	"os"
	"strconv"
	"strings"
)

// SalesCluster is one sales backend as declared in SALES_CLUSTERS.
type SalesCluster struct {
	Name     string
	Endpoint string
	Username string
	Password string
}

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port string

	AuthToken string

	DatabaseURL string

	ReportCacheTTLSeconds int
	ReportCacheMaxEntries int
	ReportCachePrefix     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	CORSAllowedOrigins []string

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int
	QueueMaxAttempts         int

	WorkerEnabled bool

	UpstreamTimeoutMS  int
	UpstreamMaxRetries int
	UpstreamRPS        float64
	UpstreamBurst      int

	SalesClusters          []SalesCluster
	SalesConcurrency       int
	SalesMaxRuntimeSeconds int
	SalesMaxRangeDays      int
	SalesMaxDailyDays      int

	MessagingBaseURL            string
	MessagingToken              string
	MessagingMustScan           []string
	MessagingTrackedUsers       []string
	MessagingRequestTags        []string
	MessagingMaxChannels        int
	MessagingMaxThreads         int
	MessagingMaxHistoryPages    int
	MessagingMaxReplyPages      int
	MessagingChannelConcurrency int
	MessagingThreadConcurrency  int
	MessagingMaxRuntimeSeconds  int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		ReportCacheTTLSeconds: getEnvInt("REPORT_CACHE_TTL_SECONDS", 600),
		ReportCacheMaxEntries: getEnvInt("REPORT_CACHE_MAX_ENTRIES", 500),
		ReportCachePrefix:     getEnv("REPORT_CACHE_PREFIX", "painel:report:"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "painel_refresh"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "painel_refresh_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "painel_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),
		QueueMaxAttempts:         getEnvInt("QUEUE_MAX_ATTEMPTS", 3),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),

		UpstreamTimeoutMS:  getEnvInt("UPSTREAM_TIMEOUT_MS", 15000),
		UpstreamMaxRetries: getEnvInt("UPSTREAM_MAX_RETRIES", 3),
		UpstreamRPS:        getEnvFloat("UPSTREAM_RPS", 0),
		UpstreamBurst:      getEnvInt("UPSTREAM_BURST", 1),

		SalesClusters: parseSalesClusters(
			getEnv("SALES_CLUSTERS", ""),
			getEnv("SALES_USERNAME", ""),
			getEnv("SALES_PASSWORD", ""),
		),
		SalesConcurrency:       getEnvInt("SALES_CONCURRENCY", 6),
		SalesMaxRuntimeSeconds: getEnvInt("SALES_MAX_RUNTIME_SECONDS", 45),
		SalesMaxRangeDays:      getEnvInt("SALES_MAX_RANGE_DAYS", 366),
		SalesMaxDailyDays:      getEnvInt("SALES_MAX_DAILY_DAYS", 62),

		MessagingBaseURL:            getEnv("MESSAGING_BASE_URL", "https://slack.com/api"),
		MessagingToken:              getEnv("MESSAGING_TOKEN", ""),
		MessagingMustScan:           getEnvList("MESSAGING_MUST_SCAN", nil),
		MessagingTrackedUsers:       getEnvList("MESSAGING_TRACKED_USERS", nil),
		MessagingRequestTags:        getEnvList("MESSAGING_REQUEST_TAGS", []string{"#suporte", "#ajuda"}),
		MessagingMaxChannels:        getEnvInt("MESSAGING_MAX_CHANNELS", 150),
		MessagingMaxThreads:         getEnvInt("MESSAGING_MAX_THREADS_PER_CHANNEL", 100),
		MessagingMaxHistoryPages:    getEnvInt("MESSAGING_MAX_HISTORY_PAGES", 10),
		MessagingMaxReplyPages:      getEnvInt("MESSAGING_MAX_REPLY_PAGES", 3),
		MessagingChannelConcurrency: getEnvInt("MESSAGING_CHANNEL_CONCURRENCY", 4),
		MessagingThreadConcurrency:  getEnvInt("MESSAGING_THREAD_CONCURRENCY", 4),
		MessagingMaxRuntimeSeconds:  getEnvInt("MESSAGING_MAX_RUNTIME_SECONDS", 50),
	}
}

// parseSalesClusters reads "name=endpoint" pairs separated by commas.
// SALES_<NAME>_USERNAME and SALES_<NAME>_PASSWORD override the shared
// credentials for one cluster. Malformed pairs are skipped.
func parseSalesClusters(raw, username, password string) []SalesCluster {
	clusters := make([]SalesCluster, 0)
	for _, entry := range splitList(raw) {
		name, endpoint, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		endpoint = strings.TrimSpace(endpoint)
		if !ok || name == "" || endpoint == "" {
			continue
		}
		prefix := "SALES_" + envName(name) + "_"
		clusters = append(clusters, SalesCluster{
			Name:     name,
			Endpoint: endpoint,
			Username: getEnv(prefix+"USERNAME", username),
			Password: getEnv(prefix+"PASSWORD", password),
		})
	}
	return clusters
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	values := splitList(os.Getenv(key))
	if len(values) == 0 {
		return fallback
	}
	return values
}

func splitList(raw string) []string {
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
