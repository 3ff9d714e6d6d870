package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов пайплайна.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Report struct {
		// Timeframes — список интервалов отчётности, например "2h,6h,dynamic".
		Timeframes []string `envconfig:"REPORT_TIMEFRAMES" default:"2h,6h,dynamic"`
		// FreshnessFraction — доля номинальной длительности таймфрейма,
		// в течение которой кэшированный отчёт считается свежим.
		FreshnessFraction float64 `envconfig:"REPORT_FRESHNESS_FRACTION" default:"0.5"`
		// FreshnessOverrides задаёт порог свежести для отдельных таймфреймов,
		// например "2h:1h,6h:3h".
		FreshnessOverrides map[string]time.Duration `envconfig:"REPORT_FRESHNESS_OVERRIDES"`
		MaxAttempts        int                      `envconfig:"REPORT_MAX_ATTEMPTS" default:"3"`
		RetryBaseDelay     time.Duration            `envconfig:"REPORT_RETRY_BASE_DELAY" default:"2s"`
		GapThreshold       time.Duration            `envconfig:"REPORT_GAP_THRESHOLD" default:"15m"`
		DynamicMinWindow   time.Duration            `envconfig:"REPORT_DYNAMIC_MIN_WINDOW" default:"30m"`
		DynamicMaxWindow   time.Duration            `envconfig:"REPORT_DYNAMIC_MAX_WINDOW" default:"6h"`
		DynamicLookback    time.Duration            `envconfig:"REPORT_DYNAMIC_LOOKBACK" default:"6h"`
		CacheTTL           time.Duration            `envconfig:"REPORT_CACHE_TTL" default:"1h"`
		Concurrency        int                      `envconfig:"REPORT_CONCURRENCY" default:"4"`
	} `envconfig:""`

	Attribution struct {
		MaxAttempts    int           `envconfig:"ATTRIBUTION_MAX_ATTEMPTS" default:"3"`
		RetryBaseDelay time.Duration `envconfig:"ATTRIBUTION_RETRY_BASE_DELAY" default:"2s"`
	} `envconfig:""`

	Sinks struct {
		TelegramToken  string `envconfig:"SINK_TG_BOT_TOKEN"`
		TelegramChatID int64  `envconfig:"SINK_TG_CHAT_ID"`
		WebhookURL     string `envconfig:"SINK_WEBHOOK_URL"`
		AMQPURL        string `envconfig:"SINK_AMQP_URL"`
		AMQPQueue      string `envconfig:"SINK_AMQP_QUEUE" default:"report_posts"`
	} `envconfig:""`

	API struct {
		RequestTimeout time.Duration `envconfig:"API_REQUEST_TIMEOUT" default:"60s"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
