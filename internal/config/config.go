package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env                   string
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DBMigrate             bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	ReportCacheTTLSeconds int
	AuthSecret            string
	AccessTokenTTLMinutes int
	BootstrapAdminUser    string
	BootstrapAdminPass    string
	LockWaitMillis        int
	MaxLineageDepth       int
	BillNumberPrefix      string
	EventSink             string
	KafkaBrokers          []string
	KafkaTopic            string
	RabbitMQURL           string
	RabbitMQQueue         string
	MetricsEnabled        bool
}

// Load reads .env when present, then the process environment.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("APP_ENV", "prod")
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DB_MIGRATE", true)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REPORT_CACHE_TTL_SECONDS", 30)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("BOOTSTRAP_ADMIN_USERNAME", "admin")
	v.SetDefault("LOCK_WAIT_MS", 250)
	v.SetDefault("MAX_LINEAGE_DEPTH", 50)
	v.SetDefault("BILL_NUMBER_PREFIX", "BILL")
	v.SetDefault("EVENT_SINK", "none")
	v.SetDefault("KAFKA_TOPIC", "billdesk.events")
	v.SetDefault("RABBITMQ_QUEUE", "billdesk.events")
	v.SetDefault("METRICS_ENABLED", true)

	cfg := Config{
		Env:                   strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		DBMigrate:             v.GetBool("DB_MIGRATE"),
		RedisAddr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		ReportCacheTTLSeconds: positiveOr(v.GetInt("REPORT_CACHE_TTL_SECONDS"), 30),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveOr(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		BootstrapAdminUser:    strings.ToLower(strings.TrimSpace(v.GetString("BOOTSTRAP_ADMIN_USERNAME"))),
		BootstrapAdminPass:    v.GetString("BOOTSTRAP_ADMIN_PASSWORD"),
		LockWaitMillis:        positiveOr(v.GetInt("LOCK_WAIT_MS"), 250),
		MaxLineageDepth:       positiveOr(v.GetInt("MAX_LINEAGE_DEPTH"), 50),
		BillNumberPrefix:      strings.ToUpper(strings.TrimSpace(v.GetString("BILL_NUMBER_PREFIX"))),
		EventSink:             strings.ToLower(strings.TrimSpace(v.GetString("EVENT_SINK"))),
		KafkaBrokers:          splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:            v.GetString("KAFKA_TOPIC"),
		RabbitMQURL:           strings.TrimSpace(v.GetString("RABBITMQ_URL")),
		RabbitMQQueue:         v.GetString("RABBITMQ_QUEUE"),
		MetricsEnabled:        v.GetBool("METRICS_ENABLED"),
	}
	if cfg.BillNumberPrefix == "" {
		cfg.BillNumberPrefix = "BILL"
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positiveOr(val int, fallback int) int {
	if val < 1 {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
