package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	RecoveryCron string
	RunSweepCron string
	RunWindow    time.Duration

	ProviderToken   string
	ProviderBaseURL string

	MaxCallRetries    int
	UserRejectRetries int
	InProgressHold    time.Duration

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		RecoveryCron: v.GetString("recovery_cron"),
		RunSweepCron: v.GetString("run_sweep_cron"),
		RunWindow:    v.GetDuration("run_window"),

		ProviderToken:   v.GetString("provider_token"),
		ProviderBaseURL: v.GetString("provider_base_url"),

		MaxCallRetries:    v.GetInt("max_call_retries"),
		UserRejectRetries: v.GetInt("user_reject_retries"),
		InProgressHold:    v.GetDuration("in_progress_hold"),

		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
