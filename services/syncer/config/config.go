package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the syncer service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string

	ProviderToken   string
	ProviderBaseURL string

	SyncInterval time.Duration
	Lookback     time.Duration
	MaxPages     int
	StatePath    string

	AWSRegion string
	HQBucket  string
	SBCBucket string
	SBCPrefix string

	WebhooksEnabled bool

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		ProviderToken:   v.GetString("provider_token"),
		ProviderBaseURL: v.GetString("provider_base_url"),
		SyncInterval:    v.GetDuration("sync_interval"),
		Lookback:        v.GetDuration("lookback"),
		MaxPages:        v.GetInt("max_pages"),
		StatePath:       v.GetString("state_path"),
		AWSRegion:       v.GetString("aws_region"),
		HQBucket:        v.GetString("hq_bucket"),
		SBCBucket:       v.GetString("sbc_bucket"),
		SBCPrefix:       v.GetString("sbc_prefix"),
		WebhooksEnabled: v.GetBool("webhooks_enabled"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
