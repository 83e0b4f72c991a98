package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string

	// Lane selects the topic this worker drains: calls, bulk or emails.
	Lane        string
	TaskTimeout time.Duration

	ProviderToken   string
	ProviderBaseURL string
	PhoneNumberID   string

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	DealerEndpoint     string
	ClassifierEndpoint string

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		KafkaBrokers:       v.GetString("kafka_brokers"),
		RedisAddr:          v.GetString("redis_addr"),
		PostgresDSN:        v.GetString("postgres_dsn"),
		Lane:               v.GetString("lane"),
		TaskTimeout:        v.GetDuration("task_timeout"),
		ProviderToken:      v.GetString("provider_token"),
		ProviderBaseURL:    v.GetString("provider_base_url"),
		PhoneNumberID:      v.GetString("phone_number_id"),
		SMTPHost:           v.GetString("smtp_host"),
		SMTPPort:           v.GetInt("smtp_port"),
		SMTPFrom:           v.GetString("smtp_from"),
		SMTPUsername:       v.GetString("smtp_username"),
		SMTPPassword:       v.GetString("smtp_password"),
		DealerEndpoint:     v.GetString("dealer_endpoint"),
		ClassifierEndpoint: v.GetString("classifier_endpoint"),
		MetricsAddr:        v.GetString("metrics_addr"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
	}
}
