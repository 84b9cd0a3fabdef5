package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel        string
	RedisAddr       string
	PostgresDSN     string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64

	InstanceID          string
	ResumeInterval      time.Duration
	LeaseTTL            time.Duration
	ResultPollInterval  time.Duration
	CancelCheckInterval time.Duration
	StepRetryBaseDelay  time.Duration
	WebhookTimeout      time.Duration
	QueueMaxSize        int64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),

		InstanceID:          v.GetString("instance_id"),
		ResumeInterval:      v.GetDuration("resume_interval"),
		LeaseTTL:            v.GetDuration("lease_ttl"),
		ResultPollInterval:  v.GetDuration("result_poll_interval"),
		CancelCheckInterval: v.GetDuration("cancel_check_interval"),
		StepRetryBaseDelay:  v.GetDuration("step_retry_base_delay"),
		WebhookTimeout:      v.GetDuration("webhook_timeout"),
		QueueMaxSize:        v.GetInt64("queue_max_size"),
	}
}
