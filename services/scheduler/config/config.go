package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel        string
	RedisAddr       string
	PostgresDSN     string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64

	InstanceID    string
	CheckInterval time.Duration
	LeaderTTL     time.Duration
	QueueMaxSize  int64
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

		InstanceID:    v.GetString("instance_id"),
		CheckInterval: v.GetDuration("check_interval"),
		LeaderTTL:     v.GetDuration("leader_ttl"),
		QueueMaxSize:  v.GetInt64("queue_max_size"),
	}
}
