package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
)

// Config holds typed configuration for the dispatcher service.
type Config struct {
	LogLevel        string
	KafkaBrokers    []string
	ConsumerGroup   string
	RedisAddr       string
	PostgresDSN     string
	RateLimit       int
	RateWindow      time.Duration
	QueueMaxSize    int64
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    cliutil.SplitList(v.GetString("kafka_brokers")),
		ConsumerGroup:   v.GetString("consumer_group"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		RateLimit:       v.GetInt("rate_limit"),
		RateWindow:      v.GetDuration("rate_window"),
		QueueMaxSize:    v.GetInt64("queue_max_size"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}
