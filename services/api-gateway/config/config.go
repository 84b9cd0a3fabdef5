package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	GRPCPort        string
	MetricsAddr     string
	RedisAddr       string
	PostgresDSN     string
	JWTSecret       string
	OTelEndpoint    string
	OTelSampleRatio float64
	QueueMaxSize    int64
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		GRPCPort:        v.GetString("grpc_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		JWTSecret:       v.GetString("jwt_secret"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
		QueueMaxSize:    v.GetInt64("queue_max_size"),
		MaxBodyBytes:    v.GetInt64("max_body_bytes"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}
}
