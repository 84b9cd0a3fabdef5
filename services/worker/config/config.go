package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/cliutil"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel        string
	RedisAddr       string
	PostgresDSN     string
	KafkaBrokers    []string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64

	Queues             []string
	Concurrency        int
	Specialization     []string
	RateLimitPerMinute int
	MaxTasks           int64
	MaxMemoryMB        float64
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration
	ShutdownTimeout    time.Duration
	LeaseTTL           time.Duration
	PriorityDemotion   bool
	ResultTTL          time.Duration
	WebhookTimeout     time.Duration

	MinWorkersPerQueue int
	MaxWorkersPerQueue int
	ScaleUpDepth       int64
	CheckInterval      time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		KafkaBrokers:    cliutil.SplitList(v.GetString("kafka_brokers")),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),

		Queues:             cliutil.SplitList(v.GetString("queues")),
		Concurrency:        v.GetInt("concurrency"),
		Specialization:     cliutil.SplitList(v.GetString("specialization")),
		RateLimitPerMinute: v.GetInt("rate_limit_per_minute"),
		MaxTasks:           v.GetInt64("max_tasks"),
		MaxMemoryMB:        v.GetFloat64("max_memory_mb"),
		HeartbeatInterval:  v.GetDuration("heartbeat_interval"),
		PollInterval:       v.GetDuration("poll_interval"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		LeaseTTL:           v.GetDuration("lease_ttl"),
		PriorityDemotion:   v.GetBool("priority_demotion"),
		ResultTTL:          v.GetDuration("result_ttl"),
		WebhookTimeout:     v.GetDuration("webhook_timeout"),

		MinWorkersPerQueue: v.GetInt("min_workers_per_queue"),
		MaxWorkersPerQueue: v.GetInt("max_workers_per_queue"),
		ScaleUpDepth:       v.GetInt64("scale_up_depth"),
		CheckInterval:      v.GetDuration("check_interval"),

		SMTPHost:     v.GetString("smtp_host"),
		SMTPPort:     v.GetInt("smtp_port"),
		SMTPFrom:     v.GetString("smtp_from"),
		SMTPUsername: v.GetString("smtp_username"),
		SMTPPassword: v.GetString("smtp_password"),
	}
}
