package cli

const defaultWorkerYAML = `# go-flow-orchestrator worker config
# Priority: CLI flag > environment > this file > default.

redis_addr:    "localhost:6379"
postgres_dsn:  ""           # set to enable the audit trail
kafka_brokers: ""           # comma separated; set to publish lifecycle events
log_level:     "info"
metrics_addr:  ":9091"

queues:                "critical,default"   # polled in this order
concurrency:           4
specialization:        ""                   # comma separated function names
rate_limit_per_minute: 0                    # 0 disables the limiter
max_tasks:             0                    # restart after this many tasks
max_memory_mb:         0                    # restart past this heap size
heartbeat_interval:    "10s"
poll_interval:         "500ms"
shutdown_timeout:      "30s"
lease_ttl:             "5m"
priority_demotion:     false
result_ttl:            "24h"
webhook_timeout:       "10s"

min_workers_per_queue: 1
max_workers_per_queue: 4
scale_up_depth:        100
check_interval:        "30s"

smtp_host: "localhost"
smtp_port: 1025
smtp_from: "noreply@flow.local"
# smtp_username: ""
# smtp_password: ""

# otel_endpoint: "localhost:4318"
# otel_sample_ratio: 0.1
`
