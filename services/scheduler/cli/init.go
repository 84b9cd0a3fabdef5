package cli

const defaultSchedulerYAML = `# go-flow-orchestrator scheduler config
# Priority: CLI flag > environment > this file > default.

redis_addr:     "localhost:6379"
postgres_dsn:   ""      # set to audit dispatched tasks
log_level:      "info"
metrics_addr:   ":9093"

check_interval: "15s"   # how often due schedules are evaluated
leader_ttl:     "30s"   # leader lease, renewed on every check
queue_max_size: 0       # per-queue capacity; 0 is unbounded

# instance_id: "scheduler-a"   # defaults to a random id
# otel_endpoint: "localhost:4318"
`
