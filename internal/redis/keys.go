package redis

// Key layout shared by every component that talks to Redis.

const (
	queuesKey          = "queues"
	workersKey         = "workers"
	schedulesKey       = "schedules"
	activeWorkflowsKey = "workflows:active"

	// LeaderKey is held by the scheduler instance allowed to dispatch.
	LeaderKey = "scheduler:leader"
)

const taskKeyPrefix = "task:"

func taskKey(id string) string     { return taskKeyPrefix + id }
func resultKey(id string) string   { return taskKeyPrefix + id + ":result" }
func progressKey(id string) string { return taskKeyPrefix + id + ":progress" }

func queueKey(q string) string       { return "queue:" + q }
func delayedKey(q string) string     { return "queue:" + q + ":delayed" }
func statsKey(q string) string       { return "queue:" + q + ":stats" }
func leaseKey(q string) string       { return "lease:" + q }
func leaseExpiryKey(q string) string { return "lease:" + q + ":expiry" }
func dlqKey(q string) string         { return "dlq:" + q }
func dlqDataKey(q string) string     { return "dlq:" + q + ":data" }

func heartbeatKey(workerID string) string { return "worker:heartbeat:" + workerID }
func registryKey(workerID string) string  { return "worker:registry:" + workerID }

func scheduleKey(id string) string          { return "schedule:" + id }
func scheduleInstancesKey(id string) string { return "schedule:" + id + ":instances" }

func workflowKey(id string) string { return "workflow:" + id }

// WorkflowOwnerKey is the lease an orchestrator holds while driving a workflow.
func WorkflowOwnerKey(id string) string { return "workflow:" + id + ":owner" }

func workflowCancelKey(id string) string { return "workflow:" + id + ":cancel" }
func workflowPauseKey(id string) string  { return "workflow:" + id + ":pause" }

func sagaKey(id string) string       { return "saga:" + id }
func idempotencyKey(k string) string { return "idem:" + k }
func rateLimitKey(k string) string   { return "ratelimit:" + k }
