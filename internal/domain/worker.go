package domain

import "time"

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
	WorkerError    WorkerStatus = "error"
)

// WorkerStats are cumulative counters of a worker since it started.
type WorkerStats struct {
	Processed     int64         `json:"processed"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	Retried       int64         `json:"retried"`
	DeadLettered  int64         `json:"dead_lettered"`
	TotalDuration time.Duration `json:"total_duration"`
	LastTaskAt    *time.Time    `json:"last_task_at,omitempty"`
}

// Heartbeat is the liveness record a worker publishes periodically.
type Heartbeat struct {
	WorkerID     string       `json:"worker_id"`
	Hostname     string       `json:"hostname"`
	Queues       []string     `json:"queues"`
	Status       WorkerStatus `json:"status"`
	CurrentTasks int          `json:"current_tasks"`
	Concurrency  int          `json:"concurrency"`
	MemoryMB     float64      `json:"memory_mb"`
	Goroutines   int          `json:"goroutines"`
	Stats        WorkerStats  `json:"stats"`
	StartedAt    time.Time    `json:"started_at"`
	Timestamp    time.Time    `json:"timestamp"`
}

// WorkerRegistration is the manager's record of a worker it owns.
type WorkerRegistration struct {
	WorkerID  string    `json:"worker_id"`
	Queues    []string  `json:"queues"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
}
