package domain

import (
	"encoding/json"
	"time"
)

// OverlapPolicy decides what happens when a schedule fires while earlier
// instances are still running.
type OverlapPolicy string

const (
	OverlapSkip    OverlapPolicy = "skip"
	OverlapAllow   OverlapPolicy = "allow"
	OverlapReplace OverlapPolicy = "replace"
)

// Valid reports whether p is a known policy.
func (p OverlapPolicy) Valid() bool {
	return p == OverlapSkip || p == OverlapAllow || p == OverlapReplace
}

// CronSchedule describes when a scheduled task fires.
type CronSchedule struct {
	Expression    string        `json:"expression"`
	Timezone      string        `json:"timezone"`
	Enabled       bool          `json:"enabled"`
	MaxInstances  int           `json:"max_instances"`
	OverlapPolicy OverlapPolicy `json:"overlap_policy"`
	Jitter        time.Duration `json:"jitter"`
}

// ScheduledTask binds a cron schedule to a task template.
type ScheduledTask struct {
	ID           string          `json:"schedule_id"`
	Name         string          `json:"name"`
	FunctionName string          `json:"function_name"`
	Args         json.RawMessage `json:"args,omitempty"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	Config       TaskConfig      `json:"config"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Schedule     CronSchedule    `json:"schedule"`
	LastRun      *time.Time      `json:"last_run,omitempty"`
	NextRun      *time.Time      `json:"next_run,omitempty"`
	RunCount     int64           `json:"run_count"`
	FailureCount int64           `json:"failure_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
