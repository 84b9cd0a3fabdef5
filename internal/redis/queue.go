package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

const (
	// DefaultLeaseTTL is how long a dequeued task stays invisible to other
	// workers unless its lease is renewed.
	DefaultLeaseTTL = 300 * time.Second

	defaultPollInterval  = 100 * time.Millisecond
	defaultDeadLetterTTL = 7 * 24 * time.Hour
	defaultRetention     = 24 * time.Hour
	maintenanceBatch     = 100

	// tierSpan is wider than any millisecond timestamp, so the tier always
	// dominates the ETA component of a score.
	tierSpan int64 = 10_000_000_000_000
)

// Score orders ready tasks: a higher tier wins, then the earlier ETA.
func Score(p domain.Priority, eta time.Time) int64 {
	return int64(p.Tier())*tierSpan - eta.UnixMilli()
}

// RequeueOptions control how a task re-enters its queue.
type RequeueOptions struct {
	Delay          time.Duration
	IncrementRetry bool
	// Demote lowers the priority by one tier. Critical tasks keep their tier.
	Demote bool
	// WorkerID must hold the task's lease. Empty skips the ownership check.
	WorkerID string
}

// Queue is a Redis-backed priority queue with leases and a dead-letter set.
// Every state change is one Lua script, so racing workers never observe a
// half-applied transition. The scripts read the task records of the ids they
// pop, which are not declared in KEYS, so the queue runs against a single
// Redis node (or a failover pair), never a cluster.
type Queue interface {
	Enqueue(ctx context.Context, task *domain.Task) (string, error)
	Dequeue(ctx context.Context, queue, workerID string, timeout time.Duration) (*domain.Task, error)
	DequeueBatch(ctx context.Context, queue, workerID string, n int) ([]*domain.Task, error)
	Requeue(ctx context.Context, task *domain.Task, opts RequeueOptions) (string, error)
	Complete(ctx context.Context, task *domain.Task, workerID string, status domain.Status) error
	RenewLease(ctx context.Context, task *domain.Task, workerID string) error
	MoveToDeadLetter(ctx context.Context, task *domain.Task, reason, workerID string) error
	Cancel(ctx context.Context, taskID string) (domain.Status, error)
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	ReclaimExpired(ctx context.Context, queue string) (int, error)
	GetQueueStats(ctx context.Context, queue string) (*domain.QueueStats, error)
	Depth(ctx context.Context, queue string) (int64, error)
	Queues(ctx context.Context) ([]string, error)
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error)
	ReplayDeadLetter(ctx context.Context, queue, taskID string) error
	LeaseTTL() time.Duration
}

// QueueOption configures a Queue.
type QueueOption func(*priorityQueue)

// WithLeaseTTL overrides DefaultLeaseTTL.
func WithLeaseTTL(d time.Duration) QueueOption {
	return func(q *priorityQueue) { q.leaseTTL = d }
}

// WithMaxQueueSize caps ready plus delayed tasks per queue. Zero means no cap.
func WithMaxQueueSize(n int64) QueueOption {
	return func(q *priorityQueue) { q.maxSize = n }
}

// WithPollInterval sets how often a blocking Dequeue retries an empty queue.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *priorityQueue) { q.pollInterval = d }
}

// WithDeadLetterTTL sets how long dead letters are kept.
func WithDeadLetterTTL(d time.Duration) QueueOption {
	return func(q *priorityQueue) { q.deadLetterTTL = d }
}

// WithRetention sets how long finished task records are kept.
func WithRetention(d time.Duration) QueueOption {
	return func(q *priorityQueue) { q.retention = d }
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *priorityQueue) { q.now = now }
}

type priorityQueue struct {
	client        *redis.Client
	leaseTTL      time.Duration
	maxSize       int64
	pollInterval  time.Duration
	deadLetterTTL time.Duration
	retention     time.Duration
	now           func() time.Time
}

// NewQueue creates a Redis-backed Queue.
func NewQueue(client *redis.Client, opts ...QueueOption) Queue {
	q := &priorityQueue{
		client:        client,
		leaseTTL:      DefaultLeaseTTL,
		pollInterval:  defaultPollInterval,
		deadLetterTTL: defaultDeadLetterTTL,
		retention:     defaultRetention,
		now:           time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *priorityQueue) LeaseTTL() time.Duration { return q.leaseTTL }

// Lua fragments shared by the dequeue and reclaim scripts.
// KEYS: queue, delayed, lease, lease expiry, stats. ARGV[1] now ms, ARGV[2] batch.
const promoteDueLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local score = redis.call('HGET', 'task:' .. id, 'score')
	if score then
		redis.call('ZADD', KEYS[1], score, id)
	end
end
`

const reclaimExpiredLua = `
local reclaimed = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[4], id)
	redis.call('HDEL', KEYS[3], id)
	local tk = 'task:' .. id
	local score = redis.call('HGET', tk, 'score')
	if score then
		if redis.call('HGET', tk, 'cancel_requested') == '1' then
			redis.call('HSET', tk, 'status', 'cancelled', 'worker_id', '')
		else
			redis.call('HSET', tk, 'status', 'pending', 'worker_id', '')
			redis.call('HINCRBY', tk, 'redeliveries', 1)
			redis.call('ZADD', KEYS[1], score, id)
			reclaimed = reclaimed + 1
		end
	end
end
if reclaimed > 0 then
	redis.call('HINCRBY', KEYS[5], 'redelivered', reclaimed)
end
`

// enqueueScript stores the task record and inserts it into the ready or
// delayed set. Returns 1 when inserted, 0 when the id already exists and -1
// when the queue is full.
// KEYS: task, queue, delayed, stats, queues.
// ARGV: id, data, queue name, score, eta ms, delayed flag, max size, retry count.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local max = tonumber(ARGV[7])
if max > 0 and redis.call('ZCARD', KEYS[2]) + redis.call('ZCARD', KEYS[3]) >= max then
	return -1
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'status', 'pending', 'queue', ARGV[3],
	'score', ARGV[4], 'worker_id', '', 'retry_count', ARGV[8], 'redeliveries', '0', 'cancel_requested', '0')
if ARGV[6] == '1' then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
end
redis.call('HINCRBY', KEYS[4], 'enqueued', 1)
redis.call('SADD', KEYS[5], ARGV[3])
return 1
`)

// dequeueScript promotes due delayed tasks, returns expired leases to the
// ready set and then leases the highest scored task. Equal scores resolve to
// the lexicographically smallest id, which for UUIDv7 ids is the oldest.
// ARGV[3] worker id, ARGV[4] lease deadline ms.
var dequeueScript = redis.NewScript(promoteDueLua + reclaimExpiredLua + `
while true do
	local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if #top == 0 then
		return false
	end
	local id = redis.call('ZRANGEBYSCORE', KEYS[1], top[2], top[2], 'LIMIT', 0, 1)[1]
	if not id then
		id = top[1]
	end
	redis.call('ZREM', KEYS[1], id)
	local tk = 'task:' .. id
	local data = redis.call('HGET', tk, 'data')
	if data then
		redis.call('HSET', KEYS[3], id, ARGV[3])
		redis.call('ZADD', KEYS[4], ARGV[4], id)
		redis.call('HSET', tk, 'status', 'leased', 'worker_id', ARGV[3])
		redis.call('HINCRBY', KEYS[5], 'dequeued', 1)
		return {id, data, redis.call('HGET', tk, 'redeliveries') or '0'}
	end
end
`)

var reclaimScript = redis.NewScript(promoteDueLua + reclaimExpiredLua + `
return reclaimed
`)

// requeueScript puts a task back. With a worker id it first verifies that
// worker still holds the lease; -1 means it does not.
// KEYS: task, queue, delayed, lease, lease expiry, stats.
// ARGV: id, data, score, eta ms, delayed flag, worker id, retry count, queue name.
var requeueScript = redis.NewScript(`
if ARGV[6] ~= '' and redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[6] then
	return -1
end
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'status', 'pending', 'queue', ARGV[8],
	'score', ARGV[3], 'worker_id', '', 'retry_count', ARGV[7], 'cancel_requested', '0')
redis.call('PERSIST', KEYS[1])
if ARGV[5] == '1' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
redis.call('HINCRBY', KEYS[6], 'requeued', 1)
return 1
`)

// completeScript releases an owned lease and records the terminal status.
// KEYS: task, lease, lease expiry, stats. ARGV: id, worker id, status, retention s.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'worker_id', '')
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('HINCRBY', KEYS[4], ARGV[3], 1)
return 1
`)

// renewScript pushes the lease deadline out for the owning worker only.
// KEYS: lease, lease expiry. ARGV: id, worker id, deadline ms.
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// deadLetterScript moves a task into the dead-letter set and prunes entries
// older than the dead-letter TTL.
// KEYS: task, queue, delayed, lease, lease expiry, dlq, dlq data, stats.
// ARGV: id, entry json, failed at ms, worker id, dlq ttl s, retention s, prune before ms.
var deadLetterScript = redis.NewScript(`
if ARGV[4] ~= '' and redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[4] then
	return -1
end
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
local old = redis.call('ZRANGEBYSCORE', KEYS[6], '-inf', '(' .. ARGV[7])
for _, id in ipairs(old) do
	redis.call('HDEL', KEYS[7], id)
end
if #old > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[6], '-inf', '(' .. ARGV[7])
end
redis.call('ZADD', KEYS[6], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[7], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[6], ARGV[5])
redis.call('EXPIRE', KEYS[7], ARGV[5])
redis.call('HSET', KEYS[1], 'status', 'dead_letter', 'worker_id', '')
redis.call('EXPIRE', KEYS[1], ARGV[6])
redis.call('HINCRBY', KEYS[8], 'dead_lettered', 1)
return 1
`)

// cancelScript cancels a pending task outright and flags a leased one.
// Returns 1 cancelled, 2 flagged, 0 already finished, -1 unknown.
// KEYS: task, queue, delayed, stats. ARGV: id, retention s.
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'pending' then
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[3], ARGV[1])
	redis.call('HSET', KEYS[1], 'status', 'cancelled')
	redis.call('EXPIRE', KEYS[1], ARGV[2])
	redis.call('HINCRBY', KEYS[4], 'cancelled', 1)
	return 1
end
if status == 'leased' or status == 'running' then
	redis.call('HSET', KEYS[1], 'cancel_requested', '1')
	return 2
end
return 0
`)

// replayScript moves a dead letter back into the ready set.
// KEYS: task, queue, dlq, dlq data, stats. ARGV: id, data, score, queue name.
var replayScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[4], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'status', 'pending', 'queue', ARGV[4],
	'score', ARGV[3], 'worker_id', '', 'retry_count', '0', 'redeliveries', '0', 'cancel_requested', '0')
redis.call('PERSIST', KEYS[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HINCRBY', KEYS[5], 'replayed', 1)
return 1
`)

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func secs(d time.Duration) string {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (q *priorityQueue) Enqueue(ctx context.Context, task *domain.Task) (string, error) {
	now := q.now()
	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate task id: %w", err)
		}
		task.ID = id.String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.Config = task.Config.WithDefaults()

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	queue := task.EffectiveQueue()
	eta := task.ETA()

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{taskKey(task.ID), queueKey(queue), delayedKey(queue), statsKey(queue), queuesKey},
		task.ID, data, queue,
		strconv.FormatInt(Score(task.Config.Priority, eta), 10), ms(eta), flag(eta.After(now)),
		strconv.FormatInt(q.maxSize, 10), strconv.Itoa(task.RetryCount),
	).Int()
	if err != nil {
		return "", fmt.Errorf("redis enqueue %s: %w", task.ID, err)
	}
	if res < 0 {
		return "", &domain.CapacityExceededError{Queue: queue, Limit: q.maxSize}
	}
	return task.ID, nil
}

// Dequeue leases the best task in queue for workerID. With a positive
// timeout it polls until a task shows up or the timeout passes; it returns
// nil, nil when nothing was available. Expired tasks met on the way are
// dead-lettered instead of returned.
func (q *priorityQueue) Dequeue(ctx context.Context, queue, workerID string, timeout time.Duration) (*domain.Task, error) {
	task, err := q.dequeueOnce(ctx, queue, workerID)
	if err != nil || task != nil || timeout <= 0 {
		return task, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-ticker.C:
			task, err := q.dequeueOnce(ctx, queue, workerID)
			if err != nil || task != nil {
				return task, err
			}
		}
	}
}

func (q *priorityQueue) DequeueBatch(ctx context.Context, queue, workerID string, n int) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for len(tasks) < n {
		task, err := q.dequeueOnce(ctx, queue, workerID)
		if err != nil {
			return tasks, err
		}
		if task == nil {
			break
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *priorityQueue) dequeueOnce(ctx context.Context, queue, workerID string) (*domain.Task, error) {
	for {
		now := q.now()
		vals, err := dequeueScript.Run(ctx, q.client,
			[]string{queueKey(queue), delayedKey(queue), leaseKey(queue), leaseExpiryKey(queue), statsKey(queue)},
			ms(now), maintenanceBatch, workerID, ms(now.Add(q.leaseTTL)),
		).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis dequeue from %s: %w", queue, err)
		}
		if len(vals) < 2 {
			return nil, fmt.Errorf("redis dequeue from %s: unexpected reply %v", queue, vals)
		}

		var task domain.Task
		if err := json.Unmarshal([]byte(vals[1]), &task); err != nil {
			// An undecodable record can never run; park it rather than
			// redelivering it forever.
			broken := &domain.Task{ID: vals[0], Config: domain.TaskConfig{QueueName: queue}}
			if dlErr := q.deadLetter(ctx, broken, queue, "undecodable task: "+err.Error(), workerID); dlErr != nil {
				return nil, dlErr
			}
			continue
		}
		if task.Expired(now) {
			if err := q.deadLetter(ctx, &task, queue, "expired", workerID); err != nil {
				return nil, err
			}
			continue
		}
		return &task, nil
	}
}

func (q *priorityQueue) Requeue(ctx context.Context, task *domain.Task, opts RequeueOptions) (string, error) {
	now := q.now()
	derived := *task
	if opts.IncrementRetry {
		derived.RetryCount++
	}
	if opts.Demote {
		derived.Config.Priority = derived.Config.Priority.Demote()
	}
	if opts.Delay > 0 {
		eta := now.Add(opts.Delay)
		derived.ScheduledAt = &eta
	}

	data, err := json.Marshal(&derived)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	queue := derived.EffectiveQueue()
	eta := derived.ETA()

	res, err := requeueScript.Run(ctx, q.client,
		[]string{taskKey(task.ID), queueKey(queue), delayedKey(queue), leaseKey(queue), leaseExpiryKey(queue), statsKey(queue)},
		task.ID, data, strconv.FormatInt(Score(derived.Config.Priority, eta), 10), ms(eta),
		flag(eta.After(now)), opts.WorkerID, strconv.Itoa(derived.RetryCount), queue,
	).Int()
	if err != nil {
		return "", fmt.Errorf("redis requeue %s: %w", task.ID, err)
	}
	if res < 0 {
		return "", &domain.LeaseLostError{TaskID: task.ID, WorkerID: opts.WorkerID}
	}
	return task.ID, nil
}

func (q *priorityQueue) Complete(ctx context.Context, task *domain.Task, workerID string, status domain.Status) error {
	queue := task.EffectiveQueue()
	res, err := completeScript.Run(ctx, q.client,
		[]string{taskKey(task.ID), leaseKey(queue), leaseExpiryKey(queue), statsKey(queue)},
		task.ID, workerID, string(status), secs(q.retention),
	).Int()
	if err != nil {
		return fmt.Errorf("redis complete %s: %w", task.ID, err)
	}
	if res == 0 {
		return &domain.LeaseLostError{TaskID: task.ID, WorkerID: workerID}
	}
	return nil
}

func (q *priorityQueue) RenewLease(ctx context.Context, task *domain.Task, workerID string) error {
	queue := task.EffectiveQueue()
	res, err := renewScript.Run(ctx, q.client,
		[]string{leaseKey(queue), leaseExpiryKey(queue)},
		task.ID, workerID, ms(q.now().Add(q.leaseTTL)),
	).Int()
	if err != nil {
		return fmt.Errorf("redis renew lease %s: %w", task.ID, err)
	}
	if res == 0 {
		return &domain.LeaseLostError{TaskID: task.ID, WorkerID: workerID}
	}
	return nil
}

func (q *priorityQueue) MoveToDeadLetter(ctx context.Context, task *domain.Task, reason, workerID string) error {
	return q.deadLetter(ctx, task, task.EffectiveQueue(), reason, workerID)
}

func (q *priorityQueue) deadLetter(ctx context.Context, task *domain.Task, queue, reason, workerID string) error {
	now := q.now()
	entry, err := json.Marshal(&domain.DeadLetter{
		Task:          task,
		Reason:        reason,
		OriginalQueue: queue,
		FailedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", task.ID, err)
	}
	res, err := deadLetterScript.Run(ctx, q.client,
		[]string{
			taskKey(task.ID), queueKey(queue), delayedKey(queue), leaseKey(queue),
			leaseExpiryKey(queue), dlqKey(queue), dlqDataKey(queue), statsKey(queue),
		},
		task.ID, entry, ms(now), workerID, secs(q.deadLetterTTL), secs(q.retention),
		ms(now.Add(-q.deadLetterTTL)),
	).Int()
	if err != nil {
		return fmt.Errorf("redis dead-letter %s: %w", task.ID, err)
	}
	if res < 0 {
		return &domain.LeaseLostError{TaskID: task.ID, WorkerID: workerID}
	}
	return nil
}

// Cancel stops a task. A pending task is removed from its queue and its
// status becomes cancelled; a leased task is flagged and the returned status
// stays leased or running until the owning worker notices.
func (q *priorityQueue) Cancel(ctx context.Context, taskID string) (domain.Status, error) {
	queue, err := q.client.HGet(ctx, taskKey(taskID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", &domain.TaskNotFoundError{TaskID: taskID}
	}
	if err != nil {
		return "", fmt.Errorf("redis get queue of %s: %w", taskID, err)
	}
	res, err := cancelScript.Run(ctx, q.client,
		[]string{taskKey(taskID), queueKey(queue), delayedKey(queue), statsKey(queue)},
		taskID, secs(q.retention),
	).Int()
	if err != nil {
		return "", fmt.Errorf("redis cancel %s: %w", taskID, err)
	}
	if res < 0 {
		return "", &domain.TaskNotFoundError{TaskID: taskID}
	}
	status, err := q.client.HGet(ctx, taskKey(taskID), "status").Result()
	if err != nil {
		return "", fmt.Errorf("redis get status of %s: %w", taskID, err)
	}
	return domain.Status(status), nil
}

func (q *priorityQueue) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	v, err := q.client.HGet(ctx, taskKey(taskID), "cancel_requested").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get cancel flag of %s: %w", taskID, err)
	}
	return v == "1", nil
}

// ReclaimExpired promotes due delayed tasks and returns tasks whose lease ran
// out to the ready set. It reports how many leases were reclaimed.
func (q *priorityQueue) ReclaimExpired(ctx context.Context, queue string) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{queueKey(queue), delayedKey(queue), leaseKey(queue), leaseExpiryKey(queue), statsKey(queue)},
		ms(q.now()), maintenanceBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis reclaim %s: %w", queue, err)
	}
	return n, nil
}

func (q *priorityQueue) GetQueueStats(ctx context.Context, queue string) (*domain.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, queueKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	leased := pipe.HLen(ctx, leaseKey(queue))
	dead := pipe.ZCard(ctx, dlqKey(queue))
	totals := pipe.HGetAll(ctx, statsKey(queue))
	tiers := make(map[domain.Priority]*redis.IntCmd, len(domain.Priorities))
	for _, p := range domain.Priorities {
		upper := int64(p.Tier()) * tierSpan
		tiers[p] = pipe.ZCount(ctx, queueKey(queue),
			"("+strconv.FormatInt(upper-tierSpan, 10), strconv.FormatInt(upper, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis stats for %s: %w", queue, err)
	}

	stats := &domain.QueueStats{
		Queue:                queue,
		CurrentSize:          ready.Val(),
		DelayedSize:          delayed.Val(),
		LeasedSize:           leased.Val(),
		DeadLetterSize:       dead.Val(),
		Totals:               make(map[string]int64, len(totals.Val())),
		PriorityDistribution: make(map[domain.Priority]int64, len(tiers)),
	}
	for k, v := range totals.Val() {
		n, _ := strconv.ParseInt(v, 10, 64)
		stats.Totals[k] = n
	}
	for p, cmd := range tiers {
		stats.PriorityDistribution[p] = cmd.Val()
	}
	return stats, nil
}

func (q *priorityQueue) Depth(ctx context.Context, queue string) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, queueKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis depth of %s: %w", queue, err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *priorityQueue) Queues(ctx context.Context) ([]string, error) {
	qs, err := q.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list queues: %w", err)
	}
	return qs, nil
}

// ListDeadLetters returns up to limit dead letters, newest first.
func (q *priorityQueue) ListDeadLetters(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, dlqKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list dead letters of %s: %w", queue, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := q.client.HMGet(ctx, dlqDataKey(queue), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read dead letters of %s: %w", queue, err)
	}
	out := make([]*domain.DeadLetter, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, &dl)
	}
	return out, nil
}

// ReplayDeadLetter moves a dead letter back into its queue with a fresh
// retry budget.
func (q *priorityQueue) ReplayDeadLetter(ctx context.Context, queue, taskID string) error {
	raw, err := q.client.HGet(ctx, dlqDataKey(queue), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	if err != nil {
		return fmt.Errorf("redis read dead letter %s: %w", taskID, err)
	}
	var dl domain.DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return fmt.Errorf("unmarshal dead letter %s: %w", taskID, err)
	}
	if dl.Task == nil {
		return fmt.Errorf("dead letter %s has no task payload", taskID)
	}

	now := q.now()
	task := *dl.Task
	task.RetryCount = 0
	task.ScheduledAt = nil
	task.ExpiresAt = nil
	task.CreatedAt = now
	data, err := json.Marshal(&task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", taskID, err)
	}

	res, err := replayScript.Run(ctx, q.client,
		[]string{taskKey(taskID), queueKey(queue), dlqKey(queue), dlqDataKey(queue), statsKey(queue)},
		taskID, data, strconv.FormatInt(Score(task.Config.Priority, now), 10), queue,
	).Int()
	if err != nil {
		return fmt.Errorf("redis replay %s: %w", taskID, err)
	}
	if res == 0 {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	return nil
}
