package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

// Factory builds a worker serving queues. It is called again with the same
// id when a worker is recovered, so the replacement runs an identical config.
type Factory func(id string, queues []string) *Worker

// ManagerConfig holds the pool limits.
type ManagerConfig struct {
	Queues             []string
	MinWorkersPerQueue int
	MaxWorkersPerQueue int
	// ScaleUpDepth is the queue depth above which another worker is added.
	ScaleUpDepth  int64
	CheckInterval time.Duration
	// StaleAfter is how old a heartbeat may get before the worker is
	// recovered. Defaults to three check intervals.
	StaleAfter  time.Duration
	StopTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if len(c.Queues) == 0 {
		c.Queues = []string{domain.DefaultQueue}
	}
	if c.MinWorkersPerQueue < 1 {
		c.MinWorkersPerQueue = 1
	}
	if c.MaxWorkersPerQueue < c.MinWorkersPerQueue {
		c.MaxWorkersPerQueue = c.MinWorkersPerQueue
	}
	if c.ScaleUpDepth <= 0 {
		c.ScaleUpDepth = 10
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.CheckInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	return c
}

type managedWorker struct {
	worker    *Worker
	queue     string
	startedAt time.Time
	exited    chan error
	cancel    context.CancelFunc
}

// Manager keeps a pool of in-process workers healthy and sized to the depth
// of the queues they serve.
type Manager struct {
	cfg        ManagerConfig
	queue      redisstore.Queue
	factory    Factory
	heartbeats redisstore.HeartbeatStore
	logger     *slog.Logger
	hostname   string
	now        func() time.Time

	mu      sync.Mutex
	workers map[string]*managedWorker
	seq     atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRegistry records managed workers in the worker registry and enables
// heartbeat staleness checks.
func WithRegistry(s redisstore.HeartbeatStore) ManagerOption {
	return func(m *Manager) { m.heartbeats = s }
}

// WithManagerLogger sets the structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. Workers are only started by Run.
func NewManager(cfg ManagerConfig, queue redisstore.Queue, factory Factory, opts ...ManagerOption) *Manager {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		factory:  factory,
		logger:   slog.Default(),
		hostname: hostname,
		now:      time.Now,
		workers:  make(map[string]*managedWorker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the minimum pool and checks it every CheckInterval until ctx is
// cancelled, then stops every worker.
func (m *Manager) Run(ctx context.Context) error {
	m.startPool(ctx)
	m.logger.Info("worker manager started",
		slog.Any("queues", m.cfg.Queues),
		slog.Int("min_per_queue", m.cfg.MinWorkersPerQueue),
		slog.Int("max_per_queue", m.cfg.MaxWorkersPerQueue),
	)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.logger.Info("worker manager stopped")
			return nil
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Manager) startPool(ctx context.Context) {
	for _, q := range m.cfg.Queues {
		for i := 0; i < m.cfg.MinWorkersPerQueue; i++ {
			m.spawn(ctx, m.nextID(q), q)
		}
	}
}

// Workers returns a heartbeat snapshot of every managed worker.
func (m *Manager) Workers() []*domain.Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Heartbeat, 0, len(m.workers))
	for _, mw := range m.workers {
		out = append(out, mw.worker.Heartbeat())
	}
	return out
}

// Count returns the number of workers serving queue.
func (m *Manager) Count(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mw := range m.workers {
		if mw.queue == queue {
			n++
		}
	}
	return n
}

func (m *Manager) check(ctx context.Context) {
	m.recoverUnhealthy(ctx)
	m.reap(ctx)
	m.scale(ctx)
}

// recoverUnhealthy restarts workers that exited, reported an error or stopped
// heartbeating.
func (m *Manager) recoverUnhealthy(ctx context.Context) {
	for _, mw := range m.snapshot() {
		reason := m.unhealthy(ctx, mw)
		if reason == "" {
			continue
		}
		id := mw.worker.ID()
		m.logger.Warn("recovering worker", slog.String("worker_id", id), slog.String("reason", reason))
		telemetry.WorkerRestartsTotal.WithLabelValues(reason).Inc()
		m.remove(id, false)
		mw.cancel()
		m.spawn(ctx, id, mw.queue)
	}
}

func (m *Manager) unhealthy(ctx context.Context, mw *managedWorker) string {
	select {
	case <-mw.worker.Done():
		err := <-mw.exited
		if errors.Is(err, ErrRestartRequested) {
			return "restart_requested"
		}
		if err != nil {
			return "error"
		}
		return "exited"
	default:
	}

	if mw.worker.Status() == domain.WorkerError {
		m.stopWorker(mw)
		return "error"
	}

	if m.heartbeats == nil || m.now().Sub(mw.startedAt) < m.cfg.StaleAfter {
		return ""
	}
	hb, err := m.heartbeats.Get(ctx, mw.worker.ID())
	if err != nil {
		m.logger.Warn("heartbeat lookup failed", slog.String("worker_id", mw.worker.ID()), slog.String("error", err.Error()))
		return ""
	}
	if hb == nil || m.now().Sub(hb.Timestamp) > m.cfg.StaleAfter {
		m.stopWorker(mw)
		return "stale"
	}
	return ""
}

// reap returns expired leases on every managed queue to the ready set.
func (m *Manager) reap(ctx context.Context) {
	for _, q := range m.cfg.Queues {
		n, err := m.queue.ReclaimExpired(ctx, q)
		if err != nil {
			m.logger.Warn("lease reaper failed", slog.String("queue", q), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			telemetry.ManagerReclaimedTotal.Add(float64(n))
			m.logger.Info("reclaimed expired leases", slog.String("queue", q), slog.Int("count", n))
		}
	}
}

// scale adds a worker to a queue whose depth passed the high-water mark and
// removes the most idle worker from an empty queue.
func (m *Manager) scale(ctx context.Context) {
	for _, q := range m.cfg.Queues {
		depth, err := m.queue.Depth(ctx, q)
		if err != nil {
			m.logger.Warn("queue depth failed", slog.String("queue", q), slog.String("error", err.Error()))
			continue
		}
		telemetry.QueueDepth.WithLabelValues(q).Set(float64(depth))

		n := m.Count(q)
		switch {
		case depth > m.cfg.ScaleUpDepth && n < m.cfg.MaxWorkersPerQueue:
			m.logger.Info("scaling up", slog.String("queue", q), slog.Int64("depth", depth), slog.Int("workers", n+1))
			m.spawn(ctx, m.nextID(q), q)
		case depth == 0 && n > m.cfg.MinWorkersPerQueue:
			if mw := m.mostIdle(q); mw != nil {
				m.logger.Info("scaling down", slog.String("queue", q), slog.String("worker_id", mw.worker.ID()), slog.Int("workers", n-1))
				m.remove(mw.worker.ID(), true)
				m.stopWorker(mw)
				mw.cancel()
			}
		}
		telemetry.ManagerWorkers.WithLabelValues(q).Set(float64(m.Count(q)))
	}
}

// mostIdle picks the worker with no running task that finished its last task
// the longest ago. Workers that never ran anything win.
func (m *Manager) mostIdle(queue string) *managedWorker {
	var best *managedWorker
	var bestAt time.Time
	for _, mw := range m.snapshot() {
		if mw.queue != queue || mw.worker.InFlight() > 0 {
			continue
		}
		var at time.Time
		if last := mw.worker.Stats().LastTaskAt; last != nil {
			at = *last
		}
		if best == nil || at.Before(bestAt) {
			best, bestAt = mw, at
		}
	}
	return best
}

func (m *Manager) spawn(ctx context.Context, id, queue string) {
	w := m.factory(id, []string{queue})
	wctx, cancel := context.WithCancel(ctx)
	mw := &managedWorker{
		worker:    w,
		queue:     queue,
		startedAt: m.now(),
		exited:    make(chan error, 1),
		cancel:    cancel,
	}
	m.mu.Lock()
	m.workers[id] = mw
	m.mu.Unlock()

	go func() { mw.exited <- w.Run(wctx) }()

	if m.heartbeats != nil {
		reg := &domain.WorkerRegistration{
			WorkerID:  id,
			Queues:    []string{queue},
			Hostname:  m.hostname,
			CreatedAt: mw.startedAt.UTC(),
		}
		if err := m.heartbeats.Register(ctx, reg); err != nil {
			m.logger.Warn("worker registration failed", slog.String("worker_id", id), slog.String("error", err.Error()))
		}
	}
	telemetry.ManagerWorkers.WithLabelValues(queue).Set(float64(m.Count(queue)))
}

func (m *Manager) remove(id string, unregister bool) {
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()
	if unregister && m.heartbeats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.heartbeats.Unregister(ctx, id); err != nil {
			m.logger.Warn("worker unregister failed", slog.String("worker_id", id), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) stopWorker(mw *managedWorker) {
	select {
	case <-mw.worker.Done():
	default:
		mw.worker.Stop(m.cfg.StopTimeout)
	}
}

func (m *Manager) stopAll() {
	var wg sync.WaitGroup
	for _, mw := range m.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.stopWorker(mw)
			m.remove(mw.worker.ID(), true)
			mw.cancel()
		}()
	}
	wg.Wait()
	for _, q := range m.cfg.Queues {
		telemetry.ManagerWorkers.WithLabelValues(q).Set(0)
	}
}

func (m *Manager) snapshot() []*managedWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*managedWorker, 0, len(m.workers))
	for _, mw := range m.workers {
		out = append(out, mw)
	}
	return out
}

func (m *Manager) nextID(queue string) string {
	return fmt.Sprintf("%s-%s-%d", m.hostname, queue, m.seq.Add(1))
}
