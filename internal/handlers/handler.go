package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

// ProgressFunc records a progress report for the running task.
type ProgressFunc func(ctx context.Context, percentage float64, message string) error

// Invocation is the context a function receives alongside its arguments.
type Invocation struct {
	TaskID        string
	CorrelationID string
	TenantID      string
	RetryCount    int
	Args          json.RawMessage
	Kwargs        json.RawMessage

	progress ProgressFunc
}

// NewInvocation builds the invocation for task. progress may be nil.
func NewInvocation(task *domain.Task, progress ProgressFunc) *Invocation {
	return &Invocation{
		TaskID:        task.ID,
		CorrelationID: task.CorrelationID,
		TenantID:      task.TenantID,
		RetryCount:    task.RetryCount,
		Args:          task.Args,
		Kwargs:        task.Kwargs,
		progress:      progress,
	}
}

// ReportProgress forwards a progress report. Functions should treat the
// returned error as informational.
func (inv *Invocation) ReportProgress(ctx context.Context, percentage float64, message string) error {
	if inv.progress == nil {
		return nil
	}
	return inv.progress(ctx, percentage, message)
}

// Handler is a registered task function.
type Handler interface {
	FunctionName() string
	Handle(ctx context.Context, inv *Invocation) (any, error)
}

// ArgumentValidator is implemented by handlers that know the shape of their
// arguments, so submissions can be rejected before they reach a queue.
type ArgumentValidator interface {
	ValidateArgs(args, kwargs json.RawMessage) error
}

// Func adapts a plain function to the Handler interface.
func Func(name string, fn func(ctx context.Context, inv *Invocation) (any, error)) Handler {
	return &funcHandler{name: name, fn: fn}
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, inv *Invocation) (any, error)
}

func (h *funcHandler) FunctionName() string { return h.name }

func (h *funcHandler) Handle(ctx context.Context, inv *Invocation) (any, error) {
	return h.fn(ctx, inv)
}

// Registry maps function names to their handlers. It is built once at
// process start and passed to the engine, the client and the scheduler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a Registry holding hs.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.FunctionName()] = h
}

// Get returns the handler for the given function name.
// Returns UnregisteredFunctionError if not registered.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &domain.UnregisteredFunctionError{FunctionName: name}
	}
	return h, nil
}

// Validate checks that name is registered and, when the handler declares an
// argument shape, that args and kwargs match it.
func (r *Registry) Validate(name string, args, kwargs json.RawMessage) error {
	h, err := r.Get(name)
	if err != nil {
		return err
	}
	if v, ok := h.(ArgumentValidator); ok {
		if err := v.ValidateArgs(args, kwargs); err != nil {
			return &domain.InvalidArgumentsError{FunctionName: name, Err: err}
		}
	}
	return nil
}

// Names lists registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
