package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/handlers"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/saga"
)

// remote answers every path with the status set for it and records the
// calls it saw.
type remote struct {
	mu     sync.Mutex
	calls  []string
	status map[string]int
}

func newRemote(t *testing.T, status map[string]int) (*remote, *httptest.Server) {
	t.Helper()
	r := &remote{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.calls = append(r.calls, req.Method+" "+req.URL.Path)
		code, ok := r.status[req.URL.Path]
		r.mu.Unlock()
		if !ok {
			code = http.StatusOK
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *remote) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func orderSaga(base string) string {
	args := saga.HTTPSagaArgs{
		Name: "order",
		Steps: []saga.HTTPSagaStep{
			{
				Name:       "reserve",
				Action:     handlers.HTTPRequestArgs{URL: base + "/reserve", Method: http.MethodPost},
				Compensate: &handlers.HTTPRequestArgs{URL: base + "/release", Method: http.MethodPost},
			},
			{
				Name:   "charge",
				Action: handlers.HTTPRequestArgs{URL: base + "/charge", Method: http.MethodPost},
			},
		},
	}
	raw, _ := json.Marshal(args)
	return string(raw)
}

func invoke(t *testing.T, h handlers.Handler, kwargs string) (any, error) {
	t.Helper()
	inv := handlers.NewInvocation(&domain.Task{ID: "t-1", Kwargs: json.RawMessage(kwargs)}, nil)
	return h.Handle(context.Background(), inv)
}

func TestHTTPHandler_CompletesAndPersists(t *testing.T) {
	_, rc := newRedis(t)
	store := redisstore.NewSagaStore(rc)
	arch := &archive{}
	r, srv := newRemote(t, nil)
	h := saga.NewHTTPHandler(srv.Client(), saga.WithLogger(discardLogger), saga.WithStore(store), saga.WithArchive(arch))
	assert.Equal(t, "http.saga", h.FunctionName())

	out, err := invoke(t, h, orderSaga(srv.URL))
	require.NoError(t, err)

	run, ok := out.(*domain.SagaRun)
	require.True(t, ok)
	assert.Equal(t, domain.SagaCompleted, run.Status)
	assert.Equal(t, []string{"POST /reserve", "POST /charge"}, r.seen())

	stored, err := store.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, stored.Status)
	require.Len(t, arch.runs, 1)
	assert.Equal(t, run.ID, arch.runs[0].ID)
}

func TestHTTPHandler_FailedCallUndoesEarlierCalls(t *testing.T) {
	_, rc := newRedis(t)
	arch := &archive{}
	r, srv := newRemote(t, map[string]int{"/charge": http.StatusServiceUnavailable})
	h := saga.NewHTTPHandler(srv.Client(), saga.WithLogger(discardLogger),
		saga.WithStore(redisstore.NewSagaStore(rc)), saga.WithArchive(arch))

	_, err := invoke(t, h, orderSaga(srv.URL))
	var stepErr *domain.StepFailureError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "charge", stepErr.StepID)
	assert.True(t, domain.IsRetryable(err), "everything was undone, so the task may run again")
	assert.Equal(t, []string{"POST /reserve", "POST /charge", "POST /release"}, r.seen())

	require.Len(t, arch.runs, 1)
	assert.Equal(t, domain.SagaCompensated, arch.runs[0].Status)
}

func TestHTTPHandler_PermanentFailureIsNotRetried(t *testing.T) {
	_, srv := newRemote(t, map[string]int{"/charge": http.StatusPaymentRequired})
	h := saga.NewHTTPHandler(srv.Client(), saga.WithLogger(discardLogger))

	_, err := invoke(t, h, orderSaga(srv.URL))
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestHTTPHandler_FailedRollbackIsNotRetried(t *testing.T) {
	_, srv := newRemote(t, map[string]int{
		"/charge":  http.StatusServiceUnavailable,
		"/release": http.StatusInternalServerError,
	})
	h := saga.NewHTTPHandler(srv.Client(), saga.WithLogger(discardLogger))

	_, err := invoke(t, h, orderSaga(srv.URL))
	var compErr *domain.SagaCompensationError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "reserve", compErr.Step)
	assert.False(t, domain.IsRetryable(err))
}

func TestHTTPHandler_RejectsBadDefinitions(t *testing.T) {
	h := saga.NewHTTPHandler(nil)

	assert.Error(t, h.ValidateArgs(nil, json.RawMessage(`{"name":"order","steps":[]}`)))
	assert.Error(t, h.ValidateArgs(nil, json.RawMessage(`{"name":"order","steps":[{"name":"a","action":{"url":"not a url"}}]}`)))

	_, err := invoke(t, h, `{"name":"order","steps":[
		{"name":"a","action":{"url":"http://example.com/a"}},
		{"name":"a","action":{"url":"http://example.com/b"}}]}`)
	var invalid *domain.InvalidArgumentsError
	require.True(t, errors.As(err, &invalid))
	assert.False(t, domain.IsRetryable(err))
}
