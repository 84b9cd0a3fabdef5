package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-flow-orchestrator/pkg/telemetry"
)

// HTTPRequestArgs are the kwargs of the http.request function.
type HTTPRequestArgs struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPResponse is what http.request returns as its task result.
type HTTPResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

const maxResponseBody = 64 << 10

// NewHTTPRequestHandler returns the http.request function, which makes an
// outbound HTTP call. 4xx responses other than 429 are not retried.
func NewHTTPRequestHandler(client *http.Client) *Typed[HTTPRequestArgs] {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return NewTyped("http.request", func(ctx context.Context, _ *Invocation, p HTTPRequestArgs) (any, error) {
		resp, err := CallHTTP(ctx, client, p)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
}

// CallHTTP makes one outbound call described by p. A 4xx other than 429 is
// wrapped as non-retryable.
func CallHTTP(ctx context.Context, client *http.Client, p HTTPRequestArgs) (HTTPResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "handler.http_request")
	defer span.End()

	if p.Method == "" {
		p.Method = http.MethodPost
	}
	span.SetAttributes(
		attribute.String("http.url", p.URL),
		attribute.String("http.method", p.Method),
	)

	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return HTTPResponse{}, domain.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return HTTPResponse{}, fmt.Errorf("call %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("%s returned status %d", p.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return HTTPResponse{}, domain.Permanent(err)
		}
		return HTTPResponse{}, err
	}
	return HTTPResponse{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
