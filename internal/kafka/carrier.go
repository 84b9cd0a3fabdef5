package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier lets the OTel propagator read and write Kafka headers.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set overwrites the first header named key or appends a new one.
func (c *HeaderCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}

func injectTrace(ctx context.Context, extra ...segkafka.Header) []segkafka.Header {
	carrier := HeaderCarrier(extra)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return carrier
}

func extractTrace(ctx context.Context, headers []segkafka.Header) context.Context {
	carrier := HeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}
