package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// headerCarrier exposes a message's headers to the otel propagator. Set
// edits the slice in place so one key never appears twice.
type headerCarrier struct {
	list *[]segkafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.list {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.list {
		if h.Key == key {
			(*c.list)[i].Value = []byte(value)
			return
		}
	}
	*c.list = append(*c.list, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(*c.list))
	for i, h := range *c.list {
		keys[i] = h.Key
	}
	return keys
}

// traceHeaders returns the headers that carry ctx's span to consumers.
func traceHeaders(ctx context.Context) []segkafka.Header {
	var list []segkafka.Header
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{&list})
	return list
}

// withTrace continues the span a producer left in headers.
func withTrace(ctx context.Context, headers []segkafka.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{&headers})
}
