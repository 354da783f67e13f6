package adapters

import (
	"context"
	"maps"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

const (
	HeaderDurability   = "X-Message-Durability"
	HeaderExpiry       = "X-Message-Expiry"
	HeaderPartitionKey = "X-Partition-Key"

	TopicMessagesRoute    = "/v1/topics/{topic}/messages"
	PartitionMessageRoute = "/v1/topics/{topic}/partitions/{key}/messages"
)

// RouteExecutor is the primary gateway executor. It resolves the topic (and optional partition
// key) from the request path and produces through the resilient client. Requests outside its
// routes are NotApplicable so the chain can hand them to the fallback.
type RouteExecutor struct {
	routes    *chi.Mux
	publisher ports.Publisher
}

func NewRouteExecutor(publisher ports.Publisher) *RouteExecutor {
	routes := chi.NewMux()
	noop := func(http.ResponseWriter, *http.Request) {}

	routes.Post(TopicMessagesRoute, noop)
	routes.Post(PartitionMessageRoute, noop)

	return &RouteExecutor{
		routes:    routes,
		publisher: publisher,
	}
}

func (e *RouteExecutor) Execute(ctx context.Context, ec *resilience.ExecutionContext) resilience.Result {
	rctx := chi.NewRouteContext()
	if !e.routes.Match(rctx, ec.Method, ec.Path) {
		return resilience.NotApplicable()
	}

	options := make(map[string]string, len(ec.Metadata)+1)
	maps.Copy(options, ec.Metadata)

	if key := rctx.URLParam("key"); key != "" {
		options["partition_key"] = key
	}

	req := NewPublishRequest(rctx.URLParam("topic"), ec.Body, options)

	id, err := e.publisher.Produce(ctx, req.Topic, req.Payload, req.Options()...)
	if err != nil {
		return resilience.Failed(&domain.PublishError{Request: req, Err: err})
	}

	return resilience.Applied(&domain.PublishReceipt{MessageID: id, Topic: req.Topic})
}

// NewPublishRequest resolves loosely typed produce options into a request that can be replayed
// later with the same options.
func NewPublishRequest(topic string, payload []byte, options map[string]string) domain.PublishRequest {
	resolved := queue.ApplyProduceOptions(queue.ProduceOptionsFromMap(options)...)

	return domain.PublishRequest{
		Topic:        topic,
		Payload:      payload,
		PartitionKey: resolved.PartitionKey,
		Durability:   resolved.Durability,
		Expiry:       resolved.Expiry,
	}
}

// ProduceMetadata lifts the produce option headers into execution metadata.
func ProduceMetadata(header http.Header) map[string]string {
	metadata := make(map[string]string, 3)

	for key, name := range map[string]string{
		"durability":    HeaderDurability,
		"expiry":        HeaderExpiry,
		"partition_key": HeaderPartitionKey,
	} {
		if v := header.Get(name); v != "" {
			metadata[key] = v
		}
	}

	return metadata
}

// NewFallbackInvocation produces unmatched requests to topic on q. An empty topic leaves the
// request unresolved.
func NewFallbackInvocation(q ports.Publisher, topic string) resilience.Invocation {
	return func(ctx context.Context, ec *resilience.ExecutionContext) (any, error) {
		if topic == "" {
			return nil, resilience.ErrNotApplicable
		}

		req := NewPublishRequest(topic, ec.Body, nil)

		id, err := q.Produce(ctx, topic, req.Payload, req.Options()...)
		if err != nil {
			return nil, &domain.PublishError{Request: req, Err: err}
		}

		return &domain.PublishReceipt{MessageID: id, Topic: topic}, nil
	}
}

// FallbackKey selects the pipeline the fallback runs through.
func FallbackKey(*resilience.ExecutionContext) []string {
	return []string{"Gateway", "Fallback"}
}
