// Package resilience wraps operations in retry, circuit breaker, timeout and rate limiting
// policies selected by feature key, and composes executors into fallback chains.
//
// A feature key is an ordered list of segments such as ["Queue", "Produce", "orders"]. The
// Manager resolves the policy registered for the longest matching prefix, builds the pipeline
// once and caches it. An empty key selects no pipeline: GetPipeline returns nil and a nil
// *Pipeline runs the operation as is.
//
//	m, _ := resilience.NewManager(resilience.WithPolicy(ordersPolicy, "Queue", "Produce", "orders"))
//	err := m.ComposePipeline([]string{"Queue"}, []string{"Produce", topic}).Execute(ctx, produce)
package resilience
