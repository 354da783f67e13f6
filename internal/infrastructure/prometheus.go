package infrastructure

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/architeacher/svc-messaging/pkg/queue"
)

// NewPrometheusHandler serves runtime collectors and the number of queues the registry holds open.
func NewPrometheusHandler(registry *queue.Registry) http.Handler {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_queues",
			Help:      "Number of broker connections currently open.",
		}, func() float64 {
			return float64(registry.Len())
		}),
	)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
