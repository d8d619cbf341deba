package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UsersReleased   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_users_released_total", Help: "Total users released from queue"})
	UsersExpired    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_users_expired_total", Help: "Total users expired"})
	CallbackSuccess = prometheus.NewCounter(prometheus.CounterOpts{Name: "callback_success_total", Help: "Total successful callbacks"})
	CallbackFailure = prometheus.NewCounter(prometheus.CounterOpts{Name: "callback_failure_total", Help: "Total permanently failed callbacks"})
	QueueSize       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_size", Help: "Current waiting count per queue"}, []string{"queue_id"})
	CallbackSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "callback_duration_seconds", Help: "Callback delivery duration including retries"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UsersReleased,
			UsersExpired,
			CallbackSuccess,
			CallbackFailure,
			QueueSize,
			CallbackSeconds,
		)
	})
	return promhttp.Handler()
}
