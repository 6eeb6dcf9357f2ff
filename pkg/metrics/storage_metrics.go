package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage metrics for monitoring query performance and store availability
var (
	// Cassandra metrics
	CassandraQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cassandra_query_duration_seconds",
		Help:    "Cassandra query latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation", "table"})

	CassandraQueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cassandra_query_total",
		Help: "Total number of Cassandra queries executed",
	}, []string{"operation", "table", "status"})

	// CockroachDB metrics
	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Database query latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation", "table"})

	// HTTP request metrics
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "path", "status"})

	RequestInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "request_in_flight",
		Help: "Current number of in-flight requests",
	})

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections",
		Help: "Current number of active WebSocket connections",
	})

	// Shared store availability
	RedisAvailableGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_available",
		Help: "Whether Redis is available (1) or unavailable (0)",
	})
)

// RecordCassandraQuery records one Cassandra query execution
func RecordCassandraQuery(operation, table, status string, duration time.Duration) {
	CassandraQueryTotal.WithLabelValues(operation, table, status).Inc()
	CassandraQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordDBQuery records one CockroachDB query execution
func RecordDBQuery(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordRequestDuration records a completed HTTP request
func RecordRequestDuration(duration time.Duration, method, path, status string) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordRedisAvailable flags whether the shared record store is reachable
func RecordRedisAvailable(available bool) {
	if available {
		RedisAvailableGauge.Set(1)
	} else {
		RedisAvailableGauge.Set(0)
	}
}
