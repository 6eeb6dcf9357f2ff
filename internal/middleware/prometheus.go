package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peercall/pkg/metrics"
)

// Prometheus records request duration and in-flight counts for every
// handled request
func Prometheus() gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics.RequestInFlight.Inc()
		defer metrics.RequestInFlight.Dec()

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordRequestDuration(
			time.Since(start),
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		)
	}
}

// MetricsHandler exposes the Prometheus scrape endpoint
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
