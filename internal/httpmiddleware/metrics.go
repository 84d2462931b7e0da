package httpmiddleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// ClaimOutcomes counts verification decisions by modality and outcome
	// (admitted, or the rejection reason).
	ClaimOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_claim_outcomes_total",
			Help: "Verification claim outcomes by modality and result",
		},
		[]string{"modality", "outcome"},
	)

	// FlaggedRecords counts admitted records held for review.
	FlaggedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_flagged_records_total",
			Help: "Admitted records flagged for fraud review",
		},
	)
)

// Metrics records request counts and latencies per route.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.Next()
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
