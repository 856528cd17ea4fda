// Package metrics defines the prometheus instruments of the sandbox
// controller and the echo middleware feeding the HTTP counters.
package metrics

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SandboxesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xctf_sandboxes_active",
			Help: "Number of currently active sandboxes",
		},
		[]string{"static"},
	)

	SandboxCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xctf_sandbox_create_duration_seconds",
			Help:    "Time to create a sandbox, health wait included",
			Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"status"},
	)

	SandboxCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xctf_sandbox_creates_total",
			Help: "Total sandbox creations",
		},
		[]string{"status"},
	)

	SandboxCleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xctf_sandbox_cleanups_total",
			Help: "Total sandbox teardowns",
		},
		[]string{"reason"},
	)

	FirewallOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xctf_firewall_op_duration_seconds",
			Help:    "Time for nft operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	OrphanPortsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xctf_orphan_ports_swept_total",
			Help: "Firewall ports removed by the orphan sweep",
		},
	)

	FlagSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xctf_flag_submissions_total",
			Help: "Total flag submissions",
		},
		[]string{"result"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xctf_sessions_active",
			Help: "Number of active user sessions",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xctf_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xctf_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"method", "path"},
	)

	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xctf_tasks_processed_total",
			Help: "Background tasks processed by the worker",
		},
		[]string{"task", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesActive,
		SandboxCreateDuration,
		SandboxCreatesTotal,
		SandboxCleanupsTotal,
		FirewallOpDuration,
		OrphanPortsSwept,
		FlagSubmissionsTotal,
		SessionsActive,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksProcessedTotal,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware instruments every HTTP request.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
			).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// StartMetricsServer serves /metrics on its own listener.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics: server stopped: %v", err)
		}
	}()
	return srv
}
