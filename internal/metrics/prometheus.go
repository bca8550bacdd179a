// Package metrics wraps the Prometheus collectors this bridge exposes, and
// the bearer-guarded HTTP endpoint that serves them. It is a thin
// collaborator: nothing in the request-execution spine depends on it being
// initialized, so every recording function is a safe no-op until Init runs.
package metrics

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics wraps the Prometheus collectors for the inspector bridge.
type Metrics struct {
	registry *prometheus.Registry

	callsTotal       *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	reaperTimeouts   prometheus.Counter
	outboxFailures   prometheus.Counter
	pendingSessions  prometheus.Gauge
	budgetFrozen     prometheus.Gauge
	handshakeLatency *prometheus.HistogramVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var current *Metrics

// Init builds and registers the collector set. Safe to call once at
// startup; subsequent calls replace the package-level instance.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inspector_calls_total",
			Help:      "Total inspector_call invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inspector_call_duration_milliseconds",
			Help:      "Duration of inspector_call invocations in milliseconds",
			Buckets:   defaultBuckets,
		}, []string{"tool", "transport"}),
		reaperTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_timeouts_total",
			Help:      "Total idempotency keys reaped as timed-out",
		}),
		outboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_append_failures_total",
			Help:      "Total outbox appends that fell back to the DLQ or failed outright",
		}),
		pendingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_sessions_pending",
			Help:      "Number of target sessions currently open",
		}),
		budgetFrozen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_budget_frozen",
			Help:      "1 if the error budget is currently frozen, else 0",
		}),
		handshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_handshake_milliseconds",
			Help:      "Latency of target session handshakes in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000},
		}, []string{"transport"}),
	}

	registry.MustRegister(
		m.callsTotal,
		m.callDuration,
		m.reaperTimeouts,
		m.outboxFailures,
		m.pendingSessions,
		m.budgetFrozen,
		m.handshakeLatency,
	)

	current = m
	return m
}

// RecordCall records one terminal inspector_call outcome.
func RecordCall(tool, transport, outcome string, durationMs int64) {
	if current == nil {
		return
	}
	current.callsTotal.WithLabelValues(tool, outcome).Inc()
	current.callDuration.WithLabelValues(tool, transport).Observe(float64(durationMs))
}

// RecordReaperTimeouts adds n to the reaper timeout counter.
func RecordReaperTimeouts(n int) {
	if current == nil {
		return
	}
	current.reaperTimeouts.Add(float64(n))
}

// RecordOutboxFailure increments the outbox failure counter.
func RecordOutboxFailure() {
	if current == nil {
		return
	}
	current.outboxFailures.Inc()
}

// IncPendingSessions/DecPendingSessions track the PendingGauge described in
// the concurrency model: incremented on every target-session entry,
// decremented on every exit path.
func IncPendingSessions() {
	if current == nil {
		return
	}
	current.pendingSessions.Inc()
}

func DecPendingSessions() {
	if current == nil {
		return
	}
	current.pendingSessions.Dec()
}

// SetBudgetFrozen publishes the error budget's boolean gauge.
func SetBudgetFrozen(frozen bool) {
	if current == nil {
		return
	}
	if frozen {
		current.budgetFrozen.Set(1)
	} else {
		current.budgetFrozen.Set(0)
	}
}

// RecordHandshake records one target handshake's latency.
func RecordHandshake(transport string, durationMs int64) {
	if current == nil {
		return
	}
	current.handshakeLatency.WithLabelValues(transport).Observe(float64(durationMs))
}

// ServerConfig configures the metrics HTTP endpoint.
type ServerConfig struct {
	Addr              string
	AuthToken         string
	TLSCertPath       string
	TLSKeyPath        string
	AllowInsecureDev  bool
}

// bearerGuard rejects requests missing the configured bearer token. It is a
// no-op guard (always passes) whenever no token is configured; it does not
// look at the insecure dev override itself, and no warning is logged here.
// config.Validate refuses an empty token with a metrics address unless that
// override is set.
func bearerGuard(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		want := "Bearer " + token
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve starts the metrics HTTP(S) server and blocks until ctx is
// cancelled or the listener fails. Mirrors the reaper's run-until-cancel
// shape used elsewhere in this server.
func Serve(ctx context.Context, cfg ServerConfig, log *zap.Logger) error {
	if current == nil {
		Init("inspector_bridge")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", bearerGuard(cfg.AuthToken, promhttp.HandlerFor(current.registry, promhttp.HandlerOpts{})))

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
