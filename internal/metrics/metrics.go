// Package metrics provides Prometheus instrumentation for the bank engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// TransactionsTotal counts recorded ledger transactions by type.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_transactions_total",
		Help: "Total number of ledger transactions recorded",
	}, []string{"type"})

	// TransactionVolume is the cumulative absolute amount moved, by type.
	TransactionVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_transaction_volume_total",
		Help: "Cumulative absolute transaction amount",
	}, []string{"type"})

	// FeesCollected is the cumulative payout fee withheld.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bank_fees_collected_total",
		Help: "Cumulative fees withheld from transactions",
	})

	// InsufficientFunds counts postings rejected for lack of balance.
	InsufficientFunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bank_insufficient_funds_total",
		Help: "Transactions rejected for insufficient funds",
	})

	// TotalDebt is the last observed sum of active balances.
	TotalDebt = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bank_total_debt",
		Help: "Sum of all active account balances at last observation",
	})

	// InterestCredited counts accounts credited by a compounding run.
	InterestCredited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bank_interest_credited_accounts_total",
		Help: "Accounts credited with interest by compounding runs",
	})

	// CompoundLatency tracks the duration of a full compounding run.
	CompoundLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bank_compound_duration_seconds",
		Help:    "Duration of interest compounding runs",
		Buckets: prometheus.DefBuckets,
	})

	// RaceEvents counts race engine mutations by event type.
	RaceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_race_events_total",
		Help: "Race engine state changes by event",
	}, []string{"event"})

	// PrizesPaid is the cumulative race prize money credited.
	PrizesPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bank_race_prizes_paid_total",
		Help: "Cumulative prize money credited to race winners",
	})

	// FeedClients tracks connected WebSocket clients.
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bank_feed_clients",
		Help: "Number of connected event feed WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bank_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// Amount converts a money value for a float counter. Precision loss is
// acceptable for metrics only.
func Amount(d decimal.Decimal) float64 {
	f, _ := d.Abs().Float64()
	return f
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern so IGNs in paths don't explode cardinality.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and websocket upgrades reach the
// underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack supports the WebSocket feed behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
