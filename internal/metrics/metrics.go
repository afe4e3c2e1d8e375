// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
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

// Settlement kinds.
const (
	KindStandard = "standard"
	KindLoto     = "loto"
)

var (
	// LedgerRequestsTotal counts deposit/withdrawal submissions by outcome.
	LedgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_ledger_requests_total",
		Help: "Deposit and withdrawal submissions",
	}, []string{"type", "outcome"})

	// LedgerVerificationsTotal counts verification attempts by outcome.
	LedgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_ledger_verifications_total",
		Help: "Deposit and withdrawal verifications",
	}, []string{"type", "outcome"})

	// BetsPlacedTotal counts accepted bets by kind and bet type.
	BetsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_bets_placed_total",
		Help: "Accepted bets",
	}, []string{"kind", "bet_type"})

	// StakeTotal is the cumulative amount debited for bets.
	StakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_stake_amount_total",
		Help: "Cumulative staked amount",
	}, []string{"kind"})

	// SettledBetsTotal counts settled bets by result.
	SettledBetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_settled_bets_total",
		Help: "Settled bets by result",
	}, []string{"kind", "result"})

	// PayoutTotal is the cumulative amount credited to winners.
	PayoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_payout_amount_total",
		Help: "Cumulative credited winnings",
	}, []string{"kind"})

	// SettlementDuration tracks how long one settlement run takes.
	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "numbet_settlement_duration_seconds",
		Help:    "Settlement run duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// CreditFailuresTotal counts winner credits that failed and were left
	// for reconciliation.
	CreditFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_credit_failures_total",
		Help: "Winner credits left for reconciliation",
	}, []string{"kind"})

	// ReconciledCreditsTotal counts credits applied by the reconciliation pass.
	ReconciledCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_reconciled_credits_total",
		Help: "Credits applied by reconciliation",
	}, []string{"kind"})

	// LotoRoundsStarted counts started Loto rounds.
	LotoRoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "numbet_loto_rounds_started_total",
		Help: "Started Loto rounds",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "numbet_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "numbet_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// RecordBet records one accepted bet.
func RecordBet(kind, betType string, stake decimal.Decimal) {
	BetsPlacedTotal.WithLabelValues(kind, betType).Inc()
	StakeTotal.WithLabelValues(kind).Add(stake.InexactFloat64())
}

// RecordSettlement records the outcome of one settlement run.
func RecordSettlement(kind string, won, lost int, started time.Time) {
	SettledBetsTotal.WithLabelValues(kind, "win").Add(float64(won))
	SettledBetsTotal.WithLabelValues(kind, "loss").Add(float64(lost))
	SettlementDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// RecordCredit records one winner credit attempt.
func RecordCredit(kind string, amount decimal.Decimal, err error) {
	if err != nil {
		CreditFailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	PayoutTotal.WithLabelValues(kind).Add(amount.InexactFloat64())
}

// Outcome maps an error to a metric label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
