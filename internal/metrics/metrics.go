// Package metrics exposes Prometheus counters for the scheduler loops.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Loop names used as label values.
const (
	LoopAggregator  = "aggregator"
	LoopAlerts      = "alerts"
	LoopRationality = "rationality"
)

// Unit outcomes.
const (
	OutcomeWritten   = "written"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeTriggered = "triggered"
)

// Recorder holds the registered collectors.
type Recorder struct {
	cycleDuration *prometheus.HistogramVec
	cycles        *prometheus.CounterVec
	units         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	truePrice     *prometheus.GaugeVec
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyscore_cycle_duration_seconds",
				Help:    "Duration of one scheduler cycle",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"loop"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyscore_cycles_total",
				Help: "Scheduler cycles by result",
			},
			[]string{"loop", "result"},
		),
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyscore_units_total",
				Help: "Per-market or per-rule units by outcome",
			},
			[]string{"loop", "outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyscore_notifications_total",
				Help: "Alert notifications handed to the sink by result",
			},
			[]string{"result"},
		),
		truePrice: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polyscore_true_price",
				Help: "Latest true price per market",
			},
			[]string{"market"},
		),
	}
	reg.MustRegister(r.cycleDuration, r.cycles, r.units, r.notifications, r.truePrice)
	return r
}

// ObserveCycle records one finished cycle.
func (r *Recorder) ObserveCycle(loop string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.cycleDuration.WithLabelValues(loop).Observe(d.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.cycles.WithLabelValues(loop, result).Inc()
}

// Unit counts one unit outcome.
func (r *Recorder) Unit(loop, outcome string) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(loop, outcome).Inc()
}

// Notification counts one send attempt.
func (r *Recorder) Notification(err error) {
	if r == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	r.notifications.WithLabelValues(result).Inc()
}

// TruePrice sets the latest true price gauge for a market.
func (r *Recorder) TruePrice(marketID string, v float64) {
	if r == nil {
		return
	}
	r.truePrice.WithLabelValues(marketID).Set(v)
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
