package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klimakammer/klimakammer/controller/sweep"
)

// Metrics implements bus.Observer and sweep.Observer.
type Metrics struct {
	registry     *prometheus.Registry
	busTotal     *prometheus.CounterVec
	busDuration  *prometheus.HistogramVec
	sweepTotal   *prometheus.CounterVec
	commands     *prometheus.CounterVec
	remaining    prometheus.Gauge
	lastSweep    prometheus.Gauge
	sweepSeconds prometheus.Histogram
	readings     *prometheus.GaugeVec
}

// NewMetrics registers the chamber collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		busTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klimakammer_bus_transactions_total",
			Help: "I2C transactions by operation and result.",
		}, []string{"op", "result"}),
		busDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klimakammer_bus_transaction_seconds",
			Help:    "I2C transaction latency, settle delay included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klimakammer_sweeps_total",
			Help: "Schedule sweeps by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klimakammer_sweep_commands_total",
			Help: "Due commands handled by sweeps, by outcome.",
		}, []string{"outcome"}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klimakammer_schedule_pending_commands",
			Help: "Commands left in the schedule after the last sweep.",
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klimakammer_last_sweep_timestamp_seconds",
			Help: "Unix time of the last sweep.",
		}),
		sweepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klimakammer_sweep_seconds",
			Help:    "Sweep duration.",
			Buckets: prometheus.DefBuckets,
		}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klimakammer_reading",
			Help: "Last calibrated sensor reading.",
		}, []string{"module", "signal", "channel"}),
	}
	m.registry.MustRegister(
		m.busTotal,
		m.busDuration,
		m.sweepTotal,
		m.commands,
		m.remaining,
		m.lastSweep,
		m.sweepSeconds,
		m.readings,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveBus(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.busTotal.WithLabelValues(op, result(err)).Inc()
	m.busDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveSweep(r sweep.Report, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepTotal.WithLabelValues(result(err)).Inc()
	m.sweepSeconds.Observe(d.Seconds())
	if err != nil {
		return
	}
	m.commands.WithLabelValues("applied").Add(float64(r.Applied))
	m.commands.WithLabelValues("failed").Add(float64(r.Failed))
	m.commands.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.commands.WithLabelValues("expired").Add(float64(r.Expired))
	m.remaining.Set(float64(r.Remaining))
	m.lastSweep.Set(float64(r.Time))
}

func (m *Metrics) ObserveReading(module, signal string, values []float64) {
	if m == nil {
		return
	}
	for i, v := range values {
		m.readings.WithLabelValues(module, signal, strconv.Itoa(i+1)).Set(v)
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
