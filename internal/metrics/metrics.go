// internal/metrics/metrics.go
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/master"
)

const namespace = "mbmaster"

// Metrics holds every collector of one bus master on its own registry.
//
// It satisfies master.Observer and scan.Reporter; ValueChanged and
// ScanCycle are meant for Engine.OnValueChanged and scan.WithCycleHook.
type Metrics struct {
	reg   *prometheus.Registry
	names map[uint8]string

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	online        *prometheus.GaugeVec
	changes       *prometheus.CounterVec
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	dropped       prometheus.Counter
}

// New registers the collectors. names maps bus addresses to device
// labels; unnamed devices are labelled by address.
func New(names map[uint8]string) *Metrics {
	m := &Metrics{
		reg:   prometheus.NewRegistry(),
		names: names,

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished master requests by function code and result.",
		}, []string{"function", "result"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from submission to completion of a master request.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"function"}),

		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_online",
			Help:      "1 while the device answers polls.",
		}, []string{"device"}),

		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "value_changes_total",
			Help:      "Dictionary values changed by device responses.",
		}, []string{"device", "area"}),

		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cycles_total",
			Help:      "Completed scan cycles.",
		}),

		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_cycle_duration_seconds",
			Help:      "Wall time of one scan cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_dropped_total",
			Help:      "Value changes dropped because the mirror queue was full.",
		}),
	}

	m.reg.MustRegister(
		m.requests, m.duration, m.online, m.changes,
		m.cycles, m.cycleDuration, m.dropped,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) device(addr uint8) string {
	if n, ok := m.names[addr]; ok && n != "" {
		return n
	}
	return strconv.Itoa(int(addr))
}

func (m *Metrics) RequestDone(function byte, _ uint8, err error, elapsed time.Duration) {
	fc := fmt.Sprintf("0x%02x", function)
	m.requests.WithLabelValues(fc, master.KindOf(err).String()).Inc()
	m.duration.WithLabelValues(fc).Observe(elapsed.Seconds())
}

func (m *Metrics) DeviceScanned(addr uint8, online bool, _ error) {
	v := 0.0
	if online {
		v = 1
	}
	m.online.WithLabelValues(m.device(addr)).Set(v)
}

func (m *Metrics) ValueChanged(c dict.Change) {
	m.changes.WithLabelValues(m.device(c.Device), c.Area.String()).Inc()
}

func (m *Metrics) ScanCycle(d time.Duration) {
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// MirrorDropped counts one change lost to a full mirror queue.
func (m *Metrics) MirrorDropped() { m.dropped.Inc() }
