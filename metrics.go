package browserstream

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report stream activity.
type Metrics struct {
	streamsCreated *prometheus.CounterVec
	streamsActive  prometheus.Gauge
	events         *prometheus.CounterVec
	bytesReceived  prometheus.Counter
	bytesWritten   prometheus.Counter
	rangeRequests  *prometheus.CounterVec
	loopPanics     prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which keeps them usable without exporting.
// Collectors already registered by another host are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		streamsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browserstream",
			Name:      "streams_created_total",
			Help:      "Streams created, by URL scheme.",
		}, []string{"scheme"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "browserstream",
			Name:      "streams_active",
			Help:      "Streams created and not yet destroyed.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browserstream",
			Name:      "events_total",
			Help:      "Lifecycle events dispatched, by kind.",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browserstream",
			Name:      "bytes_received_total",
			Help:      "Bytes delivered through data arrived events.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browserstream",
			Name:      "bytes_written_total",
			Help:      "Bytes accepted by upload streams.",
		}),
		rangeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browserstream",
			Name:      "range_requests_total",
			Help:      "Byte range requests, by result.",
		}, []string{"result"}),
		loopPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browserstream",
			Name:      "loop_panics_total",
			Help:      "Loop tasks that panicked.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return already.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}

	var err error
	var c prometheus.Collector
	if c, err = register(m.streamsCreated); err != nil {
		return nil, err
	}
	m.streamsCreated = c.(*prometheus.CounterVec)
	if c, err = register(m.streamsActive); err != nil {
		return nil, err
	}
	m.streamsActive = c.(prometheus.Gauge)
	if c, err = register(m.events); err != nil {
		return nil, err
	}
	m.events = c.(*prometheus.CounterVec)
	if c, err = register(m.bytesReceived); err != nil {
		return nil, err
	}
	m.bytesReceived = c.(prometheus.Counter)
	if c, err = register(m.bytesWritten); err != nil {
		return nil, err
	}
	m.bytesWritten = c.(prometheus.Counter)
	if c, err = register(m.rangeRequests); err != nil {
		return nil, err
	}
	m.rangeRequests = c.(*prometheus.CounterVec)
	if c, err = register(m.loopPanics); err != nil {
		return nil, err
	}
	m.loopPanics = c.(prometheus.Counter)
	return m, nil
}

func (m *Metrics) streamCreated(scheme string) {
	m.streamsCreated.WithLabelValues(scheme).Inc()
	m.streamsActive.Inc()
}

func (m *Metrics) streamDestroyed() {
	m.streamsActive.Dec()
}

func (m *Metrics) event(ev *Event) {
	m.events.WithLabelValues(ev.Kind.String()).Inc()
	if ev.Kind == KindDataArrived {
		m.bytesReceived.Add(float64(len(ev.Data)))
	}
}

func (m *Metrics) written(n int) {
	if n > 0 {
		m.bytesWritten.Add(float64(n))
	}
}

func (m *Metrics) rangeResult(result string, n int) {
	m.rangeRequests.WithLabelValues(result).Add(float64(n))
}
