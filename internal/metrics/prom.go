package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notification_hub"

// registerSources exposes the broker and limiter counters. Values are read
// at scrape time.
func registerSources(reg prometheus.Registerer, bs BrokerSource, ls LimiterSource, ps PubSubSource) error {
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broker", Name: "open_connections",
			Help: "SSE connections currently open on this instance.",
		}, func() float64 { return float64(bs.Stats().OpenConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broker", Name: "connected_users",
			Help: "Distinct users with at least one open connection.",
		}, func() float64 { return float64(bs.Stats().ConnectedUsers) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "events_pushed_total",
			Help: "Frames written to SSE connections.",
		}, func() float64 { return float64(bs.Stats().EventsPushedTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "events_dropped_total",
			Help: "Frames dropped on full connection buffers.",
		}, func() float64 { return float64(bs.Stats().EventsDroppedTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "errors_total",
			Help: "Connections ended by transport errors.",
		}, func() float64 { return float64(bs.Stats().ErrorsTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "idle_timeouts_total",
			Help: "Connections ended for missing heartbeat acknowledgments.",
		}, func() float64 { return float64(bs.Stats().IdleTimeoutsTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "allowed_total",
			Help: "Requests allowed by the rate limiter.",
		}, func() float64 { return float64(ls.Stats().AllowedTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "blocked_total",
			Help: "Requests rejected by the rate limiter.",
		}, func() float64 { return float64(ls.Stats().BlockedTotal) }),
	}
	if ps != nil {
		cs = append(cs, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pubsub", Name: "dropped_total",
			Help: "Pub/sub messages dropped because the broker fell behind.",
		}, func() float64 { return float64(ps.Dropped()) }))
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func newAlertCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "alerts", Name: "fired_total",
		Help: "Alerts emitted, by rule and severity.",
	}, []string{"rule", "severity"})
}
