package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"notification-hub/internal/broker"
	"notification-hub/internal/ratelimit"
)

type BrokerSource interface {
	Stats() broker.Stats
}

type LimiterSource interface {
	Stats() ratelimit.Stats
}

type PubSubSource interface {
	Dropped() int64
}

type Options struct {
	Instance   string
	Interval   time.Duration
	Rules      *RuleSet
	Sinks      []Sink
	Reporter   *Reporter
	PubSub     PubSubSource
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Collector samples the broker and limiter on a fixed interval, evaluates
// alert rules against each sample and hands the alerts to its sinks.
type Collector struct {
	opts    Options
	broker  BrokerSource
	limiter LimiterSource
	fired   *prometheus.CounterVec

	mu         sync.RWMutex
	last       *Snapshot
	lastAlerts []Alert
}

func NewCollector(b BrokerSource, l LimiterSource, o Options) (*Collector, error) {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rules == nil {
		o.Rules, _ = NewRuleSet("")
	}
	c := &Collector{opts: o, broker: b, limiter: l, fired: newAlertCounter()}
	if o.Registerer != nil {
		if err := registerSources(o.Registerer, b, l, o.PubSub); err != nil {
			return nil, err
		}
		if err := o.Registerer.Register(c.fired); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Tick takes one snapshot and evaluates it.
func (c *Collector) Tick(ctx context.Context) (Snapshot, []Alert) {
	c.mu.Lock()
	snap := build(c.opts.Instance, c.opts.Now().UTC(), c.broker.Stats(), c.limiter.Stats(), c.last)
	c.last = &snap
	c.mu.Unlock()

	alerts := Evaluate(c.opts.Rules.Rules(), snap)

	c.mu.Lock()
	c.lastAlerts = alerts
	c.mu.Unlock()

	for _, a := range alerts {
		c.fired.WithLabelValues(a.Rule, string(a.Severity)).Inc()
	}
	if len(alerts) > 0 {
		for _, s := range c.opts.Sinks {
			if err := s.Emit(ctx, alerts); err != nil {
				slog.Warn("alert sink failed", slog.Any("error", err))
			}
		}
	}
	if c.opts.Reporter != nil {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := c.opts.Reporter.Report(rctx, snap); err != nil {
			slog.Warn("metrics report failed", slog.Any("error", err))
		}
		cancel()
	}
	return snap, alerts
}

func (c *Collector) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.Interval)
	defer t.Stop()
	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Tick(ctx)
		}
	}
}

// Last returns the latest snapshot and the alerts it produced.
func (c *Collector) Last() (Snapshot, []Alert, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Snapshot{}, nil, false
	}
	return *c.last, append([]Alert(nil), c.lastAlerts...), true
}
