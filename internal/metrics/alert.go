package metrics

import (
	"fmt"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule fires when Metric compared with Threshold by Op holds and the
// interval saw at least MinVolume events.
type Rule struct {
	Name      string   `toml:"name" json:"name"`
	Metric    string   `toml:"metric" json:"metric"`
	Op        string   `toml:"op" json:"op"`
	Threshold float64  `toml:"threshold" json:"threshold"`
	MinVolume int64    `toml:"min_volume" json:"minVolume"`
	Severity  Severity `toml:"severity" json:"severity"`
	Message   string   `toml:"message" json:"message,omitempty"`
}

type Alert struct {
	Rule      string    `json:"rule"`
	Severity  Severity  `json:"severity"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Op        string    `json:"op"`
	Volume    int64     `json:"volume"`
	Instance  string    `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

const (
	MetricErrorRate       = "error_rate"
	MetricDeliveryRate    = "delivery_rate"
	MetricBlockRate       = "block_rate"
	MetricOpenConnections = "open_connections"
	MetricDroppedEvents   = "dropped_events"
	MetricIdleTimeouts    = "idle_timeouts"
	MetricRejectedTokens  = "rejected_tokens"
)

// DefaultRules apply when no rule file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "high_error_rate", Metric: MetricErrorRate, Op: ">", Threshold: 0.05, MinVolume: 20, Severity: SeverityCritical},
		{Name: "low_delivery_rate", Metric: MetricDeliveryRate, Op: "<", Threshold: 0.95, MinVolume: 20, Severity: SeverityWarning},
		{Name: "rate_limit_pressure", Metric: MetricBlockRate, Op: ">", Threshold: 0.2, MinVolume: 50, Severity: SeverityWarning},
	}
}

// value resolves a metric and the volume it was computed over.
func value(metric string, s Snapshot) (float64, int64, bool) {
	switch metric {
	case MetricErrorRate:
		return s.ErrorRate, s.Delta.Attempts(), true
	case MetricDeliveryRate:
		return s.DeliveryRate, s.Delta.Attempts(), true
	case MetricBlockRate:
		return s.BlockRate, s.Delta.Requests(), true
	case MetricOpenConnections:
		return float64(s.Broker.OpenConnections), int64(s.Broker.OpenConnections), true
	case MetricDroppedEvents:
		return float64(s.Delta.Dropped), s.Delta.Attempts(), true
	case MetricIdleTimeouts:
		return float64(s.Delta.Idle), s.Delta.Idle, true
	case MetricRejectedTokens:
		return float64(s.Delta.Rejected), s.Delta.Rejected, true
	}
	return 0, 0, false
}

func compare(op string, v, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	}
	return false
}

func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule without name")
	}
	if _, _, ok := value(r.Metric, Snapshot{}); !ok {
		return fmt.Errorf("rule %s: unknown metric %q", r.Name, r.Metric)
	}
	switch r.Op {
	case ">", ">=", "<", "<=":
	default:
		return fmt.Errorf("rule %s: unknown op %q", r.Name, r.Op)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical, "":
	default:
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
	}
	return nil
}

// Evaluate returns the alerts that fire for s. It keeps no state: the same
// snapshot always yields the same alerts.
func Evaluate(rules []Rule, s Snapshot) []Alert {
	var out []Alert
	for _, r := range rules {
		v, volume, ok := value(r.Metric, s)
		if !ok || volume < r.MinVolume || !compare(r.Op, v, r.Threshold) {
			continue
		}
		sev := r.Severity
		if sev == "" {
			sev = SeverityWarning
		}
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("%s %s %g (value %.4g over %d events)", r.Metric, r.Op, r.Threshold, v, volume)
		}
		out = append(out, Alert{
			Rule: r.Name, Severity: sev, Metric: r.Metric, Value: v, Threshold: r.Threshold, Op: r.Op,
			Volume: volume, Instance: s.Instance, Timestamp: s.Timestamp, Message: msg,
		})
	}
	return out
}
