package metrics

import (
	"time"

	"notification-hub/internal/broker"
	"notification-hub/internal/ratelimit"
)

// Snapshot is the state of one instance at one collection tick. Rates are
// computed over the interval since the previous tick.
type Snapshot struct {
	Instance  string          `json:"instance"`
	Timestamp time.Time       `json:"timestamp"`
	Interval  time.Duration   `json:"intervalNs"`
	Broker    broker.Stats    `json:"broker"`
	Limiter   ratelimit.Stats `json:"limiter"`
	Delta     Delta           `json:"delta"`

	ErrorRate    float64 `json:"errorRate"`
	DeliveryRate float64 `json:"deliveryRate"`
	BlockRate    float64 `json:"blockRate"`
}

// Delta holds counter increases over the last interval.
type Delta struct {
	Pushed   int64 `json:"pushed"`
	Dropped  int64 `json:"dropped"`
	Errors   int64 `json:"errors"`
	Idle     int64 `json:"idleTimeouts"`
	Allowed  int64 `json:"allowed"`
	Blocked  int64 `json:"blocked"`
	Rejected int64 `json:"rejected"`
}

// Attempts is the delivery volume behind ErrorRate and DeliveryRate.
func (d Delta) Attempts() int64 { return d.Pushed + d.Dropped + d.Errors }

// Requests is the limiter volume behind BlockRate.
func (d Delta) Requests() int64 { return d.Allowed + d.Blocked }

func ratio(n, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// build derives a snapshot from current counters and the previous snapshot.
// A nil prev treats every counter as new.
func build(instance string, now time.Time, bs broker.Stats, ls ratelimit.Stats, prev *Snapshot) Snapshot {
	s := Snapshot{Instance: instance, Timestamp: now, Broker: bs, Limiter: ls}
	var pb broker.Stats
	var pl ratelimit.Stats
	if prev != nil {
		pb, pl = prev.Broker, prev.Limiter
		s.Interval = now.Sub(prev.Timestamp)
	}
	s.Delta = Delta{
		Pushed:   max(bs.EventsPushedTotal-pb.EventsPushedTotal, 0),
		Dropped:  max(bs.EventsDroppedTotal-pb.EventsDroppedTotal, 0),
		Errors:   max(bs.ErrorsTotal-pb.ErrorsTotal, 0),
		Idle:     max(bs.IdleTimeoutsTotal-pb.IdleTimeoutsTotal, 0),
		Rejected: max(bs.RejectedTotal-pb.RejectedTotal, 0),
		Allowed:  max(ls.AllowedTotal-pl.AllowedTotal, 0),
		Blocked:  max(ls.BlockedTotal-pl.BlockedTotal, 0),
	}
	attempts := s.Delta.Attempts()
	s.ErrorRate = ratio(s.Delta.Errors, attempts)
	s.DeliveryRate = 1
	if attempts > 0 {
		s.DeliveryRate = ratio(s.Delta.Pushed, attempts)
	}
	s.BlockRate = ratio(s.Delta.Blocked, s.Delta.Requests())
	return s
}
