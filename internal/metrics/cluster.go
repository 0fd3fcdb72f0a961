package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const instancesKey = "notif:metrics:instances"

func instanceKey(id string) string { return "notif:metrics:instance:" + id }

// Cluster is the sum of every live instance's last snapshot.
type Cluster struct {
	Instances          []string       `json:"instances"`
	OpenConnections    int            `json:"openConnections"`
	ByInstance         map[string]int `json:"byInstance"`
	EventsPushedTotal  int64          `json:"eventsPushedTotal"`
	EventsDroppedTotal int64          `json:"eventsDroppedTotal"`
	ErrorsTotal        int64          `json:"errorsTotal"`
	AllowedTotal       int64          `json:"allowedTotal"`
	BlockedTotal       int64          `json:"blockedTotal"`
}

// Reporter shares snapshots between instances through Redis. A snapshot
// expires after ttl so dead instances fall out of the aggregate.
type Reporter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewReporter(rdb *redis.Client, ttl time.Duration) *Reporter {
	return &Reporter{rdb: rdb, ttl: ttl}
}

func (r *Reporter) Report(ctx context.Context, s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, instanceKey(s.Instance), b, r.ttl)
	pipe.SAdd(ctx, instancesKey, s.Instance)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("report snapshot: %w", err)
	}
	return nil
}

func (r *Reporter) Cluster(ctx context.Context) (Cluster, error) {
	out := Cluster{ByInstance: map[string]int{}}
	ids, err := r.rdb.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return out, fmt.Errorf("list instances: %w", err)
	}
	sort.Strings(ids)

	for _, id := range ids {
		raw, err := r.rdb.Get(ctx, instanceKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			_ = r.rdb.SRem(ctx, instancesKey, id).Err()
			continue
		}
		if err != nil {
			return out, fmt.Errorf("read instance %s: %w", id, err)
		}
		var s Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		out.Instances = append(out.Instances, id)
		out.ByInstance[id] = s.Broker.OpenConnections
		out.OpenConnections += s.Broker.OpenConnections
		out.EventsPushedTotal += s.Broker.EventsPushedTotal
		out.EventsDroppedTotal += s.Broker.EventsDroppedTotal
		out.ErrorsTotal += s.Broker.ErrorsTotal
		out.AllowedTotal += s.Limiter.AllowedTotal
		out.BlockedTotal += s.Limiter.BlockedTotal
	}
	return out, nil
}
