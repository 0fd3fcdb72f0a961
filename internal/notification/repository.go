package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Repository interface {
	Create(ctx context.Context, n Notification, maxPerUser int) error
	Get(ctx context.Context, id string) (Notification, error)
	List(ctx context.Context, userID string, limit, offset int, f Filter) ([]Notification, error)
	Since(ctx context.Context, userID string, since time.Time, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) (MarkResult, error)
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	AppendEvent(ctx context.Context, ev DeliveryEvent) error
	Events(ctx context.Context, id string) ([]DeliveryEvent, error)
}

const (
	itemPrefix   = "notif:item:"
	eventsPrefix = "notif:events:"
	listBatch    = 100
)

func itemKey(id string) string       { return itemPrefix + id }
func eventsKey(id string) string     { return eventsPrefix + id }
func userKey(userID string) string   { return "notif:user:" + userID }
func unreadKey(userID string) string { return "notif:unread:" + userID }

// record is the immutable part of a notification, stored as one JSON blob.
type record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      Type      `json:"type"`
	Payload   Payload   `json:"payload"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

type redisRepo struct {
	rdb *redis.Client
}

func NewRedisRepository(rdb *redis.Client) Repository {
	return &redisRepo{rdb: rdb}
}

func (r *redisRepo) Create(ctx context.Context, n Notification, maxPerUser int) error {
	data, err := json.Marshal(record{
		ID: n.ID, UserID: n.UserID, Type: n.Type, Payload: n.Payload,
		Priority: n.Priority, CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return err
	}
	queued, _ := json.Marshal(DeliveryEvent{NotificationID: n.ID, Event: EventQueued, Timestamp: n.CreatedAt})

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, itemKey(n.ID),
		"data", data,
		"user_id", n.UserID,
		"created_at", n.CreatedAt.UnixMilli(),
		"is_read", "0",
		"read_at", "",
	)
	pipe.ZAdd(ctx, userKey(n.UserID), redis.Z{Score: float64(n.CreatedAt.UnixMilli()), Member: n.ID})
	pipe.SAdd(ctx, unreadKey(n.UserID), n.ID)
	pipe.RPush(ctx, eventsKey(n.ID), queued)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("create", err)
	}

	if maxPerUser > 0 {
		if err := pruneScript.Run(ctx, r.rdb,
			[]string{userKey(n.UserID), unreadKey(n.UserID)},
			maxPerUser, itemPrefix, eventsPrefix,
		).Err(); err != nil {
			// the notification is stored; retention catches up on the next create
			slog.Warn("notification prune failed", slog.String("userId", n.UserID), slog.Any("error", err))
		}
	}
	return nil
}

var pruneScript = redis.NewScript(`
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[1])
if excess <= 0 then
  return 0
end
local ids = redis.call('ZRANGE', KEYS[1], 0, excess - 1)
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id, ARGV[3] .. id)
  redis.call('SREM', KEYS[2], id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

func decode(h map[string]string) (Notification, bool) {
	raw, ok := h["data"]
	if !ok {
		return Notification{}, false
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Notification{}, false
	}
	n := Notification{
		ID: rec.ID, UserID: rec.UserID, Type: rec.Type, Payload: rec.Payload,
		Priority: rec.Priority, CreatedAt: rec.CreatedAt,
		IsRead: h["is_read"] == "1",
	}
	if s := h["read_at"]; s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			n.ReadAt = &t
		}
	}
	return n, true
}

func (r *redisRepo) Get(ctx context.Context, id string) (Notification, error) {
	h, err := r.rdb.HGetAll(ctx, itemKey(id)).Result()
	if err != nil {
		return Notification{}, storeErr("get", err)
	}
	n, ok := decode(h)
	if !ok {
		return Notification{}, ErrNotFound
	}
	return n, nil
}

// load fetches items in the order of ids, skipping any pruned in between.
func (r *redisRepo) load(ctx context.Context, ids []string) ([]Notification, error) {
	if len(ids) == 0 {
		return []Notification{}, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, itemKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("load", err)
	}
	out := make([]Notification, 0, len(ids))
	for _, c := range cmds {
		if n, ok := decode(c.Val()); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *redisRepo) List(ctx context.Context, userID string, limit, offset int, f Filter) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if !f.active() {
		ids, err := r.rdb.ZRevRange(ctx, userKey(userID), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, storeErr("list", err)
		}
		return r.load(ctx, ids)
	}

	out := make([]Notification, 0, limit)
	skipped := 0
	for start := int64(0); len(out) < limit; start += listBatch {
		ids, err := r.rdb.ZRevRange(ctx, userKey(userID), start, start+listBatch-1).Result()
		if err != nil {
			return nil, storeErr("list", err)
		}
		if len(ids) == 0 {
			break
		}
		items, err := r.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, n := range items {
			if !f.match(n) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, n)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Since returns notifications created at or after since, oldest first.
func (r *redisRepo) Since(ctx context.Context, userID string, since time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.rdb.ZRangeByScore(ctx, userKey(userID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeErr("since", err)
	}
	return r.load(ctx, ids)
}

// KEYS: item, unread set, events. ARGV: userId, readAt, event json, id.
// Returns -1 when missing or not owned, 0 when already read, 1 on transition.
var markReadScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user_id')
if not owner or owner ~= ARGV[1] then
  return -1
end
if redis.call('HGET', KEYS[1], 'is_read') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'is_read', '1', 'read_at', ARGV[2])
redis.call('SREM', KEYS[2], ARGV[4])
redis.call('RPUSH', KEYS[3], ARGV[3])
return 1
`)

func (r *redisRepo) MarkRead(ctx context.Context, userID, id string, at time.Time) (MarkResult, error) {
	ev, _ := json.Marshal(DeliveryEvent{NotificationID: id, Event: EventRead, Timestamp: at})
	n, err := markReadScript.Run(ctx, r.rdb,
		[]string{itemKey(id), unreadKey(userID), eventsKey(id)},
		userID, at.Format(time.RFC3339Nano), ev, id,
	).Int()
	if err != nil {
		return MarkNotFound, storeErr("mark read", err)
	}
	switch n {
	case 1:
		return MarkTransitioned, nil
	case 0:
		return MarkAlreadyRead, nil
	default:
		return MarkNotFound, nil
	}
}

// KEYS: unread set. ARGV: readAt, item prefix, events prefix, event json head, event json tail.
// Ids are uuids, so the event json is assembled by concatenation.
var markAllReadScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local item = ARGV[2] .. id
  if redis.call('HGET', item, 'is_read') == '0' then
    redis.call('HSET', item, 'is_read', '1', 'read_at', ARGV[1])
    redis.call('RPUSH', ARGV[3] .. id, ARGV[4] .. id .. ARGV[5])
    n = n + 1
  end
  redis.call('SREM', KEYS[1], id)
end
return n
`)

func (r *redisRepo) MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error) {
	ts, _ := json.Marshal(at)
	head := `{"notificationId":"`
	tail := `","event":"` + string(EventRead) + `","timestamp":` + string(ts) + `,"metadata":{"bulk":true}}`
	n, err := markAllReadScript.Run(ctx, r.rdb,
		[]string{unreadKey(userID)},
		at.Format(time.RFC3339Nano), itemPrefix, eventsPrefix, head, tail,
	).Int()
	if err != nil {
		return 0, storeErr("mark all read", err)
	}
	return n, nil
}

func (r *redisRepo) UnreadCount(ctx context.Context, userID string) (int64, error) {
	n, err := r.rdb.SCard(ctx, unreadKey(userID)).Result()
	if err != nil {
		return 0, storeErr("unread count", err)
	}
	return n, nil
}

func (r *redisRepo) AppendEvent(ctx context.Context, ev DeliveryEvent) error {
	exists, err := r.rdb.Exists(ctx, itemKey(ev.NotificationID)).Result()
	if err != nil {
		return storeErr("append event", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.rdb.RPush(ctx, eventsKey(ev.NotificationID), b).Err(); err != nil {
		return storeErr("append event", err)
	}
	return nil
}

func (r *redisRepo) Events(ctx context.Context, id string) ([]DeliveryEvent, error) {
	vals, err := r.rdb.LRange(ctx, eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, storeErr("events", err)
	}
	out := make([]DeliveryEvent, 0, len(vals))
	for _, v := range vals {
		var ev DeliveryEvent
		if json.Unmarshal([]byte(v), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}
