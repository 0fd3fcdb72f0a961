package idem

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records keys that have already been processed.
type Store interface {
	PutNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type redisStore struct{ r *redis.Client }

func New(rdb *redis.Client) Store {
	return &redisStore{r: rdb}
}

// PutNX claims key and reports whether this caller is the first.
func (s *redisStore) PutNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.r.SetNX(ctx, "idem:"+key, "1", ttl).Result()
}

// Release gives up a claim so a later attempt may process the key.
func (s *redisStore) Release(ctx context.Context, key string) error {
	return s.r.Del(ctx, "idem:"+key).Err()
}
