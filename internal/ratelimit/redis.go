package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const recordTTL = 48 * time.Hour

// RedisRepository stores one hash per user so every instance shares counters.
type RedisRepository struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb, prefix: "copilot:ratelimit:"}
}

func (r *RedisRepository) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisRepository) Get(ctx context.Context, userID string) (*Record, error) {
	m, err := r.rdb.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit get: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}

	rec := &Record{}
	mc, _ := strconv.Atoi(m["mc"])
	tc, _ := strconv.ParseInt(m["tc"], 10, 64)
	mws, _ := strconv.ParseInt(m["mws"], 10, 64)
	tws, _ := strconv.ParseInt(m["tws"], 10, 64)
	rec.MessageCount = max(mc, 0)
	rec.TokenCount = max(tc, 0)
	rec.MessageWindowStart = time.UnixMilli(mws)
	rec.TokenWindowStart = time.UnixMilli(tws).UTC()
	return rec, nil
}

func (r *RedisRepository) Save(ctx context.Context, userID string, rec *Record) error {
	key := r.key(userID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"mc":  rec.MessageCount,
		"mws": rec.MessageWindowStart.UnixMilli(),
		"tc":  rec.TokenCount,
		"tws": rec.TokenWindowStart.UnixMilli(),
	})
	pipe.Expire(ctx, key, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit save: %w", err)
	}
	return nil
}
