package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// JudgementCache is the disposable fast layer in front of the judgement store
type JudgementCache interface {
	// Get returns nil, nil on a miss
	Get(ctx context.Context, exerciseID int64, answer string) (*models.Judgement, error)
	Set(ctx context.Context, j *models.Judgement) error
}

// redisKV is the slice of the go-redis client the cache needs
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisJudgementCache stores judgements as JSON values with a TTL
type RedisJudgementCache struct {
	client redisKV
	prefix string
	ttl    time.Duration
}

var _ JudgementCache = (*RedisJudgementCache)(nil)

// NewRedisJudgementCache creates a cache over a redis client
func NewRedisJudgementCache(client redisKV, prefix string, ttl time.Duration) *RedisJudgementCache {
	return &RedisJudgementCache{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the redis key for an (exercise, canonical answer) pair.
// The answer is hashed so arbitrary learner input never ends up in a key.
func (c *RedisJudgementCache) Key(exerciseID int64, answer string) string {
	sum := sha256.Sum256([]byte(answer))
	return fmt.Sprintf("%s:judgement:%d:%s", c.prefix, exerciseID, hex.EncodeToString(sum[:]))
}

// Get looks up a cached judgement
func (c *RedisJudgementCache) Get(ctx context.Context, exerciseID int64, answer string) (result0 *models.Judgement, err error) {
	ctx, span := observability.TraceCacheFunction(ctx, "get_judgement", observability.AttributeExerciseID(exerciseID))
	defer observability.FinishSpan(span, &err)

	raw, err := c.client.Get(ctx, c.Key(exerciseID, answer)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, nil
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "judgement cache get: %v", err)
	}

	var j models.Judgement
	if err := json.Unmarshal(raw, &j); err != nil {
		// A corrupt entry is treated as a miss; the store rewrites it
		span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Bool("cache.corrupt", true))
		return nil, nil
	}
	if j.ExerciseID != exerciseID || j.Answer != answer {
		span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Bool("cache.collision", true))
		return nil, nil
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &j, nil
}

// Set writes a judgement with the configured TTL
func (c *RedisJudgementCache) Set(ctx context.Context, j *models.Judgement) (err error) {
	ctx, span := observability.TraceCacheFunction(ctx, "set_judgement", observability.AttributeExerciseID(j.ExerciseID))
	defer observability.FinishSpan(span, &err)

	data, err := json.Marshal(j)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrInternalError, "marshal judgement: %v", err)
	}
	if err := c.client.Set(ctx, c.Key(j.ExerciseID, j.Answer), data, c.ttl).Err(); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "judgement cache set: %v", err)
	}
	return nil
}
