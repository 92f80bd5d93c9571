package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares windows and suspicion records across gateway instances.
// Windows are INCR counters with a PEXPIRE set on first use, suspicion records
// are hashes whose 24h TTL is refreshed on every failure, and blocks are plain
// keys that expire on their own.
type RedisLimiter struct {
	alerts

	client *redis.Client
	rules  map[Operation]Rule
}

func NewRedisLimiter(redisURL string, rules map[Operation]Rule) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if rules == nil {
		rules = DefaultRules()
	}
	return &RedisLimiter{client: client, rules: rules}, nil
}

func redisWindowKey(tenantID string, op Operation) string {
	return "vault:ratelimit:" + tenantID + ":" + string(op)
}

func redisSuspicionKey(tenantID string) string {
	return "vault:suspicion:" + tenantID
}

func redisBlockKey(tenantID string) string {
	return "vault:blocked:" + tenantID
}

func (r *RedisLimiter) Check(ctx context.Context, tenantID string, op Operation) (Decision, error) {
	rule, ok := r.rules[op]
	if !ok {
		return Decision{}, ErrUnknownOperation
	}

	blockTTL, err := r.client.PTTL(ctx, redisBlockKey(tenantID)).Result()
	if err != nil {
		return Decision{}, err
	}
	if blockTTL > 0 {
		return Decision{
			Allowed: false,
			ResetAt: time.Now().Add(blockTTL),
			Reason:  "temporarily blocked due to suspicious activity",
		}, nil
	}

	key := redisWindowKey(tenantID, op)

	pipe := r.client.TxPipeline()
	countCmd := pipe.Incr(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	count := int(countCmd.Val())
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		if err := r.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			return Decision{}, err
		}
		ttl = rule.Window
	}
	resetAt := time.Now().Add(ttl)

	if count > rule.MaxRequests {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: rule.MaxRequests - count, ResetAt: resetAt}, nil
}

func (r *RedisLimiter) RecordFailure(ctx context.Context, tenantID string, op Operation, reason string) (Severity, error) {
	rule, ok := r.rules[op]
	if !ok {
		return SeverityNone, ErrUnknownOperation
	}

	now := time.Now()
	key := redisSuspicionKey(tenantID)

	pipe := r.client.TxPipeline()
	attemptsCmd := pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key, "last_attempt", strconv.FormatInt(now.Unix(), 10))
	pipe.Expire(ctx, key, suspicionResetAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return SeverityNone, err
	}

	attempts := int(attemptsCmd.Val())
	if attempts > rule.SuspicionThreshold {
		if err := r.client.Set(ctx, redisBlockKey(tenantID), string(op), rule.BlockDuration).Err(); err != nil {
			return SeverityNone, err
		}
	}

	severity := severityFor(attempts)
	r.fire(ctx, Alert{
		TenantID:  tenantID,
		Operation: op,
		Reason:    reason,
		Attempts:  attempts,
		Severity:  severity,
		At:        now,
	})
	return severity, nil
}

// Reset clears every record held for tenantID.
func (r *RedisLimiter) Reset(ctx context.Context, tenantID string) error {
	keys := []string{redisSuspicionKey(tenantID), redisBlockKey(tenantID)}
	for op := range r.rules {
		keys = append(keys, redisWindowKey(tenantID, op))
	}
	err := r.client.Del(ctx, keys...).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
