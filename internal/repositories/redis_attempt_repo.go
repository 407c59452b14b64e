package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "loginguard"

	// maxWatchRetries bounds the optimistic WATCH/MULTI loop for one key
	maxWatchRetries = 100
)

// redisAttempt is the stored JSON form of an attempt record
type redisAttempt struct {
	ID                  string     `json:"id"`
	Identifier          string     `json:"identifier"`
	Type                string     `json:"type"`
	FailedAttempts      uint       `json:"failed_attempts"`
	ConsecutiveFailures uint       `json:"consecutive_failures"`
	BlockedUntil        *time.Time `json:"blocked_until,omitempty"`
	LastAttempt         time.Time  `json:"last_attempt"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// RedisAttemptRepository stores attempt records as JSON values and keeps a sorted set of keys
// scored by last attempt so cleanup can find idle records without scanning the keyspace.
type RedisAttemptRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisAttemptRepository creates a store using keys under prefix (default "loginguard")
func NewRedisAttemptRepository(client redis.UniversalClient, prefix string) *RedisAttemptRepository {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisAttemptRepository{client: client, prefix: prefix}
}

func (r *RedisAttemptRepository) recordKey(identifier string, typ models.IdentifierType) string {
	return r.prefix + ":attempt:" + typ.String() + ":" + identifier
}

func (r *RedisAttemptRepository) indexKey() string {
	return r.prefix + ":attempts:last"
}

func (r *RedisAttemptRepository) Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error) {
	return loadAttempt(ctx, r.client, r.recordKey(identifier, typ))
}

// Update reads the record under WATCH and writes the result in MULTI/EXEC, retrying when
// another writer touched the key in between
func (r *RedisAttemptRepository) Update(ctx context.Context, identifier string, typ models.IdentifierType, fn services.UpdateFunc) (*models.AttemptRecord, error) {
	key := r.recordKey(identifier, typ)
	var result *models.AttemptRecord

	txf := func(tx *redis.Tx) error {
		prior, err := loadAttempt(ctx, tx, key)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}

		next, err := fn(prior.Clone())
		if err != nil {
			return err
		}
		if prior == nil {
			next.ID = uuid.New().String()
		} else {
			next.ID = prior.ID
			next.CreatedAt = prior.CreatedAt
		}
		next.Identifier = identifier
		next.Type = typ

		if err := r.write(ctx, tx, key, next); err != nil {
			return err
		}
		result = next
		return nil
	}

	if err := r.watch(ctx, key, txf); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RedisAttemptRepository) Reset(ctx context.Context, identifier string, typ models.IdentifierType, now time.Time) error {
	key := r.recordKey(identifier, typ)

	return r.watch(ctx, key, func(tx *redis.Tx) error {
		rec, err := loadAttempt(ctx, tx, key)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		rec.ConsecutiveFailures = 0
		rec.BlockedUntil = nil
		rec.LastAttempt = now
		rec.UpdatedAt = now
		return r.write(ctx, tx, key, rec)
	})
}

// DeleteStale walks index entries older than cutoff and deletes each record under WATCH,
// re-checking the predicate so a record blocked after the range query survives
func (r *RedisAttemptRepository) DeleteStale(ctx context.Context, cutoff, now time.Time, includeExpired bool) (int64, error) {
	keys, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, key := range keys {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := loadAttempt(ctx, tx, key)
			if errors.Is(err, models.ErrNotFound) {
				return tx.ZRem(ctx, r.indexKey(), key).Err()
			}
			if err != nil {
				return err
			}
			if !staleAndUnblocked(rec, cutoff, now, includeExpired) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, r.indexKey(), key)
				return nil
			})
			if err == nil {
				deleted++
			}
			return err
		}, key)

		// A concurrent write means the record is active again
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (r *RedisAttemptRepository) ListBlocked(ctx context.Context, now time.Time) ([]*models.AttemptRecord, error) {
	keys, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var blocked []*models.AttemptRecord
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeAttempt([]byte(s))
		if err != nil {
			return nil, err
		}
		if rec.IsBlockedAt(now) {
			blocked = append(blocked, rec)
		}
	}
	sortByBlockedUntil(blocked)
	return blocked, nil
}

func (r *RedisAttemptRepository) DeleteAll(ctx context.Context) (int64, error) {
	keys, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	var deleted int64
	if len(keys) > 0 {
		deleted, err = r.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, err
		}
	}
	if err := r.client.Del(ctx, r.indexKey()).Err(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (r *RedisAttemptRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisAttemptRepository) watch(ctx context.Context, key string, txf func(*redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %s failed after %d retries: %w", key, maxWatchRetries, redis.TxFailedErr)
}

func (r *RedisAttemptRepository) write(ctx context.Context, tx *redis.Tx, key string, rec *models.AttemptRecord) error {
	payload, err := json.Marshal(redisAttempt{
		ID:                  rec.ID,
		Identifier:          rec.Identifier,
		Type:                rec.Type.String(),
		FailedAttempts:      rec.FailedAttempts,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		BlockedUntil:        rec.BlockedUntil,
		LastAttempt:         rec.LastAttempt,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode attempt record: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(rec.LastAttempt.UnixMilli()),
			Member: key,
		})
		return nil
	})
	return err
}

// stringGetter is satisfied by both clients and watched transactions
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadAttempt(ctx context.Context, c stringGetter, key string) (*models.AttemptRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeAttempt(data)
}

func decodeAttempt(data []byte) (*models.AttemptRecord, error) {
	var stored redisAttempt
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode attempt record: %w", err)
	}

	typ, err := models.ParseIdentifierType(stored.Type)
	if err != nil {
		return nil, err
	}

	return &models.AttemptRecord{
		ID:                  stored.ID,
		Identifier:          stored.Identifier,
		Type:                typ,
		FailedAttempts:      stored.FailedAttempts,
		ConsecutiveFailures: stored.ConsecutiveFailures,
		BlockedUntil:        stored.BlockedUntil,
		LastAttempt:         stored.LastAttempt,
		CreatedAt:           stored.CreatedAt,
		UpdatedAt:           stored.UpdatedAt,
	}, nil
}
