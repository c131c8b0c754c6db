package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "gallery:progress"
	maxTxRetries     = 5
)

// RedisStore shares records between server instances. Each record is a JSON
// value under "<prefix>:<jobID>"; the cancel flag is mirrored under
// "<prefix>:<jobID>:cancel" so IsCancelled is a single EXISTS.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix, opts.TTL), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(jobID string) string {
	return s.prefix + ":" + jobID
}

func (s *RedisStore) cancelKey(jobID string) string {
	return s.prefix + ":" + jobID + ":cancel"
}

func (s *RedisStore) Start(ctx context.Context, jobID string, total int) error {
	data, err := json.Marshal(newRecord(jobID, total, s.now()))
	if err != nil {
		return fmt.Errorf("failed to encode progress for %s: %w", jobID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(jobID), data, s.ttl)
		pipe.Del(ctx, s.cancelKey(jobID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to start progress for %s: %w", jobID, err)
	}
	return nil
}

// mutate runs fn over the stored record inside a WATCH transaction. It
// returns whether fn changed anything.
func (s *RedisStore) mutate(ctx context.Context, jobID string, setCancel bool, fn func(*Progress) bool) (bool, error) {
	key := s.key(jobID)
	var changed bool

	txf := func(tx *redis.Tx) error {
		changed = false
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Progress
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("corrupt progress record: %w", err)
		}
		if !fn(&rec) {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			if setCancel {
				pipe.Set(ctx, s.cancelKey(jobID), "1", s.ttl)
			}
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to update progress for %s: %w", jobID, err)
		}
		return changed, nil
	}
	return false, fmt.Errorf("failed to update progress for %s: too much contention", jobID)
}

func (s *RedisStore) Update(ctx context.Context, jobID string, delta Delta) error {
	now := s.now()
	_, err := s.mutate(ctx, jobID, false, func(p *Progress) bool { return applyDelta(p, delta, now) })
	return err
}

func (s *RedisStore) Complete(ctx context.Context, jobID string) error {
	now := s.now()
	_, err := s.mutate(ctx, jobID, false, func(p *Progress) bool { return finish(p, StatusCompleted, "", now) })
	return err
}

func (s *RedisStore) Fail(ctx context.Context, jobID string, reason string) error {
	now := s.now()
	_, err := s.mutate(ctx, jobID, false, func(p *Progress) bool { return finish(p, StatusFailed, reason, now) })
	return err
}

func (s *RedisStore) Cancel(ctx context.Context, jobID string) (bool, error) {
	now := s.now()
	return s.mutate(ctx, jobID, true, func(p *Progress) bool { return markCancelled(p, now) })
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (Progress, bool, error) {
	raw, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("failed to read progress for %s: %w", jobID, err)
	}
	var rec Progress
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Progress{}, false, fmt.Errorf("corrupt progress record for %s: %w", jobID, err)
	}
	return rec, true, nil
}

func (s *RedisStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag for %s: %w", jobID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Clear(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.key(jobID), s.cancelKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear progress for %s: %w", jobID, err)
	}
	return nil
}
