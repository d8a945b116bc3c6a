package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStatePrefix = "mediabridge:state:"
	redisAlarmPrefix = "mediabridge:alarm:"

	// Sessions that stop updating their record are reaped by Redis itself.
	redisRecordTTL = 24 * time.Hour
)

// RedisStore keeps session records in Redis. Useful when bridge nodes are
// ephemeral and the control state must outlive any single process.
type RedisStore struct {
	client *redis.Client
}

func OpenRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) stateKey(session, key string) string {
	return redisStatePrefix + session + ":" + key
}

func (s *RedisStore) alarmKey(session string) string {
	return redisAlarmPrefix + session
}

func (s *RedisStore) Put(ctx context.Context, session, key string, value []byte) error {
	return s.client.Set(ctx, s.stateKey(session, key), value, redisRecordTTL).Err()
}

func (s *RedisStore) Get(ctx context.Context, session, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.stateKey(session, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, session, key string) error {
	return s.client.Del(ctx, s.stateKey(session, key)).Err()
}

func (s *RedisStore) DeleteAll(ctx context.Context, session string) error {
	iter := s.client.Scan(ctx, 0, redisStatePrefix+session+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) SetAlarm(ctx context.Context, session string, at time.Time) error {
	return s.client.Set(ctx, s.alarmKey(session), at.UnixMilli(), redisRecordTTL).Err()
}

func (s *RedisStore) GetAlarm(ctx context.Context, session string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.alarmKey(session)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *RedisStore) DeleteAlarm(ctx context.Context, session string) error {
	return s.client.Del(ctx, s.alarmKey(session)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
