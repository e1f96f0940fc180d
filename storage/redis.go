package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete removes KEYS[1] only when the sha1 of its value matches ARGV[1].
var compareAndDelete = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
if redis.sha1hex(v) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a KVStore for the lock and the marker. It has no listing, so the
// match history always stays in a BlobStore.
type Redis struct {
	RDB    *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // e.g. "league:"
}

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(pingCtx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}
	return NewRedisFromClient(rdb, opts.Prefix), nil
}

func NewRedisFromClient(rdb *redis.Client, prefix string) *Redis {
	return &Redis{RDB: rdb, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (*Object, error) {
	data, err := r.RDB.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return &Object{Key: key, Data: data, Version: ContentVersion(data)}, nil
}

func (r *Redis) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := r.RDB.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) CreateIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	ok, err := r.RDB.SetNX(ctx, r.prefix+key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Delete(ctx context.Context, key string, ifVersion string) (bool, error) {
	if ifVersion == "" {
		n, err := r.RDB.Del(ctx, r.prefix+key).Result()
		if err != nil {
			return false, fmt.Errorf("redis del %s: %w", key, err)
		}
		return n > 0, nil
	}
	n, err := compareAndDelete.Run(ctx, r.RDB, []string{r.prefix + key}, ifVersion).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	return r.RDB.Close()
}
