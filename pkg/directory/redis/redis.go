// Package redis implements the directory contract on a Redis instance.
//
// Layout:
//   - vnode:owners  hash: field = vnode id, value = instance id
//   - vnode:load    hash: field = vnode id, value = session count
//   - user:<id>     string: instance id, with per-key TTL
//
// Partial-map writes use HSET on the named fields followed by EXPIRE on the
// whole key, pipelined; this gives the merge-and-refresh semantics the
// contract requires without read-modify-write races.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marmos91/presenced/pkg/directory"
)

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis connection URL, e.g. "redis://localhost:6379/0".
	URL string `mapstructure:"url" validate:"required" yaml:"url"`

	// DialTimeout bounds the initial connection attempt. Default: 5s.
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// Directory is the Redis-backed directory implementation.
type Directory struct {
	client *redis.Client
}

var _ directory.Directory = (*Directory)(nil)

// New connects to Redis and verifies the connection. Credential or network
// failures here are permanent startup faults; callers are expected to exit.
func New(ctx context.Context, cfg Config) (*Directory, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Directory{client: client}, nil
}

// Owners returns a snapshot of the ownership hash.
func (d *Directory) Owners(ctx context.Context) (map[int]string, error) {
	fields, err := d.client.HGetAll(ctx, directory.OwnersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", directory.OwnersKey, err)
	}

	owners := make(map[int]string, len(fields))
	for field, instanceID := range fields {
		id, err := strconv.Atoi(field)
		if err != nil {
			// Foreign field in the hash; skip rather than fail the snapshot.
			continue
		}
		owners[id] = instanceID
	}
	return owners, nil
}

// PutOwners merges the entries and refreshes the whole-key TTL.
func (d *Directory) PutOwners(ctx context.Context, partial map[int]string, ttl time.Duration) error {
	if len(partial) == 0 {
		return nil
	}

	values := make([]any, 0, len(partial)*2)
	for id, instanceID := range partial {
		values = append(values, strconv.Itoa(id), instanceID)
	}

	pipe := d.client.Pipeline()
	pipe.HSet(ctx, directory.OwnersKey, values...)
	pipe.Expire(ctx, directory.OwnersKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write %s: %w", directory.OwnersKey, err)
	}
	return nil
}

// DeleteOwners removes the given vnode fields in a single HDEL.
func (d *Directory) DeleteOwners(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}

	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.Itoa(id)
	}
	if err := d.client.HDel(ctx, directory.OwnersKey, fields...).Err(); err != nil {
		return fmt.Errorf("delete from %s: %w", directory.OwnersKey, err)
	}
	return nil
}

// Loads returns a snapshot of the load hash.
func (d *Directory) Loads(ctx context.Context) (map[int]int, error) {
	fields, err := d.client.HGetAll(ctx, directory.LoadsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", directory.LoadsKey, err)
	}

	loads := make(map[int]int, len(fields))
	for field, value := range fields {
		id, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		count, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		loads[id] = count
	}
	return loads, nil
}

// PutLoads merges the counters and refreshes the whole-key TTL.
func (d *Directory) PutLoads(ctx context.Context, partial map[int]int, ttl time.Duration) error {
	if len(partial) == 0 {
		return nil
	}

	values := make([]any, 0, len(partial)*2)
	for id, count := range partial {
		values = append(values, strconv.Itoa(id), strconv.Itoa(count))
	}

	pipe := d.client.Pipeline()
	pipe.HSet(ctx, directory.LoadsKey, values...)
	pipe.Expire(ctx, directory.LoadsKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write %s: %w", directory.LoadsKey, err)
	}
	return nil
}

// UserInstance reads the routing-cache entry for a user.
func (d *Directory) UserInstance(ctx context.Context, userID string) (string, error) {
	instanceID, err := d.client.Get(ctx, directory.UserKey(userID)).Result()
	if err == redis.Nil {
		return "", directory.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read user cache: %w", err)
	}
	return instanceID, nil
}

// PutUserInstance writes the routing-cache entry with its TTL.
func (d *Directory) PutUserInstance(ctx context.Context, userID, instanceID string, ttl time.Duration) error {
	if err := d.client.Set(ctx, directory.UserKey(userID), instanceID, ttl).Err(); err != nil {
		return fmt.Errorf("write user cache: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (d *Directory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (d *Directory) Close() error {
	return d.client.Close()
}
