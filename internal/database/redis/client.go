// Package redis keeps the pool's hot state: the current job, share counters
// and the rolling difficulty windows used for hashrate estimates.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a cached key does not exist.
var ErrNotFound = errors.New("redis: key not found")

const (
	keyCurrentJob = "pool:current_job"
	keyPoolWindow = "pool:window"
)

// Counter keys.
const (
	CounterAccepted = "pool:shares:accepted"
	CounterRejected = "pool:shares:rejected"
	CounterBlocks   = "pool:blocks"
)

// Client wraps go-redis for the pool's keys.
type Client struct {
	rdb *redis.Client
}

// Config holds connection settings. URL, when set, takes precedence over
// Addr, Password and DB.
type Config struct {
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		opts.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	return opts, nil
}

// NewClient connects and pings.
func NewClient(cfg *Config) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetCurrentJob stores the job miners are working on.
func (c *Client) SetCurrentJob(ctx context.Context, job any) error {
	data, err := sonic.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := c.rdb.Set(ctx, keyCurrentJob, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// GetCurrentJob decodes the current job into dest.
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	return c.getJSON(ctx, keyCurrentJob, dest)
}

// IncrementCounter bumps a counter by one. The counters never expire.
func (c *Client) IncrementCounter(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return n, nil
}

// GetCounter returns zero for a missing counter.
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// AddShareDifficulty records an accepted share's difficulty in the pool
// window and the address window, then trims entries older than window.
func (c *Client) AddShareDifficulty(ctx context.Context, address, shareID string, difficulty float64, at time.Time, window time.Duration) error {
	member := windowMember(shareID, difficulty)
	score := float64(at.UnixMilli())
	cutoff := strconv.FormatInt(at.Add(-window).UnixMilli(), 10)

	pipe := c.rdb.Pipeline()
	for _, key := range []string{keyPoolWindow, addressWindowKey(address)} {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.Expire(ctx, key, window*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record share difficulty: %w", err)
	}
	return nil
}

// PoolDifficulty sums accepted difficulty over the last window.
func (c *Client) PoolDifficulty(ctx context.Context, window time.Duration) (float64, error) {
	return c.sumWindow(ctx, keyPoolWindow, window)
}

// AddressDifficulty sums one address's accepted difficulty over the last
// window.
func (c *Client) AddressDifficulty(ctx context.Context, address string, window time.Duration) (float64, error) {
	return c.sumWindow(ctx, addressWindowKey(address), window)
}

func (c *Client) sumWindow(ctx context.Context, key string, window time.Duration) (float64, error) {
	minScore := strconv.FormatInt(time.Now().Add(-window).UnixMilli(), 10)
	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: minScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read difficulty window: %w", err)
	}
	return SumMembers(members), nil
}

// SetCache stores v under key for ttl.
func (c *Client) SetCache(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// GetCache returns ErrNotFound on a miss.
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	return c.getJSON(ctx, cacheKey(key), dest)
}

func (c *Client) DeleteCache(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := sonic.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func cacheKey(key string) string {
	return "cache:" + key
}

func addressWindowKey(address string) string {
	return "address:" + address + ":window"
}

// windowMember keeps members unique per share so equal difficulties do not
// collapse into one sorted-set entry.
func windowMember(shareID string, difficulty float64) string {
	return shareID + "|" + strconv.FormatFloat(difficulty, 'g', -1, 64)
}

// SumMembers adds up the difficulties encoded in window members. Malformed
// members are skipped.
func SumMembers(members []string) float64 {
	var total float64
	for _, m := range members {
		i := strings.LastIndexByte(m, '|')
		if i < 0 {
			continue
		}
		d, err := strconv.ParseFloat(m[i+1:], 64)
		if err != nil {
			continue
		}
		total += d
	}
	return total
}
