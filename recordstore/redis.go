package recordstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/cyclops/failure"
)

// Redis is a Store backed by Redis sets, strings and hashes.
type Redis struct {
	client   redis.UniversalClient
	pageSize int64
	owned    bool
}

// RedisOptions configures a Redis store.
type RedisOptions struct {
	// PageSize is the COUNT hint passed to SSCAN.
	PageSize int64
}

// NewRedis wraps an existing client. Close does not close a client passed in here.
func NewRedis(client redis.UniversalClient, optFns ...func(o *RedisOptions)) *Redis {
	opts := RedisOptions{PageSize: DefaultScanPageSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultScanPageSize
	}

	return &Redis{client: client, pageSize: opts.PageSize}
}

// DialRedis connects to the server addressed by url (redis://host:port/db) and
// verifies the connection with PING.
func DialRedis(ctx context.Context, url string, optFns ...func(o *RedisOptions)) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, failure.New(failure.KindInvalidInput, "recordstore.dial", err)
	}

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, failure.New(failure.KindTransport, "recordstore.dial", err)
	}

	r := NewRedis(client, optFns...)
	r.owned = true
	return r, nil
}

// Client returns the underlying client.
func (r *Redis) Client() redis.UniversalClient { return r.client }

// Exists implements Store.
func (r *Redis) Exists(ctx context.Context, hex string) (bool, error) {
	n, err := r.client.Exists(ctx, hashNodeKey(hex)).Result()
	if err != nil {
		return false, failure.New(failure.KindTransport, "recordstore.exists", err)
	}
	return n > 0, nil
}

// AddURL implements Store.
func (r *Redis) AddURL(ctx context.Context, hex, url string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, hashElementsKey(hex), url)
		p.Set(ctx, urlKey(url), hex, 0)
		return nil
	})
	return failure.New(failure.KindTransport, "recordstore.add_url", err)
}

// AddFingerprint implements Store.
func (r *Redis) AddFingerprint(ctx context.Context, owner, hex, url string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, hashNodeKey(hex), owner, 0)
		p.SAdd(ctx, hashElementsKey(hex), url)
		p.Set(ctx, urlKey(url), hex, 0)
		return nil
	})
	return failure.New(failure.KindTransport, "recordstore.add_fingerprint", err)
}

// ScanURLs implements Store.
func (r *Redis) ScanURLs(ctx context.Context, hex string, limit int) ([]string, error) {
	key := hashElementsKey(hex)

	urls, err := collect(ctx, limit, func(ctx context.Context, cursor string) ([]string, string, error) {
		var c uint64
		if cursor != "" {
			c, _ = strconv.ParseUint(cursor, 10, 64)
		}

		items, next, err := r.client.SScan(ctx, key, c, "", r.pageSize).Result()
		if err != nil {
			return nil, "", err
		}
		if next == 0 {
			return items, "", nil
		}
		return items, strconv.FormatUint(next, 10), nil
	})
	if err != nil {
		return nil, failure.New(failure.KindTransport, "recordstore.scan_urls", err)
	}
	return urls, nil
}

// CountURLs implements Store.
func (r *Redis) CountURLs(ctx context.Context, hex string) (int64, error) {
	n, err := r.client.SCard(ctx, hashElementsKey(hex)).Result()
	if err != nil {
		return 0, failure.New(failure.KindTransport, "recordstore.count_urls", err)
	}
	return n, nil
}

// Owner implements Store.
func (r *Redis) Owner(ctx context.Context, hex string) (string, error) {
	return r.get(ctx, "recordstore.owner", hashNodeKey(hex))
}

// FingerprintOf implements Store.
func (r *Redis) FingerprintOf(ctx context.Context, url string) (string, error) {
	return r.get(ctx, "recordstore.fingerprint_of", urlKey(url))
}

func (r *Redis) get(ctx context.Context, op, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", failure.New(failure.KindNotFound, op, ErrNotFound)
	}
	if err != nil {
		return "", failure.New(failure.KindTransport, op, err)
	}
	return v, nil
}

// IncrementCounter implements Store.
func (r *Redis) IncrementCounter(ctx context.Context, category, stat string, delta int64) error {
	err := r.client.HIncrBy(ctx, statsKey(category), stat, delta).Err()
	return failure.New(failure.KindTransport, "recordstore.increment_counter", err)
}

// Counters implements Store.
func (r *Redis) Counters(ctx context.Context, category string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, statsKey(category)).Result()
	if err != nil {
		return nil, failure.New(failure.KindTransport, "recordstore.counters", err)
	}

	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, failure.Errorf(failure.KindInvariant, "recordstore.counters", "stat %q: %v", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// Close closes the client if it was created by DialRedis.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
