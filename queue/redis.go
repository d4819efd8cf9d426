package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/cyclops/codec"
	"github.com/hupe1980/cyclops/failure"
)

// RedisOptions configures a Redis channel.
type RedisOptions struct {
	// Name is the list holding queued URLs.
	Name string

	// Codec encodes dead letters.
	Codec codec.Codec
}

// Redis is a reliable-list channel: LPUSH to publish, BLMOVE into a per-consumer
// in-flight list to receive, LREM to acknowledge.
type Redis struct {
	client redis.UniversalClient
	name   string
	codec  codec.Codec
	owned  bool
}

// NewRedis wraps an existing client. Close does not close a client passed in here.
func NewRedis(client redis.UniversalClient, optFns ...func(o *RedisOptions)) *Redis {
	opts := RedisOptions{
		Name:  DefaultName,
		Codec: codec.Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Redis{client: client, name: opts.Name, codec: opts.Codec}
}

// DialRedis connects to url and verifies the connection with PING.
func DialRedis(ctx context.Context, url string, optFns ...func(o *RedisOptions)) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, failure.New(failure.KindInvalidInput, "queue.dial", err)
	}

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, failure.New(failure.KindTransport, "queue.dial", err)
	}

	r := NewRedis(client, optFns...)
	r.owned = true
	return r, nil
}

// Name returns the queue list key.
func (r *Redis) Name() string { return r.name }

func (r *Redis) activeKey(consumer string) string {
	return "fetch:active:" + consumer + ":" + r.name
}

func (r *Redis) errorsKey(consumer string) string {
	return "fetch:errors:" + consumer + ":" + r.name
}

// Publish implements Channel.
func (r *Redis) Publish(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}

	vals := make([]any, len(urls))
	for i, u := range urls {
		vals[i] = u
	}
	return failure.New(failure.KindTransport, "queue.publish", r.client.LPush(ctx, r.name, vals...).Err())
}

// Receive implements Channel.
func (r *Redis) Receive(ctx context.Context, consumer string, wait time.Duration) (*Delivery, error) {
	active := r.activeKey(consumer)

	var (
		url string
		err error
	)
	if wait > 0 {
		url, err = r.client.BLMove(ctx, r.name, active, "RIGHT", "LEFT", wait).Result()
	} else {
		url, err = r.client.LMove(ctx, r.name, active, "RIGHT", "LEFT").Result()
	}

	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.New(failure.KindTransport, "queue.receive", err)
	}

	return &Delivery{
		URL: url,
		ack: func(ctx context.Context) error {
			return failure.New(failure.KindTransport, "queue.ack", r.client.LRem(ctx, active, 1, url).Err())
		},
	}, nil
}

// DeadLetter implements Channel.
func (r *Redis) DeadLetter(ctx context.Context, consumer string, dl DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	b, err := r.codec.Marshal(dl)
	if err != nil {
		return failure.New(failure.KindInvariant, "queue.dead_letter", err)
	}
	return failure.New(failure.KindTransport, "queue.dead_letter", r.client.LPush(ctx, r.errorsKey(consumer), b).Err())
}

// Requeue implements Channel.
func (r *Redis) Requeue(ctx context.Context, consumer string) (int, error) {
	active := r.activeKey(consumer)

	n := 0
	for {
		// Newest first onto the consuming end leaves the oldest recovered message next in line.
		_, err := r.client.LMove(ctx, active, r.name, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, failure.New(failure.KindTransport, "queue.requeue", err)
		}
		n++
	}
}

// Len implements Channel.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.name).Result()
	if err != nil {
		return 0, failure.New(failure.KindTransport, "queue.len", err)
	}
	return n, nil
}

// InFlight returns the number of unacknowledged deliveries of consumer.
func (r *Redis) InFlight(ctx context.Context, consumer string) (int64, error) {
	n, err := r.client.LLen(ctx, r.activeKey(consumer)).Result()
	if err != nil {
		return 0, failure.New(failure.KindTransport, "queue.in_flight", err)
	}
	return n, nil
}

// DeadLetters implements Channel.
func (r *Redis) DeadLetters(ctx context.Context, consumer string, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := r.client.LRange(ctx, r.errorsKey(consumer), 0, stop).Result()
	if err != nil {
		return nil, failure.New(failure.KindTransport, "queue.dead_letters", err)
	}

	out := make([]DeadLetter, 0, len(raw))
	for _, s := range raw {
		var dl DeadLetter
		if err := codec.Decode(r.codec, []byte(s), &dl); err != nil {
			return nil, failure.New(failure.KindInvariant, "queue.dead_letters", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetterLen implements Channel.
func (r *Redis) DeadLetterLen(ctx context.Context, consumer string) (int64, error) {
	n, err := r.client.LLen(ctx, r.errorsKey(consumer)).Result()
	if err != nil {
		return 0, failure.New(failure.KindTransport, "queue.dead_letter_len", err)
	}
	return n, nil
}

// Close closes the client if it was created by DialRedis.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
