// Package queue is the message channel carrying URLs to ingest.
//
// Consumption is at-least-once: Receive moves a message into the consumer's
// in-flight list and Ack removes it from there. Messages a crashed consumer
// never acknowledged are moved back to the queue by Requeue. Failed messages
// are published to a per-consumer dead-letter list.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultName is the name of the shared ingestion queue.
const DefaultName = "cyclops_hashing_urls"

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("queue: closed")

// DeadLetter describes a message that failed processing.
type DeadLetter struct {
	URL      string    `json:"url" msgpack:"url"`
	Shard    string    `json:"shard" msgpack:"shard"`
	Error    string    `json:"error" msgpack:"error"`
	Kind     string    `json:"kind" msgpack:"kind"`
	FailedAt time.Time `json:"failed_at" msgpack:"failed_at"`
}

// Delivery is a received, not yet acknowledged message.
type Delivery struct {
	URL string

	ack func(ctx context.Context) error
}

// Ack removes the message from the consumer's in-flight list.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Channel is the durable message channel contract.
// Broker failures are returned as failure.KindTransport errors.
type Channel interface {
	// Publish enqueues urls for ingestion.
	Publish(ctx context.Context, urls ...string) error

	// Receive waits up to wait for a message. It returns a nil Delivery when
	// the wait elapsed without a message.
	Receive(ctx context.Context, consumer string, wait time.Duration) (*Delivery, error)

	// DeadLetter records a failed message for consumer.
	DeadLetter(ctx context.Context, consumer string, dl DeadLetter) error

	// Requeue moves every in-flight message of consumer back to the queue
	// and returns how many were moved.
	Requeue(ctx context.Context, consumer string) (int, error)

	// Len returns the number of queued messages.
	Len(ctx context.Context) (int64, error)

	// DeadLetters returns up to limit dead letters of consumer, newest first.
	// A limit <= 0 returns all of them.
	DeadLetters(ctx context.Context, consumer string, limit int) ([]DeadLetter, error)

	// DeadLetterLen returns the number of dead letters kept for consumer.
	DeadLetterLen(ctx context.Context, consumer string) (int64, error)

	// Close releases the channel.
	Close() error
}
