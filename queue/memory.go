package queue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Channel with the same delivery semantics as Redis.
// Messages do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	queue  []string
	active map[string][]string
	dead   map[string][]DeadLetter
	notify chan struct{}
	closed bool
}

// NewMemory creates an empty in-process channel.
func NewMemory() *Memory {
	return &Memory{
		active: make(map[string][]string),
		dead:   make(map[string][]DeadLetter),
		notify: make(chan struct{}),
	}
}

// wake releases every waiting receiver. Caller holds mu.
func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Publish implements Channel.
func (m *Memory) Publish(_ context.Context, urls ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(urls) == 0 {
		return nil
	}
	m.queue = append(m.queue, urls...)
	m.wake()
	return nil
}

// Receive implements Channel.
func (m *Memory) Receive(ctx context.Context, consumer string, wait time.Duration) (*Delivery, error) {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.queue) > 0 {
			url := m.queue[0]
			m.queue = m.queue[1:]
			m.active[consumer] = append(m.active[consumer], url)
			m.mu.Unlock()

			return &Delivery{
				URL: url,
				ack: func(context.Context) error {
					m.ack(consumer, url)
					return nil
				},
			}, nil
		}
		notify := m.notify
		m.mu.Unlock()

		if timer == nil {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-notify:
		}
	}
}

func (m *Memory) ack(consumer, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.active[consumer]
	if i := slices.Index(list, url); i >= 0 {
		m.active[consumer] = slices.Delete(list, i, i+1)
	}
}

// DeadLetter implements Channel.
func (m *Memory) DeadLetter(_ context.Context, consumer string, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	m.dead[consumer] = append(m.dead[consumer], dl)
	return nil
}

// Requeue implements Channel.
func (m *Memory) Requeue(_ context.Context, consumer string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	list := m.active[consumer]
	delete(m.active, consumer)
	if len(list) == 0 {
		return 0, nil
	}
	m.queue = append(slices.Clone(list), m.queue...)
	m.wake()
	return len(list), nil
}

// Len implements Channel.
func (m *Memory) Len(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}

// InFlight returns the number of unacknowledged deliveries of consumer.
func (m *Memory) InFlight(_ context.Context, consumer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.active[consumer])), nil
}

// DeadLetters implements Channel.
func (m *Memory) DeadLetters(_ context.Context, consumer string, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.dead[consumer]
	out := make([]DeadLetter, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, list[i])
	}
	return out, nil
}

// DeadLetterLen implements Channel.
func (m *Memory) DeadLetterLen(_ context.Context, consumer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dead[consumer])), nil
}

// Close wakes all receivers; they return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.wake()
	}
	return nil
}
