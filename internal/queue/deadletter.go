package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DeadLetter describes an item dropped after exhausting its retries.
type DeadLetter struct {
	ID        string    `json:"id"`
	Item      string    `json:"item"`
	Queue     string    `json:"queue"`
	Score     float64   `json:"score"`
	Failures  int64     `json:"failures"`
	Error     string    `json:"error"`
	DroppedAt time.Time `json:"dropped_at"`
}

// DeadLetterSink is notified about every dropped item.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// Sinks notifies each sink in order and joins their errors.
type Sinks []DeadLetterSink

func (s Sinks) DeadLetter(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, sink := range s {
		if err := sink.DeadLetter(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newDeadLetter(queue string, e Entry, failures int64, msg string, at time.Time) DeadLetter {
	return DeadLetter{
		ID:        uuid.NewString(),
		Item:      e.ID,
		Queue:     queue,
		Score:     e.Score,
		Failures:  failures,
		Error:     msg,
		DroppedAt: at.UTC(),
	}
}

// RedisDeadLetters keeps the latest dead letter of each item of a queue in a
// Redis hash next to the queue's own keys.
type RedisDeadLetters struct {
	client redis.UniversalClient
	key    string
}

// NewRedisDeadLetters stores dead letters of the queue with the given key.
func NewRedisDeadLetters(client redis.UniversalClient, queueKey string) *RedisDeadLetters {
	return &RedisDeadLetters{
		client: client,
		key:    queueKey + "/dead_letters",
	}
}

// Key returns the hash key holding the dead letters.
func (d *RedisDeadLetters) Key() string {
	return d.key
}

// DeadLetter records dl, replacing an older record of the same item.
func (d *RedisDeadLetters) DeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := d.client.HSet(ctx, d.key, dl.Item, data).Err(); err != nil {
		return fmt.Errorf("failed to store dead letter: %w", err)
	}
	return nil
}

// List returns all dead letters, most recently dropped first.
func (d *RedisDeadLetters) List(ctx context.Context) ([]DeadLetter, error) {
	results, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(results))
	for _, data := range results {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			continue // skip malformed records
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DroppedAt.Equal(out[j].DroppedAt) {
			return out[i].DroppedAt.After(out[j].DroppedAt)
		}
		return out[i].Item < out[j].Item
	})
	return out, nil
}

// Get returns the dead letter of item, or ErrNotFound.
func (d *RedisDeadLetters) Get(ctx context.Context, item string) (DeadLetter, error) {
	var dl DeadLetter
	data, err := d.client.HGet(ctx, d.key, item).Bytes()
	if errors.Is(err, redis.Nil) {
		return dl, ErrNotFound
	}
	if err != nil {
		return dl, fmt.Errorf("failed to get dead letter: %w", err)
	}
	if err := json.Unmarshal(data, &dl); err != nil {
		return dl, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return dl, nil
}

// Remove deletes the dead letter of item.
func (d *RedisDeadLetters) Remove(ctx context.Context, item string) error {
	n, err := d.client.HDel(ctx, d.key, item).Result()
	if err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Revive removes the dead letter of item and pushes the item to q as a fresh
// submission with its last score, which clears its failure count.
func (d *RedisDeadLetters) Revive(ctx context.Context, q *Queue, item string) (DeadLetter, error) {
	dl, err := d.Get(ctx, item)
	if err != nil {
		return dl, err
	}
	if _, err := q.Push(ctx, item, dl.Score, PushOptions{}); err != nil {
		return dl, err
	}
	if err := d.Remove(ctx, item); err != nil && !errors.Is(err, ErrNotFound) {
		return dl, err
	}
	return dl, nil
}
