package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/dovewarden/retryq/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// DefaultRetryCount bounds how often a failing item is attempted.
const DefaultRetryCount = 3

// Options configures a Queue. The zero value is usable.
type Options struct {
	// RetryCount is the number of attempts after which a failing item is dropped.
	// Zero means DefaultRetryCount.
	RetryCount int

	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	DeadLetters DeadLetterSink

	// Now overrides the clock used for default priorities.
	Now func() time.Time
}

// Item is an identifier with the priority it should be pushed with.
type Item struct {
	ID       string
	Priority float64
}

// Entry is an identifier together with the score it held when popped.
type Entry struct {
	ID    string
	Score float64
}

// PushOptions modifies a push.
type PushOptions struct {
	// Failed marks a redelivery after a processing failure: the item's
	// failure count is kept instead of being cleared.
	Failed bool
}

// Queue is a priority queue of item identifiers kept in a Redis sorted set,
// with per-item failure counts in a second sorted set under FailedKey.
// Higher scores pop first. All state lives in Redis, so any number of
// Queue values for the same key may be used concurrently across processes.
type Queue struct {
	client      redis.UniversalClient
	key         string
	retryCount  int64
	logger      *slog.Logger
	metrics     *metrics.Metrics
	deadLetters DeadLetterSink
	now         func() time.Time
}

// New creates a queue stored under key using the given client.
func New(client redis.UniversalClient, key string, opts Options) (*Queue, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if key == "" {
		return nil, ErrEmptyKey
	}
	q := &Queue{
		client:      client,
		key:         key,
		retryCount:  DefaultRetryCount,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		deadLetters: opts.DeadLetters,
		now:         opts.Now,
	}
	if opts.RetryCount > 0 {
		q.retryCount = int64(opts.RetryCount)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q, nil
}

// Key returns the key of the pending set.
func (q *Queue) Key() string {
	return q.key
}

// RetryCount returns the configured attempt limit.
func (q *Queue) RetryCount() int {
	return int(q.retryCount)
}

// FailedKey returns the key of the failure counter set.
func (q *Queue) FailedKey() string {
	return q.key + "/failed_counts"
}

// DefaultPriority is the negated current Unix time in seconds, so items
// pushed without an explicit priority pop in FIFO order.
func (q *Queue) DefaultPriority() float64 {
	return float64(-q.now().Unix())
}

// Push adds id with the given priority, or raises the priority of an item that
// is already pending. Pushing a priority lower than or equal to the current one
// is a no-op. Unless opts.Failed is set, the item's failure count is cleared in
// the same atomic step. It reports whether the stored score changed.
func (q *Queue) Push(ctx context.Context, id string, priority float64, opts PushOptions) (bool, error) {
	n, err := q.PushMany(ctx, []Item{{ID: id, Priority: priority}}, opts)
	return n == 1, err
}

// Enqueue pushes id with DefaultPriority.
func (q *Queue) Enqueue(ctx context.Context, id string, opts PushOptions) (bool, error) {
	return q.Push(ctx, id, q.DefaultPriority(), opts)
}

// PushMany pushes all items in one atomic step. Items are applied in order, so
// a repeated identifier keeps the highest of its priorities. It returns the
// number of pushes that changed a stored score.
func (q *Queue) PushMany(ctx context.Context, items []Item, opts PushOptions) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	args, err := pushArgs(items, opts)
	if err != nil {
		return 0, err
	}
	n, err := pushScript.Run(ctx, q.client, q.pushKeys(), args...).Int64()
	if err != nil {
		q.metrics.RedisError(q.key)
		return 0, fmt.Errorf("failed to push %d items: %w", len(items), err)
	}
	q.metrics.Pushed(q.key, int(n))
	return int(n), nil
}

// PushMap pushes every identifier of m with its priority, in identifier order.
func (q *Queue) PushMap(ctx context.Context, m map[string]float64, opts PushOptions) (int, error) {
	items := make([]Item, 0, len(m))
	for id, p := range m {
		items = append(items, Item{ID: id, Priority: p})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return q.PushMany(ctx, items, opts)
}

// PushTx queues a push of items on a pipeline the caller executes, so the push
// becomes part of the caller's batch. The returned command yields the number
// of changed scores after the pipeline ran.
func (q *Queue) PushTx(ctx context.Context, pipe redis.Pipeliner, items []Item, opts PushOptions) (*redis.Cmd, error) {
	args, err := pushArgs(items, opts)
	if err != nil {
		return nil, err
	}
	// EVALSHA cannot fall back to EVAL inside a pipeline.
	return pushScript.Eval(ctx, pipe, q.pushKeys(), args...), nil
}

func (q *Queue) pushKeys() []string {
	return []string{q.key, q.FailedKey()}
}

func pushArgs(items []Item, opts PushOptions) ([]interface{}, error) {
	args := make([]interface{}, 0, 1+2*len(items))
	if opts.Failed {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	for _, it := range items {
		if math.IsNaN(it.Priority) || math.IsInf(it.Priority, 0) {
			return nil, fmt.Errorf("invalid priority for %q: %v", it.ID, it.Priority)
		}
		args = append(args, it.ID, strconv.FormatFloat(it.Priority, 'f', -1, 64))
	}
	return args, nil
}

// Count returns the number of pending items.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		q.metrics.RedisError(q.key)
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Score returns the priority of a pending item. ok is false when id is not pending.
func (q *Queue) Score(ctx context.Context, id string) (score float64, ok bool, err error) {
	score, err = q.client.ZScore(ctx, q.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		q.metrics.RedisError(q.key)
		return 0, false, fmt.Errorf("failed to read score: %w", err)
	}
	return score, true, nil
}

// Pop removes and returns up to n items with the highest scores, highest first.
// Reading and removing happen in one MULTI/EXEC block, so concurrent callers
// never receive the same item. An empty queue yields an empty slice.
func (q *Queue) Pop(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 1
	}
	var top *redis.ZSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		top = pipe.ZRevRangeWithScores(ctx, q.key, 0, int64(n-1))
		// Ascending ranks -n..-1 are exactly the n members read above.
		pipe.ZRemRangeByRank(ctx, q.key, int64(-n), -1)
		return nil
	})
	if err != nil {
		q.metrics.RedisError(q.key)
		return nil, fmt.Errorf("failed to pop: %w", err)
	}

	zs := top.Val()
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		entries = append(entries, Entry{ID: FormatID(z.Member), Score: z.Score})
	}
	q.metrics.Popped(q.key, len(entries))
	return entries, nil
}

// MarkFailed increments the failure count of id and returns the new count.
func (q *Queue) MarkFailed(ctx context.Context, id string) (int64, error) {
	n, err := q.client.ZIncrBy(ctx, q.FailedKey(), 1, id).Result()
	if err != nil {
		q.metrics.RedisError(q.key)
		return 0, fmt.Errorf("failed to mark %q failed: %w", id, err)
	}
	return int64(n), nil
}

// FailureCount returns the recorded failure count of id.
func (q *Queue) FailureCount(ctx context.Context, id string) (int64, error) {
	n, err := q.client.ZScore(ctx, q.FailedKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		q.metrics.RedisError(q.key)
		return 0, fmt.Errorf("failed to read failure count: %w", err)
	}
	return int64(n), nil
}

// FormatID returns the identifier form of v. Integers and their decimal
// strings map to the same identifier.
func FormatID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case uint64:
		return strconv.FormatUint(id, 10)
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprint(v)
	}
}
