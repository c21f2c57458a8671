package queue

import (
	"context"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test/redis_queue"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestQueue returns a queue on a fresh miniredis together with a raw client.
func newTestQueue(t *testing.T, opts Options) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	q, err := New(client, testKey, opts)
	require.NoError(t, err)
	return q, client
}

// withScores reads a sorted set highest score first, flattened to member/score pairs.
func withScores(t *testing.T, client *redis.Client, key string) []string {
	t.Helper()
	zs, err := client.ZRevRangeWithScores(context.Background(), key, 0, -1).Result()
	require.NoError(t, err)
	out := make([]string, 0, 2*len(zs))
	for _, z := range zs {
		out = append(out, z.Member.(string), strconv.FormatFloat(z.Score, 'f', -1, 64))
	}
	return out
}

func frozenClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestNew(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	q, err := New(client, "some/queue", Options{})
	require.NoError(t, err)
	assert.Equal(t, "some/queue", q.Key())
	assert.Equal(t, DefaultRetryCount, q.RetryCount())
	assert.Equal(t, "some/queue/failed_counts", q.FailedKey())

	q, err = New(client, "some/queue", Options{RetryCount: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, q.RetryCount())

	_, err = New(client, "", Options{})
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = New(nil, "some/queue", Options{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestEnqueueUsesNegativeTimestamps(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	q.now = frozenClock(112233)
	_, err := q.Enqueue(ctx, "99", PushOptions{})
	require.NoError(t, err)
	q.now = frozenClock(112235)
	_, err = q.Enqueue(ctx, "101", PushOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"99", "-112233", "101", "-112235"}, withScores(t, client, testKey))
}

func TestEnqueueDoesNotRequeuePendingItem(t *testing.T) {
	q, client := newTestQueue(t, Options{Now: frozenClock(112233)})
	ctx := context.Background()

	pushed, err := q.Enqueue(ctx, "99", PushOptions{})
	require.NoError(t, err)
	assert.True(t, pushed)

	q.now = frozenClock(112235)
	pushed, err = q.Enqueue(ctx, "99", PushOptions{})
	require.NoError(t, err)
	assert.False(t, pushed)

	assert.Equal(t, []string{"99", "-112233"}, withScores(t, client, testKey))
}

func TestPushRaisesPriority(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Push(ctx, "99", 1, PushOptions{})
	require.NoError(t, err)
	pushed, err := q.Push(ctx, "99", 2, PushOptions{})
	require.NoError(t, err)
	assert.True(t, pushed)

	assert.Equal(t, []string{"99", "2"}, withScores(t, client, testKey))
}

func TestPushNeverDowngrades(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Push(ctx, "99", 5, PushOptions{})
	require.NoError(t, err)

	for _, p := range []float64{5, 4.5, 0, -10} {
		pushed, err := q.Push(ctx, "99", p, PushOptions{})
		require.NoError(t, err)
		assert.False(t, pushed, "priority %v", p)
	}
	score, ok, err := q.Score(ctx, "99")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5.0, score)
	assert.Equal(t, []string{"99", "5"}, withScores(t, client, testKey))
}

func TestPushSamePriorityIsIdempotent(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Push(ctx, "99", 1234, PushOptions{})
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, "99")
	require.NoError(t, err)

	pushed, err := q.Push(ctx, "99", 1234, PushOptions{})
	require.NoError(t, err)
	assert.False(t, pushed)

	// a no-op push leaves the failure history alone as well
	assert.Equal(t, []string{"99", "1234"}, withScores(t, client, testKey))
	assert.Equal(t, []string{"99", "1"}, withScores(t, client, q.FailedKey()))
}

func TestPushClearsFailureCount(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.MarkFailed(ctx, "99")
	require.NoError(t, err)
	assert.Equal(t, []string{"99", "1"}, withScores(t, client, q.FailedKey()))

	_, err = q.Push(ctx, "99", 1234, PushOptions{})
	require.NoError(t, err)
	assert.Empty(t, withScores(t, client, q.FailedKey()))

	n, err := q.FailureCount(ctx, "99")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestFailedPushKeepsFailureCount(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.MarkFailed(ctx, "99")
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, "99")
	require.NoError(t, err)

	pushed, err := q.Push(ctx, "99", 1234, PushOptions{Failed: true})
	require.NoError(t, err)
	assert.True(t, pushed)
	assert.Equal(t, []string{"99", "2"}, withScores(t, client, q.FailedKey()))

	// a later plain push with a higher priority is a fresh submission
	_, err = q.Push(ctx, "99", 2000, PushOptions{})
	require.NoError(t, err)
	n, err := q.FailureCount(ctx, "99")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPushRejectsNonFinitePriorities(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	for _, p := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := q.Push(ctx, "99", p, PushOptions{})
		assert.Error(t, err, "priority %v", p)
	}
	_, err := q.PushMany(ctx, []Item{{ID: "1", Priority: 1}, {ID: "2", Priority: math.Inf(1)}}, PushOptions{})
	assert.Error(t, err)
	assert.Empty(t, withScores(t, client, testKey))

	// the id stays usable
	changed, err := q.Push(ctx, "99", 3, PushOptions{})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPushMany(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	n, err := q.PushMany(ctx, []Item{{ID: "1", Priority: 2}, {ID: "3", Priority: 4}}, PushOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"3", "4", "1", "2"}, withScores(t, client, testKey))

	n, err = q.PushMany(ctx, nil, PushOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPushManyRepeatedIDKeepsHighest(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	n, err := q.PushMany(ctx, []Item{
		{ID: "7", Priority: 3},
		{ID: "7", Priority: 9},
		{ID: "7", Priority: 5},
	}, PushOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"7", "9"}, withScores(t, client, testKey))
}

func TestPushManyFailedKeepsCounts(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.MarkFailed(ctx, "1")
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, "3")
	require.NoError(t, err)

	_, err = q.PushMany(ctx, []Item{{ID: "1", Priority: 2}, {ID: "3", Priority: 4}}, PushOptions{Failed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1", "1", "1"}, withScores(t, client, q.FailedKey()))
}

func TestPushMap(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	n, err := q.PushMap(ctx, map[string]float64{"2": 4, "6": 8}, PushOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"6", "8", "2", "4"}, withScores(t, client, testKey))
}

func TestPushTx(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.MarkFailed(ctx, "5")
	require.NoError(t, err)

	var cmd *redis.Cmd
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "other", "value", 0)
		var perr error
		cmd, perr = q.PushTx(ctx, pipe, []Item{{ID: "5", Priority: 1}, {ID: "6", Priority: 2}}, PushOptions{})
		return perr
	})
	require.NoError(t, err)

	n, err := cmd.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"6", "2", "5", "1"}, withScores(t, client, testKey))
	assert.Empty(t, withScores(t, client, q.FailedKey()))
	assert.Equal(t, "value", client.Get(ctx, "other").Val())
}

func TestCount(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = q.Push(ctx, "99", 1234, PushOptions{})
	require.NoError(t, err)
	_, err = q.Push(ctx, "101", 1234, PushOptions{})
	require.NoError(t, err)

	n, err = q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScoreMissing(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, ok, err := q.Score(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPop(t *testing.T) {
	setup := func(t *testing.T) (*Queue, *redis.Client) {
		q, client := newTestQueue(t, Options{})
		_, err := q.PushMap(context.Background(), map[string]float64{"98": 10, "99": 1, "101": 100}, PushOptions{})
		require.NoError(t, err)
		return q, client
	}
	ctx := context.Background()

	t.Run("returns the highest member and score", func(t *testing.T) {
		q, client := setup(t)
		got, err := q.Pop(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []Entry{{ID: "101", Score: 100}}, got)
		assert.Equal(t, []string{"98", "10", "99", "1"}, withScores(t, client, testKey))
	})

	t.Run("returns two elements", func(t *testing.T) {
		q, client := setup(t)
		got, err := q.Pop(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []Entry{{ID: "101", Score: 100}, {ID: "98", Score: 10}}, got)
		assert.Equal(t, []string{"99", "1"}, withScores(t, client, testKey))
	})

	t.Run("returns three elements", func(t *testing.T) {
		q, client := setup(t)
		_, err := q.Push(ctx, "1", 0, PushOptions{})
		require.NoError(t, err)
		got, err := q.Pop(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []Entry{{ID: "101", Score: 100}, {ID: "98", Score: 10}, {ID: "99", Score: 1}}, got)
		assert.Equal(t, []string{"1", "0"}, withScores(t, client, testKey))
	})

	t.Run("more than pending", func(t *testing.T) {
		q, client := setup(t)
		got, err := q.Pop(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, got, 3)
		assert.Empty(t, withScores(t, client, testKey))
	})

	t.Run("non-positive n pops one", func(t *testing.T) {
		q, _ := setup(t)
		got, err := q.Pop(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []Entry{{ID: "101", Score: 100}}, got)
	})

	t.Run("empty when nothing in the queue", func(t *testing.T) {
		q, _ := setup(t)
		for i := 0; i < 3; i++ {
			_, err := q.Pop(ctx, 1)
			require.NoError(t, err)
		}
		got, err := q.Pop(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestPopTiesAreConsistent(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.PushMap(ctx, map[string]float64{"a": 1, "b": 1, "c": 1, "d": 0}, PushOptions{})
	require.NoError(t, err)

	got, err := q.Pop(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	rest := withScores(t, client, testKey)
	require.Len(t, rest, 4)
	for _, e := range got {
		assert.NotContains(t, rest, e.ID, "popped member still pending")
	}
	assert.Equal(t, "d", rest[2])
}

func TestPopScenario(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Push(ctx, "99", 1, PushOptions{})
	require.NoError(t, err)
	_, err = q.Push(ctx, "100", 9, PushOptions{})
	require.NoError(t, err)
	_, err = q.Push(ctx, "101", 0, PushOptions{})
	require.NoError(t, err)

	got, err := q.Pop(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{ID: "100", Score: 9}, {ID: "99", Score: 1}}, got)
	assert.Equal(t, []string{"101", "0"}, withScores(t, client, testKey))
}

// TestConcurrentPop checks that concurrent poppers never share an item.
func TestConcurrentPop(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	const items, poppers = 20, 50
	for i := 0; i < items; i++ {
		_, err := q.Push(ctx, strconv.Itoa(i), float64(i), PushOptions{})
		require.NoError(t, err)
	}

	var (
		mu       sync.Mutex
		seen     = map[string]int{}
		nonEmpty int
		wg       sync.WaitGroup
	)
	for i := 0; i < poppers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Pop(ctx, 1)
			if err != nil {
				t.Errorf("pop: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if len(got) > 0 {
				nonEmpty++
			}
			for _, e := range got {
				seen[e.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, items, nonEmpty)
	assert.Len(t, seen, items)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s popped %d times", id, n)
	}
}

func TestMarkFailed(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	n, err := q.MarkFailed(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"100", "1"}, withScores(t, client, q.FailedKey()))

	n, err = q.MarkFailed(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = q.FailureCount(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStoreErrorsPropagate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	q, err := New(client, testKey, Options{Logger: testLogger()})
	require.NoError(t, err)

	mr.SetError("ERR simulated failure")
	ctx := context.Background()

	_, err = q.Push(ctx, "1", 1, PushOptions{})
	assert.Error(t, err)
	_, err = q.Pop(ctx, 1)
	assert.Error(t, err)
	_, err = q.Count(ctx)
	assert.Error(t, err)
	_, err = q.MarkFailed(ctx, "1")
	assert.Error(t, err)
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "99", FormatID(99))
	assert.Equal(t, "99", FormatID(int64(99)))
	assert.Equal(t, "99", FormatID(uint64(99)))
	assert.Equal(t, "99", FormatID("99"))
	assert.Equal(t, "1.5", FormatID(1.5))
}
