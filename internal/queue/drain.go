package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// stackDepth is the number of frames kept from a panicking handler.
const stackDepth = 5

// Handler processes identifiers popped from a queue. A returned error or a
// panic marks all ids of the invocation as failed.
type Handler interface {
	Handle(ctx context.Context, ids []string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ids []string) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ids []string) error {
	return f(ctx, ids)
}

// ItemFunc handles one identifier at a time. For a batch it stops at the
// first failing identifier.
type ItemFunc func(ctx context.Context, id string) error

// Handle calls f for each id.
func (f ItemFunc) Handle(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := f(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DrainOptions configures a drain cycle.
type DrainOptions struct {
	// BatchSize pops up to that many items per handler invocation.
	// Zero hands items to the handler one at a time.
	BatchSize int

	// Stop ends the cycle before the next pop once closed. Running handlers
	// are not interrupted.
	Stop <-chan struct{}
}

// Stats summarises one drain cycle.
type Stats struct {
	// OK lists successfully handled ids in processing order.
	OK []string `json:"ok"`
	// Errors maps the ids of a failed invocation, joined by commas, to the
	// error message.
	Errors map[string]string `json:"errors"`
	// Requeued lists the ids pushed back for redelivery.
	Requeued []string `json:"requeued,omitempty"`
	// Dropped lists the ids that exhausted their retries during this cycle.
	Dropped []string `json:"dropped,omitempty"`
	// Popped is the number of items taken off the queue.
	Popped int `json:"popped"`
}

// PanicError is returned for a handler that panicked.
type PanicError struct {
	Value  interface{}
	Frames []string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Drain pops and handles items until the queue is empty. Handler failures are
// recorded in the returned stats and never abort the cycle. A failed item is
// pushed back with its popped score once the cycle ends, unless this failure
// brought its count to the retry limit; then it is dropped and reported to the
// dead letter sink. A handler that returns the error of its cancelled context
// is not counted as failed; its items are pushed back with their counts
// unchanged. Store errors and context cancellation end the cycle early;
// staged items are still pushed back before the error is returned.
func (q *Queue) Drain(ctx context.Context, h Handler, opts DrainOptions) (*Stats, error) {
	stats := &Stats{Errors: map[string]string{}}
	var retry []Entry

	err := q.drain(ctx, h, opts, stats, &retry)
	if rerr := q.requeue(context.WithoutCancel(ctx), retry, stats); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return stats, err
}

func (q *Queue) drain(ctx context.Context, h Handler, opts DrainOptions, stats *Stats, retry *[]Entry) error {
	n := opts.BatchSize
	if n <= 0 {
		n = 1
	}
	for {
		select {
		case <-opts.Stop:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := q.Pop(ctx, n)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		stats.Popped += len(entries)
		if err := q.process(ctx, h, entries, stats, retry); err != nil {
			return err
		}
	}
}

// process runs one handler invocation and does the failure bookkeeping.
func (q *Queue) process(ctx context.Context, h Handler, entries []Entry, stats *Stats, retry *[]Entry) error {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	herr := invoke(ctx, h, ids)
	if herr == nil {
		stats.OK = append(stats.OK, ids...)
		q.metrics.Handled(q.key, len(ids))
		return nil
	}

	// A handler giving up because its context ended was interrupted, not failed.
	if ctx.Err() != nil && errors.Is(herr, ctx.Err()) {
		q.logger.Info("Handler interrupted", "queue", q.key, "ids", ids, "error", herr)
		*retry = append(*retry, entries...)
		return nil
	}

	msg := describe(herr)
	stats.Errors[strings.Join(ids, ",")] = msg
	q.metrics.HandlerFailed(q.key)
	q.logger.Warn("Handler failed", "queue", q.key, "ids", ids, "error", herr)

	// The handler has run; record its outcome even if ctx is done.
	bctx := context.WithoutCancel(ctx)
	for i, e := range entries {
		count, err := q.MarkFailed(bctx, e.ID)
		if err != nil {
			*retry = append(*retry, entries[i:]...)
			return err
		}
		if count < q.retryCount {
			*retry = append(*retry, e)
			continue
		}

		stats.Dropped = append(stats.Dropped, e.ID)
		q.metrics.Dropped(q.key, 1)
		q.logger.Warn("Dropping item after exhausting retries", "queue", q.key, "id", e.ID, "failures", count)
		if q.deadLetters == nil {
			continue
		}
		dl := newDeadLetter(q.key, e, count, msg, q.now())
		if err := q.deadLetters.DeadLetter(bctx, dl); err != nil {
			q.logger.Error("Failed to record dead letter", "queue", q.key, "id", e.ID, "error", err)
		}
	}
	return nil
}

// requeue pushes staged items back as failed redeliveries, keeping their counts.
func (q *Queue) requeue(ctx context.Context, retry []Entry, stats *Stats) error {
	if len(retry) == 0 {
		return nil
	}
	items := make([]Item, len(retry))
	ids := make([]string, len(retry))
	for i, e := range retry {
		items[i] = Item{ID: e.ID, Priority: e.Score}
		ids[i] = e.ID
	}
	if _, err := q.PushMany(ctx, items, PushOptions{Failed: true}); err != nil {
		q.logger.Error("Failed to requeue items", "queue", q.key, "ids", ids, "error", err)
		return fmt.Errorf("failed to requeue %d items: %w", len(items), err)
	}
	stats.Requeued = append(stats.Requeued, ids...)
	q.metrics.Requeued(q.key, len(ids))
	return nil
}

func invoke(ctx context.Context, h Handler, ids []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Frames: panicFrames(stackDepth)}
		}
	}()
	return h.Handle(ctx, ids)
}

// panicFrames returns up to max frames of the panicking goroutine, starting
// at the function that panicked. Must be called from a deferred function.
func panicFrames(max int) []string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []string
	panicking := false
	for len(out) < max {
		f, more := frames.Next()
		switch {
		case f.Function == "runtime.gopanic":
			panicking = true
		case panicking && !strings.HasPrefix(f.Function, "runtime."):
			out = append(out, fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

// describe renders a handler error for Stats.Errors.
func describe(err error) string {
	var perr *PanicError
	if errors.As(err, &perr) && len(perr.Frames) > 0 {
		return err.Error() + "\n" + strings.Join(perr.Frames, "\n")
	}
	return err.Error()
}
