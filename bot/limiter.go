package bot

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// SerialLimiter runs calls to a rate-sensitive API one at a time, in the
// order they were submitted, with at least a fixed delay between the start
// of one call and the start of the next.
//
// Waiting callers form a FIFO queue of turns. The turn at the front waits
// until delay has passed since the previous call started, runs its call,
// then leaves the queue, which hands the turn to the next waiter. A call's
// failure is returned to its caller only; the queue advances either way.
type SerialLimiter struct {
	delay  time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	turns     []*turn
	lastStart time.Time
}

type turn struct {
	ready chan struct{}
}

// NewSerialLimiter returns a limiter spacing call starts by delay.
// The first call after an idle period of at least delay starts immediately.
func NewSerialLimiter(delay time.Duration, logger *slog.Logger) *SerialLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialLimiter{
		delay:  delay,
		logger: logger,
	}
}

// Delay returns the minimum spacing between call starts
func (l *SerialLimiter) Delay() time.Duration {
	return l.delay
}

// Pending returns the number of calls waiting or running
func (l *SerialLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// enqueue appends a turn to the queue. If the queue was empty, the turn
// is ready immediately.
func (l *SerialLimiter) enqueue() *turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &turn{ready: make(chan struct{})}
	l.turns = append(l.turns, t)
	if len(l.turns) == 1 {
		close(t.ready)
	}
	return t
}

// release removes the turn from the queue. When the released turn was at
// the front, the next turn (if any) becomes ready.
func (l *SerialLimiter) release(t *turn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ind := slices.Index(l.turns, t)
	if ind < 0 {
		return
	}
	l.turns = slices.Delete(l.turns, ind, ind+1)
	if ind == 0 && len(l.turns) > 0 {
		close(l.turns[0].ready)
	}
}

// run waits for the given turn, paces, then executes call.
func (l *SerialLimiter) run(ctx context.Context, t *turn, call func(context.Context) error) error {
	defer l.release(t)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ready:
	}

	sincePrevious, err := l.pace(ctx)
	if err != nil {
		return err
	}
	l.logger.DebugContext(
		ctx, "limiter starting call",
		"pending", l.Pending(),
		"since_previous", sincePrevious,
	)
	return call(ctx)
}

// pace waits until delay has passed since the previous call started, then
// records the current time as the latest start. It returns the time
// elapsed since the previous start, or zero for the first call.
func (l *SerialLimiter) pace(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	previous := l.lastStart
	l.mu.Unlock()

	if !previous.IsZero() {
		if wait := time.Until(previous.Add(l.delay)); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-timer.C:
			}
		}
	}

	now := time.Now()
	l.mu.Lock()
	l.lastStart = now
	l.mu.Unlock()
	if previous.IsZero() {
		return 0, nil
	}
	return now.Sub(previous), nil
}

// Future is the eventual result of a call submitted to a SerialLimiter
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the result is available
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call has finished or ctx is done. Canceling ctx
// here only stops waiting; it doesn't withdraw the call.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit queues call on the limiter and returns immediately. Calls start
// in the order Submit was called. If ctx is canceled before the call
// starts, the call is withdrawn and the future resolves with ctx.Err().
func Submit[T any](
	ctx context.Context,
	l *SerialLimiter,
	call func(context.Context) (T, error),
) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	t := l.enqueue()
	go func() {
		defer close(f.done)
		f.err = l.run(
			ctx, t, func(ctx context.Context) error {
				var err error
				f.value, err = call(ctx)
				return err
			},
		)
	}()
	return f
}

// Do submits call and waits for its result
func Do[T any](
	ctx context.Context,
	l *SerialLimiter,
	call func(context.Context) (T, error),
) (T, error) {
	return Submit(ctx, l, call).Wait(ctx)
}
