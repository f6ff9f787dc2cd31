package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(clock *fakeClock, opts ...InProcessOption) *InProcessDriver {
	opts = append([]InProcessOption{WithPopTimeout(20 * time.Millisecond)}, opts...)
	driver := NewInProcessDriver(opts...)
	driver.now = clock.Now
	return driver
}

func TestInProcessDriver_fifo(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(newFakeClock())

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, driver.Push(ctx, &Job{ID: id, Name: "a", MaxAttempts: 1}, 0))
	}
	for _, id := range []string{"1", "2", "3"} {
		job, err := driver.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, StateActive, job.State)
		assert.NotEmpty(t, job.LeaseToken)
	}
	_, err := driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestInProcessDriver_duplicate(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(newFakeClock())

	require.NoError(t, driver.Push(ctx, &Job{ID: "1"}, 0))
	assert.ErrorIs(t, driver.Push(ctx, &Job{ID: "1"}, 0), ErrDuplicate)

	info, _ := driver.Info(ctx)
	assert.Equal(t, int64(1), info.Waiting)
}

func TestInProcessDriver_delayed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	driver := newTestDriver(clock)

	job := &Job{ID: "1"}
	require.NoError(t, driver.Push(ctx, job, time.Minute))
	assert.Equal(t, StateDelayed, job.State)

	_, err := driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(time.Minute)
	leased, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", leased.ID)
}

func TestInProcessDriver_popWakesOnPush(t *testing.T) {
	ctx := context.Background()
	driver := NewInProcessDriver(WithPopTimeout(time.Second))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = driver.Push(ctx, &Job{ID: "late"}, 0)
	}()
	job, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", job.ID)
}

func TestInProcessDriver_popCanceled(t *testing.T) {
	driver := NewInProcessDriver(WithPopTimeout(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := driver.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInProcessDriver_lease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	driver := newTestDriver(clock, WithVisibilityTimeout(time.Minute))

	require.NoError(t, driver.Push(ctx, &Job{ID: "1", MaxAttempts: 3}, 0))
	first, err := driver.Pop(ctx)
	require.NoError(t, err)

	// The lease expires and another worker takes the job over.
	clock.Advance(time.Minute)
	second, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", second.ID)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)
	assert.Equal(t, 0, second.AttemptsMade)

	assert.ErrorIs(t, driver.Ack(ctx, first), ErrLeaseLost)
	assert.ErrorIs(t, driver.Fail(ctx, first), ErrLeaseLost)
	assert.ErrorIs(t, driver.Retry(ctx, first, 0), ErrLeaseLost)
	assert.ErrorIs(t, driver.Progress(ctx, first), ErrLeaseLost)

	assert.NoError(t, driver.Ack(ctx, second))
	stored, err := driver.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Empty(t, stored.LeaseToken)

	// A settled job cannot be settled again.
	assert.ErrorIs(t, driver.Ack(ctx, second), ErrLeaseLost)
}

func TestInProcessDriver_retry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	driver := newTestDriver(clock)

	require.NoError(t, driver.Push(ctx, &Job{ID: "1", MaxAttempts: 3}, 0))
	require.NoError(t, driver.Push(ctx, &Job{ID: "2", MaxAttempts: 3}, 0))
	job, err := driver.Pop(ctx)
	require.NoError(t, err)

	job.AttemptsMade = 1
	require.NoError(t, driver.Retry(ctx, job, 0))
	assert.Equal(t, StateWaiting, job.State)

	// A job released without delay re-enters behind the others.
	next, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", next.ID)
	again, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", again.ID)
	assert.Equal(t, 1, again.AttemptsMade)

	again.AttemptsMade = 2
	require.NoError(t, driver.Retry(ctx, again, time.Second))
	stored, _ := driver.Get(ctx, "1")
	assert.Equal(t, StateDelayed, stored.State)
	assert.Equal(t, clock.Now().Add(time.Second), stored.ScheduledAt)
}

func TestInProcessDriver_progress(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(newFakeClock())

	require.NoError(t, driver.Push(ctx, &Job{ID: "1"}, 0))
	job, _ := driver.Pop(ctx)
	job.Progress = 40
	require.NoError(t, driver.Progress(ctx, job))

	stored, _ := driver.Get(ctx, "1")
	assert.Equal(t, 40, stored.Progress)
	assert.Equal(t, StateActive, stored.State)
}

func TestInProcessDriver_retention(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(newFakeClock(), WithRetention(Retention{Completed: 2, Failed: 1}))

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, driver.Push(ctx, &Job{ID: id}, 0))
	}
	for _, id := range []string{"1", "2", "3"} {
		job, err := driver.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.NoError(t, driver.Ack(ctx, job))
	}
	for range []string{"4", "5"} {
		job, err := driver.Pop(ctx)
		require.NoError(t, err)
		require.NoError(t, driver.Fail(ctx, job))
	}

	info, _ := driver.Info(ctx)
	assert.Equal(t, int64(2), info.Completed)
	assert.Equal(t, int64(1), info.Failed)

	_, err := driver.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = driver.Get(ctx, "4")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = driver.Get(ctx, "3")
	assert.NoError(t, err)

	// Trimmed ids can be pushed again.
	assert.NoError(t, driver.Push(ctx, &Job{ID: "1"}, 0))
}

func TestInProcessDriver_reloadAndFlush(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(newFakeClock())

	require.NoError(t, driver.Push(ctx, &Job{ID: "1", MaxAttempts: 1}, 0))
	job, _ := driver.Pop(ctx)
	job.AttemptsMade = 1
	job.FailedReason = "boom"
	require.NoError(t, driver.Fail(ctx, job))

	_, err := driver.Reload(ctx, ChannelCompleted)
	assert.Error(t, err)

	n, err := driver.Reload(ctx, ChannelFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	stored, _ := driver.Get(ctx, "1")
	assert.Equal(t, StateWaiting, stored.State)
	assert.Equal(t, 0, stored.AttemptsMade)
	assert.Empty(t, stored.FailedReason)

	require.NoError(t, driver.Push(ctx, &Job{ID: "2"}, time.Hour))
	require.NoError(t, driver.Flush(ctx, ChannelWaiting))
	require.NoError(t, driver.Flush(ctx, ChannelDelayed))
	assert.Error(t, driver.Flush(ctx, "bogus"))

	info, _ := driver.Info(ctx)
	assert.Equal(t, QueueInfo{}, info)
	_, err = driver.Get(ctx, "2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInProcessDriver_repeatables(t *testing.T) {
	ctx := context.Background()
	driver := newTestDriver(newFakeClock())

	r := Repeatable{ID: "cleanup", Name: "cleanupTempFiles", Repeat: RepeatOptions{Pattern: "*/15 * * * *"}}
	created, err := driver.AddRepeatable(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)

	r.Repeat.Pattern = "* * * * *"
	created, err = driver.AddRepeatable(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	repeatables, err := driver.Repeatables(ctx)
	require.NoError(t, err)
	require.Len(t, repeatables, 1)
	assert.Equal(t, "*/15 * * * *", repeatables[0].Repeat.Pattern)

	require.NoError(t, driver.RemoveRepeatable(ctx, "cleanup"))
	assert.ErrorIs(t, driver.RemoveRepeatable(ctx, "cleanup"), ErrNotFound)
}
