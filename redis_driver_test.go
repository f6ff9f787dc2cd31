package queue

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DoNewsCode/core/logging"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getDefaultRedisAddrs() ([]string, bool) {
	addrs := os.Getenv("REDIS_ADDR")
	if addrs == "" {
		return []string{"127.0.0.1:6379"}, false
	}
	return strings.Split(addrs, ","), true
}

func setUpRedisDriver(t *testing.T, retention Retention) *RedisDriver {
	t.Helper()
	addrs, ok := getDefaultRedisAddrs()
	if !ok {
		t.Skip("Set env REDIS_ADDR to run redis driver tests")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs})
	channel := NewChannelConfig("test:" + uuid.NewString())
	t.Cleanup(func() {
		client.Del(context.Background(),
			channel.Waiting, channel.Delayed, channel.Reserved, channel.Completed,
			channel.Failed, channel.Jobs, channel.Leases, channel.Repeatables,
		)
		_ = client.Close()
	})
	return &RedisDriver{
		Logger:            logging.NewLogger("logfmt"),
		RedisClient:       client,
		ChannelConfig:     channel,
		PopTimeout:        100 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		Retention:         retention,
	}
}

func TestRedisDriver_pushPopAck(t *testing.T) {
	ctx := context.Background()
	driver := setUpRedisDriver(t, Retention{})

	for _, id := range []string{"1", "2"} {
		require.NoError(t, driver.Push(ctx, &Job{ID: id, Name: "indexJob", Payload: []byte(`{"id":42}`), MaxAttempts: 3}, 0))
	}
	assert.ErrorIs(t, driver.Push(ctx, &Job{ID: "1"}, 0), ErrDuplicate)

	job, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", job.ID)
	assert.Equal(t, StateActive, job.State)
	assert.JSONEq(t, `{"id":42}`, string(job.Payload))

	stored, err := driver.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, stored.State)
	assert.Empty(t, stored.LeaseToken)

	job.Progress = 60
	require.NoError(t, driver.Progress(ctx, job))
	job.AttemptsMade = 1
	require.NoError(t, driver.Ack(ctx, job))

	stored, err = driver.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, 60, stored.Progress)
	assert.Equal(t, 1, stored.AttemptsMade)

	assert.ErrorIs(t, driver.Ack(ctx, job), ErrLeaseLost)

	info, err := driver.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{Waiting: 1, Completed: 1}, info)
}

func TestRedisDriver_retry(t *testing.T) {
	ctx := context.Background()
	driver := setUpRedisDriver(t, Retention{})

	require.NoError(t, driver.Push(ctx, &Job{ID: "1", MaxAttempts: 2}, 0))
	job, err := driver.Pop(ctx)
	require.NoError(t, err)
	job.AttemptsMade = 1
	require.NoError(t, driver.Retry(ctx, job, 50*time.Millisecond))

	stored, err := driver.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, stored.State)

	_, err = driver.Pop(ctx)
	assert.NoError(t, err, "the delayed job is due within the pop timeout")

	info, _ := driver.Info(ctx)
	assert.Equal(t, int64(1), info.Reserved)

	leased, err := driver.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Nil(t, leased)
}

func TestRedisDriver_fail(t *testing.T) {
	ctx := context.Background()
	driver := setUpRedisDriver(t, Retention{Failed: 1})

	for _, id := range []string{"1", "2"} {
		require.NoError(t, driver.Push(ctx, &Job{ID: id, MaxAttempts: 1}, 0))
		job, err := driver.Pop(ctx)
		require.NoError(t, err)
		job.AttemptsMade = 1
		job.FailedReason = "boom"
		require.NoError(t, driver.Fail(ctx, job))
	}

	info, _ := driver.Info(ctx)
	assert.Equal(t, int64(1), info.Failed)
	_, err := driver.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := driver.Reload(ctx, ChannelFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	stored, err := driver.Get(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, stored.State)
	assert.Equal(t, 0, stored.AttemptsMade)

	require.NoError(t, driver.Flush(ctx, ChannelWaiting))
	info, _ = driver.Info(ctx)
	assert.Equal(t, QueueInfo{}, info)
}

func TestRedisDriver_leaseExpiry(t *testing.T) {
	ctx := context.Background()
	driver := setUpRedisDriver(t, Retention{})
	driver.VisibilityTimeout = 20 * time.Millisecond

	require.NoError(t, driver.Push(ctx, &Job{ID: "1"}, 0))
	first, err := driver.Pop(ctx)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	second, err := driver.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", second.ID)

	assert.ErrorIs(t, driver.Fail(ctx, first), ErrLeaseLost)
	assert.NoError(t, driver.Fail(ctx, second))
}

func TestRedisDriver_repeatables(t *testing.T) {
	ctx := context.Background()
	driver := setUpRedisDriver(t, Retention{})

	r := Repeatable{ID: "cleanup-temp-files", Name: "cleanupTempFiles", Repeat: RepeatOptions{Every: 15 * time.Minute}}
	created, err := driver.AddRepeatable(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = driver.AddRepeatable(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	repeatables, err := driver.Repeatables(ctx)
	require.NoError(t, err)
	require.Len(t, repeatables, 1)
	assert.Equal(t, 15*time.Minute, repeatables[0].Repeat.Every)

	require.NoError(t, driver.RemoveRepeatable(ctx, r.ID))
	assert.ErrorIs(t, driver.RemoveRepeatable(ctx, r.ID), ErrNotFound)
}

func TestRedisDriver_consume(t *testing.T) {
	driver := setUpRedisDriver(t, Retention{})
	completed := make(chan *Job, 1)
	q := NewQueue("search-index", driver,
		UseLogger(logging.NewLogger("logfmt")),
		UseDefaults(Defaults{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond}),
		UseListener(Listen([]Event{EventCompleted}, func(ctx context.Context, event Event, payload EventPayload) error {
			completed <- payload.Job
			return nil
		})),
	)
	calls := 0
	q.Subscribe("indexJob", HandlerFunc(func(ctx context.Context, job *Job, report ProgressFunc) error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx)

	_, err := q.Push(context.Background(), "indexJob", map[string]int{"id": 42})
	require.NoError(t, err)
	select {
	case job := <-completed:
		assert.Equal(t, 2, job.AttemptsMade)
	case <-time.After(5 * time.Second):
		t.Fatal("job not completed")
	}
}
