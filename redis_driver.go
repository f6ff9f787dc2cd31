package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var _ Driver = (*RedisDriver)(nil)

// ChannelConfig describes the key name of each channel of a queue.
type ChannelConfig struct {
	// Waiting is a list; producers push on the left, workers pop on the right.
	Waiting string
	// Delayed is a sorted set scored by the unix millisecond the job is due.
	Delayed string
	// Reserved is a sorted set scored by the unix millisecond the lease expires.
	Reserved string
	// Completed and Failed are lists of terminal job ids, newest first.
	Completed string
	Failed    string
	// Jobs is a hash of job id to the encoded record.
	Jobs string
	// Leases is a hash of job id to the token of the current lease holder.
	Leases string
	// Repeatables is a hash of repeatable id to the encoded schedule.
	Repeatables string
}

// NewChannelConfig derives the key names from a prefix. The prefix is
// wrapped in a hash tag so that all keys of a queue share a cluster slot,
// which the Lua scripts require.
func NewChannelConfig(prefix string) ChannelConfig {
	key := func(channel string) string {
		return fmt.Sprintf("{%s}:%s", prefix, channel)
	}
	return ChannelConfig{
		Waiting:     key("waiting"),
		Delayed:     key("delayed"),
		Reserved:    key("reserved"),
		Completed:   key("completed"),
		Failed:      key("failed"),
		Jobs:        key("jobs"),
		Leases:      key("leases"),
		Repeatables: key("repeatables"),
	}
}

// RedisDriver is a Driver backed by redis. Workers in different processes
// sharing the same keys coordinate through leases.
type RedisDriver struct {
	Logger        log.Logger
	RedisClient   redis.UniversalClient
	ChannelConfig ChannelConfig
	// PopTimeout is how long Pop polls for a job before returning ErrEmpty.
	PopTimeout time.Duration
	// PollInterval is the pause between two polls. Defaults to 100ms.
	PollInterval time.Duration
	// VisibilityTimeout is the lease duration. Defaults to 5 minutes.
	VisibilityTimeout time.Duration
	Retention         Retention
	// Codec encodes job records. Defaults to JSON.
	Codec contract.Codec
}

var pushScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('LPUSH', KEYS[1], id)
end
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', KEYS[4], id, ARGV[3])
return id
`)

var touchScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('LPUSH', KEYS[4], ARGV[1])
local limit = tonumber(ARGV[4])
if limit > 0 then
  local stale = redis.call('LRANGE', KEYS[4], limit, -1)
  for _, old in ipairs(stale) do
    redis.call('HDEL', KEYS[1], old)
  end
  redis.call('LTRIM', KEYS[4], 0, limit - 1)
end
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
else
  redis.call('LPUSH', KEYS[5], ARGV[1])
end
return 1
`)

// Push implements Driver.
func (r *RedisDriver) Push(ctx context.Context, job *Job, delay time.Duration) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	var readyAt int64
	if delay > 0 {
		job.State = StateDelayed
		job.ScheduledAt = now.Add(delay)
		readyAt = millis(job.ScheduledAt)
	} else {
		job.State = StateWaiting
	}
	data, err := r.codec().Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "failed to encode job %s", job.ID)
	}
	created, err := pushScript.Run(ctx, r.RedisClient,
		[]string{r.ChannelConfig.Jobs, r.ChannelConfig.Waiting, r.ChannelConfig.Delayed},
		job.ID, data, readyAt,
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "failed to push job %s", job.ID)
	}
	if created == 0 {
		return ErrDuplicate
	}
	return nil
}

// Pop implements Driver.
func (r *RedisDriver) Pop(ctx context.Context) (*Job, error) {
	deadline := time.Now().Add(r.popTimeout())
	for {
		job, err := r.lease(ctx)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrEmpty
		}
		if !sleep(ctx, r.pollInterval()) {
			return nil, ctx.Err()
		}
	}
}

func (r *RedisDriver) lease(ctx context.Context) (*Job, error) {
	now := time.Now()
	token := uuid.NewString()
	id, err := popScript.Run(ctx, r.RedisClient,
		[]string{r.ChannelConfig.Waiting, r.ChannelConfig.Delayed, r.ChannelConfig.Reserved, r.ChannelConfig.Leases},
		millis(now), millis(now.Add(r.visibilityTimeout())), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lease job")
	}

	job, err := r.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// The record was flushed while the id was still queued.
		_ = level.Warn(r.logger()).Log("msg", "dropping job without record", "id", id)
		r.release(ctx, id)
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	job.State = StateActive
	job.LeaseToken = token
	if err := r.touch(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Ack implements Driver.
func (r *RedisDriver) Ack(ctx context.Context, job *Job) error {
	return r.finish(ctx, job, StateCompleted, r.ChannelConfig.Completed, r.Retention.Completed)
}

// Fail implements Driver.
func (r *RedisDriver) Fail(ctx context.Context, job *Job) error {
	return r.finish(ctx, job, StateFailed, r.ChannelConfig.Failed, r.Retention.Failed)
}

// Retry implements Driver.
func (r *RedisDriver) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	token := job.LeaseToken
	settled := job.clone()
	settled.LeaseToken = ""
	var readyAt int64
	if delay > 0 {
		settled.State = StateDelayed
		settled.ScheduledAt = time.Now().Add(delay)
		readyAt = millis(settled.ScheduledAt)
	} else {
		settled.State = StateWaiting
	}
	data, err := r.codec().Marshal(settled)
	if err != nil {
		return errors.Wrapf(err, "failed to encode job %s", job.ID)
	}
	ok, err := retryScript.Run(ctx, r.RedisClient,
		[]string{r.ChannelConfig.Jobs, r.ChannelConfig.Leases, r.ChannelConfig.Reserved, r.ChannelConfig.Delayed, r.ChannelConfig.Waiting},
		job.ID, token, data, readyAt,
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "failed to retry job %s", job.ID)
	}
	if ok == 0 {
		return errors.Wrapf(ErrLeaseLost, "job %s", job.ID)
	}
	job.State = settled.State
	job.ScheduledAt = settled.ScheduledAt
	return nil
}

// Progress implements Driver.
func (r *RedisDriver) Progress(ctx context.Context, job *Job) error {
	return r.touch(ctx, job)
}

// Get implements Driver. The state of jobs promoted by a lease attempt is
// derived from the channels, since promotion does not rewrite the record.
func (r *RedisDriver) Get(ctx context.Context, id string) (*Job, error) {
	job, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State == StateDelayed || job.State == StateActive {
		var (
			leased  *redis.BoolCmd
			delayed *redis.FloatCmd
		)
		_, err := r.RedisClient.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			leased = pipe.HExists(ctx, r.ChannelConfig.Leases, id)
			delayed = pipe.ZScore(ctx, r.ChannelConfig.Delayed, id)
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(err, "failed to inspect job %s", id)
		}
		switch {
		case leased.Val():
			job.State = StateActive
		case delayed.Err() == nil:
			job.State = StateDelayed
		default:
			job.State = StateWaiting
		}
	}
	job.LeaseToken = ""
	return job, nil
}

// AddRepeatable implements Driver.
func (r *RedisDriver) AddRepeatable(ctx context.Context, repeatable Repeatable) (bool, error) {
	data, err := r.codec().Marshal(repeatable)
	if err != nil {
		return false, errors.Wrapf(err, "failed to encode repeatable %s", repeatable.ID)
	}
	created, err := r.RedisClient.HSetNX(ctx, r.ChannelConfig.Repeatables, repeatable.ID, data).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to add repeatable %s", repeatable.ID)
	}
	return created, nil
}

// Repeatables implements Driver.
func (r *RedisDriver) Repeatables(ctx context.Context) ([]Repeatable, error) {
	all, err := r.RedisClient.HGetAll(ctx, r.ChannelConfig.Repeatables).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list repeatables")
	}
	out := make([]Repeatable, 0, len(all))
	for id, data := range all {
		var repeatable Repeatable
		if err := r.codec().Unmarshal([]byte(data), &repeatable); err != nil {
			return nil, errors.Wrapf(err, "failed to decode repeatable %s", id)
		}
		out = append(out, repeatable)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveRepeatable implements Driver.
func (r *RedisDriver) RemoveRepeatable(ctx context.Context, id string) error {
	n, err := r.RedisClient.HDel(ctx, r.ChannelConfig.Repeatables, id).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to remove repeatable %s", id)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "repeatable %s", id)
	}
	return nil
}

// Reload implements Driver.
func (r *RedisDriver) Reload(ctx context.Context, channel string) (int64, error) {
	if channel != ChannelFailed {
		return 0, errors.Errorf("channel %s cannot be reloaded", channel)
	}
	ids, err := r.RedisClient.LRange(ctx, r.ChannelConfig.Failed, 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list failed jobs")
	}
	var reloaded int64
	for _, id := range ids {
		job, err := r.load(ctx, id)
		if err != nil {
			_ = level.Warn(r.logger()).Log("msg", "skipping failed job", "id", id, "err", err)
			continue
		}
		job.State = StateWaiting
		job.AttemptsMade = 0
		job.FailedReason = ""
		job.FinishedAt = time.Time{}
		data, err := r.codec().Marshal(job)
		if err != nil {
			return reloaded, errors.Wrapf(err, "failed to encode job %s", id)
		}
		_, err = r.RedisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, r.ChannelConfig.Failed, 1, id)
			pipe.HSet(ctx, r.ChannelConfig.Jobs, id, data)
			pipe.LPush(ctx, r.ChannelConfig.Waiting, id)
			return nil
		})
		if err != nil {
			return reloaded, errors.Wrapf(err, "failed to reload job %s", id)
		}
		reloaded++
	}
	return reloaded, nil
}

// Flush implements Driver.
func (r *RedisDriver) Flush(ctx context.Context, channel string) error {
	var (
		key string
		ids []string
		err error
	)
	switch channel {
	case ChannelWaiting, ChannelCompleted, ChannelFailed:
		key = map[string]string{
			ChannelWaiting:   r.ChannelConfig.Waiting,
			ChannelCompleted: r.ChannelConfig.Completed,
			ChannelFailed:    r.ChannelConfig.Failed,
		}[channel]
		ids, err = r.RedisClient.LRange(ctx, key, 0, -1).Result()
	case ChannelDelayed, ChannelReserved:
		key = r.ChannelConfig.Delayed
		if channel == ChannelReserved {
			key = r.ChannelConfig.Reserved
		}
		ids, err = r.RedisClient.ZRange(ctx, key, 0, -1).Result()
	default:
		return errors.Errorf("unknown channel %s", channel)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to list channel %s", channel)
	}
	_, err = r.RedisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(ids) > 0 {
			pipe.HDel(ctx, r.ChannelConfig.Jobs, ids...)
			if channel == ChannelReserved {
				pipe.HDel(ctx, r.ChannelConfig.Leases, ids...)
			}
		}
		pipe.Del(ctx, key)
		return nil
	})
	return errors.Wrapf(err, "failed to flush channel %s", channel)
}

// Info implements Driver.
func (r *RedisDriver) Info(ctx context.Context) (QueueInfo, error) {
	var waiting, delayed, reserved, completed, failed *redis.IntCmd
	_, err := r.RedisClient.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, r.ChannelConfig.Waiting)
		delayed = pipe.ZCard(ctx, r.ChannelConfig.Delayed)
		reserved = pipe.ZCard(ctx, r.ChannelConfig.Reserved)
		completed = pipe.LLen(ctx, r.ChannelConfig.Completed)
		failed = pipe.LLen(ctx, r.ChannelConfig.Failed)
		return nil
	})
	if err != nil {
		return QueueInfo{}, errors.Wrap(err, "failed to gather queue info")
	}
	return QueueInfo{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Reserved:  reserved.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (r *RedisDriver) finish(ctx context.Context, job *Job, state State, channel string, retention int) error {
	token := job.LeaseToken
	settled := job.clone()
	settled.State = state
	settled.LeaseToken = ""
	data, err := r.codec().Marshal(settled)
	if err != nil {
		return errors.Wrapf(err, "failed to encode job %s", job.ID)
	}
	ok, err := finishScript.Run(ctx, r.RedisClient,
		[]string{r.ChannelConfig.Jobs, r.ChannelConfig.Leases, r.ChannelConfig.Reserved, channel},
		job.ID, token, data, retention,
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "failed to settle job %s", job.ID)
	}
	if ok == 0 {
		return errors.Wrapf(ErrLeaseLost, "job %s", job.ID)
	}
	job.State = state
	return nil
}

// touch rewrites the record of a leased job.
func (r *RedisDriver) touch(ctx context.Context, job *Job) error {
	data, err := r.codec().Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "failed to encode job %s", job.ID)
	}
	ok, err := touchScript.Run(ctx, r.RedisClient,
		[]string{r.ChannelConfig.Jobs, r.ChannelConfig.Leases},
		job.ID, job.LeaseToken, data,
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", job.ID)
	}
	if ok == 0 {
		return errors.Wrapf(ErrLeaseLost, "job %s", job.ID)
	}
	return nil
}

func (r *RedisDriver) load(ctx context.Context, id string) (*Job, error) {
	data, err := r.RedisClient.HGet(ctx, r.ChannelConfig.Jobs, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	var job Job
	if err := r.codec().Unmarshal(data, &job); err != nil {
		return nil, errors.Wrapf(err, "failed to decode job %s", id)
	}
	return &job, nil
}

func (r *RedisDriver) release(ctx context.Context, id string) {
	_, err := r.RedisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.ChannelConfig.Reserved, id)
		pipe.HDel(ctx, r.ChannelConfig.Leases, id)
		return nil
	})
	if err != nil {
		_ = level.Warn(r.logger()).Log("msg", "failed to release lease", "id", id, "err", err)
	}
}

func (r *RedisDriver) codec() contract.Codec {
	if r.Codec == nil {
		return jsonCodec{}
	}
	return r.Codec
}

func (r *RedisDriver) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}

func (r *RedisDriver) popTimeout() time.Duration {
	if r.PopTimeout <= 0 {
		return time.Second
	}
	return r.PopTimeout
}

func (r *RedisDriver) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return r.PollInterval
}

func (r *RedisDriver) visibilityTimeout() time.Duration {
	if r.VisibilityTimeout <= 0 {
		return 5 * time.Minute
	}
	return r.VisibilityTimeout
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
