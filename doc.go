// Package queue provides persisted background jobs with retries, backoff,
// delayed and repeating execution, bounded concurrency and rate limiting.
//
// It is recommended to read documentation on the core package before getting started on the queue package.
//
// Introduction
//
// A job is a named unit of work with a JSON payload, pushed onto a named
// queue. Jobs are kept in a ledger (the Driver) until a worker acknowledges
// them, so they survive restarts and are retried until they succeed or run
// out of attempts. Delivery is at least once: handlers should be idempotent
// wherever the side effect allows it.
//
// Simple Usage
//
// Create a queue on top of a driver, register a handler per job name and
// start consuming.
//
//  q := queue.NewQueue("email", &queue.RedisDriver{...}, queue.UseJobNames("sendPasswordReset"))
//  q.Subscribe("sendPasswordReset", queue.HandlerFunc(func(ctx context.Context, job *queue.Job, report queue.ProgressFunc) error {
//    var payload PasswordReset
//    if err := job.Decode(&payload); err != nil {
//      return err
//    }
//    return mailer.Send(ctx, payload)
//  }))
//  go q.Consume(ctx)
//
// Producers push jobs with per job options:
//
//  id, err := q.Push(ctx, "sendPasswordReset", payload, queue.MaxAttempts(5), queue.WithBackoff(queue.BackoffExponential, time.Second))
//
// The returned error only describes the push. What happens to the job later
// is reported through events and kept in the ledger.
//
// Retries
//
// A handler error fails the attempt. The job is retried after
// Backoff(strategy, attemptsMade, base) until MaxAttempts attempts were made,
// then it moves to the failed channel. Errors wrapped with Permanent skip the
// remaining attempts. Handler panics are recovered and count as failures.
//
// Repeating jobs
//
// The Repeat option registers a schedule instead of a single job. Combined
// with JobID the registration is idempotent, so every process may register
// the same schedule on boot:
//
//  q.Push(ctx, "cleanupTempFiles", nil, queue.JobID("cleanup-temp-files"), queue.Repeat(queue.RepeatOptions{Pattern: "*/15 * * * *"}))
//
// Integrate
//
// The queue package exports configuration in this format:
//
//  queue:
//    email:
//      redisName: default
//      parallelism: 3
//      rateLimit:
//        max: 10
//        windowMillisecond: 1000
//      maxAttempts: 5
//      backoffBaseMillisecond: 1000
//      backoffStrategy: exponential
//      retention:
//        completed: 1000
//        failed: 5000
//      visibilityTimeoutSecond: 300
//      checkQueueLengthIntervalSecond: 15
//
// While manually constructing the queues is absolutely feasible, users can use the bundled dependency provider
// without breaking a sweat. Using this approach, the life cycle of consumer goroutines will be managed
// automatically by the core.
//
//  var c *core.C
//  c.Provide(otredis.Providers()) // to provide the redis driver
//  c.Provide(queue.Providers())
//
// A module is also bundled, providing the queue command (info, reload, flush and schedules).
//
//  c.AddModuleFunc(queue.New)
//
// Inject queue.Maker to obtain a queue with a specific name.
//
//  c.Invoke(func(maker queue.Maker) {
//    q, err := maker.Make("email")
//    // see examples for details
//  })
//
// Events
//
// Listeners subscribed with On or UseListener observe the "progress",
// "completed", "retrying" and "failed" events of a queue.
//
// Metrics
//
// To gain visibility on how the length of the queue, inject a gauge into the core and alias it to queue.Gauge. The
// queue length of the all internal queues will be periodically reported to metrics collector (Presumably Prometheus).
// Provide a *queue.Metrics to count attempts and observe handler durations.
//
//  c.Provide(di.Deps{func(appName contract.AppName, env contract.Env) queue.Gauge {
//    return prometheus.NewGaugeFrom(
//      stdprometheus.GaugeOpts{
//        Namespace: appName.String(),
//        Subsystem: env.String(),
//        Name:      "queue_length",
//        Help:      "The gauge of queue length",
//      }, []string{"queue", "channel"},
//    )
//  }})
package queue
