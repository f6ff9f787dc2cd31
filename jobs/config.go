package jobs

import (
	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/di"

	queue "github.com/DoNewsCode/jobboard-queue"
)

// DefaultConfigurations returns the retry and throughput policy of each
// queue. The upload queue is throttled to protect the storage API.
func DefaultConfigurations() map[string]queue.Configuration {
	retention := queue.Retention{Completed: 1000, Failed: 5000}
	return map[string]queue.Configuration{
		QueueSearchIndex: {
			RedisName:               "default",
			Parallelism:             5,
			MaxAttempts:             3,
			BackoffBaseMillisecond:  1000,
			BackoffStrategy:         string(queue.BackoffExponential),
			Retention:               retention,
			VisibilityTimeoutSecond: 60,
			HandleTimeoutSecond:     30,
		},
		QueueEmail: {
			RedisName:               "default",
			Parallelism:             5,
			MaxAttempts:             5,
			BackoffBaseMillisecond:  1000,
			BackoffStrategy:         string(queue.BackoffExponential),
			Retention:               retention,
			VisibilityTimeoutSecond: 60,
			HandleTimeoutSecond:     30,
		},
		QueueFileUpload: {
			RedisName:               "default",
			Parallelism:             2,
			RateLimit:               queue.RateLimitConfiguration{Max: 10, WindowMillisecond: 60000},
			MaxAttempts:             3,
			BackoffBaseMillisecond:  2000,
			BackoffStrategy:         string(queue.BackoffExponential),
			Retention:               retention,
			VisibilityTimeoutSecond: 600,
			HandleTimeoutSecond:     300,
		},
		QueueCleanup: {
			RedisName:               "default",
			Parallelism:             1,
			MaxAttempts:             1,
			Retention:               queue.Retention{Completed: 100, Failed: 100},
			VisibilityTimeoutSecond: 600,
		},
	}
}

type configOut struct {
	di.Out

	Config []config.ExportedConfig `group:"config,flatten"`
}

// ProvideConfig exports the queue policies of the job board so that they can
// be written to a config file.
func ProvideConfig() configOut {
	return configOut{Config: []config.ExportedConfig{{
		Owner: "jobs",
		Data: map[string]interface{}{
			"queue": DefaultConfigurations(),
		},
	}}}
}
