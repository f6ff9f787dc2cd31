package queue

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/oklog/run"
	"github.com/pkg/errors"
)

/*
Providers returns a set of dependencies related to queue. It includes the
Maker, the Registry and the exported configs.
	Depends On:
		contract.ConfigAccessor
		Driver        `optional:"true"`
		otredis.Maker `optional:"true"`
		log.Logger
		contract.AppName
		contract.Env
		Gauge    `optional:"true"`
		*Metrics `optional:"true"`
	Provides:
		Maker
		Registry
*/
func Providers(optionFunc ...ProvidersOptionFunc) di.Deps {
	option := &providersOption{}
	for _, f := range optionFunc {
		f(option)
	}
	return []interface{}{
		provideRegistry(option),
		provideConfig,
		di.Bind(new(Registry), new(Maker)),
	}
}

// Gauge is an alias used for dependency injection
type Gauge metrics.Gauge

// Configuration is the struct for queue configs.
type Configuration struct {
	// Driver selects the ledger: "redis" (default) or "inprocess".
	Driver                         string                 `yaml:"driver" json:"driver"`
	RedisName                      string                 `yaml:"redisName" json:"redisName"`
	Parallelism                    int                    `yaml:"parallelism" json:"parallelism"`
	RateLimit                      RateLimitConfiguration `yaml:"rateLimit" json:"rateLimit"`
	MaxAttempts                    int                    `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffBaseMillisecond         int                    `yaml:"backoffBaseMillisecond" json:"backoffBaseMillisecond"`
	BackoffStrategy                string                 `yaml:"backoffStrategy" json:"backoffStrategy"`
	Retention                      Retention              `yaml:"retention" json:"retention"`
	VisibilityTimeoutSecond        int                    `yaml:"visibilityTimeoutSecond" json:"visibilityTimeoutSecond"`
	HandleTimeoutSecond            int                    `yaml:"handleTimeoutSecond" json:"handleTimeoutSecond"`
	CheckQueueLengthIntervalSecond int                    `yaml:"checkQueueLengthIntervalSecond" json:"checkQueueLengthIntervalSecond"`
	JobNames                       []string               `yaml:"jobNames" json:"jobNames"`
}

// RateLimitConfiguration admits at most Max job starts per window. A zero
// Max disables the limit.
type RateLimitConfiguration struct {
	Max               int `yaml:"max" json:"max"`
	WindowMillisecond int `yaml:"windowMillisecond" json:"windowMillisecond"`
}

// Defaults converts the configured job options.
func (c Configuration) Defaults() Defaults {
	return Defaults{
		MaxAttempts:     c.MaxAttempts,
		BackoffBase:     time.Duration(c.BackoffBaseMillisecond) * time.Millisecond,
		BackoffStrategy: BackoffStrategy(c.BackoffStrategy),
		HandleTimeout:   time.Duration(c.HandleTimeoutSecond) * time.Second,
	}
}

// makerIn is the injection parameters for provideRegistry
type makerIn struct {
	di.In

	Conf      contract.ConfigAccessor
	Logger    log.Logger
	AppName   contract.AppName
	Env       contract.Env
	Gauge     Gauge                `optional:"true"`
	Metrics   *Metrics             `optional:"true"`
	Populator contract.DIPopulator `optional:"true"`
	Driver    Driver               `optional:"true"`
}

// makerOut is the di output of provideRegistry
type makerOut struct {
	di.Out

	Registry Registry
}

func (m makerOut) ModuleSentinel() {}

func (m makerOut) Module() interface{} { return m }

// provideRegistry is a provider for Registry and the queues in it.
func provideRegistry(option *providersOption) func(p makerIn) (makerOut, error) {
	if option.driverConstructor == nil {
		option.driverConstructor = newDefaultDriver
	}
	return func(p makerIn) (makerOut, error) {
		var (
			err        error
			queueConfs map[string]Configuration
		)
		err = p.Conf.Unmarshal("queue", &queueConfs)
		if err != nil {
			_ = level.Warn(p.Logger).Log("err", err)
		}
		factory := di.NewFactory(func(name string) (di.Pair, error) {
			var (
				ok   bool
				conf Configuration
			)
			if conf, ok = queueConfs[name]; !ok {
				if name != "default" {
					return di.Pair{}, fmt.Errorf("queue configuration %s not found", name)
				}
				conf = Configuration{
					Parallelism: runtime.NumCPU(),
				}
			}

			var driver = option.driver
			if driver == nil {
				driver = p.Driver
			}
			if driver == nil {
				var err error
				driver, err = option.driverConstructor(
					DriverConstructorArgs{
						Name:      name,
						Conf:      conf,
						Logger:    p.Logger,
						AppName:   p.AppName,
						Env:       p.Env,
						Populator: p.Populator,
					},
				)
				if err != nil {
					return di.Pair{}, err
				}
			}

			opts := []func(*Queue){
				UseLogger(p.Logger),
				UseParallelism(conf.Parallelism),
				UseRateLimit(conf.RateLimit.Max, time.Duration(conf.RateLimit.WindowMillisecond)*time.Millisecond),
				UseDefaults(conf.Defaults()),
			}
			if names, ok := option.vocabulary[name]; ok {
				opts = append(opts, UseJobNames(names...))
			} else if len(conf.JobNames) > 0 {
				names := make([]JobName, 0, len(conf.JobNames))
				for _, n := range conf.JobNames {
					names = append(names, JobName(n))
				}
				opts = append(opts, UseJobNames(names...))
			}
			if p.Gauge != nil {
				opts = append(opts, UseGauge(p.Gauge.With("queue", name), time.Duration(conf.CheckQueueLengthIntervalSecond)*time.Second))
			}
			if p.Metrics != nil {
				opts = append(opts, UseListener(p.Metrics))
			}
			return di.Pair{
				Closer: nil,
				Conn:   NewQueue(name, driver, opts...),
			}, nil
		})

		// Queue must be created eagerly, so that the consumer goroutines can start on boot up.
		for name := range queueConfs {
			if _, err := factory.Make(name); err != nil {
				return makerOut{}, errors.Wrapf(err, "failed to create queue %s", name)
			}
		}

		return makerOut{
			Registry: Registry{Factory: factory},
		}, nil
	}
}

// ProvideRunGroup implements container.RunProvider.
func (m makerOut) ProvideRunGroup(group *run.Group) {
	for _, name := range m.Registry.Names() {
		queueName := name
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			consumer, err := m.Registry.Make(queueName)
			if err != nil {
				return err
			}
			return consumer.Consume(ctx)
		}, func(err error) {
			cancel()
		})
	}
}

func newDefaultDriver(args DriverConstructorArgs) (Driver, error) {
	retention := args.Conf.Retention
	visibility := time.Duration(args.Conf.VisibilityTimeoutSecond) * time.Second

	if args.Conf.Driver == "inprocess" {
		opts := []InProcessOption{WithRetention(retention)}
		if visibility > 0 {
			opts = append(opts, WithVisibilityTimeout(visibility))
		}
		return NewInProcessDriver(opts...), nil
	}

	var maker otredis.Maker
	if args.Populator == nil {
		return nil, errors.New("the default driver requires setting the populator in DI container")
	}
	if err := args.Populator.Populate(&maker); err != nil {
		return nil, fmt.Errorf("the default driver requires an otredis.Maker in DI container: %w", err)
	}
	redisName := args.Conf.RedisName
	if redisName == "" {
		redisName = "default"
	}
	client, err := maker.Make(redisName)
	if err != nil {
		return nil, fmt.Errorf("the default driver requires the redis client called %s: %w", redisName, err)
	}
	return &RedisDriver{
		Logger:            args.Logger,
		RedisClient:       client,
		ChannelConfig:     NewChannelConfig(fmt.Sprintf("%s:%s:%s", args.AppName.String(), args.Env.String(), args.Name)),
		PopTimeout:        time.Second,
		VisibilityTimeout: visibility,
		Retention:         retention,
	}, nil
}

type configOut struct {
	di.Out

	Config []config.ExportedConfig `group:"config,flatten"`
}

func provideConfig() configOut {
	configs := []config.ExportedConfig{{
		Owner: "queue",
		Data: map[string]interface{}{
			"queue": map[string]Configuration{
				"default": {
					Driver:                         "redis",
					RedisName:                      "default",
					Parallelism:                    runtime.NumCPU(),
					MaxAttempts:                    3,
					BackoffBaseMillisecond:         1000,
					BackoffStrategy:                string(BackoffExponential),
					Retention:                      Retention{Completed: 1000, Failed: 5000},
					VisibilityTimeoutSecond:        300,
					CheckQueueLengthIntervalSecond: 15,
				},
			},
		},
	}}
	return configOut{Config: configs}
}
