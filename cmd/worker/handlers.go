package main

import (
	"context"
	"time"

	"cloud.google.com/go/storage"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/handlers/cleanup"
	"github.com/DoNewsCode/jobboard-queue/handlers/email"
	"github.com/DoNewsCode/jobboard-queue/handlers/searchindex"
	"github.com/DoNewsCode/jobboard-queue/handlers/upload"
	"github.com/DoNewsCode/jobboard-queue/handlers/upload/gcs"
	"github.com/DoNewsCode/jobboard-queue/handlers/upload/postgres"
	"github.com/DoNewsCode/jobboard-queue/jobs"
	"github.com/DoNewsCode/jobboard-queue/scheduler"
)

// workerConfig is the "worker" section of the configuration.
type workerConfig struct {
	MetricsAddr string `yaml:"metricsAddr" json:"metricsAddr"`
	SearchIndex struct {
		Endpoint string `yaml:"endpoint" json:"endpoint"`
		Index    string `yaml:"index" json:"index"`
		APIKey   string `yaml:"apiKey" json:"apiKey"`
	} `yaml:"searchIndex" json:"searchIndex"`
	Email struct {
		Endpoint string `yaml:"endpoint" json:"endpoint"`
		APIKey   string `yaml:"apiKey" json:"apiKey"`
		From     string `yaml:"from" json:"from"`
	} `yaml:"email" json:"email"`
	Upload struct {
		Bucket      string `yaml:"bucket" json:"bucket"`
		BaseURL     string `yaml:"baseURL" json:"baseURL"`
		PostgresDSN string `yaml:"postgresDSN" json:"postgresDSN"`
		Table       string `yaml:"table" json:"table"`
		Migrate     bool   `yaml:"migrate" json:"migrate"`
	} `yaml:"upload" json:"upload"`
	Cleanup struct {
		Dir       string `yaml:"dir" json:"dir"`
		TTLSecond int    `yaml:"ttlSecond" json:"ttlSecond"`
		Pattern   string `yaml:"pattern" json:"pattern"`
	} `yaml:"cleanup" json:"cleanup"`
}

// provideCollaborators registers the clients the handlers talk to. The
// container builds them on first population, so only serve connects.
func provideCollaborators() di.Deps {
	return di.Deps{
		func(conf contract.ConfigAccessor) (workerConfig, error) {
			var c workerConfig
			if err := conf.Unmarshal("worker", &c); err != nil {
				return c, errors.Wrap(err, "failed to read worker configuration")
			}
			return c, nil
		},
		func(conf workerConfig) searchindex.Store {
			return searchindex.NewHTTPStore(conf.SearchIndex.Endpoint, conf.SearchIndex.Index, conf.SearchIndex.APIKey)
		},
		func(conf workerConfig) email.Transport {
			return email.NewHTTPTransport(conf.Email.Endpoint, conf.Email.APIKey, conf.Email.From)
		},
		func(conf workerConfig) (upload.Storage, func(), error) {
			client, err := storage.NewClient(context.Background())
			if err != nil {
				return nil, nil, errors.Wrap(err, "failed to create storage client")
			}
			var opts []gcs.Option
			if conf.Upload.BaseURL != "" {
				opts = append(opts, gcs.WithBaseURL(conf.Upload.BaseURL))
			}
			return gcs.New(client, conf.Upload.Bucket, opts...), func() { _ = client.Close() }, nil
		},
		func(conf workerConfig) (upload.MetadataRepository, func(), error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pool, err := pgxpool.New(ctx, conf.Upload.PostgresDSN)
			if err != nil {
				return nil, nil, errors.Wrap(err, "failed to connect postgres")
			}
			repository := postgres.NewRepository(pool, conf.Upload.Table)
			if conf.Upload.Migrate {
				if err := repository.Migrate(ctx); err != nil {
					pool.Close()
					return nil, nil, err
				}
			}
			return repository, pool.Close, nil
		},
	}
}

type handlersIn struct {
	di.In

	Maker      queue.Maker
	Logger     log.Logger
	Conf       workerConfig
	Store      searchindex.Store
	Transport  email.Transport
	Storage    upload.Storage
	Repository upload.MetadataRepository
}

// registerHandlers subscribes every handler to its queue and makes sure the
// cleanup schedule exists.
func registerHandlers(in handlersIn) error {
	queueOf := func(name string) (*queue.Queue, error) {
		q, err := in.Maker.Make(name)
		return q, errors.Wrapf(err, "queue %s", name)
	}

	q, err := queueOf(jobs.QueueSearchIndex)
	if err != nil {
		return err
	}
	searchindex.New(in.Store, log.With(in.Logger, "handler", "searchindex")).Register(q)

	if q, err = queueOf(jobs.QueueEmail); err != nil {
		return err
	}
	email.New(in.Transport, log.With(in.Logger, "handler", "email")).Register(q)

	if q, err = queueOf(jobs.QueueFileUpload); err != nil {
		return err
	}
	upload.New(in.Storage, in.Repository, upload.WithLogger(log.With(in.Logger, "handler", "upload"))).Register(q)

	if q, err = queueOf(jobs.QueueCleanup); err != nil {
		return err
	}
	opts := []cleanup.Option{cleanup.WithLogger(log.With(in.Logger, "handler", "cleanup"))}
	if in.Conf.Cleanup.TTLSecond > 0 {
		opts = append(opts, cleanup.WithTTL(time.Duration(in.Conf.Cleanup.TTLSecond)*time.Second))
	}
	cleanup.New(in.Conf.Cleanup.Dir, opts...).Register(q)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := scheduler.New(in.Maker, in.Logger, scheduler.Cleanup(in.Conf.Cleanup.Pattern)).Register(ctx); err != nil {
		return err
	}
	_ = level.Debug(in.Logger).Log("msg", "job handlers registered")
	return nil
}

// handlerModule subscribes the handlers and registers the cleanup schedule
// right before serve starts consuming. A failure aborts serve.
type handlerModule struct {
	populator contract.DIPopulator
}

func newHandlerModule(populator contract.DIPopulator) handlerModule {
	return handlerModule{populator: populator}
}

// ProvideCommand implements container.CommandProvider.
func (m handlerModule) ProvideCommand(root *cobra.Command) {
	for _, cmd := range root.Commands() {
		if cmd.Name() != "serve" {
			continue
		}
		preRunE := cmd.PreRunE
		cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
			if preRunE != nil {
				if err := preRunE(cmd, args); err != nil {
					return err
				}
			}
			return m.wire()
		}
	}
}

func (m handlerModule) wire() error {
	var in handlersIn
	if err := m.populator.Populate(&in); err != nil {
		return errors.Wrap(err, "failed to build job handlers")
	}
	return registerHandlers(in)
}
