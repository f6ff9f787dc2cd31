package main

import (
	"context"
	"io"
	"testing"

	"github.com/DoNewsCode/core/di"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/handlers/email"
	"github.com/DoNewsCode/jobboard-queue/handlers/searchindex"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

type populatorFunc func(target interface{}) error

func (f populatorFunc) Populate(target interface{}) error {
	return f(target)
}

type nopStorage struct{}

func (nopStorage) Upload(ctx context.Context, folder string, file jobs.TempFile, r io.Reader, progress func(int64)) (string, error) {
	return "", nil
}

type nopRepository struct{}

func (nopRepository) Update(ctx context.Context, entityType jobs.EntityType, entityID string, fn func([]jobs.FileMetadata) []jobs.FileMetadata) error {
	return nil
}

func newRoot() (root, serve, info *cobra.Command) {
	root = &cobra.Command{Use: "worker"}
	serve = &cobra.Command{Use: "serve", RunE: func(cmd *cobra.Command, args []string) error { return nil }}
	info = &cobra.Command{Use: "info", RunE: func(cmd *cobra.Command, args []string) error { return nil }}
	root.AddCommand(serve, info)
	return root, serve, info
}

func TestHandlerModule_onlyServeBuildsCollaborators(t *testing.T) {
	calls := 0
	root, serve, info := newRoot()
	newHandlerModule(populatorFunc(func(target interface{}) error {
		calls++
		return errors.New("postgres down")
	})).ProvideCommand(root)

	assert.Zero(t, calls)
	assert.Nil(t, info.PreRunE)

	root.SetArgs([]string{"info"})
	require.NoError(t, root.Execute())
	assert.Zero(t, calls)

	root.SetArgs([]string{"serve"})
	root.SilenceErrors, root.SilenceUsage = true, true
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres down")
	assert.Equal(t, 1, calls)
	assert.NotNil(t, serve.PreRunE)
}

func TestHandlerModule_wire(t *testing.T) {
	registry := queue.Registry{Factory: di.NewFactory(func(name string) (di.Pair, error) {
		q := queue.NewQueue(name, queue.NewInProcessDriver(), queue.UseJobNames(jobs.Vocabulary[name]...))
		return di.Pair{Conn: q}, nil
	})}
	var conf workerConfig
	conf.Cleanup.Dir = t.TempDir()

	module := newHandlerModule(populatorFunc(func(target interface{}) error {
		*target.(*handlersIn) = handlersIn{
			Maker:      registry,
			Logger:     log.NewNopLogger(),
			Conf:       conf,
			Store:      searchindex.NewHTTPStore("http://127.0.0.1:0", "jobs", ""),
			Transport:  email.NewHTTPTransport("http://127.0.0.1:0", "", "jobs@example.com"),
			Storage:    nopStorage{},
			Repository: nopRepository{},
		}
		return nil
	}))
	require.NoError(t, module.wire())

	q, err := registry.Make(jobs.QueueCleanup)
	require.NoError(t, err)
	repeatables, err := q.Driver().Repeatables(context.Background())
	require.NoError(t, err)
	require.Len(t, repeatables, 1)
	assert.Equal(t, jobs.CleanupJobID, repeatables[0].ID)
}
