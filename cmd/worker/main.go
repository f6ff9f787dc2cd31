// Command worker consumes the background jobs of the job board.
//
//  worker serve --config config.yaml        run every queue
//  worker queue info                        inspect the queues
//  worker queue reload file-upload          retry failed uploads
//  worker queue schedules cleanup           list repeating jobs
package main

import (
	"os"

	"github.com/DoNewsCode/core"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/spf13/cobra"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Background job worker of the job board",
	}
	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to the yaml configuration")
	// The container is built from the configuration before cobra dispatches
	// to a subcommand, so the flag is parsed ahead of Execute.
	root.PersistentFlags().ParseErrorsWhitelist.UnknownFlags = true
	_ = root.PersistentFlags().Parse(os.Args[1:])

	c := bootstrap(configPath)
	defer c.Shutdown()

	c.ApplyRootCommand(root)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootstrap(path string) *core.C {
	c := core.New(
		core.WithConfigStack(file.Provider(path), yaml.Parser()),
	)
	c.ProvideEssentials()
	c.Provide(otredis.Providers())
	c.Provide(queue.Providers(queue.WithVocabulary(jobs.Vocabulary)))
	c.Provide(di.Deps{jobs.ProvideConfig})
	c.Provide(provideMetrics())
	c.Provide(provideCollaborators())

	c.AddModuleFunc(core.NewServeModule)
	c.AddModuleFunc(queue.New)
	c.AddModuleFunc(newMetricsModule)
	c.AddModuleFunc(newHandlerModule)
	return c
}
