package queue

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Module exposes the operator commands of the queues.
type Module struct {
	maker  Maker
	names  func() []string
	logger log.Logger
}

// New creates the queue module. Register it with core.C.AddModuleFunc.
func New(registry Registry, logger log.Logger) Module {
	return Module{
		maker:  registry,
		names:  registry.Names,
		logger: logger,
	}
}

// ProvideCommand adds the queue command and its subcommands to the root command.
func (m Module) ProvideCommand(command *cobra.Command) {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the job queues",
	}
	queueCmd.AddCommand(m.infoCommand(), m.reloadCommand(), m.flushCommand(), m.schedulesCommand())
	command.AddCommand(queueCmd)
}

func (m Module) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info [queue...]",
		Short: "Print the length of each channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = m.names()
				sort.Strings(names)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tWAITING\tDELAYED\tRESERVED\tCOMPLETED\tFAILED")
			for _, name := range names {
				q, err := m.maker.Make(name)
				if err != nil {
					return err
				}
				info, err := q.Driver().Info(cmd.Context())
				if err != nil {
					return errors.Wrapf(err, "failed to inspect queue %s", name)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", name, info.Waiting, info.Delayed, info.Reserved, info.Completed, info.Failed)
			}
			return w.Flush()
		},
	}
}

func (m Module) reloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload queue",
		Short: "Move the failed jobs of a queue back to waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := m.maker.Make(args[0])
			if err != nil {
				return err
			}
			n, err := q.Driver().Reload(cmd.Context(), ChannelFailed)
			if err != nil {
				return err
			}
			_ = level.Info(m.logger).Log("msg", "reloaded failed jobs", "queue", args[0], "count", n)
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs reloaded\n", n)
			return nil
		},
	}
}

func (m Module) flushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush queue channel",
		Short: "Remove every job of a channel (waiting, delayed, reserved, completed or failed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := m.maker.Make(args[0])
			if err != nil {
				return err
			}
			if err := q.Driver().Flush(cmd.Context(), args[1]); err != nil {
				return err
			}
			_ = level.Info(m.logger).Log("msg", "flushed channel", "queue", args[0], "channel", args[1])
			return nil
		},
	}
}

func (m Module) schedulesCommand() *cobra.Command {
	var remove string
	cmd := &cobra.Command{
		Use:   "schedules queue",
		Short: "List the repeating jobs of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := m.maker.Make(args[0])
			if err != nil {
				return err
			}
			if remove != "" {
				return q.Driver().RemoveRepeatable(cmd.Context(), remove)
			}
			return printSchedules(cmd.Context(), cmd, q.Driver())
		},
	}
	cmd.Flags().StringVar(&remove, "remove", "", "remove the schedule with this id")
	return cmd
}

func printSchedules(ctx context.Context, cmd *cobra.Command, driver Driver) error {
	repeatables, err := driver.Repeatables(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tPATTERN\tEVERY")
	for _, r := range repeatables {
		every := "-"
		if r.Repeat.Every > 0 {
			every = r.Repeat.Every.String()
		}
		pattern := r.Repeat.Pattern
		if pattern == "" {
			pattern = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, pattern, every)
	}
	return w.Flush()
}
