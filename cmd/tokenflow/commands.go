package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/tokenflow"
	"github.com/petrijr/tokenflow/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tokenflow",
		Short:         "Inspect and administer tokenflow process instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	// withBackend loads the configuration, opens the backend and runs fn.
	withBackend := func(cmd *cobra.Command, fn func(b *backend) (any, error)) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		b, err := openBackend(cmd.Context(), cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		out, err := fn(b)
		if cerr := b.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	statusCmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the committed state of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b *backend) (any, error) {
				return b.Status(cmd.Context(), args[0])
			})
		},
	}

	var listOpts tokenflow.InstanceListOptions
	var state string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listOpts.State = tokenflow.State(state)
			return withBackend(cmd, func(b *backend) (any, error) {
				insts, err := b.List(cmd.Context(), listOpts)
				if insts == nil {
					insts = []*tokenflow.ProcessInstance{}
				}
				return insts, err
			})
		},
	}
	listCmd.Flags().StringVar(&state, "state", "", "only instances in this state")
	listCmd.Flags().StringVar(&listOpts.DefinitionID, "definition", "", "only instances of this definition")
	listCmd.Flags().StringVar(&listOpts.CorrelationKey, "key", "", "only instances with this correlation key")

	var reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Terminate an instance together with its timers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b *backend) (any, error) {
				if err := b.Cancel(cmd.Context(), args[0], reason); err != nil {
					return nil, err
				}
				return b.Status(cmd.Context(), args[0])
			})
		},
	}
	cancelCmd.Flags().StringVar(&reason, "reason", "cancelled from the command line", "cancellation reason")

	timersCmd := &cobra.Command{
		Use:   "timers <instance-id>",
		Short: "List the pending timers of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b *backend) (any, error) {
				timers, err := b.Timers(cmd.Context(), args[0])
				if timers == nil {
					timers = []tokenflow.TimerEntry{}
				}
				return timers, err
			})
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history <instance-id>",
		Short: "List the recorded history of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(b *backend) (any, error) {
				events, err := b.History(cmd.Context(), args[0])
				if events == nil {
					events = []tokenflow.HistoryEvent{}
				}
				return events, err
			})
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "tokenflow.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err != nil {
				return err
			}
			if _, err := io.WriteString(f, config.DefaultYAML()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	root.AddCommand(statusCmd, listCmd, cancelCmd, timersCmd, historyCmd, initCmd)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
