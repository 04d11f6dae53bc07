// Package cli implements workflowd, the operator command line of a workflow
// engine node. Programs that link business logic in build the same commands
// with WithSetup to register their bindings.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/workflow-fsm/types"
	"github.com/songzhibin97/workflow-fsm/workflow"
)

// Option configures the command tree.
type Option func(*options)

type options struct {
	setup     []func(*workflow.Engine) error
	logOutput io.Writer
}

// WithSetup runs fn on every engine a command opens, before the command runs.
func WithSetup(fn func(*workflow.Engine) error) Option {
	return func(o *options) { o.setup = append(o.setup, fn) }
}

// WithLogOutput redirects the node logs. Defaults to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

type app struct {
	opts       *options
	configPath string
}

// NewRootCommand returns the workflowd command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	o := &options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}
	a := &app{opts: o}

	root := &cobra.Command{
		Use:           "workflowd",
		Short:         "Operate the workflow engine node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (env WORKFLOW_* overrides it)")

	root.AddCommand(
		a.recoverCommand(),
		a.retryCommand(),
		a.failCommand(),
		a.showCommand(),
		a.workerCommand(),
		a.definitionsCommand(),
	)
	return root
}

type nodeFunc func(ctx context.Context, cmd *cobra.Command, n *node, args []string) error

func (a *app) withNode(fn nodeFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, a.configPath, a.opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := n.Close(context.WithoutCancel(ctx)); err != nil {
				n.logger.Error("failed to close node", "error", err)
			}
		}()
		return fn(ctx, cmd, n, args)
	}
}

func (a *app) recoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover [definition-id...]",
		Short: "Revert work this node left running, for all or the given definitions",
		RunE: a.withNode(func(ctx context.Context, cmd *cobra.Command, n *node, args []string) error {
			ids := args
			if len(ids) == 0 {
				ids = n.engine.Definitions().IDs()
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				report, err := n.engine.Recover(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: reverted %d workflows, %d batches, %d failures\n",
					id, len(report.Workflows), len(report.Batches), len(report.Failures))
				for _, failure := range report.Failures {
					fmt.Fprintf(out, "  %v\n", failure)
				}
			}
			return nil
		}),
	}
}

func (a *app) retryCommand() *cobra.Command {
	var actor string
	var roles []string
	cmd := &cobra.Command{
		Use:   "retry <workflow-id>",
		Short: "Rerun the latest transition that needs no input",
		Args:  cobra.ExactArgs(1),
		RunE: a.withNode(func(ctx context.Context, cmd *cobra.Command, n *node, args []string) error {
			var who *types.Actor
			if actor != "" {
				who = &types.Actor{Name: actor, Roles: roles}
			}
			if err := n.engine.AutoRetry(ctx, args[0], who); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVar(&actor, "actor", "", "name of the acting user")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles of the acting user")
	return cmd
}

func (a *app) failCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <workflow-id>",
		Short: "Mark a workflow as permanently failed",
		Args:  cobra.ExactArgs(1),
		RunE: a.withNode(func(ctx context.Context, cmd *cobra.Command, n *node, args []string) error {
			if err := n.engine.Fail(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the workflow is abandoned")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (a *app) showCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Print a workflow with its history and effective properties",
		Args:  cobra.ExactArgs(1),
		RunE: a.withNode(func(ctx context.Context, cmd *cobra.Command, n *node, args []string) error {
			snap, err := n.engine.Inspect(ctx, args[0])
			if err != nil {
				return err
			}
			view := map[string]interface{}{
				"workflow":   snap.Workflow,
				"history":    snap.History,
				"properties": snap.Properties,
			}
			return render(cmd.OutOrStdout(), format, view)
		}),
	}
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func (a *app) workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queued automatic transitions of the configured runner target",
		RunE: a.withNode(func(ctx context.Context, cmd *cobra.Command, n *node, args []string) error {
			if n.runner == nil {
				return errors.New("runner.target is not configured")
			}
			n.logger.Info("worker started", "target", n.cfg.Runner.Target)
			return n.runner.Serve(ctx, n.engine.HandleJob)
		}),
	}
}

func (a *app) definitionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List the loaded workflow definitions",
		RunE: a.withNode(func(ctx context.Context, cmd *cobra.Command, n *node, args []string) error {
			out := cmd.OutOrStdout()
			for _, id := range n.engine.Definitions().IDs() {
				def, err := n.engine.Definitions().Get(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s initial=%s final=%s\n", id,
					stateIDs(def.InitialStates()), stateIDs(def.FinalStates()))
			}
			return nil
		}),
	}
}

func stateIDs(states []*types.State) string {
	ids := make([]string, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.ID)
	}
	return strings.Join(ids, ",")
}

// render writes v as indented JSON or as YAML keyed by the JSON field names.
func render(w io.Writer, format string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return errors.Wrap(err, "encode output")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return errors.Wrap(err, "encode output")
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}
