package cli

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/agentexec"
	"github.com/zhangyunhao116/agentexec/background"
)

type backgroundOptions struct {
	maxRuntimeMS int
	outputLimit  int
	filter       string
	poll         time.Duration
	cwd          string
}

func newBackgroundCmd(root *rootOptions) *cobra.Command {
	opts := &backgroundOptions{}
	cmd := &cobra.Command{
		Use:   "bg [flags] command",
		Short: "Spawn a background shell and stream its output until it ends",
		Long: `Bg spawns the command as a background shell, polls its accumulated output
and prints it as it arrives. Interrupting agentexec kills the shell.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if opts.poll <= 0 {
				return fmt.Errorf("invalid --poll %v: must be positive", opts.poll)
			}
			var filter *regexp.Regexp
			if opts.filter != "" {
				if filter, err = regexp.Compile(opts.filter); err != nil {
					return fmt.Errorf("invalid --filter: %w", err)
				}
			}
			mgr, err := root.newManager(cmd)
			if err != nil {
				return err
			}
			defer closeManager(mgr, &err)

			ctx := cmd.Context()
			id, err := mgr.SpawnBackground(ctx, agentexec.Request{
				Command:     strings.Join(args, " "),
				WorkingDir:  opts.cwd,
				MaxRuntime:  time.Duration(opts.maxRuntimeMS) * time.Millisecond,
				OutputLimit: opts.outputLimit,
			})
			var pv *agentexec.PolicyViolationError
			if errors.As(err, &pv) {
				fmt.Fprintf(cmd.ErrOrStderr(), "blocked [%s]: %s\n", pv.Rule, pv.Reason)
				return exitCodeError{code: 126}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "shell %s started\n", id)

			ticker := time.NewTicker(opts.poll)
			defer ticker.Stop()
			for {
				out, err := mgr.ReadBackgroundOutput(id, filter)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out.Text)
				if out.Removed {
					fmt.Fprintf(cmd.ErrOrStderr(), "shell %s %s (%s) after %v\n", id, out.Status, out.Outcome, out.Elapsed.Round(time.Millisecond))
					if out.Status == background.StatusCompleted {
						return nil
					}
					return exitCodeError{code: out.ExitCode}
				}
				select {
				case <-ctx.Done():
					mgr.KillBackground(id)
					return ctx.Err()
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntVar(&opts.maxRuntimeMS, "max-runtime-ms", 0, "Maximum runtime in milliseconds (0 uses the configured default)")
	cmd.Flags().IntVar(&opts.outputLimit, "output-limit", 0, "Output accumulator limit in bytes (0 uses the configured default)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only print output lines matching this regular expression")
	cmd.Flags().DurationVar(&opts.poll, "poll", 200*time.Millisecond, "Polling interval")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory for the command")
	return cmd
}
