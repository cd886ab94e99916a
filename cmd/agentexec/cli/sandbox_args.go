package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/agentexec"
)

func newSandboxArgsCmd(root *rootOptions) *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "sandbox-args [flags] command",
		Short: "Print the bwrap command line a command would run under",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			mgr, err := root.newManager(cmd)
			if err != nil {
				return err
			}
			defer closeManager(mgr, &err)

			inv, err := mgr.SandboxInvocation(agentexec.Request{
				Command:    strings.Join(args, " "),
				WorkingDir: cwd,
			})
			var pv *agentexec.PolicyViolationError
			if errors.As(err, &pv) {
				fmt.Fprintf(cmd.ErrOrStderr(), "blocked [%s]: %s\n", pv.Rule, pv.Reason)
				return exitCodeError{code: 126}
			}
			if err != nil {
				return err
			}
			if inv == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "sandbox unavailable: the command would run without bwrap")
				return exitCodeError{code: 1}
			}
			fmt.Fprintln(cmd.OutOrStdout(), inv.String())
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the command")
	return cmd
}
