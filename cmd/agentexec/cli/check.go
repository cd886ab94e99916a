package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/agentexec"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check command",
		Short: "Screen a command without running it",
		Long: `Check prints clear, warn or blocked for the command and exits with 2 when it
would be blocked. Every argument after check is command text, flags included.`,
		// rm -rf / must reach the screener as words, not as flags.
		DisableFlagParsing: true,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && args[0] == "--" {
				args = args[1:]
			}
			if len(args) == 0 {
				return errors.New("check: no command given")
			}
			res := agentexec.Check(strings.Join(args, " "))
			out := cmd.OutOrStdout()
			switch res.Verdict() {
			case agentexec.VerdictBlocked:
				fmt.Fprintf(out, "blocked [%s]: %s\n", res.Rule, res.Reason)
				return exitCodeError{code: 2}
			case agentexec.VerdictWarn:
				fmt.Fprintf(out, "warn [%s]: %s\n", res.Rule, res.Warning)
			default:
				fmt.Fprintln(out, "clear")
			}
			return nil
		},
	}
}
