package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/agentexec"
)

type runOptions struct {
	timeoutMS int
	noSandbox bool
	cwd       string
	env       []string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] command",
		Short: "Run a command in the foreground",
		Long: `Run screens the command, builds the sandbox and waits for the command to
finish. Its combined output is printed to stdout and its exit code becomes
agentexec's exit code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			req, err := opts.request(strings.Join(args, " "))
			if err != nil {
				return err
			}
			mgr, err := root.newManager(cmd)
			if err != nil {
				return err
			}
			defer closeManager(mgr, &err)

			res, err := mgr.Run(cmd.Context(), req)
			if err != nil && !errors.Is(err, agentexec.ErrPolicyViolation) {
				return err
			}
			return reportResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
		},
	}
	// Flags end at the first word of the command.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntVar(&opts.timeoutMS, "timeout-ms", 0, "Timeout in milliseconds (0 uses the configured default)")
	cmd.Flags().BoolVar(&opts.noSandbox, "no-sandbox", false, "Ask to run without the sandbox (ignored when the sandbox is locked)")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory for the command")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "Extra environment variable as KEY=VALUE (repeatable)")
	return cmd
}

func (o *runOptions) request(command string) (agentexec.Request, error) {
	req := agentexec.Request{
		Command:        command,
		Timeout:        time.Duration(o.timeoutMS) * time.Millisecond,
		DisableSandbox: o.noSandbox,
		WorkingDir:     o.cwd,
	}
	env, err := parseEnv(o.env)
	if err != nil {
		return agentexec.Request{}, err
	}
	req.Env = env
	return req, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

// reportResult prints the command output and turns a non-success status
// into an exit code. Blocked commands exit with 126, as a shell does for a
// command it cannot execute; spawn failures with 127; timeouts with 124.
func reportResult(stdout, stderr io.Writer, res *agentexec.Result) error {
	if res.Output != "" {
		fmt.Fprint(stdout, res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Fprintln(stdout)
		}
	}
	if res.Warning != "" {
		fmt.Fprintf(stderr, "warning: %s\n", res.Warning)
	}
	switch res.Status {
	case agentexec.StatusSuccess:
		return nil
	case agentexec.StatusBlocked:
		fmt.Fprintln(stderr, res.Reason)
		return exitCodeError{code: 126}
	case agentexec.StatusSpawnFailed:
		fmt.Fprintf(stderr, "failed to start: %s\n", res.Reason)
		return exitCodeError{code: 127}
	case agentexec.StatusTimedOut:
		fmt.Fprintln(stderr, res.Reason)
		return exitCodeError{code: 124}
	case agentexec.StatusKilled:
		fmt.Fprintln(stderr, res.Reason)
		return exitCodeError{code: 137}
	default:
		return exitCodeError{code: res.ExitCode}
	}
}
