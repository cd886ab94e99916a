// Command agentexec runs shell commands through the agentexec engine.
package main

import (
	"os"

	"github.com/zhangyunhao116/agentexec/cmd/agentexec/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
