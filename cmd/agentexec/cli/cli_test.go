package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCmd(context.Background(), stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()

	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		args     []string
		wantOut  string
		wantCode int
	}{
		{[]string{"check", "echo hello"}, "clear", 0},
		{[]string{"check", "chmod 777 x"}, "warn [world-writable]", 0},
		{[]string{"check", "rm", "-rf", "/"}, "blocked [rm-rf-root]", 2},
		{[]string{"check", "--", "rm", "-rf", "/"}, "blocked [rm-rf-root]", 2},
		{[]string{"check", "ls", "--help"}, "clear", 0},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args[1:], " "), func(t *testing.T) {
			stdout, _, err := runCLI(t, tt.args...)
			if code := ExitCode(err); code != tt.wantCode {
				t.Errorf("exit code = %d, want %d (err %v)", code, tt.wantCode, err)
			}
			if !strings.HasPrefix(stdout, tt.wantOut) {
				t.Errorf("stdout = %q, want prefix %q", stdout, tt.wantOut)
			}
		})
	}
}

func TestCheckNoCommand(t *testing.T) {
	for _, args := range [][]string{{"check"}, {"check", "--"}} {
		if _, _, err := runCLI(t, args...); ExitCode(err) != 1 {
			t.Errorf("%q: err = %v, want a usage error", args, err)
		}
	}
}

func TestRunBlockedCommand(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantStderr string
	}{
		{"separator", []string{"run", "--", "rm", "-rf", "/"}, "security policy"},
		{"no separator", []string{"run", "rm", "-rf", "/"}, "security policy"},
		{"flag before command", []string{"run", "--timeout-ms", "1000", "rm", "-rf", "/"}, "security policy"},
		{"background", []string{"bg", "rm", "-rf", "/"}, "blocked [rm-rf-root]"},
		{"sandbox args", []string{"sandbox-args", "rm", "-rf", "/"}, "blocked [rm-rf-root]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, err := runCLI(t, tt.args...)
			if code := ExitCode(err); code != 126 {
				t.Errorf("exit code = %d, want 126 (err %v)", code, err)
			}
			if !strings.Contains(stderr, tt.wantStderr) {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
		})
	}
}

func TestRunInvalidEnv(t *testing.T) {
	_, _, err := runCLI(t, "run", "--env", "NOEQUALS", "--", "true")
	if err == nil || !strings.Contains(err.Error(), "KEY=VALUE") {
		t.Errorf("err = %v, want an --env error", err)
	}
}

func TestMissingConfig(t *testing.T) {
	_, _, err := runCLI(t, "--config", t.TempDir()+"/missing.yaml", "run", "--", "true")
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Errorf("err = %v, want a config read error", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{exitCodeError{code: 3}, 3},
		{exitCodeError{code: 0}, 1},
		{exitCodeError{code: -1}, 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y", "C="})
	if err != nil {
		t.Fatal(err)
	}
	if env["A"] != "1" || env["B"] != "x=y" || env["C"] != "" || len(env) != 3 {
		t.Errorf("env = %v", env)
	}
	if _, err := parseEnv([]string{"=v"}); err == nil {
		t.Error("parseEnv(=v) succeeded")
	}
}
