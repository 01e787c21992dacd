// Package gitauto converts a completed agent session's workspace mutations
// into a branch, commit, push and pull request with idempotent retry
// semantics.
package gitauto

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result carries the captured output of one version-control command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes named git subcommands against a working directory.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (Result, error)
}

// GitCommandError is a non-zero exit from a version-control command. It is
// fatal for the automation run and carries the exit code and error stream.
type GitCommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *GitCommandError) Error() string {
	return fmt.Sprintf("git %s exited %d: %s",
		strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// ExecRunner runs git via os/exec.
type ExecRunner struct{}

// Run executes git with the given arguments in dir. A non-zero exit is not
// an error at this layer; the exit code and streams are always captured.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, fmt.Errorf("run git %s: %w", strings.Join(args, " "), err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// nonFastForwardPhrases are the error fragments a remote emits when a push
// is rejected because the local branch is behind. String matching is
// fragile but git exposes no structured classification for this rejection.
var nonFastForwardPhrases = []string{
	"non-fast-forward",
	"tip of your current branch is behind",
	"fetch first",
}

// isNonFastForward reports whether a push failure is a stale-branch
// rejection that a rebase-and-retry can absorb.
func isNonFastForward(stderr string) bool {
	lowered := strings.ToLower(stderr)
	for _, phrase := range nonFastForwardPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
