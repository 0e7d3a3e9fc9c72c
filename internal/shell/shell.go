package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExitError wraps a non-zero exit from a subprocess.
type ExitError struct {
	Code   int
	Stderr string
	Cmd    string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.Code, e.Stderr)
}

// Runner executes subprocesses with a shared working directory and
// environment. Both the git command layer and the backend CLI clients run
// through it.
type Runner struct {
	Dir string
	Env []string
}

// Run executes a command and returns its stdout. Stderr is captured and
// included in the error on non-zero exit.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, _, err := r.capture(ctx, "", name, args...)
	return out, err
}

// RunCapture executes a command and returns stdout and stderr separately.
// A non-zero exit is reported as an *ExitError; stdout and stderr are
// returned either way so callers can inspect failure output.
func (r *Runner) RunCapture(ctx context.Context, name string, args ...string) (stdout, stderr string, err error) {
	return r.capture(ctx, "", name, args...)
}

// RunWithStdin executes a command with the given string piped to stdin and
// returns stdout.
func (r *Runner) RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	out, _, err := r.capture(ctx, stdin, name, args...)
	return out, err
}

func (r *Runner) capture(ctx context.Context, stdin string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.String(), stderr.String(), &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
				Cmd:    name + " " + strings.Join(args, " "),
			}
		}
		return "", "", fmt.Errorf("running %s: %w", name, err)
	}

	return stdout.String(), stderr.String(), nil
}

func (r *Runner) environ() []string {
	if len(r.Env) == 0 {
		return nil // inherit parent
	}
	return append(os.Environ(), r.Env...)
}
