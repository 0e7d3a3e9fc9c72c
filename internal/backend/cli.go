package backend

import (
	"context"
	"strings"

	"github.com/kitamura-tetsuo/auto-coder/internal/shell"
)

// cliClient drives a coding agent CLI as a subprocess. The prompt is piped
// to stdin so arbitrarily large prompts never hit argv limits.
type cliClient struct {
	binary string
	args   []string
	runner *shell.Runner
}

func (c *cliClient) Run(ctx context.Context, prompt string) (string, error) {
	out, err := c.runner.RunWithStdin(ctx, prompt, c.binary, c.args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Close is a no-op: each Run is a self-contained subprocess.
func (c *cliClient) Close() error { return nil }

func init() {
	Register("claude", func(opts Options) (Client, error) {
		args := []string{"-p", "--dangerously-skip-permissions"}
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
		return &cliClient{
			binary: "claude",
			args:   args,
			runner: &shell.Runner{Dir: opts.WorkDir},
		}, nil
	})

	Register("codex", func(opts Options) (Client, error) {
		args := []string{"exec", "--full-auto"}
		if opts.Model != "" {
			args = append(args, "-m", opts.Model)
		}
		args = append(args, "-") // read the prompt from stdin
		return &cliClient{
			binary: "codex",
			args:   args,
			runner: &shell.Runner{Dir: opts.WorkDir},
		}, nil
	})

	Register("gemini", func(opts Options) (Client, error) {
		args := []string{"--yolo"}
		if opts.Model != "" {
			args = append(args, "-m", opts.Model)
		}
		return &cliClient{
			binary: "gemini",
			args:   args,
			runner: &shell.Runner{Dir: opts.WorkDir},
		}, nil
	})
}
