package gitops

import (
	"context"
	"errors"
	"strings"

	"github.com/kitamura-tetsuo/auto-coder/internal/shell"
)

// Result is the outcome of a single git invocation, preserved in full so
// callers can inspect conflict markers and stderr hints.
type Result struct {
	Success    bool
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Git runs git commands in a fixed working tree.
type Git struct {
	runner *shell.Runner
}

// NewGit creates a Git bound to the given repository directory.
func NewGit(dir string) *Git {
	return &Git{runner: &shell.Runner{Dir: dir}}
}

// Exec runs git with the given arguments and captures the full outcome.
// A non-zero exit is not an error here; it is a Result with Success false.
func (g *Git) Exec(ctx context.Context, args ...string) Result {
	stdout, stderr, err := g.runner.RunCapture(ctx, "git", args...)
	res := Result{
		Success: err == nil,
		Stdout:  stdout,
		Stderr:  stderr,
	}
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			res.ReturnCode = exitErr.Code
		} else {
			// git itself could not be started
			res.ReturnCode = -1
			res.Stderr = err.Error()
		}
	}
	return res
}

func (g *Git) Pull(ctx context.Context, args ...string) Result {
	return g.Exec(ctx, append([]string{"pull"}, args...)...)
}

func (g *Git) Fetch(ctx context.Context) Result {
	return g.Exec(ctx, "fetch", "--prune")
}

func (g *Git) Checkout(ctx context.Context, branch string) Result {
	return g.Exec(ctx, "checkout", branch)
}

// CheckoutNew creates and switches to a new branch. If the branch already
// exists it is reused, so retried runs land on the same branch.
func (g *Git) CheckoutNew(ctx context.Context, branch string) Result {
	res := g.Exec(ctx, "checkout", "-b", branch)
	if !res.Success && strings.Contains(res.Stderr, "already exists") {
		return g.Exec(ctx, "checkout", branch)
	}
	return res
}

func (g *Git) AbortMerge(ctx context.Context) Result {
	return g.Exec(ctx, "merge", "--abort")
}

func (g *Git) AbortRebase(ctx context.Context) Result {
	return g.Exec(ctx, "rebase", "--abort")
}

// Push pushes the current branch, setting upstream on first push.
func (g *Git) Push(ctx context.Context, branch string) Result {
	return g.Exec(ctx, "push", "--set-upstream", "origin", branch)
}

// HasChanges reports whether the working tree has uncommitted changes.
func (g *Git) HasChanges(ctx context.Context) bool {
	res := g.Exec(ctx, "status", "--porcelain")
	return res.Success && strings.TrimSpace(res.Stdout) != ""
}

// CommitAll stages everything and commits. Committing with nothing staged
// succeeds as a no-op.
func (g *Git) CommitAll(ctx context.Context, message string) Result {
	if res := g.Exec(ctx, "add", "-A"); !res.Success {
		return res
	}
	res := g.Exec(ctx, "commit", "-m", message)
	if !res.Success && strings.Contains(res.Stdout, "nothing to commit") {
		res.Success = true
	}
	return res
}

// HeadSHA returns the commit hash of HEAD.
func (g *Git) HeadSHA(ctx context.Context) (string, error) {
	out, err := g.runner.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the name of the checked-out branch.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.runner.Run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
