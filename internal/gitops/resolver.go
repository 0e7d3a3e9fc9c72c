package gitops

import (
	"context"
	"log/slog"
	"strings"
)

// Strategy names the mechanism that brought the branch up to date.
type Strategy string

const (
	// StrategyFastForward means a plain pull fast-forwarded the branch.
	StrategyFastForward Strategy = "fast-forward"
	// StrategyMerge means diverging histories were joined with a merge commit.
	StrategyMerge Strategy = "merge"
	// StrategyRebase means the merge conflicted and the branch was rebased.
	StrategyRebase Strategy = "rebase"
	// StrategyNone means no update was needed or possible.
	StrategyNone Strategy = "none"
)

// Resolution is the outcome of a branch sync attempt.
type Resolution struct {
	Result
	Strategy Strategy
}

// commander is the slice of Git the resolver drives. *Git satisfies it.
type commander interface {
	Pull(ctx context.Context, args ...string) Result
	AbortMerge(ctx context.Context) Result
	AbortRebase(ctx context.Context) Result
}

// Resolver brings a local branch up to date with its remote, escalating
// from fast-forward to merge to rebase as the situation requires. Failed
// merges and rebases are aborted so the working tree is never left mid-
// operation.
type Resolver struct {
	git    commander
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given git commands.
func NewResolver(git commander, logger *slog.Logger) *Resolver {
	return &Resolver{git: git, logger: logger}
}

// Git pull stderr hints. The exact wording is stable across recent git
// versions; both the old and new diverging messages are matched.
func isDiverging(stderr string) bool {
	return strings.Contains(stderr, "Diverging branches can't be fast-forwarded") ||
		strings.Contains(stderr, "Not possible to fast-forward")
}

// Git capitalizes "There is no tracking information" but prints hints
// lowercase; compare case-insensitively to catch both.
func isNoUpstream(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no tracking information") ||
		strings.Contains(lower, "no such ref was fetched")
}

func hasConflict(res Result) bool {
	return strings.Contains(res.Stdout, "CONFLICT") || strings.Contains(res.Stderr, "CONFLICT")
}

// Sync updates the current branch from its remote. Re-running after a
// successful sync is a cheap no-op fast-forward.
//
// A branch with no upstream, or whose remote ref is gone (e.g. the PR was
// merged and the branch deleted), is reported as a successful no-op rather
// than an error.
func (r *Resolver) Sync(ctx context.Context) Resolution {
	res := r.git.Pull(ctx)
	if res.Success {
		return Resolution{Result: res, Strategy: StrategyFastForward}
	}

	if isNoUpstream(res.Stderr) {
		r.logger.Debug("branch has no upstream, nothing to sync")
		res.Success = true
		return Resolution{Result: res, Strategy: StrategyNone}
	}

	if !isDiverging(res.Stderr) {
		return Resolution{Result: res, Strategy: StrategyNone}
	}

	r.logger.Info("branch diverged from remote, merging")
	merged := r.git.Pull(ctx, "--no-ff")
	if merged.Success {
		return Resolution{Result: merged, Strategy: StrategyMerge}
	}

	if !hasConflict(merged) {
		return Resolution{Result: merged, Strategy: StrategyMerge}
	}

	// Merge conflicted. Abort it and retry as a rebase, which often
	// succeeds when the conflicting hunks apply cleanly one commit at a
	// time.
	r.logger.Info("merge conflicted, falling back to rebase")
	r.git.AbortMerge(ctx)

	rebased := r.git.Pull(ctx, "--rebase")
	if rebased.Success {
		return Resolution{Result: rebased, Strategy: StrategyRebase}
	}

	r.git.AbortRebase(ctx)
	return Resolution{Result: rebased, Strategy: StrategyRebase}
}
