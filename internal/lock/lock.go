package lock

import (
	"context"
	"log/slog"
	"sync"
)

// Labeler is the subset of the GitHub client the lock needs.
type Labeler interface {
	HasLabel(ctx context.Context, owner, repo string, number int, label string) (bool, error)
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
}

// Options controls lock behavior.
type Options struct {
	// Enabled turns label locking on. When false, Acquire always succeeds
	// without touching the API.
	Enabled bool

	// DryRun skips all label mutations while still reporting success.
	DryRun bool

	// Label is the in-progress marker label.
	Label string
}

// Guard releases an acquired lock. Release is idempotent and only removes
// the label if Acquire actually added it.
type Guard struct {
	labeler Labeler
	logger  *slog.Logger
	owner   string
	repo    string
	number  int
	label   string
	added   bool
	once    sync.Once
}

// Acquire attempts to take the in-progress label on an issue or PR.
//
// The label is an advisory lock, not a strict mutex: two concurrent callers
// can both pass the presence check. The returned bool is false only when the
// label is already present (someone else is working on the item). Failures
// to add the label are logged and treated as acquired, favoring progress
// over strictness; the guard then knows not to remove a label it never set.
func Acquire(ctx context.Context, labeler Labeler, owner, repo string, number int, opts Options, logger *slog.Logger) (*Guard, bool) {
	guard := &Guard{
		labeler: labeler,
		logger:  logger,
		owner:   owner,
		repo:    repo,
		number:  number,
		label:   opts.Label,
	}

	if !opts.Enabled || opts.DryRun {
		return guard, true
	}

	present, err := labeler.HasLabel(ctx, owner, repo, number, opts.Label)
	if err != nil {
		logger.Warn("checking in-progress label failed, proceeding", "number", number, "error", err)
		return guard, true
	}
	if present {
		return nil, false
	}

	if err := labeler.AddLabel(ctx, owner, repo, number, opts.Label); err != nil {
		logger.Warn("adding in-progress label failed, proceeding unlabeled", "number", number, "error", err)
		return guard, true
	}

	guard.added = true
	return guard, true
}

// Release removes the in-progress label if this guard added it. Safe to
// call multiple times and from deferred paths; removal failures are logged,
// never returned, so error cleanup paths stay simple.
func (g *Guard) Release(ctx context.Context) {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if !g.added {
			return
		}
		if err := g.labeler.RemoveLabel(ctx, g.owner, g.repo, g.number, g.label); err != nil {
			g.logger.Warn("removing in-progress label failed", "number", g.number, "error", err)
		}
	})
}
