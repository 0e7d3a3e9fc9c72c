package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kitamura-tetsuo/auto-coder/internal/checkrun"
	"github.com/kitamura-tetsuo/auto-coder/internal/githubapi"
	"github.com/kitamura-tetsuo/auto-coder/internal/gitops"
	"github.com/kitamura-tetsuo/auto-coder/internal/lock"
	"github.com/kitamura-tetsuo/auto-coder/internal/selector"
)

// GitHub is the API surface the engine needs.
type GitHub interface {
	lock.Labeler
	FetchIssue(ctx context.Context, owner, repo string, number int) (githubapi.Issue, error)
	FetchPR(ctx context.Context, owner, repo string, number int) (githubapi.PR, error)
	MergePR(ctx context.Context, owner, repo string, number int, method string) error
	UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error
	CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (githubapi.PR, error)
	FindOpenPR(ctx context.Context, owner, repo, head, base string) (*githubapi.PR, error)
}

// Lister produces the poll-driven worklist.
type Lister interface {
	Select(ctx context.Context) ([]selector.Candidate, error)
}

// Checks evaluates CI state for a commit.
type Checks interface {
	Evaluate(ctx context.Context, owner, repo, sha string) (checkrun.Result, error)
	Invalidate(owner, repo, sha string)
}

// Git is the local working-tree surface the engine drives.
type Git interface {
	Checkout(ctx context.Context, branch string) gitops.Result
	CheckoutNew(ctx context.Context, branch string) gitops.Result
	Pull(ctx context.Context, args ...string) gitops.Result
	Push(ctx context.Context, branch string) gitops.Result
	CommitAll(ctx context.Context, message string) gitops.Result
	HasChanges(ctx context.Context) bool
}

// Syncer brings the checked-out branch up to date with its remote.
type Syncer interface {
	Sync(ctx context.Context) gitops.Resolution
}

// PromptRunner runs a work prompt on the backend stack.
type PromptRunner interface {
	RunPrompt(ctx context.Context, prompt string) (string, error)
}

// Drainer supplies webhook-delivered candidates that have become ready.
type Drainer interface {
	Drain() []selector.Candidate
}

// Recorder persists run bookkeeping.
type Recorder interface {
	RecordDependabotRun(repo string, at time.Time) error
	LogActivity(repo, kind string, number int, eventType, detail string) error
}

// Config wires an Engine.
type Config struct {
	Owner       string
	Repo        string
	MainBranch  string
	MergeMethod string
	DryRun      bool

	// JulesMode hands issues to the Jules bot by label instead of
	// implementing them locally, regardless of how they arrived.
	JulesMode bool

	GitHub   GitHub
	Selector Lister
	Checks   Checks
	Git      Git
	Syncer   Syncer
	Queue    Drainer
	Store    Recorder
	Lock     lock.Options

	// Backends yields the shared prompt runner, built lazily so a
	// misconfigured backend only fails once work actually needs it.
	Backends func() (PromptRunner, error)

	// Exit terminates the process. Defaults to os.Exit; injected in tests
	// and when the engine runs embedded in the daemon.
	Exit func(code int)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Engine walks the candidate worklist and pushes each item forward one
// step: merge green PRs, remediate red ones, implement issues.
type Engine struct {
	cfg Config
}

// New validates the wiring and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.GitHub == nil:
		return nil, fmt.Errorf("engine: GitHub client required")
	case cfg.Selector == nil:
		return nil, fmt.Errorf("engine: selector required")
	case cfg.Checks == nil:
		return nil, fmt.Errorf("engine: check evaluator required")
	case cfg.Git == nil:
		return nil, fmt.Errorf("engine: git required")
	case cfg.Syncer == nil:
		return nil, fmt.Errorf("engine: branch syncer required")
	case cfg.Backends == nil:
		return nil, fmt.Errorf("engine: backend provider required")
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = "squash"
	}
	return &Engine{cfg: cfg}, nil
}

// Run executes one batch cycle: webhook-queued candidates first, then the
// polled worklist, each processed independently. A candidate failing, even
// panicking, never stops the batch; cancellation is honored between
// candidates, never mid-candidate.
func (e *Engine) Run(ctx context.Context) error {
	polled, err := e.cfg.Selector.Select(ctx)
	if err != nil {
		// Drain nothing on a failed poll: webhook candidates stay queued
		// for the next cycle instead of being dropped with it.
		return fmt.Errorf("running batch: %w", err)
	}

	var batch []selector.Candidate
	if e.cfg.Queue != nil {
		batch = append(batch, e.cfg.Queue.Drain()...)
	}
	batch = append(batch, dedupe(batch, polled)...)

	e.cfg.Logger.Info("processing batch", "candidates", len(batch))
	for _, c := range batch {
		if ctx.Err() != nil {
			e.cfg.Logger.Info("stopping batch early", "reason", ctx.Err())
			return nil
		}
		e.processOne(ctx, c)
	}
	return nil
}

// dedupe drops polled candidates already present in the queued batch.
func dedupe(have, add []selector.Candidate) []selector.Candidate {
	type key struct {
		kind   selector.Kind
		number int
	}
	seen := make(map[key]struct{}, len(have))
	for _, c := range have {
		seen[key{c.Kind, c.Number}] = struct{}{}
	}
	var out []selector.Candidate
	for _, c := range add {
		k := key{c.Kind, c.Number}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// processOne runs a single candidate with panic isolation.
func (e *Engine) processOne(ctx context.Context, c selector.Candidate) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Logger.Error("candidate panicked", "kind", c.Kind, "number", c.Number, "panic", r)
			e.logActivity(c, "panic", fmt.Sprint(r))
		}
	}()

	var err error
	switch c.Kind {
	case selector.KindPR:
		err = e.processPR(ctx, c)
	case selector.KindIssue:
		err = e.processIssue(ctx, c)
	default:
		err = fmt.Errorf("unknown candidate kind %q", c.Kind)
	}
	if err != nil {
		e.cfg.Logger.Error("candidate failed", "kind", c.Kind, "number", c.Number, "error", err)
		e.logActivity(c, "error", err.Error())
	}
}

// ProcessSingle handles one explicitly named item, re-fetching it first so
// stale webhook payloads cannot act on closed work. After processing, the
// item's state is fetched again: an item that closed along the way (merged,
// fixed, abandoned) resets the working tree to the main branch and exits
// cleanly, because the item's lifecycle is over and so is this invocation's.
func (e *Engine) ProcessSingle(ctx context.Context, kind selector.Kind, number int) error {
	switch kind {
	case selector.KindPR:
		pr, err := e.cfg.GitHub.FetchPR(ctx, e.cfg.Owner, e.cfg.Repo, number)
		if err != nil {
			return fmt.Errorf("fetching PR #%d: %w", number, err)
		}
		if pr.State != "open" {
			e.finishClosed(ctx, kind, number, pr.State)
			return nil
		}
		e.processOne(ctx, prCandidate(pr))

		final, err := e.cfg.GitHub.FetchPR(ctx, e.cfg.Owner, e.cfg.Repo, number)
		if err != nil {
			return fmt.Errorf("refetching PR #%d: %w", number, err)
		}
		if final.State != "open" {
			e.finishClosed(ctx, kind, number, final.State)
		}
	case selector.KindIssue:
		issue, err := e.cfg.GitHub.FetchIssue(ctx, e.cfg.Owner, e.cfg.Repo, number)
		if err != nil {
			return fmt.Errorf("fetching issue #%d: %w", number, err)
		}
		if issue.State != "open" {
			e.finishClosed(ctx, kind, number, issue.State)
			return nil
		}
		e.processOne(ctx, issueCandidate(issue))

		final, err := e.cfg.GitHub.FetchIssue(ctx, e.cfg.Owner, e.cfg.Repo, number)
		if err != nil {
			return fmt.Errorf("refetching issue #%d: %w", number, err)
		}
		if final.State != "open" {
			e.finishClosed(ctx, kind, number, final.State)
		}
	default:
		return fmt.Errorf("unknown candidate kind %q", kind)
	}
	return nil
}

func (e *Engine) finishClosed(ctx context.Context, kind selector.Kind, number int, state string) {
	e.cfg.Logger.Info("item is no longer open, returning to main",
		"kind", kind, "number", number, "state", state)
	if res := e.cfg.Git.Checkout(ctx, e.cfg.MainBranch); !res.Success {
		e.cfg.Logger.Warn("checkout of main branch failed", "stderr", res.Stderr)
	}
	if res := e.cfg.Git.Pull(ctx); !res.Success {
		e.cfg.Logger.Warn("pull of main branch failed", "stderr", res.Stderr)
	}
	e.cfg.Exit(0)
}

// processPR advances one open PR: merge when green, wait when pending,
// remediate when red. Webhook-delivered candidates bypass the selector's
// filters, so drafts and already-resolved PRs are screened again here.
func (e *Engine) processPR(ctx context.Context, c selector.Candidate) error {
	if c.Draft {
		e.cfg.Logger.Info("draft PR, skipping", "number", c.Number)
		return nil
	}
	if strings.Contains(c.Body, selector.ResolvedMarker) {
		e.cfg.Logger.Info("PR already marked resolved, skipping", "number", c.Number)
		return nil
	}

	guard, ok := lock.Acquire(ctx, e.cfg.GitHub, e.cfg.Owner, e.cfg.Repo, c.Number, e.cfg.Lock, e.cfg.Logger)
	if !ok {
		e.cfg.Logger.Info("PR already in progress elsewhere", "number", c.Number)
		return nil
	}
	defer guard.Release(ctx)

	checks, err := e.cfg.Checks.Evaluate(ctx, e.cfg.Owner, e.cfg.Repo, c.HeadSHA)
	if err != nil {
		return fmt.Errorf("processing PR #%d: %w", c.Number, err)
	}

	switch {
	case checks.InProgress:
		e.cfg.Logger.Info("checks still running, deferring", "number", c.Number)
		return nil
	case checks.Success:
		return e.mergePR(ctx, c)
	default:
		return e.remediatePR(ctx, c)
	}
}

func (e *Engine) mergePR(ctx context.Context, c selector.Candidate) error {
	mergeable := c.Mergeable
	if mergeable == nil {
		// The list API omits mergeability; ask for the PR directly.
		pr, err := e.cfg.GitHub.FetchPR(ctx, e.cfg.Owner, e.cfg.Repo, c.Number)
		if err != nil {
			return fmt.Errorf("refetching PR #%d: %w", c.Number, err)
		}
		mergeable = pr.Mergeable
	}
	if mergeable == nil {
		e.cfg.Logger.Info("mergeability still computing, deferring", "number", c.Number)
		return nil
	}
	if !*mergeable {
		e.cfg.Logger.Info("PR has conflicts with base, remediating", "number", c.Number)
		return e.remediatePR(ctx, c)
	}

	if e.cfg.DryRun {
		e.cfg.Logger.Info("dry-run: would merge PR", "number", c.Number, "method", e.cfg.MergeMethod)
		return nil
	}
	if err := e.cfg.GitHub.MergePR(ctx, e.cfg.Owner, e.cfg.Repo, c.Number, e.cfg.MergeMethod); err != nil {
		return fmt.Errorf("merging PR #%d: %w", c.Number, err)
	}
	e.cfg.Logger.Info("merged PR", "number", c.Number, "method", e.cfg.MergeMethod)
	e.logActivity(c, "merged", "")
	e.recordDependabot(c)

	// Keep the local tree current so the next candidate starts clean.
	e.cfg.Git.Checkout(ctx, e.cfg.MainBranch)
	e.cfg.Git.Pull(ctx)
	return nil
}

// remediatePR checks out the PR branch, reconciles it with its remote, and
// asks a backend to fix whatever is failing. When the backend produces no
// changes the PR body is stamped with the resolved marker so the engine
// stops retrying a failure it cannot fix from code.
func (e *Engine) remediatePR(ctx context.Context, c selector.Candidate) error {
	if res := e.cfg.Git.Checkout(ctx, c.HeadRef); !res.Success {
		return fmt.Errorf("checking out %s: %s", c.HeadRef, res.Stderr)
	}
	if res := e.cfg.Syncer.Sync(ctx); !res.Success {
		return fmt.Errorf("syncing %s: %s", c.HeadRef, res.Stderr)
	}

	runner, err := e.cfg.Backends()
	if err != nil {
		return fmt.Errorf("acquiring backend: %w", err)
	}
	prompt := FixPrompt(c, e.cfg.MainBranch)
	if _, err := runner.RunPrompt(ctx, prompt); err != nil {
		return fmt.Errorf("running fix prompt for PR #%d: %w", c.Number, err)
	}

	if !e.cfg.Git.HasChanges(ctx) {
		e.cfg.Logger.Info("backend produced no changes, marking resolved", "number", c.Number)
		return e.markResolved(ctx, c)
	}

	if e.cfg.DryRun {
		e.cfg.Logger.Info("dry-run: would commit and push fix", "number", c.Number)
		return nil
	}
	if res := e.cfg.Git.CommitAll(ctx, fmt.Sprintf("Fix failing checks on #%d", c.Number)); !res.Success {
		return fmt.Errorf("committing fix: %s", res.Stderr)
	}
	if res := e.cfg.Git.Push(ctx, c.HeadRef); !res.Success {
		return fmt.Errorf("pushing fix: %s", res.Stderr)
	}

	// The old verdict is for a commit that no longer matters.
	e.cfg.Checks.Invalidate(e.cfg.Owner, e.cfg.Repo, c.HeadSHA)
	e.cfg.Logger.Info("pushed remediation", "number", c.Number)
	e.logActivity(c, "remediated", "")
	return nil
}

func (e *Engine) markResolved(ctx context.Context, c selector.Candidate) error {
	if e.cfg.DryRun {
		return nil
	}
	body := c.Body
	if body != "" {
		body += "\n\n"
	}
	body += selector.ResolvedMarker
	if err := e.cfg.GitHub.UpdatePRBody(ctx, e.cfg.Owner, e.cfg.Repo, c.Number, body); err != nil {
		return fmt.Errorf("marking PR #%d resolved: %w", c.Number, err)
	}
	e.logActivity(c, "resolved", "no automated fix available")
	return nil
}

// processIssue implements an issue on a dedicated branch and opens a PR
// for it. Reusing the branch name keeps retried runs idempotent: the
// existing branch and PR are picked up instead of duplicated.
func (e *Engine) processIssue(ctx context.Context, c selector.Candidate) error {
	if e.cfg.JulesMode {
		return e.dispatchToJules(ctx, c)
	}

	guard, ok := lock.Acquire(ctx, e.cfg.GitHub, e.cfg.Owner, e.cfg.Repo, c.Number, e.cfg.Lock, e.cfg.Logger)
	if !ok {
		e.cfg.Logger.Info("issue already in progress elsewhere", "number", c.Number)
		return nil
	}
	defer guard.Release(ctx)

	if res := e.cfg.Git.Checkout(ctx, e.cfg.MainBranch); !res.Success {
		return fmt.Errorf("checking out %s: %s", e.cfg.MainBranch, res.Stderr)
	}
	if res := e.cfg.Git.Pull(ctx); !res.Success {
		return fmt.Errorf("updating %s: %s", e.cfg.MainBranch, res.Stderr)
	}

	branch := IssueBranch(c.Number)
	if res := e.cfg.Git.CheckoutNew(ctx, branch); !res.Success {
		return fmt.Errorf("creating branch %s: %s", branch, res.Stderr)
	}

	runner, err := e.cfg.Backends()
	if err != nil {
		return fmt.Errorf("acquiring backend: %w", err)
	}
	if _, err := runner.RunPrompt(ctx, ImplementPrompt(c)); err != nil {
		return fmt.Errorf("running implement prompt for issue #%d: %w", c.Number, err)
	}

	if !e.cfg.Git.HasChanges(ctx) {
		e.cfg.Logger.Info("backend produced no changes for issue", "number", c.Number)
		e.logActivity(c, "no-changes", "")
		return nil
	}

	if e.cfg.DryRun {
		e.cfg.Logger.Info("dry-run: would commit, push and open PR", "number", c.Number)
		return nil
	}
	if res := e.cfg.Git.CommitAll(ctx, fmt.Sprintf("Implement #%d: %s", c.Number, c.Title)); !res.Success {
		return fmt.Errorf("committing implementation: %s", res.Stderr)
	}
	if res := e.cfg.Git.Push(ctx, branch); !res.Success {
		return fmt.Errorf("pushing %s: %s", branch, res.Stderr)
	}

	existing, err := e.cfg.GitHub.FindOpenPR(ctx, e.cfg.Owner, e.cfg.Repo, branch, e.cfg.MainBranch)
	if err != nil {
		return fmt.Errorf("looking for existing PR: %w", err)
	}
	if existing != nil {
		e.cfg.Logger.Info("pushed to existing PR", "issue", c.Number, "pr", existing.Number)
		e.logActivity(c, "updated", fmt.Sprintf("PR #%d", existing.Number))
		return nil
	}

	pr, err := e.cfg.GitHub.CreatePR(ctx, e.cfg.Owner, e.cfg.Repo, branch, e.cfg.MainBranch,
		fmt.Sprintf("Fix #%d: %s", c.Number, c.Title),
		fmt.Sprintf("Closes #%d.", c.Number))
	if err != nil {
		return fmt.Errorf("opening PR for issue #%d: %w", c.Number, err)
	}
	e.cfg.Logger.Info("opened PR for issue", "issue", c.Number, "pr", pr.Number)
	e.logActivity(c, "implemented", fmt.Sprintf("PR #%d", pr.Number))
	return nil
}

// dispatchToJules labels the issue for the Jules bot instead of running a
// local backend on it. Re-dispatch of an already-labeled issue is a no-op.
func (e *Engine) dispatchToJules(ctx context.Context, c selector.Candidate) error {
	for _, l := range c.Labels {
		if l == selector.JulesLabel {
			return nil
		}
	}
	if e.cfg.DryRun {
		e.cfg.Logger.Info("dry-run: would hand issue to jules", "number", c.Number)
		return nil
	}
	if err := e.cfg.GitHub.AddLabel(ctx, e.cfg.Owner, e.cfg.Repo, c.Number, selector.JulesLabel); err != nil {
		return fmt.Errorf("handing issue #%d to jules: %w", c.Number, err)
	}
	e.cfg.Logger.Info("handed issue to jules", "number", c.Number)
	e.logActivity(c, "jules", "")
	return nil
}

// recordDependabot stamps the pickup time after a Dependabot PR completes,
// starting the gate interval for the next batch.
func (e *Engine) recordDependabot(c selector.Candidate) {
	if !c.IsDependabot() || e.cfg.Store == nil {
		return
	}
	repo := e.cfg.Owner + "/" + e.cfg.Repo
	if err := e.cfg.Store.RecordDependabotRun(repo, e.cfg.Now()); err != nil {
		e.cfg.Logger.Warn("recording dependabot run failed", "error", err)
	}
}

func (e *Engine) logActivity(c selector.Candidate, event, detail string) {
	if e.cfg.Store == nil {
		return
	}
	repo := e.cfg.Owner + "/" + e.cfg.Repo
	if err := e.cfg.Store.LogActivity(repo, string(c.Kind), c.Number, event, detail); err != nil {
		e.cfg.Logger.Warn("recording activity failed", "error", err)
	}
}

// IssueBranch names the work branch for an issue.
func IssueBranch(number int) string {
	return fmt.Sprintf("auto-coder/issue-%d", number)
}

func prCandidate(pr githubapi.PR) selector.Candidate {
	return selector.Candidate{
		Kind:      selector.KindPR,
		Number:    pr.Number,
		Title:     pr.Title,
		Body:      pr.Body,
		Author:    pr.Author,
		Labels:    pr.Labels,
		NodeID:    pr.NodeID,
		HeadSHA:   pr.HeadSHA,
		HeadRef:   pr.HeadRef,
		BaseRef:   pr.BaseRef,
		Draft:     pr.Draft,
		Mergeable: pr.Mergeable,
	}
}

func issueCandidate(issue githubapi.Issue) selector.Candidate {
	return selector.Candidate{
		Kind:   selector.KindIssue,
		Number: issue.Number,
		Title:  issue.Title,
		Body:   issue.Body,
		Author: issue.Author,
		Labels: issue.Labels,
	}
}
