package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kitamura-tetsuo/auto-coder/internal/githubapi"
)

// Kind distinguishes candidate types.
type Kind string

const (
	KindPR    Kind = "pr"
	KindIssue Kind = "issue"
)

// ResolvedMarker in a PR body means a previous run already remediated it
// and a human asked for no further automated pushes.
const ResolvedMarker = "<!-- auto-coder:resolved -->"

// DefaultPriority applies to items without a priority label. Lower numbers
// are more urgent.
const DefaultPriority = 100

// JulesLabel marks an issue as handed to the Jules bot.
const JulesLabel = "jules"

const (
	julesAuthor  = "google-labs-jules[bot]"
	julesSession = "jules.google.com"
	dependabot   = "dependabot[bot]"
)

// Candidate is one unit of work: an open PR to merge or fix, or an open
// issue to implement.
type Candidate struct {
	Kind     Kind
	Number   int
	Title    string
	Body     string
	Author   string
	Priority int
	Labels   []string

	// PR-only fields.
	NodeID    string
	HeadSHA   string
	HeadRef   string
	BaseRef   string
	Draft     bool
	Mergeable *bool
}

// IsDependabot reports whether the candidate is a Dependabot PR.
func (c Candidate) IsDependabot() bool {
	return c.Kind == KindPR && c.Author == dependabot
}

// lister is the GitHub surface the selector reads and, for the Jules
// hand-off, mutates.
type lister interface {
	ListOpenIssues(ctx context.Context, owner, repo string) ([]githubapi.Issue, error)
	ListOpenPRs(ctx context.Context, owner, repo string) ([]githubapi.PR, error)
	FetchPR(ctx context.Context, owner, repo string, number int) (githubapi.PR, error)
	MarkReadyForReview(ctx context.Context, nodeID string) error
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
}

// runStore supplies the last Dependabot pickup time.
type runStore interface {
	LastDependabotRun(repo string) (time.Time, bool, error)
}

// Options configures selection.
type Options struct {
	Owner string
	Repo  string

	// LockLabel marks items already being worked on; such items are
	// skipped. Empty disables the filter.
	LockLabel string

	// DependabotInterval gates how often Dependabot PRs are picked up.
	DependabotInterval time.Duration

	// JulesMode hands issues to the Jules bot by label instead of
	// implementing them locally.
	JulesMode bool

	DryRun bool

	// Now is the clock, overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// Selector builds the prioritized worklist of PRs and issues to process.
type Selector struct {
	gh     lister
	store  runStore
	opts   Options
	logger *slog.Logger
}

// New creates a Selector.
func New(gh lister, store runStore, opts Options, logger *slog.Logger) *Selector {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DependabotInterval == 0 {
		opts.DependabotInterval = 24 * time.Hour
	}
	return &Selector{gh: gh, store: store, opts: opts, logger: logger}
}

// Select lists open PRs and issues, filters out items that must not be
// touched, and returns the survivors ordered by priority. PRs sort before
// issues at equal priority: merging finished work beats starting new work.
func (s *Selector) Select(ctx context.Context) ([]Candidate, error) {
	prs, err := s.gh.ListOpenPRs(ctx, s.opts.Owner, s.opts.Repo)
	if err != nil {
		return nil, fmt.Errorf("selecting candidates: %w", err)
	}
	issues, err := s.gh.ListOpenIssues(ctx, s.opts.Owner, s.opts.Repo)
	if err != nil {
		return nil, fmt.Errorf("selecting candidates: %w", err)
	}

	var out []Candidate

	processDependabot, err := s.shouldProcessDependabot()
	if err != nil {
		s.logger.Warn("reading dependabot gate failed, skipping dependabot PRs", "error", err)
		processDependabot = false
	}

	for _, pr := range prs {
		c := prCandidate(pr)
		if s.skipCommon(c) {
			continue
		}
		if strings.Contains(pr.Body, ResolvedMarker) {
			s.logger.Debug("skipping resolved PR", "number", pr.Number)
			continue
		}
		if c.IsDependabot() && !processDependabot {
			s.logger.Debug("dependabot PR gated", "number", pr.Number)
			continue
		}
		if pr.Draft {
			ready, err := s.handleDraft(ctx, pr)
			if err != nil {
				// One broken draft must not sink the whole selection.
				s.logger.Warn("handling draft PR failed", "number", pr.Number, "error", err)
				continue
			}
			if !ready {
				continue
			}
			c.Draft = false
		}
		out = append(out, c)
	}

	for _, issue := range issues {
		c := issueCandidate(issue)
		if s.skipCommon(c) {
			continue
		}
		if s.opts.JulesMode {
			s.dispatchToJules(ctx, issue)
			continue
		}
		out = append(out, c)
	}

	sortCandidates(out)
	return out, nil
}

func (s *Selector) skipCommon(c Candidate) bool {
	if s.opts.LockLabel == "" {
		return false
	}
	for _, l := range c.Labels {
		if l == s.opts.LockLabel {
			s.logger.Debug("skipping in-progress item", "kind", c.Kind, "number", c.Number)
			return true
		}
	}
	return false
}

// handleDraft decides what to do with a draft PR. Jules leaves its PRs in
// draft when it finishes; a finished Jules PR (no live session link in the
// body) is flipped to ready-for-review and processed this same cycle.
// Other drafts are someone's work in progress and are left alone.
func (s *Selector) handleDraft(ctx context.Context, pr githubapi.PR) (ready bool, err error) {
	if pr.Author != julesAuthor {
		return false, nil
	}

	body := pr.Body
	if body == "" {
		// The list API can omit bodies; confirm with a direct fetch
		// before deciding the session is over.
		full, err := s.gh.FetchPR(ctx, s.opts.Owner, s.opts.Repo, pr.Number)
		if err != nil {
			return false, fmt.Errorf("fetching draft PR #%d: %w", pr.Number, err)
		}
		body = full.Body
	}
	if strings.Contains(body, julesSession) {
		return false, nil
	}

	if s.opts.DryRun {
		return true, nil
	}
	if err := s.gh.MarkReadyForReview(ctx, pr.NodeID); err != nil {
		return false, fmt.Errorf("undrafting PR #%d: %w", pr.Number, err)
	}
	s.logger.Info("marked finished jules PR ready for review", "number", pr.Number)
	return true, nil
}

// dispatchToJules labels the issue for the Jules bot. Failures are logged
// only; the label can be added next cycle.
func (s *Selector) dispatchToJules(ctx context.Context, issue githubapi.Issue) {
	for _, l := range issue.Labels {
		if l == JulesLabel {
			return
		}
	}
	if s.opts.DryRun {
		s.logger.Info("dry-run: would hand issue to jules", "number", issue.Number)
		return
	}
	if err := s.gh.AddLabel(ctx, s.opts.Owner, s.opts.Repo, issue.Number, JulesLabel); err != nil {
		s.logger.Warn("labeling issue for jules failed", "number", issue.Number, "error", err)
		return
	}
	s.logger.Info("handed issue to jules", "number", issue.Number)
}

func (s *Selector) shouldProcessDependabot() (bool, error) {
	repo := s.opts.Owner + "/" + s.opts.Repo
	last, ok, err := s.store.LastDependabotRun(repo)
	if err != nil {
		return false, err
	}
	return ShouldProcessDependabot(s.opts.Now(), last, ok, s.opts.DependabotInterval), nil
}

// ShouldProcessDependabot reports whether enough time has passed since the
// last Dependabot pickup. A repo with no recorded pickup always qualifies.
func ShouldProcessDependabot(now, last time.Time, recorded bool, interval time.Duration) bool {
	if !recorded {
		return true
	}
	return now.Sub(last) >= interval
}

// sortCandidates orders by priority, then PRs before issues, then number.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Kind != b.Kind {
			return a.Kind == KindPR
		}
		return a.Number < b.Number
	})
}

// priorityFromLabels extracts the lowest "priority:N" label value, or
// DefaultPriority when none is present.
func priorityFromLabels(labels []string) int {
	best := DefaultPriority
	for _, l := range labels {
		rest, ok := strings.CutPrefix(l, "priority:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			continue
		}
		if n < best {
			best = n
		}
	}
	return best
}

func prCandidate(pr githubapi.PR) Candidate {
	return Candidate{
		Kind:      KindPR,
		Number:    pr.Number,
		Title:     pr.Title,
		Body:      pr.Body,
		Author:    pr.Author,
		Priority:  priorityFromLabels(pr.Labels),
		Labels:    pr.Labels,
		NodeID:    pr.NodeID,
		HeadSHA:   pr.HeadSHA,
		HeadRef:   pr.HeadRef,
		BaseRef:   pr.BaseRef,
		Draft:     pr.Draft,
		Mergeable: pr.Mergeable,
	}
}

func issueCandidate(issue githubapi.Issue) Candidate {
	return Candidate{
		Kind:     KindIssue,
		Number:   issue.Number,
		Title:    issue.Title,
		Body:     issue.Body,
		Author:   issue.Author,
		Priority: priorityFromLabels(issue.Labels),
		Labels:   issue.Labels,
	}
}
