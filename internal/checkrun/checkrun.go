package checkrun

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kitamura-tetsuo/auto-coder/internal/githubapi"
)

// Fetcher retrieves check runs for a commit.
type Fetcher interface {
	FetchCheckRuns(ctx context.Context, owner, repo, ref string) ([]githubapi.CheckRun, error)
}

// Result summarizes the CI state of a commit after deduplicating re-runs.
type Result struct {
	// Success is true when every current check run completed successfully.
	// A commit with no check runs at all is also a success.
	Success bool

	// InProgress is true when at least one current check run has not
	// completed yet. Success is always false while InProgress is true.
	InProgress bool

	// IDs holds the id of the current run for each check name, in the
	// order the names first appear in the API response.
	IDs []int64
}

// Evaluator reduces a commit's check runs to a single pass/fail/pending
// verdict. Re-running a failed check leaves the old failed run in the API
// response, so only the most recent run per check name counts.
type Evaluator struct {
	fetcher Fetcher

	mu    sync.Mutex
	cache map[cacheKey]Result
}

type cacheKey struct {
	owner, repo, sha string
}

// New creates an Evaluator backed by the given fetcher.
func New(fetcher Fetcher) *Evaluator {
	return &Evaluator{
		fetcher: fetcher,
		cache:   make(map[cacheKey]Result),
	}
}

// Evaluate fetches and reduces the check runs for a commit. Results for a
// given (owner, repo, sha) are cached until Invalidate is called; pending
// results are not cached so callers see progress on re-evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, owner, repo, sha string) (Result, error) {
	key := cacheKey{owner, repo, sha}

	e.mu.Lock()
	if cached, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	runs, err := e.fetcher.FetchCheckRuns(ctx, owner, repo, sha)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating check runs for %s: %w", sha, err)
	}

	result := Reduce(runs)

	if !result.InProgress {
		e.mu.Lock()
		e.cache[key] = result
		e.mu.Unlock()
	}
	return result, nil
}

// Invalidate drops any cached result for the commit, forcing the next
// Evaluate to refetch. Call it after pushing a fix to the same branch.
func (e *Evaluator) Invalidate(owner, repo, sha string) {
	e.mu.Lock()
	delete(e.cache, cacheKey{owner, repo, sha})
	e.mu.Unlock()
}

// Reduce deduplicates check runs by name, keeping only the most recent run
// per name, and reduces the survivors to a verdict.
//
// Recency is decided by started_at; ties fall back to completed_at, then to
// the higher run id. Names keep the order in which they first appear.
func Reduce(runs []githubapi.CheckRun) Result {
	latest := make(map[string]githubapi.CheckRun)
	var order []string

	for _, run := range runs {
		current, seen := latest[run.Name]
		if !seen {
			latest[run.Name] = run
			order = append(order, run.Name)
			continue
		}
		if newer(run, current) {
			latest[run.Name] = run
		}
	}

	result := Result{Success: true}
	for _, name := range order {
		run := latest[name]
		result.IDs = append(result.IDs, run.ID)

		if run.Status != "completed" {
			result.InProgress = true
			result.Success = false
			continue
		}
		if run.Conclusion != "success" {
			result.Success = false
		}
	}

	if result.InProgress {
		result.Success = false
	}
	return result
}

// newer reports whether a supersedes b as the current run of a check name.
func newer(a, b githubapi.CheckRun) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	if !a.CompletedAt.Equal(b.CompletedAt) {
		return a.CompletedAt.After(b.CompletedAt)
	}
	return a.ID > b.ID
}

// FailedNames returns the names of checks whose current run completed
// unsuccessfully, sorted for stable prompt output.
func FailedNames(runs []githubapi.CheckRun) []string {
	latest := make(map[string]githubapi.CheckRun)
	for _, run := range runs {
		current, seen := latest[run.Name]
		if !seen || newer(run, current) {
			latest[run.Name] = run
		}
	}

	var failed []string
	for name, run := range latest {
		if run.Status != "completed" {
			continue
		}
		if run.Conclusion != "success" {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}
