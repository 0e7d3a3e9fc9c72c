package selector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kitamura-tetsuo/auto-coder/internal/githubapi"
)

type fakeGitHub struct {
	issues []githubapi.Issue
	prs    []githubapi.PR

	fetched   map[int]githubapi.PR
	fetchErr  error
	readyErr  error
	readyIDs  []string
	labeled   []int
	labelErr  error
	fetchNums []int
}

func (f *fakeGitHub) ListOpenIssues(ctx context.Context, owner, repo string) ([]githubapi.Issue, error) {
	return f.issues, nil
}

func (f *fakeGitHub) ListOpenPRs(ctx context.Context, owner, repo string) ([]githubapi.PR, error) {
	return f.prs, nil
}

func (f *fakeGitHub) FetchPR(ctx context.Context, owner, repo string, number int) (githubapi.PR, error) {
	f.fetchNums = append(f.fetchNums, number)
	if f.fetchErr != nil {
		return githubapi.PR{}, f.fetchErr
	}
	return f.fetched[number], nil
}

func (f *fakeGitHub) MarkReadyForReview(ctx context.Context, nodeID string) error {
	if f.readyErr != nil {
		return f.readyErr
	}
	f.readyIDs = append(f.readyIDs, nodeID)
	return nil
}

func (f *fakeGitHub) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	if f.labelErr != nil {
		return f.labelErr
	}
	f.labeled = append(f.labeled, number)
	return nil
}

type fakeStore struct {
	last time.Time
	ok   bool
	err  error
}

func (f *fakeStore) LastDependabotRun(repo string) (time.Time, bool, error) {
	return f.last, f.ok, f.err
}

func testSelector(gh *fakeGitHub, store *fakeStore, opts Options) *Selector {
	if opts.Owner == "" {
		opts.Owner, opts.Repo = "owner", "repo"
	}
	if opts.LockLabel == "" {
		opts.LockLabel = "auto-coder: in progress"
	}
	return New(gh, store, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func numbers(cs []Candidate) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.Number
	}
	return out
}

func TestSelect_OrdersByPriorityThenKindThenNumber(t *testing.T) {
	gh := &fakeGitHub{
		prs: []githubapi.PR{
			{Number: 20, Title: "low", Labels: []string{"priority:5"}},
			{Number: 10, Title: "plain"},
		},
		issues: []githubapi.Issue{
			{Number: 3, Title: "urgent", Labels: []string{"priority:1"}},
			{Number: 5, Title: "plain issue"},
		},
	}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// priority 1 issue, priority 5 PR, then default-priority PR before issue
	want := []int{3, 20, 10, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, numbers(got))
	}
	for i := range want {
		if got[i].Number != want[i] {
			t.Errorf("position %d: expected #%d, got #%d", i, want[i], got[i].Number)
		}
	}
}

func TestSelect_SkipsLockedItems(t *testing.T) {
	gh := &fakeGitHub{
		prs:    []githubapi.PR{{Number: 1, Labels: []string{"auto-coder: in progress"}}},
		issues: []githubapi.Issue{{Number: 2, Labels: []string{"auto-coder: in progress"}}},
	}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates, got %v", numbers(got))
	}
}

func TestSelect_SkipsResolvedPRs(t *testing.T) {
	gh := &fakeGitHub{
		prs: []githubapi.PR{{Number: 1, Body: "fixed\n" + ResolvedMarker}},
	}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected resolved PR skipped, got %v", numbers(got))
	}
}

func TestSelect_DependabotGate(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	pr := githubapi.PR{Number: 8, Author: "dependabot[bot]"}

	tests := []struct {
		name  string
		store *fakeStore
		want  int
	}{
		{"never processed", &fakeStore{}, 1},
		{"processed recently", &fakeStore{last: now.Add(-time.Hour), ok: true}, 0},
		{"interval elapsed", &fakeStore{last: now.Add(-25 * time.Hour), ok: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gh := &fakeGitHub{prs: []githubapi.PR{pr}}
			s := testSelector(gh, tt.store, Options{
				DependabotInterval: 24 * time.Hour,
				Now:                func() time.Time { return now },
			})
			got, err := s.Select(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d candidates, got %v", tt.want, numbers(got))
			}
		})
	}
}

func TestSelect_StoreErrorGatesDependabotOnly(t *testing.T) {
	gh := &fakeGitHub{prs: []githubapi.PR{
		{Number: 8, Author: "dependabot[bot]"},
		{Number: 9, Author: "alice"},
	}}
	s := testSelector(gh, &fakeStore{err: errors.New("db locked")}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Number != 9 {
		t.Errorf("expected only the human PR, got %v", numbers(got))
	}
}

func TestSelect_UndraftsFinishedJulesPR(t *testing.T) {
	gh := &fakeGitHub{prs: []githubapi.PR{{
		Number: 4,
		NodeID: "PR_jules",
		Author: "google-labs-jules[bot]",
		Draft:  true,
		Body:   "I finished the task.",
	}}}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Draft {
		t.Fatalf("expected undrafted candidate, got %+v", got)
	}
	if len(gh.readyIDs) != 1 || gh.readyIDs[0] != "PR_jules" {
		t.Errorf("expected mark-ready for PR_jules, got %v", gh.readyIDs)
	}
}

func TestSelect_LeavesActiveJulesSessionAlone(t *testing.T) {
	gh := &fakeGitHub{prs: []githubapi.PR{{
		Number: 4,
		Author: "google-labs-jules[bot]",
		Draft:  true,
		Body:   "Working on it: https://jules.google.com/task/123",
	}}}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected active session skipped, got %v", numbers(got))
	}
	if len(gh.readyIDs) != 0 {
		t.Errorf("expected no mark-ready calls, got %v", gh.readyIDs)
	}
}

func TestSelect_EmptyDraftBodyTriggersDetailFetch(t *testing.T) {
	gh := &fakeGitHub{
		prs: []githubapi.PR{{
			Number: 4,
			NodeID: "PR_jules",
			Author: "google-labs-jules[bot]",
			Draft:  true,
		}},
		fetched: map[int]githubapi.PR{
			4: {Number: 4, Body: "Working: https://jules.google.com/task/9"},
		},
	}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gh.fetchNums) != 1 || gh.fetchNums[0] != 4 {
		t.Errorf("expected detail fetch for #4, got %v", gh.fetchNums)
	}
	if len(got) != 0 {
		t.Errorf("expected active session skipped, got %v", numbers(got))
	}
}

func TestSelect_NonJulesDraftsAreSkipped(t *testing.T) {
	gh := &fakeGitHub{prs: []githubapi.PR{{Number: 4, Author: "alice", Draft: true}}}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected human draft skipped, got %v", numbers(got))
	}
}

func TestSelect_UndraftFailureIsolatedToThatPR(t *testing.T) {
	gh := &fakeGitHub{
		prs: []githubapi.PR{
			{Number: 4, NodeID: "PR_jules", Author: "google-labs-jules[bot]", Draft: true, Body: "done"},
			{Number: 5, Author: "alice", Body: "ready"},
		},
		readyErr: errors.New("graphql down"),
	}
	s := testSelector(gh, &fakeStore{}, Options{})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Number != 5 {
		t.Errorf("expected only #5, got %v", numbers(got))
	}
}

func TestSelect_JulesModeDispatchesIssues(t *testing.T) {
	gh := &fakeGitHub{issues: []githubapi.Issue{
		{Number: 1, Title: "new"},
		{Number: 2, Title: "already handed off", Labels: []string{"jules"}},
	}}
	s := testSelector(gh, &fakeStore{}, Options{JulesMode: true})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no local issue candidates in jules mode, got %v", numbers(got))
	}
	if len(gh.labeled) != 1 || gh.labeled[0] != 1 {
		t.Errorf("expected only #1 labeled, got %v", gh.labeled)
	}
}

func TestSelect_DryRunSkipsMutations(t *testing.T) {
	gh := &fakeGitHub{
		prs: []githubapi.PR{{
			Number: 4, NodeID: "PR_jules", Author: "google-labs-jules[bot]",
			Draft: true, Body: "done",
		}},
		issues: []githubapi.Issue{{Number: 1}},
	}
	s := testSelector(gh, &fakeStore{}, Options{JulesMode: true, DryRun: true})

	got, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gh.readyIDs) != 0 || len(gh.labeled) != 0 {
		t.Errorf("expected no mutations in dry-run, got ready=%v labeled=%v", gh.readyIDs, gh.labeled)
	}
	// The finished draft is still selectable in dry-run.
	if len(got) != 1 || got[0].Number != 4 {
		t.Errorf("expected #4 selected, got %v", numbers(got))
	}
}

func TestPriorityFromLabels(t *testing.T) {
	tests := []struct {
		labels []string
		want   int
	}{
		{nil, DefaultPriority},
		{[]string{"bug"}, DefaultPriority},
		{[]string{"priority:3"}, 3},
		{[]string{"priority:7", "priority:2"}, 2},
		{[]string{"priority:abc"}, DefaultPriority},
	}
	for _, tt := range tests {
		if got := priorityFromLabels(tt.labels); got != tt.want {
			t.Errorf("priorityFromLabels(%v) = %d, want %d", tt.labels, got, tt.want)
		}
	}
}

func TestShouldProcessDependabot(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	if !ShouldProcessDependabot(now, time.Time{}, false, 24*time.Hour) {
		t.Error("expected unrecorded repo to qualify")
	}
	if ShouldProcessDependabot(now, now.Add(-time.Hour), true, 24*time.Hour) {
		t.Error("expected recent pickup to be gated")
	}
	if !ShouldProcessDependabot(now, now.Add(-24*time.Hour), true, 24*time.Hour) {
		t.Error("expected exact interval boundary to qualify")
	}
}
