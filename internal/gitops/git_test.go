package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// testRepo initializes a real git repository with one commit.
func testRepo(t *testing.T) *Git {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	g := NewGit(dir)
	ctx := context.Background()

	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		if res := g.Exec(ctx, args...); !res.Success {
			t.Fatalf("git %v failed: %s", args, res.Stderr)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if res := g.CommitAll(ctx, "initial commit"); !res.Success {
		t.Fatalf("initial commit failed: %s", res.Stderr)
	}
	return g
}

func TestExec_CapturesFailure(t *testing.T) {
	g := testRepo(t)

	res := g.Exec(context.Background(), "checkout", "does-not-exist")
	if res.Success {
		t.Error("expected failure")
	}
	if res.ReturnCode == 0 {
		t.Error("expected non-zero return code")
	}
	if res.Stderr == "" {
		t.Error("expected stderr output")
	}
}

func TestHeadSHA_ReturnsCommitHash(t *testing.T) {
	g := testRepo(t)

	sha, err := g.HeadSHA(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sha) != 40 {
		t.Errorf("expected 40-char sha, got %q", sha)
	}
}

func TestCommitAll_NothingToCommitSucceeds(t *testing.T) {
	g := testRepo(t)

	if g.HasChanges(context.Background()) {
		t.Fatal("expected clean tree")
	}
	if res := g.CommitAll(context.Background(), "empty"); !res.Success {
		t.Errorf("expected no-op commit to succeed, got %+v", res)
	}
}

func TestCheckoutNew_ReusesExistingBranch(t *testing.T) {
	g := testRepo(t)
	ctx := context.Background()

	if res := g.CheckoutNew(ctx, "auto-coder/issue-3"); !res.Success {
		t.Fatalf("first checkout failed: %s", res.Stderr)
	}
	if res := g.Checkout(ctx, "main"); !res.Success {
		t.Fatalf("checkout main failed: %s", res.Stderr)
	}
	if res := g.CheckoutNew(ctx, "auto-coder/issue-3"); !res.Success {
		t.Errorf("expected existing branch to be reused, got %+v", res)
	}

	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if branch != "auto-coder/issue-3" {
		t.Errorf("expected branch auto-coder/issue-3, got %q", branch)
	}
}
