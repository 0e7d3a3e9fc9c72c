package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
repo: owner/repo
backends:
  default: claude
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Labels.InProgress != DefaultInProgressLabel {
		t.Errorf("expected default lock label, got %q", cfg.Labels.InProgress)
	}
	if cfg.MainBranch != "main" {
		t.Errorf("expected main branch default, got %q", cfg.MainBranch)
	}
	if cfg.MergeMethod != "squash" {
		t.Errorf("expected squash default, got %q", cfg.MergeMethod)
	}
	if cfg.Dependabot.Interval.Std() != 24*time.Hour {
		t.Errorf("expected 24h dependabot interval, got %v", cfg.Dependabot.Interval.Std())
	}
	if got := cfg.Backends.Order; len(got) != 1 || got[0] != "claude" {
		t.Errorf("expected order [claude], got %v", got)
	}
	if !cfg.LabelsEnabled() {
		t.Error("expected labels enabled by default")
	}
}

func TestLoad_ParsesDurations(t *testing.T) {
	path := writeConfig(t, `
repo: owner/repo
backends:
  default: claude
dependabot:
  interval: 12h
webhook:
  ready_delay: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dependabot.Interval.Std() != 12*time.Hour {
		t.Errorf("expected 12h, got %v", cfg.Dependabot.Interval.Std())
	}
	if cfg.Webhook.ReadyDelay.Std() != 90*time.Second {
		t.Errorf("expected 90s, got %v", cfg.Webhook.ReadyDelay.Std())
	}
}

func TestLoad_MissingRepoFails(t *testing.T) {
	path := writeConfig(t, `
backends:
  default: claude
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing repo")
	}
}

func TestLoad_BadMergeMethodFails(t *testing.T) {
	path := writeConfig(t, `
repo: owner/repo
merge_method: fast-forward
backends:
  default: claude
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad merge_method")
	}
}

func TestOwnerName_SplitsRepo(t *testing.T) {
	cfg := &Config{Repo: "kitamura-tetsuo/auto-coder"}
	if cfg.Owner() != "kitamura-tetsuo" {
		t.Errorf("unexpected owner %q", cfg.Owner())
	}
	if cfg.Name() != "auto-coder" {
		t.Errorf("unexpected name %q", cfg.Name())
	}
}

func TestRepoAllowed_MatchesPatterns(t *testing.T) {
	cfg := &Config{
		Repo:         "owner/repo",
		AllowedRepos: []string{"myorg/*"},
	}

	tests := []struct {
		fullName string
		want     bool
	}{
		{"owner/repo", true},
		{"myorg/anything", true},
		{"otherorg/repo", false},
		{"myorg/deep/nested", false},
	}
	for _, tt := range tests {
		if got := cfg.RepoAllowed(tt.fullName); got != tt.want {
			t.Errorf("RepoAllowed(%q) = %v, want %v", tt.fullName, got, tt.want)
		}
	}
}

func TestValidate_ReportsAppAuthIssues(t *testing.T) {
	cfg := &Config{
		Repo:   "owner/repo",
		GitHub: GitHubConfig{App: &AppConfig{}},
	}
	issues := cfg.Validate()
	if len(issues) != 3 {
		t.Errorf("expected 3 issues, got %d: %v", len(issues), issues)
	}
}

func TestLabelsEnabled_ExplicitFalse(t *testing.T) {
	disabled := false
	cfg := &Config{Labels: LabelsConfig{Enabled: &disabled}}
	if cfg.LabelsEnabled() {
		t.Error("expected labels disabled")
	}
}
