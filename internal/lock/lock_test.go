package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeLabeler struct {
	present   bool
	hasErr    error
	addErr    error
	removeErr error

	hasCalls    int
	addCalls    int
	removeCalls int
}

func (f *fakeLabeler) HasLabel(ctx context.Context, owner, repo string, number int, label string) (bool, error) {
	f.hasCalls++
	return f.present, f.hasErr
}

func (f *fakeLabeler) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.addCalls++
	return f.addErr
}

func (f *fakeLabeler) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.removeCalls++
	return f.removeErr
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func opts() Options {
	return Options{Enabled: true, Label: "auto-coder: in progress"}
}

func TestAcquire_AddsLabelAndReleases(t *testing.T) {
	f := &fakeLabeler{}

	guard, ok := Acquire(context.Background(), f, "owner", "repo", 7, opts(), discard())
	if !ok {
		t.Fatal("expected acquisition to succeed")
	}
	if f.addCalls != 1 {
		t.Errorf("expected 1 add call, got %d", f.addCalls)
	}

	guard.Release(context.Background())
	if f.removeCalls != 1 {
		t.Errorf("expected 1 remove call, got %d", f.removeCalls)
	}
}

func TestAcquire_LabelPresentSkips(t *testing.T) {
	f := &fakeLabeler{present: true}

	guard, ok := Acquire(context.Background(), f, "owner", "repo", 7, opts(), discard())
	if ok {
		t.Fatal("expected acquisition to fail when label present")
	}
	if guard != nil {
		t.Error("expected nil guard")
	}
	if f.addCalls != 0 || f.removeCalls != 0 {
		t.Errorf("expected no mutations, got add=%d remove=%d", f.addCalls, f.removeCalls)
	}
}

func TestAcquire_DisabledSkipsAPI(t *testing.T) {
	f := &fakeLabeler{}

	guard, ok := Acquire(context.Background(), f, "owner", "repo", 7, Options{Enabled: false, Label: "x"}, discard())
	if !ok {
		t.Fatal("expected success when disabled")
	}
	if f.hasCalls != 0 || f.addCalls != 0 {
		t.Errorf("expected no API calls, got has=%d add=%d", f.hasCalls, f.addCalls)
	}

	guard.Release(context.Background())
	if f.removeCalls != 0 {
		t.Errorf("expected no remove when nothing added, got %d", f.removeCalls)
	}
}

func TestAcquire_DryRunSkipsMutations(t *testing.T) {
	f := &fakeLabeler{}

	guard, ok := Acquire(context.Background(), f, "owner", "repo", 7, Options{Enabled: true, DryRun: true, Label: "x"}, discard())
	if !ok {
		t.Fatal("expected success in dry-run")
	}
	guard.Release(context.Background())
	if f.hasCalls != 0 || f.addCalls != 0 || f.removeCalls != 0 {
		t.Errorf("expected no API calls in dry-run, got has=%d add=%d remove=%d",
			f.hasCalls, f.addCalls, f.removeCalls)
	}
}

func TestAcquire_AddFailureStillProceeds(t *testing.T) {
	f := &fakeLabeler{addErr: errors.New("boom")}

	guard, ok := Acquire(context.Background(), f, "owner", "repo", 7, opts(), discard())
	if !ok {
		t.Fatal("expected to proceed despite add failure")
	}

	// The label was never set, so release must not remove it.
	guard.Release(context.Background())
	if f.removeCalls != 0 {
		t.Errorf("expected no remove call, got %d", f.removeCalls)
	}
}

func TestAcquire_HasLabelErrorProceeds(t *testing.T) {
	f := &fakeLabeler{hasErr: errors.New("boom")}

	_, ok := Acquire(context.Background(), f, "owner", "repo", 7, opts(), discard())
	if !ok {
		t.Fatal("expected to proceed when presence check fails")
	}
	if f.addCalls != 0 {
		t.Errorf("expected no add after failed check, got %d", f.addCalls)
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	f := &fakeLabeler{}

	guard, _ := Acquire(context.Background(), f, "owner", "repo", 7, opts(), discard())
	guard.Release(context.Background())
	guard.Release(context.Background())
	guard.Release(context.Background())

	if f.removeCalls != 1 {
		t.Errorf("expected exactly 1 remove call, got %d", f.removeCalls)
	}
}

func TestRelease_NilGuardIsSafe(t *testing.T) {
	var guard *Guard
	guard.Release(context.Background())
}
