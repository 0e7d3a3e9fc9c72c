package queue

import (
	"testing"
	"time"

	"github.com/kitamura-tetsuo/auto-coder/internal/selector"
)

func pr(number int) selector.Candidate {
	return selector.Candidate{Kind: selector.KindPR, Number: number}
}

func TestEnqueue_ImmediateIsReady(t *testing.T) {
	q := New()
	q.Enqueue(pr(1), 0)
	q.Enqueue(pr(2), 0)

	got := q.Drain()
	if len(got) != 2 || got[0].Number != 1 || got[1].Number != 2 {
		t.Errorf("expected FIFO [1 2], got %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty after drain, got %d", q.Len())
	}
}

func TestEnqueue_DelayedIsNotReadyYet(t *testing.T) {
	q := New()
	q.Enqueue(pr(1), time.Hour)

	if got := q.Drain(); len(got) != 0 {
		t.Errorf("expected nothing ready, got %v", got)
	}
	if q.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", q.Pending())
	}
}

func TestEnqueue_DelayedBecomesReady(t *testing.T) {
	q := New()
	q.Enqueue(pr(1), 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("candidate never became ready")
		}
		time.Sleep(time.Millisecond)
	}

	got := q.Drain()
	if len(got) != 1 || got[0].Number != 1 {
		t.Errorf("expected [1], got %v", got)
	}
	if q.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", q.Pending())
	}
}

func TestEnqueue_DoesNotBlock(t *testing.T) {
	q := New()
	start := time.Now()
	q.Enqueue(pr(1), time.Hour)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("enqueue blocked for %v", elapsed)
	}
}

func TestDrain_LeavesPendingAlone(t *testing.T) {
	q := New()
	q.Enqueue(pr(1), 0)
	q.Enqueue(pr(2), time.Hour)

	got := q.Drain()
	if len(got) != 1 || got[0].Number != 1 {
		t.Errorf("expected [1], got %v", got)
	}
	if q.Pending() != 1 {
		t.Errorf("expected delayed item still pending, got %d", q.Pending())
	}
}

func TestClose_DropsEverything(t *testing.T) {
	q := New()
	q.Enqueue(pr(1), 0)
	q.Enqueue(pr(2), time.Hour)
	q.Close()

	if q.Len() != 0 || q.Pending() != 0 {
		t.Errorf("expected empty queue, got len=%d pending=%d", q.Len(), q.Pending())
	}

	q.Enqueue(pr(3), 0)
	if q.Len() != 0 {
		t.Error("expected enqueue after close to drop")
	}
}
