package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSubscriptionStore struct {
	pastDueCutoff  time.Time
	inactiveCutoff time.Time
	pastDueErr     error
	inactiveErr    error
}

func (s *stubSubscriptionStore) MarkPastDueSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.pastDueCutoff = cutoff
	return 1, s.pastDueErr
}

func (s *stubSubscriptionStore) MarkInactiveSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.inactiveCutoff = cutoff
	return 1, s.inactiveErr
}

func TestSweepExpiredUsesGraceCutoffs(t *testing.T) {
	subs := &stubSubscriptionStore{}
	sweeper := NewSweeper(subs, 72*time.Hour, testLogger())
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	sweeper.now = func() time.Time { return now }

	sweeper.SweepExpired()

	if want := now.Add(-72 * time.Hour); !subs.pastDueCutoff.Equal(want) {
		t.Fatalf("expected past-due cutoff %v, got %v", want, subs.pastDueCutoff)
	}
	if want := now.Add(-144 * time.Hour); !subs.inactiveCutoff.Equal(want) {
		t.Fatalf("expected inactive cutoff %v, got %v", want, subs.inactiveCutoff)
	}
}

func TestSweepExpiredContinuesPastErrors(t *testing.T) {
	subs := &stubSubscriptionStore{inactiveErr: errors.New("deadlock")}
	sweeper := NewSweeper(subs, time.Hour, testLogger())

	// Must not panic, and the past-due pass still runs.
	sweeper.SweepExpired()
	if subs.pastDueCutoff.IsZero() {
		t.Fatal("expected past-due sweep to run despite inactive sweep failure")
	}
}
