package domain

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func TestComputeStatus_TerminalStatesAreSticky(t *testing.T) {
	periodEnd := ts("2025-01-01T00:00:00Z")
	farFuture := ts("2030-01-01T00:00:00Z")

	for _, status := range []Status{StatusCancelled, StatusExpired} {
		sub := Subscription{
			Status:           status,
			TrialEndsAt:      ptr(periodEnd),
			CurrentPeriodEnd: ptr(periodEnd),
		}
		if got := ComputeStatus(sub, 3, farFuture); got != status {
			t.Fatalf("terminal %s: expected %s, got %s", status, status, got)
		}
	}
}

func TestComputeStatus_PausedIsManualOnly(t *testing.T) {
	periodEnd := ts("2025-01-01T00:00:00Z")
	sub := Subscription{
		Status:           StatusPaused,
		CurrentPeriodEnd: ptr(periodEnd),
	}
	// Even long past the grace deadline, a paused subscription stays paused.
	now := periodEnd.AddDate(1, 0, 0)
	if got := ComputeStatus(sub, 3, now); got != StatusPaused {
		t.Fatalf("expected PAUSED, got %s", got)
	}
}

func TestComputeStatus_TrialBoundary(t *testing.T) {
	trialEnd := ts("2025-03-10T12:00:00Z")
	sub := Subscription{
		Status:      StatusTrialing,
		TrialEndsAt: ptr(trialEnd),
	}

	if got := ComputeStatus(sub, 3, trialEnd.Add(-time.Millisecond)); got != StatusTrialing {
		t.Fatalf("just before trial end: expected TRIALING, got %s", got)
	}
	// The trial ends at exactly trialEndsAt, not after it.
	if got := ComputeStatus(sub, 3, trialEnd); got != StatusPendingPayment {
		t.Fatalf("at trial end: expected PENDING_PAYMENT, got %s", got)
	}
	if got := ComputeStatus(sub, 3, trialEnd.Add(time.Hour)); got != StatusPendingPayment {
		t.Fatalf("after trial end: expected PENDING_PAYMENT, got %s", got)
	}
}

func TestComputeStatus_TrialingWithoutTrialEnd(t *testing.T) {
	sub := Subscription{Status: StatusTrialing}
	if got := ComputeStatus(sub, 3, ts("2030-01-01T00:00:00Z")); got != StatusTrialing {
		t.Fatalf("expected TRIALING, got %s", got)
	}
}

func TestComputeStatus_GraceDeadlineBoundary(t *testing.T) {
	periodEnd := ts("2025-06-01T00:00:00Z")
	grace := 3
	deadline := periodEnd.Add(72 * time.Hour)

	for _, status := range []Status{StatusActive, StatusPendingPayment} {
		sub := Subscription{
			Status:           status,
			CurrentPeriodEnd: ptr(periodEnd),
		}

		// Exactly at the deadline the stored status still holds.
		if got := ComputeStatus(sub, grace, deadline); got != status {
			t.Fatalf("%s at deadline: expected %s, got %s", status, status, got)
		}
		if got := ComputeStatus(sub, grace, deadline.Add(time.Nanosecond)); got != StatusPastDue {
			t.Fatalf("%s past deadline: expected PAST_DUE, got %s", status, got)
		}
	}
}

func TestComputeStatus_ZeroGracePeriod(t *testing.T) {
	periodEnd := ts("2025-06-01T00:00:00Z")
	sub := Subscription{
		Status:           StatusActive,
		CurrentPeriodEnd: ptr(periodEnd),
	}
	if got := ComputeStatus(sub, 0, periodEnd); got != StatusActive {
		t.Fatalf("at period end with zero grace: expected ACTIVE, got %s", got)
	}
	if got := ComputeStatus(sub, 0, periodEnd.Add(time.Second)); got != StatusPastDue {
		t.Fatalf("past period end with zero grace: expected PAST_DUE, got %s", got)
	}
}

func TestComputeStatus_NilPeriodEndMeansPendingPayment(t *testing.T) {
	for _, status := range []Status{StatusActive, StatusPendingPayment} {
		sub := Subscription{Status: status}
		for _, now := range []time.Time{
			ts("2020-01-01T00:00:00Z"),
			ts("2030-01-01T00:00:00Z"),
		} {
			if got := ComputeStatus(sub, 3, now); got != StatusPendingPayment {
				t.Fatalf("%s with nil period end at %v: expected PENDING_PAYMENT, got %s", status, now, got)
			}
		}
	}
}

func TestComputeStatus_PastDueRequiresExplicitPayment(t *testing.T) {
	periodEnd := ts("2025-06-01T00:00:00Z")
	sub := Subscription{
		Status:           StatusPastDue,
		CurrentPeriodEnd: ptr(periodEnd),
	}
	// Nothing the clock does brings a past-due subscription back.
	for _, now := range []time.Time{periodEnd.Add(-time.Hour), periodEnd, periodEnd.AddDate(0, 1, 0)} {
		if got := ComputeStatus(sub, 3, now); got != StatusPastDue {
			t.Fatalf("PAST_DUE at %v: expected PAST_DUE, got %s", now, got)
		}
	}
}

func TestComputeStatus_PeriodElapsedScenario(t *testing.T) {
	// An active subscription whose period ended and whose app allows three
	// grace days keeps reading ACTIVE until the deadline has fully passed.
	periodEnd := time.UnixMilli(1000).UTC()
	grace := 3
	sub := Subscription{
		Status:           StatusActive,
		CurrentPeriodEnd: ptr(periodEnd),
	}

	within := periodEnd.Add(48 * time.Hour)
	if got := ComputeStatus(sub, grace, within); got != StatusActive {
		t.Fatalf("within grace: expected ACTIVE, got %s", got)
	}

	after := periodEnd.Add(72*time.Hour + time.Millisecond)
	if got := ComputeStatus(sub, grace, after); got != StatusPastDue {
		t.Fatalf("after grace: expected PAST_DUE, got %s", got)
	}
}

func TestGraceDeadline(t *testing.T) {
	periodEnd := ts("2025-06-01T00:00:00Z")
	if got := GraceDeadline(periodEnd, 3); !got.Equal(ts("2025-06-04T00:00:00Z")) {
		t.Fatalf("expected 2025-06-04, got %v", got)
	}
	if got := GraceDeadline(periodEnd, 0); !got.Equal(periodEnd) {
		t.Fatalf("expected period end itself, got %v", got)
	}
}

func TestEligibilityPredicates(t *testing.T) {
	tests := []struct {
		status     Status
		pausable   bool
		resumable  bool
		cancelable bool
	}{
		{StatusActive, true, false, true},
		{StatusTrialing, true, false, true},
		{StatusPendingPayment, false, false, true},
		{StatusPastDue, false, false, false},
		{StatusPaused, false, true, true},
		{StatusCancelled, false, false, false},
		{StatusExpired, false, false, false},
	}
	for _, tt := range tests {
		if got := CanBePaused(tt.status); got != tt.pausable {
			t.Errorf("CanBePaused(%s) = %v, want %v", tt.status, got, tt.pausable)
		}
		if got := CanBeResumed(tt.status); got != tt.resumable {
			t.Errorf("CanBeResumed(%s) = %v, want %v", tt.status, got, tt.resumable)
		}
		if got := CanBeCancelled(tt.status); got != tt.cancelable {
			t.Errorf("CanBeCancelled(%s) = %v, want %v", tt.status, got, tt.cancelable)
		}
	}
}

func TestEligibilityUsesStoredStatusNotProjection(t *testing.T) {
	// A trial that lapsed moments ago still reads TRIALING on disk until the
	// sweep persists the transition, and remains pausable until then.
	trialEnd := ts("2025-03-10T12:00:00Z")
	sub := Subscription{
		Status:      StatusTrialing,
		TrialEndsAt: ptr(trialEnd),
	}
	now := trialEnd.Add(time.Minute)

	if got := ComputeStatus(sub, 3, now); got != StatusPendingPayment {
		t.Fatalf("projection: expected PENDING_PAYMENT, got %s", got)
	}
	if !CanBePaused(sub.Status) {
		t.Fatal("expected stored TRIALING status to remain pausable")
	}
}
