package domain

import "time"

// ComputeStatus projects a subscription's effective status from its stored
// state at the given instant. It is a read-side view: nothing is persisted
// here, the sweep is the single authority that writes the same transitions
// back. The caller supplies the app's grace period explicitly; the function
// never consults a clock or the data store.
//
// Priority order, first match wins:
//
//	CANCELLED, EXPIRED          terminal, returned as-is
//	PAUSED                      manual-only, returned as-is
//	TRIALING                    PENDING_PAYMENT once trialEndsAt is reached
//	PENDING_PAYMENT / ACTIVE    PAST_DUE once the grace deadline has passed;
//	                            PENDING_PAYMENT when no period end exists
//	PAST_DUE                    only an explicit payment exits this state
//	anything else               passed through for forward compatibility
func ComputeStatus(sub Subscription, gracePeriodDays int, now time.Time) Status {
	switch sub.Status {
	case StatusCancelled, StatusExpired:
		return sub.Status

	case StatusPaused:
		return StatusPaused

	case StatusTrialing:
		if sub.TrialEndsAt != nil && !now.Before(*sub.TrialEndsAt) {
			return StatusPendingPayment
		}
		return StatusTrialing

	case StatusPendingPayment, StatusActive:
		if sub.CurrentPeriodEnd == nil {
			// Awaiting first payment; no grace deadline exists yet.
			return StatusPendingPayment
		}
		deadline := GraceDeadline(*sub.CurrentPeriodEnd, gracePeriodDays)
		if now.After(deadline) {
			return StatusPastDue
		}
		return sub.Status

	case StatusPastDue:
		return StatusPastDue

	default:
		return sub.Status
	}
}

// GraceDeadline is the last instant at which a subscription with the given
// period end is still considered current.
func GraceDeadline(periodEnd time.Time, gracePeriodDays int) time.Time {
	return periodEnd.Add(time.Duration(gracePeriodDays) * 24 * time.Hour)
}

// Eligibility predicates operate on the stored status, not the computed
// projection. A subscription whose trial lapsed a second ago is still
// TRIALING on disk until the sweep persists the transition, and remains
// pausable until then.

func CanBeCancelled(status Status) bool {
	switch status {
	case StatusActive, StatusTrialing, StatusPendingPayment, StatusPaused:
		return true
	default:
		return false
	}
}

func CanBePaused(status Status) bool {
	return status == StatusActive || status == StatusTrialing
}

func CanBeResumed(status Status) bool {
	return status == StatusPaused
}
