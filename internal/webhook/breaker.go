package webhook

import "time"

// failureThreshold and failureWindow give the spec's auto-deactivation rule:
// failureCount >= 10 within 24h trips the subscription off.
const (
	failureThreshold = 10
	failureWindow    = 24 * time.Hour
)

// recordDeliveryFailure bumps a subscription's failure bookkeeping and
// reports whether it should now be deactivated. Generalizes the teacher's
// CircuitBreaker (internal/engine/failover.go) from "LLM provider" to
// "webhook endpoint": a rolling failure counter reset once its window
// elapses, tripping once a threshold is crossed.
func recordDeliveryFailure(sub *Subscription, now time.Time) (shouldDeactivate bool) {
	if sub.FailureWindowStartedAt == nil || now.Sub(*sub.FailureWindowStartedAt) > failureWindow {
		sub.FailureWindowStartedAt = &now
		sub.FailureCount = 0
	}
	sub.FailureCount++
	return sub.FailureCount >= failureThreshold
}
