package booking

import "time"

const (
	operationReserve = "reserve"
	operationCancel  = "cancel"

	// StatusReconciliationAlert marks an operation log entry whose refund
	// could not be applied; the reconciliation sweep owns the repair.
	StatusOK                  = "ok"
	StatusError               = "error"
	StatusReconciliationAlert = "reconciliation_alert"

	// Lead-time policies enforced by the reservation path. The booking
	// cutoff is exclusive on the near side: booking stays open while
	// timeUntilStart > cutoff.
	defaultBookingCutoff      = time.Hour
	defaultCancellationCutoff = 2 * time.Hour

	defaultRefundAttempts = 3
	defaultRefundBackoff  = 100 * time.Millisecond

	payloadKeyTitle          = "title"
	payloadKeyScheduledStart = "scheduled_start"
	payloadKeyRemaining      = "remaining_credits"
	payloadKeyReason         = "reason"
)
