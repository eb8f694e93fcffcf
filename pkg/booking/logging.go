package booking

import (
	"context"
	"time"
)

// CoordinatorOption configures a Coordinator instance.
type CoordinatorOption func(*Coordinator)

// OperationLogger records the outcome of every reservation operation,
// including reconciliation alerts for refunds that could not be applied.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one coordinator operation.
type OperationLog struct {
	Operation string
	MemberID  string
	ClassID   string
	State     AttemptState
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.logger = logger
	}
}

// WithEventSink wires the notification collaborator.
func WithEventSink(sink EventSink) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.events = sink
	}
}

// WithHistoryRecorder wires the audit sink.
func WithHistoryRecorder(recorder HistoryRecorder) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.recorder = recorder
	}
}

// WithBookingCutoff overrides the minimum lead time for new reservations.
func WithBookingCutoff(cutoff time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.bookingCutoff = cutoff
	}
}

// WithCancellationCutoff overrides the minimum lead time for cancellations.
func WithCancellationCutoff(cutoff time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.cancellationCutoff = cutoff
	}
}

// WithRefundRetry bounds the automatic retry of the compensating refund.
func WithRefundRetry(attempts int, backoff time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if attempts > 0 {
			coordinator.refundAttempts = attempts
		}
		coordinator.refundBackoff = backoff
	}
}
