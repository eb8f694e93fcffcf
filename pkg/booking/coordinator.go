package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lotusloft/studio/pkg/credits"
)

// Result reports a successful reservation outcome.
type Result struct {
	State            AttemptState
	RemainingCredits credits.Credits
}

// Coordinator drives the booking saga: validate eligibility, debit the
// credit, attempt enrollment, and compensate with a refund when the
// enrollment half fails. The ledger and the catalog commit independently;
// there is no cross-entity transaction, which is why the compensation
// step exists.
type Coordinator struct {
	catalog  Catalog
	ledger   CreditLedger
	recorder HistoryRecorder
	events   EventSink
	logger   OperationLogger
	nowFn    func() time.Time

	bookingCutoff      time.Duration
	cancellationCutoff time.Duration
	refundAttempts     int
	refundBackoff      time.Duration
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(catalog Catalog, ledger CreditLedger, now func() time.Time, options ...CoordinatorOption) (*Coordinator, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidCoordinatorConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: credit ledger dependency is nil", ErrInvalidCoordinatorConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidCoordinatorConfig)
	}
	coordinator := &Coordinator{
		catalog:            catalog,
		ledger:             ledger,
		nowFn:              now,
		bookingCutoff:      defaultBookingCutoff,
		cancellationCutoff: defaultCancellationCutoff,
		refundAttempts:     defaultRefundAttempts,
		refundBackoff:      defaultRefundBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// Reserve books one seat for the member, debiting one credit. A retried
// call for an already-enrolled member short-circuits with ErrAlreadyBooked
// before any credit is touched; the system never charges twice for one
// seat.
func (coordinator *Coordinator) Reserve(ctx context.Context, memberID credits.MemberID, classID ClassID) (Result, error) {
	saga := newAttempt(memberID.String(), classID.String())
	result, operationError := coordinator.reserve(ctx, memberID, classID, saga)
	coordinator.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		MemberID:  memberID.String(),
		ClassID:   classID.String(),
		State:     saga.state,
		Error:     operationError,
	})
	return result, operationError
}

func (coordinator *Coordinator) reserve(ctx context.Context, memberID credits.MemberID, classID ClassID, saga *attempt) (Result, error) {
	class, err := coordinator.catalog.GetClassForBooking(ctx, classID.String())
	if err != nil {
		return coordinator.reject(saga, err)
	}
	if class.Status != ClassStatusActive {
		return coordinator.reject(saga, fmt.Errorf("%w: status %s", ErrClassNotActive, class.Status))
	}
	if class.IsEnrolled(memberID.String()) {
		return coordinator.reject(saga, ErrAlreadyBooked)
	}

	now := coordinator.nowFn()
	timeUntilStart := class.ScheduledStart.Sub(now)
	if timeUntilStart <= 0 {
		// A class already in progress or past is simply not offered.
		return coordinator.reject(saga, fmt.Errorf("%w: class already started", ErrClassNotActive))
	}
	if timeUntilStart <= coordinator.bookingCutoff {
		return coordinator.reject(saga, ErrTooLateToBook)
	}

	eligibility, err := coordinator.ledger.CheckCanConsume(ctx, memberID)
	if err != nil {
		return coordinator.reject(saga, err)
	}
	if !eligibility.Allowed {
		return coordinator.reject(saga, fmt.Errorf("%w: %s", ErrInsufficientCredits, eligibility.Reason))
	}
	if err := saga.transition(StateCreditChecked); err != nil {
		return Result{}, err
	}

	attemptID := uuid.NewString()
	remaining, err := coordinator.ledger.Consume(
		ctx,
		memberID,
		1,
		"lesson booking: "+classID.String(),
		classID.String(),
		"booking:"+classID.String()+":"+attemptID,
	)
	if err != nil {
		// Lost the race to another consumer; nothing was debited and no
		// enrollment is attempted.
		if errors.Is(err, credits.ErrInsufficientCredits) {
			err = fmt.Errorf("%w: balance exhausted", ErrInsufficientCredits)
		}
		_ = saga.transition(StateRejected)
		return Result{}, err
	}
	if err := saga.transition(StateCreditConsumed); err != nil {
		return Result{}, err
	}

	enrollErr := coordinator.catalog.TryEnroll(ctx, classID.String(), memberID.String())
	if errors.Is(enrollErr, ErrEnrollConflict) {
		// One bounded retry of the availability check; a second conflict
		// means another member took the last seat.
		enrollErr = coordinator.catalog.TryEnroll(ctx, classID.String(), memberID.String())
		if errors.Is(enrollErr, ErrEnrollConflict) {
			enrollErr = ErrClassFull
		}
	}
	if enrollErr != nil {
		coordinator.compensate(ctx, memberID, classID, attemptID)
		_ = saga.transition(StateRefundedAndRejected)
		coordinator.emit(ctx, Event{
			Type:     EventBookingFailed,
			MemberID: memberID.String(),
			ClassID:  classID.String(),
			Payload: map[string]string{
				payloadKeyTitle:  class.Title,
				payloadKeyReason: ReasonCode(enrollErr),
			},
		})
		if errors.Is(enrollErr, ErrAlreadyEnrolled) {
			enrollErr = ErrAlreadyBooked
		}
		return Result{}, enrollErr
	}

	if err := saga.transition(StateEnrolled); err != nil {
		return Result{}, err
	}
	coordinator.record(ctx, HistoryRecord{
		MemberID:   memberID.String(),
		ClassID:    classID.String(),
		Action:     ActionBooked,
		Snapshot:   class.Snapshot(),
		RecordedAt: now,
	})
	coordinator.emit(ctx, Event{
		Type:     EventBookingConfirmed,
		MemberID: memberID.String(),
		ClassID:  classID.String(),
		Payload: map[string]string{
			payloadKeyTitle:          class.Title,
			payloadKeyScheduledStart: class.ScheduledStart.UTC().Format(time.RFC3339),
			payloadKeyRemaining:      strconv.Itoa(int(remaining)),
		},
	})
	return Result{State: StateEnrolled, RemainingCredits: remaining}, nil
}

// Cancel releases the member's seat and refunds the booking credit.
// The unenroll commits strictly before the refund: a retried cancel then
// fails with ErrNotEnrolled instead of refunding twice.
func (coordinator *Coordinator) Cancel(ctx context.Context, memberID credits.MemberID, classID ClassID) (credits.Credits, error) {
	remaining, operationError := coordinator.cancel(ctx, memberID, classID)
	coordinator.logOperation(ctx, OperationLog{
		Operation: operationCancel,
		MemberID:  memberID.String(),
		ClassID:   classID.String(),
		Error:     operationError,
	})
	return remaining, operationError
}

func (coordinator *Coordinator) cancel(ctx context.Context, memberID credits.MemberID, classID ClassID) (credits.Credits, error) {
	class, err := coordinator.catalog.GetClassForBooking(ctx, classID.String())
	if err != nil {
		return 0, err
	}
	if !class.IsEnrolled(memberID.String()) {
		return 0, ErrNotEnrolled
	}
	now := coordinator.nowFn()
	if class.ScheduledStart.Sub(now) < coordinator.cancellationCutoff {
		return 0, ErrCancellationWindowPassed
	}
	if err := coordinator.catalog.TryUnenroll(ctx, classID.String(), memberID.String()); err != nil {
		return 0, err
	}

	attemptID := uuid.NewString()
	remaining, refundErr := coordinator.retryRefund(
		ctx,
		memberID,
		"cancellation: "+classID.String(),
		classID.String(),
		"cancellation:"+classID.String()+":"+attemptID,
	)
	if refundErr != nil {
		// The seat is released; the missing refund is left for the
		// reconciliation sweep rather than surfaced as a cancel failure.
		coordinator.logOperation(ctx, OperationLog{
			Operation: operationCancel,
			MemberID:  memberID.String(),
			ClassID:   classID.String(),
			Status:    StatusReconciliationAlert,
			Error:     refundErr,
		})
	}
	if remaining == 0 {
		// A one-credit refund always leaves at least one credit, so zero
		// means the refund resolved out of band (duplicate reference) or is
		// pending reconciliation. Report the live balance instead.
		if eligibility, err := coordinator.ledger.CheckCanConsume(ctx, memberID); err == nil {
			remaining = eligibility.Remaining
		}
	}
	coordinator.record(ctx, HistoryRecord{
		MemberID:   memberID.String(),
		ClassID:    classID.String(),
		Action:     ActionCancelled,
		Snapshot:   class.Snapshot(),
		RecordedAt: now,
	})
	coordinator.emit(ctx, Event{
		Type:     EventBookingCancelled,
		MemberID: memberID.String(),
		ClassID:  classID.String(),
		Payload: map[string]string{
			payloadKeyTitle:          class.Title,
			payloadKeyScheduledStart: class.ScheduledStart.UTC().Format(time.RFC3339),
		},
	})
	return remaining, nil
}

// compensate refunds the debit of a failed enrollment. The refund must be
// attempted even when the caller is gone, so it runs detached from the
// request context; a terminal failure is logged as a reconciliation alert
// and never replaces the enrollment error the caller receives.
func (coordinator *Coordinator) compensate(ctx context.Context, memberID credits.MemberID, classID ClassID, attemptID string) {
	detached := context.WithoutCancel(ctx)
	_, err := coordinator.retryRefund(
		detached,
		memberID,
		"booking rollback: "+classID.String(),
		classID.String(),
		"booking-rollback:"+classID.String()+":"+attemptID,
	)
	if err != nil {
		coordinator.logOperation(ctx, OperationLog{
			Operation: operationReserve,
			MemberID:  memberID.String(),
			ClassID:   classID.String(),
			Status:    StatusReconciliationAlert,
			Error:     err,
		})
	}
}

func (coordinator *Coordinator) retryRefund(ctx context.Context, memberID credits.MemberID, reason string, relatedClassID string, referenceKey string) (credits.Credits, error) {
	var lastErr error
	for attempt := 0; attempt < coordinator.refundAttempts; attempt++ {
		if attempt > 0 && coordinator.refundBackoff > 0 {
			backoff := coordinator.refundBackoff << (attempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			}
		}
		remaining, err := coordinator.ledger.Refund(ctx, memberID, 1, reason, relatedClassID, referenceKey)
		if err == nil {
			return remaining, nil
		}
		if errors.Is(err, credits.ErrDuplicateReference) {
			// The refund already landed on an earlier attempt.
			return 0, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

func (coordinator *Coordinator) reject(saga *attempt, err error) (Result, error) {
	_ = saga.transition(StateRejected)
	return Result{}, err
}

func (coordinator *Coordinator) record(ctx context.Context, record HistoryRecord) {
	if coordinator.recorder == nil {
		return
	}
	coordinator.recorder.Record(ctx, record)
}

func (coordinator *Coordinator) emit(ctx context.Context, event Event) {
	if coordinator.events == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = coordinator.nowFn()
	}
	coordinator.events.Publish(ctx, event)
}

func (coordinator *Coordinator) logOperation(ctx context.Context, entry OperationLog) {
	if coordinator.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = StatusError
		} else {
			entry.Status = StatusOK
		}
	}
	coordinator.logger.LogOperation(ctx, entry)
}
