package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lotusloft/studio/pkg/credits"
)

// ClassID identifies a scheduled class instance.
type ClassID struct {
	value string
}

// NewClassID validates and normalizes a class id.
func NewClassID(raw string) (ClassID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ClassID{}, fmt.Errorf("%w: empty value", ErrInvalidClassID)
	}
	return ClassID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ClassID) String() string {
	return id.value
}

// ClassStatus defines the class lifecycle. Transitions are one-directional:
// active classes may become cancelled or completed, nothing leaves a
// terminal status.
type ClassStatus string

const (
	ClassStatusActive    ClassStatus = "active"
	ClassStatusCancelled ClassStatus = "cancelled"
	ClassStatusCompleted ClassStatus = "completed"
)

// CanTransitionTo reports whether the status change is legal.
func (status ClassStatus) CanTransitionTo(next ClassStatus) bool {
	if status != ClassStatusActive {
		return false
	}
	return next == ClassStatusCancelled || next == ClassStatusCompleted
}

// ParseClassStatus maps a stored string onto a ClassStatus.
func ParseClassStatus(raw string) (ClassStatus, error) {
	switch ClassStatus(raw) {
	case ClassStatusActive, ClassStatusCancelled, ClassStatusCompleted:
		return ClassStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidClassStatus, raw)
}

// ClassInstance is a single scheduled occurrence as read from the catalog.
type ClassInstance struct {
	ClassID           string
	Title             string
	Type              string
	TrainerID         string
	ScheduledStart    time.Time
	DurationMinutes   int
	Capacity          int
	Status            ClassStatus
	EnrolledMemberIDs []string
}

// IsEnrolled reports whether the member holds a seat in this class.
func (class ClassInstance) IsEnrolled(memberID string) bool {
	for _, enrolled := range class.EnrolledMemberIDs {
		if enrolled == memberID {
			return true
		}
	}
	return false
}

// Snapshot denormalizes the class fields kept in the audit trail.
func (class ClassInstance) Snapshot() ClassSnapshot {
	return ClassSnapshot{
		Title:           class.Title,
		Type:            class.Type,
		TrainerID:       class.TrainerID,
		ScheduledStart:  class.ScheduledStart,
		DurationMinutes: class.DurationMinutes,
	}
}

// ClassSnapshot is the denormalized copy of a class stored with each
// booking history record, frozen at action time.
type ClassSnapshot struct {
	Title           string    `json:"title"`
	Type            string    `json:"type"`
	TrainerID       string    `json:"trainer_id"`
	ScheduledStart  time.Time `json:"scheduled_start"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Catalog exposes the class read path and the two conditional enrollment
// mutations. TryEnroll must re-validate occupancy < capacity and
// membership-not-already-present inside the same transaction that appends
// the member; the credit check alone does not prevent overbooking.
type Catalog interface {
	GetClassForBooking(ctx context.Context, classID string) (ClassInstance, error)
	TryEnroll(ctx context.Context, classID string, memberID string) error
	TryUnenroll(ctx context.Context, classID string, memberID string) error
}

// CreditLedger is the slice of the credit service the coordinator drives.
// *credits.Service satisfies it.
type CreditLedger interface {
	CheckCanConsume(ctx context.Context, memberID credits.MemberID) (credits.Eligibility, error)
	Consume(ctx context.Context, memberID credits.MemberID, amount credits.Credits, reason string, relatedClassID string, referenceKey string) (credits.Credits, error)
	Refund(ctx context.Context, memberID credits.MemberID, amount credits.Credits, reason string, relatedClassID string, referenceKey string) (credits.Credits, error)
}

// HistoryAction labels a booking history record.
type HistoryAction string

const (
	ActionBooked    HistoryAction = "booked"
	ActionCancelled HistoryAction = "cancelled"
)

// HistoryRecord is one append-only audit line.
type HistoryRecord struct {
	MemberID   string
	ClassID    string
	Action     HistoryAction
	Snapshot   ClassSnapshot
	RecordedAt time.Time
}

// HistoryRecorder observes booking outcomes. Implementations must never
// block or fail the reservation: an audit write failure is retried
// best-effort and logged, it does not roll anything back.
type HistoryRecorder interface {
	Record(ctx context.Context, record HistoryRecord)
}

// EventType enumerates the domain events handed to the notification
// collaborator.
type EventType string

const (
	EventBookingConfirmed EventType = "BookingConfirmed"
	EventBookingFailed    EventType = "BookingFailed"
	EventBookingCancelled EventType = "BookingCancelled"
)

// Event is the contract between the coordinator and the notification
// dispatcher. Delivery mechanics live outside the core.
type Event struct {
	EventID    string            `json:"event_id"`
	Type       EventType         `json:"type"`
	MemberID   string            `json:"member_id"`
	ClassID    string            `json:"class_id"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EventSink consumes domain events.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}
