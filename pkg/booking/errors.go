package booking

import (
	"errors"

	"github.com/lotusloft/studio/pkg/credits"
)

// Error taxonomy of the reservation path. Every rejection maps to a
// machine-readable reason code so the calling layer can render
// context-specific messaging instead of a generic failure.
var (
	ErrClassNotFound            = errors.New("class not found")
	ErrClassNotActive           = errors.New("class not active")
	ErrTooLateToBook            = errors.New("too late to book")
	ErrCancellationWindowPassed = errors.New("cancellation window passed")
	ErrNotEnrolled              = errors.New("not enrolled")
	ErrAlreadyBooked            = errors.New("already booked")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrClassFull                = errors.New("class full")
	ErrAlreadyEnrolled          = errors.New("already enrolled")
	ErrEnrollConflict           = errors.New("enrollment conflict")
	ErrInvalidClassID           = errors.New("invalid class id")
	ErrInvalidClassStatus       = errors.New("invalid class status")
	ErrInvalidStatusTransition  = errors.New("invalid status transition")
	ErrInvalidAttemptState      = errors.New("invalid attempt state")
	ErrInvalidCoordinatorConfig = errors.New("invalid coordinator config")
)

const (
	ReasonClassNotFound            = "class_not_found"
	ReasonClassNotActive           = "class_not_active"
	ReasonTooLateToBook            = "too_late_to_book"
	ReasonCancellationWindowPassed = "cancellation_window_passed"
	ReasonNotEnrolled              = "not_enrolled"
	ReasonAlreadyBooked            = "already_booked"
	ReasonInsufficientCredits      = "insufficient_credits"
	ReasonClassFull                = "class_full"
	ReasonMemberNotFound           = "member_not_found"
	ReasonInternal                 = "internal_error"
)

var reasonCodes = map[error]string{
	ErrClassNotFound:            ReasonClassNotFound,
	ErrClassNotActive:           ReasonClassNotActive,
	ErrTooLateToBook:            ReasonTooLateToBook,
	ErrCancellationWindowPassed: ReasonCancellationWindowPassed,
	ErrNotEnrolled:              ReasonNotEnrolled,
	ErrAlreadyBooked:            ReasonAlreadyBooked,
	ErrInsufficientCredits:      ReasonInsufficientCredits,
	ErrClassFull:                ReasonClassFull,
	ErrAlreadyEnrolled:          ReasonAlreadyBooked,
	credits.ErrMemberNotFound:   ReasonMemberNotFound,
}

// ReasonCode maps a reservation error onto its stable reason code.
// Unexpected errors report ReasonInternal.
func ReasonCode(err error) string {
	for sentinel, code := range reasonCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ReasonInternal
}
