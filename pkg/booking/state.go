package booking

import "fmt"

// AttemptState tracks one (member, class) reservation attempt through the
// debit→enroll saga.
type AttemptState string

const (
	StateRequested           AttemptState = "requested"
	StateCreditChecked       AttemptState = "credit_checked"
	StateCreditConsumed      AttemptState = "credit_consumed"
	StateEnrolled            AttemptState = "enrolled"
	StateRejected            AttemptState = "rejected"
	StateRefundedAndRejected AttemptState = "refunded_and_rejected"
)

var attemptTransitions = map[AttemptState][]AttemptState{
	StateRequested:      {StateCreditChecked, StateRejected},
	StateCreditChecked:  {StateCreditConsumed, StateRejected},
	StateCreditConsumed: {StateEnrolled, StateRefundedAndRejected},
}

type attempt struct {
	memberID string
	classID  string
	state    AttemptState
}

func newAttempt(memberID string, classID string) *attempt {
	return &attempt{memberID: memberID, classID: classID, state: StateRequested}
}

// transition advances the attempt, rejecting moves the saga never makes.
func (a *attempt) transition(next AttemptState) error {
	for _, allowed := range attemptTransitions[a.state] {
		if allowed == next {
			a.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidAttemptState, a.state, next)
}
