package booking

import (
	"errors"
	"testing"
)

func TestNewClassIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewClassID("   "); !errors.Is(err, ErrInvalidClassID) {
		test.Fatalf("expected ErrInvalidClassID, got %v", err)
	}
}

func TestClassStatusTransitionsAreOneDirectional(test *testing.T) {
	test.Parallel()
	if !ClassStatusActive.CanTransitionTo(ClassStatusCancelled) {
		test.Fatalf("active -> cancelled must be legal")
	}
	if !ClassStatusActive.CanTransitionTo(ClassStatusCompleted) {
		test.Fatalf("active -> completed must be legal")
	}
	if ClassStatusCancelled.CanTransitionTo(ClassStatusActive) {
		test.Fatalf("cancelled is terminal")
	}
	if ClassStatusCompleted.CanTransitionTo(ClassStatusCancelled) {
		test.Fatalf("completed is terminal")
	}
	if ClassStatusActive.CanTransitionTo(ClassStatusActive) {
		test.Fatalf("active -> active is not a transition")
	}
}

func TestParseClassStatus(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"active", "cancelled", "completed"} {
		if _, err := ParseClassStatus(raw); err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
	}
	if _, err := ParseClassStatus("archived"); !errors.Is(err, ErrInvalidClassStatus) {
		test.Fatalf("expected ErrInvalidClassStatus, got %v", err)
	}
}

func TestIsEnrolled(test *testing.T) {
	test.Parallel()
	class := ClassInstance{EnrolledMemberIDs: []string{"member-1", "member-2"}}
	if !class.IsEnrolled("member-2") {
		test.Fatalf("expected member-2 enrolled")
	}
	if class.IsEnrolled("member-3") {
		test.Fatalf("member-3 is not enrolled")
	}
}

func TestSnapshotFreezesClassFields(test *testing.T) {
	test.Parallel()
	class := activeClass(0)
	snapshot := class.Snapshot()
	if snapshot.Title != class.Title || snapshot.TrainerID != class.TrainerID {
		test.Fatalf("snapshot does not match class: %+v", snapshot)
	}
	if !snapshot.ScheduledStart.Equal(class.ScheduledStart) {
		test.Fatalf("snapshot start mismatch")
	}
	if snapshot.DurationMinutes != class.DurationMinutes {
		test.Fatalf("snapshot duration mismatch")
	}
}
