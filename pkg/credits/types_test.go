package credits

import (
	"errors"
	"testing"
)

func TestNewMemberIDTrimsWhitespace(test *testing.T) {
	test.Parallel()
	memberID, err := NewMemberID("  member-1  ")
	if err != nil {
		test.Fatalf("member id: %v", err)
	}
	if memberID.String() != "member-1" {
		test.Fatalf("expected trimmed id, got %q", memberID.String())
	}
}

func TestNewMemberIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "\t"} {
		if _, err := NewMemberID(raw); !errors.Is(err, ErrInvalidMemberID) {
			test.Fatalf("expected ErrInvalidMemberID for %q, got %v", raw, err)
		}
	}
}
