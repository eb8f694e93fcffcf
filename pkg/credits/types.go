package credits

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Credits counts whole lesson credits. One credit buys one seat in one
// scheduled class.
type Credits int

// MemberID identifies a studio member. The identity provider owns the
// namespace; the ledger only requires it to be non-empty.
type MemberID struct {
	value string
}

// NewMemberID validates and normalizes a member id.
func NewMemberID(raw string) (MemberID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MemberID{}, fmt.Errorf("%w: empty value", ErrInvalidMemberID)
	}
	return MemberID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MemberID) String() string {
	return id.value
}

// Balance is the per-member balance record.
type Balance struct {
	MemberID          string
	RemainingCredits  Credits
	TotalGranted      Credits
	LastTransactionAt time.Time
}

// Transaction is a single immutable line in the member's credit log.
// Amount is signed: grants and refunds are positive, consumes negative.
type Transaction struct {
	TransactionID  string
	MemberID       string
	Amount         int
	Reason         string
	RelatedClassID string
	ReferenceKey   string
	CreatedAt      time.Time
}

// Eligibility is the result of a side-effect-free consume check.
type Eligibility struct {
	Allowed   bool
	Remaining Credits
	Reason    string
}

// Store is the persistence contract used by Service. Balance mutations
// must be conditional writes: DebitBalance may only succeed when the
// remaining balance covers the amount, so two concurrent consumes of the
// last credit cannot both commit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, memberID string) (Balance, error)
	DebitBalance(ctx context.Context, memberID string, amount Credits, at time.Time) (Credits, error)
	CreditBalance(ctx context.Context, memberID string, amount Credits, at time.Time) (Credits, error)
	GrantBalance(ctx context.Context, memberID string, amount Credits, at time.Time) (Credits, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, memberID string, before time.Time, limit int) ([]Transaction, error)
}
