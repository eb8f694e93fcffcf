package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lotusloft/studio/pkg/credits"
)

var sweepNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func sweepClock() time.Time { return sweepNow }

func orphanedDebit(transactionID string, memberID string, classID string) credits.Transaction {
	return credits.Transaction{
		TransactionID:  transactionID,
		MemberID:       memberID,
		Amount:         -1,
		Reason:         "lesson booking: " + classID,
		RelatedClassID: classID,
		ReferenceKey:   "booking:" + classID + ":lost",
		CreatedAt:      sweepNow.Add(-time.Hour),
	}
}

type stubDebitStore struct {
	debits    []credits.Transaction
	listErr   error
	olderThan time.Time
}

func (store *stubDebitStore) ListOrphanedDebits(_ context.Context, olderThan time.Time) ([]credits.Transaction, error) {
	store.olderThan = olderThan
	if store.listErr != nil {
		return nil, store.listErr
	}
	return store.debits, nil
}

type refundCall struct {
	memberID     string
	amount       credits.Credits
	referenceKey string
}

type stubRefunder struct {
	calls      []refundCall
	refundErrs map[string]error
}

func (refunder *stubRefunder) Refund(_ context.Context, memberID credits.MemberID, amount credits.Credits, _ string, _ string, referenceKey string) (credits.Credits, error) {
	refunder.calls = append(refunder.calls, refundCall{
		memberID:     memberID.String(),
		amount:       amount,
		referenceKey: referenceKey,
	})
	if err, exists := refunder.refundErrs[referenceKey]; exists {
		return 0, err
	}
	return amount, nil
}

func TestSweepRefundsOrphanedDebits(test *testing.T) {
	test.Parallel()
	store := &stubDebitStore{debits: []credits.Transaction{
		orphanedDebit("tx-1", "member-1", "class-1"),
	}}
	refunder := &stubRefunder{}
	sweeper := NewSweeper(store, refunder, zap.NewNop(), sweepClock)

	refunded := sweeper.Sweep(context.Background())
	if refunded != 1 {
		test.Fatalf("expected 1 refund, got %d", refunded)
	}
	if len(refunder.calls) != 1 {
		test.Fatalf("expected 1 refund call, got %d", len(refunder.calls))
	}
	call := refunder.calls[0]
	if call.amount != 1 {
		test.Fatalf("expected 1 credit refunded, got %d", call.amount)
	}
	if call.referenceKey != "reconcile:tx-1" {
		test.Fatalf("expected deterministic reference, got %q", call.referenceKey)
	}
}

func TestSweepHonorsGracePeriod(test *testing.T) {
	test.Parallel()
	store := &stubDebitStore{}
	sweeper := NewSweeper(store, &stubRefunder{}, zap.NewNop(), sweepClock, WithGracePeriod(30*time.Minute))

	sweeper.Sweep(context.Background())

	expected := sweepNow.Add(-30 * time.Minute)
	if !store.olderThan.Equal(expected) {
		test.Fatalf("expected cutoff %v, got %v", expected, store.olderThan)
	}
}

func TestSweepTreatsDuplicateReferenceAsAlreadyApplied(test *testing.T) {
	test.Parallel()
	store := &stubDebitStore{debits: []credits.Transaction{
		orphanedDebit("tx-1", "member-1", "class-1"),
	}}
	refunder := &stubRefunder{refundErrs: map[string]error{
		"reconcile:tx-1": credits.ErrDuplicateReference,
	}}
	sweeper := NewSweeper(store, refunder, zap.NewNop(), sweepClock)

	if refunded := sweeper.Sweep(context.Background()); refunded != 0 {
		test.Fatalf("an already-applied refund must not count, got %d", refunded)
	}
}

func TestSweepContinuesAfterRefundFailure(test *testing.T) {
	test.Parallel()
	store := &stubDebitStore{debits: []credits.Transaction{
		orphanedDebit("tx-1", "member-1", "class-1"),
		orphanedDebit("tx-2", "member-2", "class-2"),
	}}
	refunder := &stubRefunder{refundErrs: map[string]error{
		"reconcile:tx-1": fmt.Errorf("ledger unavailable"),
	}}
	sweeper := NewSweeper(store, refunder, zap.NewNop(), sweepClock)

	if refunded := sweeper.Sweep(context.Background()); refunded != 1 {
		test.Fatalf("expected the second debit refunded, got %d", refunded)
	}
	if len(refunder.calls) != 2 {
		test.Fatalf("expected both debits attempted, got %d", len(refunder.calls))
	}
}

func TestSweepScanFailure(test *testing.T) {
	test.Parallel()
	store := &stubDebitStore{listErr: fmt.Errorf("connection reset")}
	refunder := &stubRefunder{}
	sweeper := NewSweeper(store, refunder, zap.NewNop(), sweepClock)

	if refunded := sweeper.Sweep(context.Background()); refunded != 0 {
		test.Fatalf("expected no refunds on scan failure, got %d", refunded)
	}
	if len(refunder.calls) != 0 {
		test.Fatalf("scan failure must not reach the refunder")
	}
}
