// Package reconcile repairs the one gap the booking saga cannot close on
// its own: a consumed credit whose compensating refund was lost, for
// example to a crash between debit and enrollment. The sweep scans
// storage for such debits and refunds them idempotently.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lotusloft/studio/pkg/credits"
)

const (
	defaultInterval = 5 * time.Minute
	defaultGrace    = 10 * time.Minute

	refundReasonReconciliation = "reconciliation refund"
)

// Store finds consume transactions with no matching seat and no later
// refund.
type Store interface {
	ListOrphanedDebits(ctx context.Context, olderThan time.Time) ([]credits.Transaction, error)
}

// Refunder restores credits. *credits.Service satisfies it.
type Refunder interface {
	Refund(ctx context.Context, memberID credits.MemberID, amount credits.Credits, reason string, relatedClassID string, referenceKey string) (credits.Credits, error)
}

// SweeperOption adjusts sweep behavior.
type SweeperOption func(*Sweeper)

// WithInterval sets the period between sweeps.
func WithInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if interval > 0 {
			sweeper.interval = interval
		}
	}
}

// WithGracePeriod sets how old a debit must be before the sweep touches
// it. The grace period keeps the sweep from racing an in-flight booking
// that has debited but not yet enrolled.
func WithGracePeriod(grace time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if grace > 0 {
			sweeper.grace = grace
		}
	}
}

// Sweeper periodically refunds orphaned debits.
type Sweeper struct {
	store    Store
	refunder Refunder
	logger   *zap.Logger
	nowFn    func() time.Time
	interval time.Duration
	grace    time.Duration
}

// NewSweeper returns a sweeper over store and refunder.
func NewSweeper(store Store, refunder Refunder, logger *zap.Logger, now func() time.Time, options ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sweeper := &Sweeper{
		store:    store,
		refunder: refunder,
		logger:   logger,
		nowFn:    now,
		interval: defaultInterval,
		grace:    defaultGrace,
	}
	for _, option := range options {
		option(sweeper)
	}
	return sweeper
}

// Run sweeps on a ticker until the context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass and returns how many debits were
// refunded.
func (sweeper *Sweeper) Sweep(ctx context.Context) int {
	cutoff := sweeper.nowFn().Add(-sweeper.grace)
	orphaned, err := sweeper.store.ListOrphanedDebits(ctx, cutoff)
	if err != nil {
		sweeper.logger.Error("reconciliation scan failed", zap.Error(err))
		return 0
	}
	refunded := 0
	for _, debit := range orphaned {
		memberID, err := credits.NewMemberID(debit.MemberID)
		if err != nil {
			sweeper.logger.Error("reconciliation skipped malformed debit",
				zap.String("transaction_id", debit.TransactionID),
				zap.Error(err),
			)
			continue
		}
		amount := credits.Credits(-debit.Amount)
		// The reference key is derived from the debit, so a sweep that
		// crashes mid-pass and re-runs cannot refund the same debit twice.
		referenceKey := "reconcile:" + debit.TransactionID
		_, err = sweeper.refunder.Refund(ctx, memberID, amount, refundReasonReconciliation, debit.RelatedClassID, referenceKey)
		if errors.Is(err, credits.ErrDuplicateReference) {
			continue
		}
		if err != nil {
			sweeper.logger.Error("reconciliation refund failed",
				zap.String("transaction_id", debit.TransactionID),
				zap.String("member_id", debit.MemberID),
				zap.String("class_id", debit.RelatedClassID),
				zap.Error(err),
			)
			continue
		}
		refunded++
		sweeper.logger.Info("reconciliation refund applied",
			zap.String("transaction_id", debit.TransactionID),
			zap.String("member_id", debit.MemberID),
			zap.String("class_id", debit.RelatedClassID),
			zap.Int("credits", int(amount)),
		)
	}
	return refunded
}
