package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service is the sole authority over a member's usable credit balance.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the member's balance record.
func (service *Service) Balance(ctx context.Context, memberID MemberID) (Balance, error) {
	return service.store.GetBalance(ctx, memberID.String())
}

// CheckCanConsume reports whether the member can pay for one booking.
// It has no side effects and fails closed: an unresolvable balance means
// the member may not book.
func (service *Service) CheckCanConsume(ctx context.Context, memberID MemberID) (Eligibility, error) {
	balance, err := service.store.GetBalance(ctx, memberID.String())
	if errors.Is(err, ErrMemberNotFound) {
		return Eligibility{Allowed: false, Reason: reasonCodeMemberNotFound}, nil
	}
	if err != nil {
		return Eligibility{Allowed: false}, err
	}
	if balance.RemainingCredits < 1 {
		return Eligibility{Allowed: false, Remaining: balance.RemainingCredits, Reason: reasonCodeInsufficientCredits}, nil
	}
	return Eligibility{Allowed: true, Remaining: balance.RemainingCredits}, nil
}

// Consume atomically debits the member's balance and appends a negative
// transaction. The debit is a conditional write: when the balance does not
// cover the amount nothing is mutated and ErrInsufficientCredits is
// returned. The reference key makes retried sagas idempotent.
func (service *Service) Consume(ctx context.Context, memberID MemberID, amount Credits, reason string, relatedClassID string, referenceKey string) (Credits, error) {
	if amount < 1 {
		return 0, fmt.Errorf("%w: must be at least one credit", ErrInvalidAmount)
	}
	var remaining Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		remainingAfter, err := transactionStore.DebitBalance(ctx, memberID.String(), amount, now)
		if err != nil {
			return err
		}
		remaining = remainingAfter
		return transactionStore.InsertTransaction(ctx, Transaction{
			MemberID:       memberID.String(),
			Amount:         -int(amount),
			Reason:         reason,
			RelatedClassID: relatedClassID,
			ReferenceKey:   referenceKey,
			CreatedAt:      now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationConsume,
		MemberID:       memberID,
		Amount:         amount,
		Reason:         reason,
		RelatedClassID: relatedClassID,
		ReferenceKey:   referenceKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

// Refund compensates an earlier debit: it credits the balance back and
// appends a positive transaction. A refund is not constrained by any
// balance ceiling and succeeds for every existing member.
func (service *Service) Refund(ctx context.Context, memberID MemberID, amount Credits, reason string, relatedClassID string, referenceKey string) (Credits, error) {
	if amount < 1 {
		return 0, fmt.Errorf("%w: must be at least one credit", ErrInvalidAmount)
	}
	var remaining Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		remainingAfter, err := transactionStore.CreditBalance(ctx, memberID.String(), amount, now)
		if err != nil {
			return err
		}
		remaining = remainingAfter
		return transactionStore.InsertTransaction(ctx, Transaction{
			MemberID:       memberID.String(),
			Amount:         int(amount),
			Reason:         reason,
			RelatedClassID: relatedClassID,
			ReferenceKey:   referenceKey,
			CreatedAt:      now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		MemberID:       memberID,
		Amount:         amount,
		Reason:         reason,
		RelatedClassID: relatedClassID,
		ReferenceKey:   referenceKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

// Grant is the administrative top-up. It creates the balance record when
// the member has none yet and raises the total-granted counter.
func (service *Service) Grant(ctx context.Context, memberID MemberID, amount Credits, reason string, referenceKey string) error {
	if amount < 1 {
		return fmt.Errorf("%w: must be at least one credit", ErrInvalidAmount)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		if _, err := transactionStore.GrantBalance(ctx, memberID.String(), amount, now); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, Transaction{
			MemberID:     memberID.String(),
			Amount:       int(amount),
			Reason:       reason,
			ReferenceKey: referenceKey,
			CreatedAt:    now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationGrant,
		MemberID:     memberID,
		Amount:       amount,
		Reason:       reason,
		ReferenceKey: referenceKey,
		Error:        operationError,
	})
	return operationError
}

// ListTransactions lists the member's credit log before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, memberID MemberID, before time.Time, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, memberID.String(), before, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
