package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/lotusloft/studio/pkg/credits"
)

// CreditStore implements credits.Store using GORM.
type CreditStore struct {
	db *gorm.DB
}

// NewCreditStore returns a CreditStore backed by gorm.DB.
func NewCreditStore(db *gorm.DB) *CreditStore {
	return &CreditStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *CreditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &CreditStore{db: transaction})
	})
}

func (store *CreditStore) GetBalance(ctx context.Context, memberID string) (credits.Balance, error) {
	var row MemberBalance
	err := store.db.WithContext(ctx).First(&row, "member_id = ?", memberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, credits.ErrMemberNotFound)
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.Balance{
		MemberID:          row.MemberID,
		RemainingCredits:  credits.Credits(row.RemainingCredits),
		TotalGranted:      credits.Credits(row.TotalGranted),
		LastTransactionAt: row.LastTransactionAt,
	}, nil
}

// DebitBalance is the decrement-if-sufficient primitive: the WHERE clause
// carries the balance check, so a concurrent debit of the same last
// credit affects zero rows instead of driving the balance negative.
func (store *CreditStore) DebitBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&MemberBalance{}).
		Where("member_id = ? AND remaining_credits >= ?", memberID, int(amount)).
		Updates(map[string]interface{}{
			"remaining_credits":   gorm.Expr("remaining_credits - ?", int(amount)),
			"last_transaction_at": at,
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		balance, err := store.GetBalance(ctx, memberID)
		if err != nil {
			return 0, err
		}
		return balance.RemainingCredits, wrapStoreError(errorSubjectBalance, errorCodeDebit, credits.ErrInsufficientCredits)
	}
	return store.remainingCredits(ctx, memberID)
}

func (store *CreditStore) CreditBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&MemberBalance{}).
		Where("member_id = ?", memberID).
		Updates(map[string]interface{}{
			"remaining_credits":   gorm.Expr("remaining_credits + ?", int(amount)),
			"last_transaction_at": at,
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, credits.ErrMemberNotFound)
	}
	return store.remainingCredits(ctx, memberID)
}

func (store *CreditStore) GrantBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	err := store.db.WithContext(ctx).
		FirstOrCreate(&MemberBalance{}, MemberBalance{MemberID: memberID}).Error
	if err != nil && !isDuplicateKey(err) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGrant, err)
	}
	result := store.db.WithContext(ctx).
		Model(&MemberBalance{}).
		Where("member_id = ?", memberID).
		Updates(map[string]interface{}{
			"remaining_credits":   gorm.Expr("remaining_credits + ?", int(amount)),
			"total_granted":       gorm.Expr("total_granted + ?", int(amount)),
			"last_transaction_at": at,
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGrant, result.Error)
	}
	return store.remainingCredits(ctx, memberID)
}

func (store *CreditStore) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	row := CreditTransaction{
		TransactionID:  transaction.TransactionID,
		MemberID:       transaction.MemberID,
		Amount:         transaction.Amount,
		Reason:         transaction.Reason,
		RelatedClassID: transaction.RelatedClassID,
		ReferenceKey:   transaction.ReferenceKey,
		CreatedAt:      transaction.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isDuplicateKey(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *CreditStore) ListTransactions(ctx context.Context, memberID string, before time.Time, limit int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("member_id = ? AND created_at < ?", memberID, before).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

// ListOrphanedDebits finds consume transactions past the grace period
// whose member holds no seat in the related class and which no later
// refund compensated. These are the "member paid, got no seat" cases the
// reconciliation sweep repairs.
func (store *CreditStore) ListOrphanedDebits(ctx context.Context, olderThan time.Time) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("amount < 0 AND related_class_id <> '' AND created_at < ?", olderThan).
		Where("NOT EXISTS (SELECT 1 FROM class_enrollments e WHERE e.class_id = credit_transactions.related_class_id AND e.member_id = credit_transactions.member_id)").
		Where("NOT EXISTS (SELECT 1 FROM credit_transactions r WHERE r.member_id = credit_transactions.member_id AND r.related_class_id = credit_transactions.related_class_id AND r.amount > 0 AND r.created_at >= credit_transactions.created_at)").
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeOrphanedDebitScan, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

func (store *CreditStore) remainingCredits(ctx context.Context, memberID string) (credits.Credits, error) {
	var row MemberBalance
	if err := store.db.WithContext(ctx).First(&row, "member_id = ?", memberID).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.Credits(row.RemainingCredits), nil
}

func mapTransaction(row CreditTransaction) credits.Transaction {
	return credits.Transaction{
		TransactionID:  row.TransactionID,
		MemberID:       row.MemberID,
		Amount:         row.Amount,
		Reason:         row.Reason,
		RelatedClassID: row.RelatedClassID,
		ReferenceKey:   row.ReferenceKey,
		CreatedAt:      row.CreatedAt,
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
