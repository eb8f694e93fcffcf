package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotusloft/studio/pkg/credits"
)

const (
	constraintTransactionReference = "uniq_tx_reference"
	constraintEnrollmentPrimary    = "class_enrollments_pkey"
	pgUniqueViolationCode          = "23505"
	pgSerializationFailure         = "40001"
	pgDeadlockDetected             = "40P01"
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectTransaction        = "transaction"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeGet                   = "get"
	errorCodeDebit                 = "debit"
	errorCodeCredit                = "credit"
	errorCodeGrant                 = "grant"
	errorCodeInsert                = "insert"
	errorCodeDuplicate             = "duplicate"
	errorCodeList                  = "list"
	errorCodeOrphanedDebitScan     = "orphaned_debit_scan"

	sqlSelectBalance = `
		select member_id, remaining_credits, total_granted, last_transaction_at
		from member_balances
		where member_id = $1
	`

	sqlSelectRemaining = `
		select remaining_credits from member_balances where member_id = $1
	`

	sqlDebitBalance = `
		update member_balances
		set remaining_credits = remaining_credits - $2, last_transaction_at = $3, updated_at = now()
		where member_id = $1 and remaining_credits >= $2
	`

	sqlCreditBalance = `
		update member_balances
		set remaining_credits = remaining_credits + $2, last_transaction_at = $3, updated_at = now()
		where member_id = $1
	`

	sqlGrantBalance = `
		insert into member_balances(member_id, remaining_credits, total_granted, last_transaction_at, created_at, updated_at)
		values($1, $2, $2, $3, now(), now())
		on conflict (member_id) do update set
			remaining_credits = member_balances.remaining_credits + excluded.remaining_credits,
			total_granted = member_balances.total_granted + excluded.total_granted,
			last_transaction_at = excluded.last_transaction_at,
			updated_at = now()
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, member_id, amount, reason, related_class_id, reference_key, created_at
		)
		values(
			coalesce(nullif($1,''), gen_random_uuid()::text),
			$2, $3, $4, $5, $6, $7
		)
	`

	sqlListTransactions = `
		select transaction_id, member_id, amount, reason, related_class_id, reference_key, created_at
		from credit_transactions
		where member_id = $1 and created_at < $2
		order by created_at desc
		limit $3
	`

	sqlListOrphanedDebits = `
		select t.transaction_id, t.member_id, t.amount, t.reason, t.related_class_id, t.reference_key, t.created_at
		from credit_transactions t
		where t.amount < 0 and t.related_class_id <> '' and t.created_at < $1
		and not exists (
			select 1 from class_enrollments e
			where e.class_id = t.related_class_id and e.member_id = t.member_id
		)
		and not exists (
			select 1 from credit_transactions r
			where r.member_id = t.member_id and r.related_class_id = t.related_class_id
			and r.amount > 0 and r.created_at >= t.created_at
		)
		order by t.created_at asc
	`
)

// querier is the surface shared by pgxpool.Pool and pgx.Tx, so pool and
// transaction stores run the same statements.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, memberID string) (credits.Balance, error) {
	return getBalance(ctx, store.pool, memberID)
}

func (store *Store) DebitBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	return debitBalance(ctx, store.pool, memberID, amount, at)
}

func (store *Store) CreditBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	return creditBalance(ctx, store.pool, memberID, amount, at)
}

func (store *Store) GrantBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	return grantBalance(ctx, store.pool, memberID, amount, at)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	return insertTransaction(ctx, store.pool, transaction)
}

func (store *Store) ListTransactions(ctx context.Context, memberID string, before time.Time, limit int) ([]credits.Transaction, error) {
	return listTransactions(ctx, store.pool, memberID, before, limit)
}

// ListOrphanedDebits feeds the reconciliation sweep: debits past the
// grace period with no matching seat and no later refund.
func (store *Store) ListOrphanedDebits(ctx context.Context, olderThan time.Time) ([]credits.Transaction, error) {
	rows, err := store.pool.Query(ctx, sqlListOrphanedDebits, olderThan)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeOrphanedDebitScan, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetBalance(ctx context.Context, memberID string) (credits.Balance, error) {
	return getBalance(ctx, store.tx, memberID)
}

func (store *TxStore) DebitBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	return debitBalance(ctx, store.tx, memberID, amount, at)
}

func (store *TxStore) CreditBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	return creditBalance(ctx, store.tx, memberID, amount, at)
}

func (store *TxStore) GrantBalance(ctx context.Context, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	return grantBalance(ctx, store.tx, memberID, amount, at)
}

func (store *TxStore) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	return insertTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) ListTransactions(ctx context.Context, memberID string, before time.Time, limit int) ([]credits.Transaction, error) {
	return listTransactions(ctx, store.tx, memberID, before, limit)
}

func getBalance(ctx context.Context, runner querier, memberID string) (credits.Balance, error) {
	var balance credits.Balance
	var remaining, granted int
	err := runner.QueryRow(ctx, sqlSelectBalance, memberID).Scan(
		&balance.MemberID,
		&remaining,
		&granted,
		&balance.LastTransactionAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, credits.ErrMemberNotFound)
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance.RemainingCredits = credits.Credits(remaining)
	balance.TotalGranted = credits.Credits(granted)
	return balance, nil
}

func debitBalance(ctx context.Context, runner querier, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	tag, err := runner.Exec(ctx, sqlDebitBalance, memberID, int(amount), at)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	if tag.RowsAffected() == 0 {
		balance, err := getBalance(ctx, runner, memberID)
		if err != nil {
			return 0, err
		}
		return balance.RemainingCredits, wrapStoreError(errorSubjectBalance, errorCodeDebit, credits.ErrInsufficientCredits)
	}
	return remainingCredits(ctx, runner, memberID)
}

func creditBalance(ctx context.Context, runner querier, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	tag, err := runner.Exec(ctx, sqlCreditBalance, memberID, int(amount), at)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, credits.ErrMemberNotFound)
	}
	return remainingCredits(ctx, runner, memberID)
}

func grantBalance(ctx context.Context, runner querier, memberID string, amount credits.Credits, at time.Time) (credits.Credits, error) {
	if _, err := runner.Exec(ctx, sqlGrantBalance, memberID, int(amount), at); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGrant, err)
	}
	return remainingCredits(ctx, runner, memberID)
}

func insertTransaction(ctx context.Context, runner querier, transaction credits.Transaction) error {
	createdAt := transaction.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := runner.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.MemberID,
		transaction.Amount,
		transaction.Reason,
		transaction.RelatedClassID,
		transaction.ReferenceKey,
		createdAt,
	)
	if isReferenceConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func listTransactions(ctx context.Context, runner querier, memberID string, before time.Time, limit int) ([]credits.Transaction, error) {
	rows, err := runner.Query(ctx, sqlListTransactions, memberID, before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]credits.Transaction, error) {
	transactions := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		var transaction credits.Transaction
		if err := rows.Scan(
			&transaction.TransactionID,
			&transaction.MemberID,
			&transaction.Amount,
			&transaction.Reason,
			&transaction.RelatedClassID,
			&transaction.ReferenceKey,
			&transaction.CreatedAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func remainingCredits(ctx context.Context, runner querier, memberID string) (credits.Credits, error) {
	var remaining int
	if err := runner.QueryRow(ctx, sqlSelectRemaining, memberID).Scan(&remaining); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.Credits(remaining), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionReference
	}
	return false
}

func isEnrollmentConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEnrollmentPrimary
	}
	return false
}

func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
