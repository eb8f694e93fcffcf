package gormstore

import (
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailure     = "40001"
	pgDeadlockDetected         = "40P01"
	sqliteConstraintCode       = 19
	errorOperationStore        = "store"
	errorSubjectBalance        = "balance"
	errorSubjectTransaction    = "transaction"
	errorSubjectClass          = "class"
	errorSubjectEnrollment     = "enrollment"
	errorSubjectHistory        = "history"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeUpdate            = "update"
	errorCodeDelete            = "delete"
	errorCodeList              = "list"
	errorCodeCount             = "count"
	errorCodeDuplicate         = "duplicate"
	errorCodeDebit             = "debit"
	errorCodeCredit            = "credit"
	errorCodeGrant             = "grant"
	errorCodeTransitionStatus  = "transition_status"
	errorCodeOrphanedDebitScan = "orphaned_debit_scan"
)

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
