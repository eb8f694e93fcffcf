package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MemberBalance represents the member_balances table. RemainingCredits is
// only ever changed through conditional updates, so it can never go
// negative regardless of concurrent bookings.
type MemberBalance struct {
	MemberID          string    `gorm:"primaryKey"`
	RemainingCredits  int       `gorm:"not null"`
	TotalGranted      int       `gorm:"not null"`
	LastTransactionAt time.Time `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (MemberBalance) TableName() string { return "member_balances" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID  string    `gorm:"type:uuid;primaryKey"`
	MemberID       string    `gorm:"not null;index:idx_credit_tx_member_created,priority:1;index:uniq_tx_reference,unique,priority:1"`
	Amount         int       `gorm:"not null"`
	Reason         string    `gorm:"not null"`
	RelatedClassID string    `gorm:"index"`
	ReferenceKey   string    `gorm:"not null;index:uniq_tx_reference,unique,priority:2"`
	CreatedAt      time.Time `gorm:"not null;index:idx_credit_tx_member_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// ClassRecord represents the classes table. Rows are created by class
// management and only ever status-transitioned, never deleted.
type ClassRecord struct {
	ClassID         string    `gorm:"primaryKey"`
	Title           string    `gorm:"not null"`
	Type            string    `gorm:"not null"`
	TrainerID       string    `gorm:"not null"`
	ScheduledStart  time.Time `gorm:"not null;index"`
	DurationMinutes int       `gorm:"not null"`
	Capacity        int       `gorm:"not null"`
	Status          string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (ClassRecord) TableName() string { return "classes" }

func (record *ClassRecord) BeforeCreate(tx *gorm.DB) error {
	if record.ClassID == "" {
		record.ClassID = uuid.NewString()
	}
	return nil
}

// Enrollment maps a member to a seat. The composite primary key is what
// turns a double-enroll into a constraint violation instead of a lost
// update.
type Enrollment struct {
	ClassID   string    `gorm:"primaryKey"`
	MemberID  string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Enrollment) TableName() string { return "class_enrollments" }

// BookingHistoryRecord mirrors the append-only booking_history table.
type BookingHistoryRecord struct {
	RecordID  string         `gorm:"type:uuid;primaryKey"`
	MemberID  string         `gorm:"not null;index:idx_history_member_created,priority:1"`
	ClassID   string         `gorm:"not null;index"`
	Action    string         `gorm:"not null"`
	Snapshot  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_history_member_created,priority:2"`
}

func (BookingHistoryRecord) TableName() string { return "booking_history" }

func (record *BookingHistoryRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}
