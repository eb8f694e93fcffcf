package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lotusloft/studio/pkg/booking"
)

// CatalogStore implements booking.Catalog using GORM. Enrollment
// mutations take a row lock on the class so the capacity check and the
// seat append commit as one unit.
type CatalogStore struct {
	db *gorm.DB
}

// NewCatalogStore returns a CatalogStore backed by gorm.DB.
func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

func (store *CatalogStore) GetClassForBooking(ctx context.Context, classID string) (booking.ClassInstance, error) {
	var row ClassRecord
	err := store.db.WithContext(ctx).First(&row, "class_id = ?", classID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.ClassInstance{}, booking.ErrClassNotFound
	}
	if err != nil {
		return booking.ClassInstance{}, fmt.Errorf("catalog store: get class: %w", err)
	}
	var memberIDs []string
	err = store.db.WithContext(ctx).
		Model(&Enrollment{}).
		Where("class_id = ?", classID).
		Order("created_at asc").
		Pluck("member_id", &memberIDs).Error
	if err != nil {
		return booking.ClassInstance{}, fmt.Errorf("catalog store: list enrollments: %w", err)
	}
	class, err := mapClass(row)
	if err != nil {
		return booking.ClassInstance{}, err
	}
	class.EnrolledMemberIDs = memberIDs
	return class, nil
}

// TryEnroll appends the member to the class if and only if the class is
// active, has a free seat, and the member is not already present. The
// re-validation runs under a row lock on the class, which is the actual
// overbooking guard.
func (store *CatalogStore) TryEnroll(ctx context.Context, classID string, memberID string) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var class ClassRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&class, "class_id = ?", classID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.ErrClassNotFound
		}
		if err != nil {
			return fmt.Errorf("catalog store: lock class: %w", err)
		}
		if booking.ClassStatus(class.Status) != booking.ClassStatusActive {
			return booking.ErrClassNotActive
		}
		var enrolled int64
		if err := tx.Model(&Enrollment{}).Where("class_id = ?", classID).Count(&enrolled).Error; err != nil {
			return fmt.Errorf("catalog store: count enrollments: %w", err)
		}
		if enrolled >= int64(class.Capacity) {
			return booking.ErrClassFull
		}
		var existing int64
		if err := tx.Model(&Enrollment{}).Where("class_id = ? AND member_id = ?", classID, memberID).Count(&existing).Error; err != nil {
			return fmt.Errorf("catalog store: check membership: %w", err)
		}
		if existing > 0 {
			return booking.ErrAlreadyEnrolled
		}
		insertErr := tx.Create(&Enrollment{
			ClassID:   classID,
			MemberID:  memberID,
			CreatedAt: time.Now().UTC(),
		}).Error
		if isDuplicateKey(insertErr) {
			return booking.ErrAlreadyEnrolled
		}
		return insertErr
	})
	if isSerializationConflict(err) {
		return fmt.Errorf("%w: %v", booking.ErrEnrollConflict, err)
	}
	return err
}

func (store *CatalogStore) TryUnenroll(ctx context.Context, classID string, memberID string) error {
	result := store.db.WithContext(ctx).
		Where("class_id = ? AND member_id = ?", classID, memberID).
		Delete(&Enrollment{})
	if result.Error != nil {
		return fmt.Errorf("catalog store: unenroll: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return booking.ErrNotEnrolled
	}
	return nil
}

// ListUpcoming returns active classes starting at or after the given
// instant, enrollment sets included, ordered by start time.
func (store *CatalogStore) ListUpcoming(ctx context.Context, from time.Time) ([]booking.ClassInstance, error) {
	var rows []ClassRecord
	err := store.db.WithContext(ctx).
		Where("status = ? AND scheduled_start >= ?", string(booking.ClassStatusActive), from).
		Order("scheduled_start asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("catalog store: list classes: %w", err)
	}
	if len(rows) == 0 {
		return []booking.ClassInstance{}, nil
	}
	classIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		classIDs = append(classIDs, row.ClassID)
	}
	var enrollments []Enrollment
	err = store.db.WithContext(ctx).
		Where("class_id IN ?", classIDs).
		Order("created_at asc").
		Find(&enrollments).Error
	if err != nil {
		return nil, fmt.Errorf("catalog store: list enrollments: %w", err)
	}
	membersByClass := make(map[string][]string, len(rows))
	for _, enrollment := range enrollments {
		membersByClass[enrollment.ClassID] = append(membersByClass[enrollment.ClassID], enrollment.MemberID)
	}
	classes := make([]booking.ClassInstance, 0, len(rows))
	for _, row := range rows {
		class, err := mapClass(row)
		if err != nil {
			return nil, err
		}
		class.EnrolledMemberIDs = membersByClass[row.ClassID]
		classes = append(classes, class)
	}
	return classes, nil
}

// CreateClass inserts a new class record. Classes always start active.
func (store *CatalogStore) CreateClass(ctx context.Context, class booking.ClassInstance) (string, error) {
	if class.Capacity < 1 {
		return "", fmt.Errorf("%w: capacity must be at least 1", booking.ErrInvalidClassStatus)
	}
	row := ClassRecord{
		ClassID:         class.ClassID,
		Title:           class.Title,
		Type:            class.Type,
		TrainerID:       class.TrainerID,
		ScheduledStart:  class.ScheduledStart,
		DurationMinutes: class.DurationMinutes,
		Capacity:        class.Capacity,
		Status:          string(booking.ClassStatusActive),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("catalog store: create class: %w", err)
	}
	return row.ClassID, nil
}

// TransitionStatus moves a class to a terminal status, enforcing the
// one-directional lifecycle.
func (store *CatalogStore) TransitionStatus(ctx context.Context, classID string, next booking.ClassStatus) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var class ClassRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&class, "class_id = ?", classID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.ErrClassNotFound
		}
		if err != nil {
			return fmt.Errorf("catalog store: lock class: %w", err)
		}
		current := booking.ClassStatus(class.Status)
		if !current.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", booking.ErrInvalidStatusTransition, current, next)
		}
		return tx.Model(&ClassRecord{}).
			Where("class_id = ?", classID).
			Update("status", string(next)).Error
	})
}

func mapClass(row ClassRecord) (booking.ClassInstance, error) {
	status, err := booking.ParseClassStatus(row.Status)
	if err != nil {
		return booking.ClassInstance{}, err
	}
	return booking.ClassInstance{
		ClassID:         row.ClassID,
		Title:           row.Title,
		Type:            row.Type,
		TrainerID:       row.TrainerID,
		ScheduledStart:  row.ScheduledStart,
		DurationMinutes: row.DurationMinutes,
		Capacity:        row.Capacity,
		Status:          status,
	}, nil
}
