package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotusloft/studio/pkg/booking"
)

const (
	sqlSelectClass = `
		select class_id, title, type, trainer_id, scheduled_start, duration_minutes, capacity, status
		from classes
		where class_id = $1
	`

	sqlSelectClassForUpdate = sqlSelectClass + ` for update`

	sqlListClassMembers = `
		select member_id from class_enrollments
		where class_id = $1
		order by created_at asc
	`

	sqlCountEnrollments = `
		select count(*) from class_enrollments where class_id = $1
	`

	sqlInsertEnrollment = `
		insert into class_enrollments(class_id, member_id, created_at)
		values($1, $2, $3)
	`

	sqlDeleteEnrollment = `
		delete from class_enrollments where class_id = $1 and member_id = $2
	`

	sqlListUpcomingClasses = `
		select class_id, title, type, trainer_id, scheduled_start, duration_minutes, capacity, status
		from classes
		where status = 'active' and scheduled_start >= $1
		order by scheduled_start asc
	`

	sqlInsertClass = `
		insert into classes(
			class_id, title, type, trainer_id, scheduled_start, duration_minutes, capacity, status, created_at, updated_at
		)
		values(
			coalesce(nullif($1,''), gen_random_uuid()::text),
			$2, $3, $4, $5, $6, $7, $8, now(), now()
		)
		returning class_id
	`

	sqlUpdateClassStatus = `
		update classes set status = $2, updated_at = now() where class_id = $1
	`
)

// CatalogStore implements booking.Catalog on PostgreSQL. Enrollment
// mutations re-validate under a row lock on the class.
type CatalogStore struct {
	pool *pgxpool.Pool
}

// NewCatalogStore returns a CatalogStore backed by a pgx pool.
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

func (store *CatalogStore) GetClassForBooking(ctx context.Context, classID string) (booking.ClassInstance, error) {
	class, err := scanClass(store.pool.QueryRow(ctx, sqlSelectClass, classID))
	if err != nil {
		return booking.ClassInstance{}, err
	}
	rows, err := store.pool.Query(ctx, sqlListClassMembers, classID)
	if err != nil {
		return booking.ClassInstance{}, fmt.Errorf("catalog store: list enrollments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var memberID string
		if err := rows.Scan(&memberID); err != nil {
			return booking.ClassInstance{}, fmt.Errorf("catalog store: list enrollments: %w", err)
		}
		class.EnrolledMemberIDs = append(class.EnrolledMemberIDs, memberID)
	}
	if err := rows.Err(); err != nil {
		return booking.ClassInstance{}, fmt.Errorf("catalog store: list enrollments: %w", err)
	}
	return class, nil
}

func (store *CatalogStore) TryEnroll(ctx context.Context, classID string, memberID string) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("catalog store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	class, err := scanClass(tx.QueryRow(ctx, sqlSelectClassForUpdate, classID))
	if err != nil {
		return err
	}
	if class.Status != booking.ClassStatusActive {
		return booking.ErrClassNotActive
	}
	var enrolled int64
	if err := tx.QueryRow(ctx, sqlCountEnrollments, classID).Scan(&enrolled); err != nil {
		return fmt.Errorf("catalog store: count enrollments: %w", err)
	}
	if enrolled >= int64(class.Capacity) {
		return booking.ErrClassFull
	}
	_, err = tx.Exec(ctx, sqlInsertEnrollment, classID, memberID, time.Now().UTC())
	if isEnrollmentConflict(err) {
		return booking.ErrAlreadyEnrolled
	}
	if isSerializationConflict(err) {
		return fmt.Errorf("%w: %v", booking.ErrEnrollConflict, err)
	}
	if err != nil {
		return fmt.Errorf("catalog store: enroll: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationConflict(err) {
			return fmt.Errorf("%w: %v", booking.ErrEnrollConflict, err)
		}
		return fmt.Errorf("catalog store: commit: %w", err)
	}
	return nil
}

func (store *CatalogStore) TryUnenroll(ctx context.Context, classID string, memberID string) error {
	tag, err := store.pool.Exec(ctx, sqlDeleteEnrollment, classID, memberID)
	if err != nil {
		return fmt.Errorf("catalog store: unenroll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotEnrolled
	}
	return nil
}

func (store *CatalogStore) ListUpcoming(ctx context.Context, from time.Time) ([]booking.ClassInstance, error) {
	rows, err := store.pool.Query(ctx, sqlListUpcomingClasses, from)
	if err != nil {
		return nil, fmt.Errorf("catalog store: list classes: %w", err)
	}
	defer rows.Close()
	classes := make([]booking.ClassInstance, 0, 16)
	for rows.Next() {
		class, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		classes = append(classes, class)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog store: list classes: %w", err)
	}
	for index := range classes {
		memberRows, err := store.pool.Query(ctx, sqlListClassMembers, classes[index].ClassID)
		if err != nil {
			return nil, fmt.Errorf("catalog store: list enrollments: %w", err)
		}
		for memberRows.Next() {
			var memberID string
			if err := memberRows.Scan(&memberID); err != nil {
				memberRows.Close()
				return nil, fmt.Errorf("catalog store: list enrollments: %w", err)
			}
			classes[index].EnrolledMemberIDs = append(classes[index].EnrolledMemberIDs, memberID)
		}
		memberRows.Close()
		if err := memberRows.Err(); err != nil {
			return nil, fmt.Errorf("catalog store: list enrollments: %w", err)
		}
	}
	return classes, nil
}

func (store *CatalogStore) CreateClass(ctx context.Context, class booking.ClassInstance) (string, error) {
	var classID string
	err := store.pool.QueryRow(ctx, sqlInsertClass,
		class.ClassID,
		class.Title,
		class.Type,
		class.TrainerID,
		class.ScheduledStart,
		class.DurationMinutes,
		class.Capacity,
		string(booking.ClassStatusActive),
	).Scan(&classID)
	if err != nil {
		return "", fmt.Errorf("catalog store: create class: %w", err)
	}
	return classID, nil
}

func (store *CatalogStore) TransitionStatus(ctx context.Context, classID string, next booking.ClassStatus) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("catalog store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	class, err := scanClass(tx.QueryRow(ctx, sqlSelectClassForUpdate, classID))
	if err != nil {
		return err
	}
	if !class.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", booking.ErrInvalidStatusTransition, class.Status, next)
	}
	if _, err := tx.Exec(ctx, sqlUpdateClassStatus, classID, string(next)); err != nil {
		return fmt.Errorf("catalog store: update status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("catalog store: commit: %w", err)
	}
	return nil
}

func scanClass(row pgx.Row) (booking.ClassInstance, error) {
	var class booking.ClassInstance
	var statusValue string
	err := row.Scan(
		&class.ClassID,
		&class.Title,
		&class.Type,
		&class.TrainerID,
		&class.ScheduledStart,
		&class.DurationMinutes,
		&class.Capacity,
		&statusValue,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.ClassInstance{}, booking.ErrClassNotFound
	}
	if err != nil {
		return booking.ClassInstance{}, fmt.Errorf("catalog store: get class: %w", err)
	}
	status, err := booking.ParseClassStatus(statusValue)
	if err != nil {
		return booking.ClassInstance{}, err
	}
	class.Status = status
	return class, nil
}
