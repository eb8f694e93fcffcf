package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lotusloft/studio/pkg/booking"
)

// HistoryStore persists the append-only booking audit trail.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore returns a HistoryStore backed by gorm.DB.
func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (store *HistoryStore) InsertHistory(ctx context.Context, record booking.HistoryRecord) error {
	snapshot, err := json.Marshal(record.Snapshot)
	if err != nil {
		return fmt.Errorf("history store: marshal snapshot: %w", err)
	}
	row := BookingHistoryRecord{
		MemberID:  record.MemberID,
		ClassID:   record.ClassID,
		Action:    string(record.Action),
		Snapshot:  datatypes.JSON(snapshot),
		CreatedAt: record.RecordedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("history store: insert: %w", err)
	}
	return nil
}

func (store *HistoryStore) ListByMember(ctx context.Context, memberID string, limit int) ([]booking.HistoryRecord, error) {
	var rows []BookingHistoryRecord
	err := store.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	records := make([]booking.HistoryRecord, 0, len(rows))
	for _, row := range rows {
		var snapshot booking.ClassSnapshot
		if err := json.Unmarshal(row.Snapshot, &snapshot); err != nil {
			return nil, fmt.Errorf("history store: decode snapshot: %w", err)
		}
		records = append(records, booking.HistoryRecord{
			MemberID:   row.MemberID,
			ClassID:    row.ClassID,
			Action:     booking.HistoryAction(row.Action),
			Snapshot:   snapshot,
			RecordedAt: row.CreatedAt,
		})
	}
	return records, nil
}
