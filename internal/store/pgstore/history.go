package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotusloft/studio/pkg/booking"
)

const (
	sqlInsertHistory = `
		insert into booking_history(record_id, member_id, class_id, action, snapshot, created_at)
		values(gen_random_uuid()::text, $1, $2, $3, $4::jsonb, $5)
	`

	sqlListHistoryByMember = `
		select member_id, class_id, action, snapshot, created_at
		from booking_history
		where member_id = $1
		order by created_at desc
		limit $2
	`
)

// HistoryStore persists the append-only booking audit trail on PostgreSQL.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore returns a HistoryStore backed by a pgx pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

func (store *HistoryStore) InsertHistory(ctx context.Context, record booking.HistoryRecord) error {
	snapshot, err := json.Marshal(record.Snapshot)
	if err != nil {
		return fmt.Errorf("history store: marshal snapshot: %w", err)
	}
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err = store.pool.Exec(ctx, sqlInsertHistory,
		record.MemberID,
		record.ClassID,
		string(record.Action),
		string(snapshot),
		recordedAt,
	)
	if err != nil {
		return fmt.Errorf("history store: insert: %w", err)
	}
	return nil
}

func (store *HistoryStore) ListByMember(ctx context.Context, memberID string, limit int) ([]booking.HistoryRecord, error) {
	rows, err := store.pool.Query(ctx, sqlListHistoryByMember, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	defer rows.Close()
	records := make([]booking.HistoryRecord, 0, 16)
	for rows.Next() {
		var record booking.HistoryRecord
		var action string
		var snapshot []byte
		if err := rows.Scan(&record.MemberID, &record.ClassID, &action, &snapshot, &record.RecordedAt); err != nil {
			return nil, fmt.Errorf("history store: list: %w", err)
		}
		if err := json.Unmarshal(snapshot, &record.Snapshot); err != nil {
			return nil, fmt.Errorf("history store: decode snapshot: %w", err)
		}
		record.Action = booking.HistoryAction(action)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	return records, nil
}
