package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lotusloft/studio/pkg/booking"
)

func bookedRecord(memberID string, classID string) booking.HistoryRecord {
	return booking.HistoryRecord{
		MemberID: memberID,
		ClassID:  classID,
		Action:   booking.ActionBooked,
		Snapshot: booking.ClassSnapshot{
			Title:          "Morning Flow",
			Type:           "yoga",
			TrainerID:      "trainer-1",
			ScheduledStart: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
		},
		RecordedAt: time.Date(2025, time.March, 10, 7, 0, 0, 0, time.UTC),
	}
}

type memoryHistoryStore struct {
	mu       sync.Mutex
	inserted []booking.HistoryRecord
	failures int
}

func (store *memoryHistoryStore) InsertHistory(_ context.Context, record booking.HistoryRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failures > 0 {
		store.failures--
		return fmt.Errorf("insert rejected")
	}
	store.inserted = append(store.inserted, record)
	return nil
}

func (store *memoryHistoryStore) records() []booking.HistoryRecord {
	store.mu.Lock()
	defer store.mu.Unlock()
	copied := make([]booking.HistoryRecord, len(store.inserted))
	copy(copied, store.inserted)
	return copied
}

type blockingHistoryStore struct {
	gate chan struct{}
}

func (store *blockingHistoryStore) InsertHistory(_ context.Context, _ booking.HistoryRecord) error {
	<-store.gate
	return nil
}

func TestRecorderPersistsRecords(test *testing.T) {
	test.Parallel()
	store := &memoryHistoryStore{}
	recorder := NewRecorder(store, zap.NewNop())

	recorder.Record(context.Background(), bookedRecord("member-1", "class-1"))
	recorder.Record(context.Background(), bookedRecord("member-2", "class-2"))
	recorder.Close()

	records := store.records()
	if len(records) != 2 {
		test.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].MemberID != "member-1" || records[1].MemberID != "member-2" {
		test.Fatalf("records out of order: %+v", records)
	}
}

func TestRecorderRetriesFailedInsert(test *testing.T) {
	test.Parallel()
	store := &memoryHistoryStore{failures: 2}
	recorder := NewRecorder(store, zap.NewNop(), WithInsertRetry(3, time.Millisecond))

	recorder.Record(context.Background(), bookedRecord("member-1", "class-1"))
	recorder.Close()

	if records := store.records(); len(records) != 1 {
		test.Fatalf("expected record persisted after retries, got %d", len(records))
	}
}

func TestRecorderGivesUpAfterRetryBudget(test *testing.T) {
	test.Parallel()
	store := &memoryHistoryStore{failures: 5}
	recorder := NewRecorder(store, zap.NewNop(), WithInsertRetry(2, time.Millisecond))

	recorder.Record(context.Background(), bookedRecord("member-1", "class-1"))
	recorder.Close()

	if records := store.records(); len(records) != 0 {
		test.Fatalf("expected record dropped after retry budget, got %d", len(records))
	}
}

func TestRecordAfterCloseIsDropped(test *testing.T) {
	test.Parallel()
	store := &memoryHistoryStore{}
	recorder := NewRecorder(store, zap.NewNop())
	recorder.Close()

	// A handler still finishing during shutdown may record after Close;
	// the record is dropped, never a panic.
	recorder.Record(context.Background(), bookedRecord("member-1", "class-1"))

	if records := store.records(); len(records) != 0 {
		test.Fatalf("expected no records after close, got %d", len(records))
	}
	recorder.Close()
}

func TestRecordNeverBlocksWhenSaturated(test *testing.T) {
	test.Parallel()
	store := &blockingHistoryStore{gate: make(chan struct{})}
	recorder := NewRecorder(store, zap.NewNop(), WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for index := 0; index < 10; index++ {
			recorder.Record(context.Background(), bookedRecord("member-1", "class-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		test.Fatalf("record blocked on a saturated queue")
	}
	close(store.gate)
	recorder.Close()
}
