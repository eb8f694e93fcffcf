package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lotusloft/studio/pkg/booking"
	"github.com/lotusloft/studio/pkg/credits"
)

func newTestDB(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("unwrap sql db: %v", err)
	}
	// A single connection keeps every goroutine on the same in-memory
	// database.
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&MemberBalance{},
		&CreditTransaction{},
		&ClassRecord{},
		&Enrollment{},
		&BookingHistoryRecord{},
	)
	if err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	return db
}

func mustStoreMemberID(test *testing.T, raw string) credits.MemberID {
	test.Helper()
	memberID, err := credits.NewMemberID(raw)
	if err != nil {
		test.Fatalf("member id %q: %v", raw, err)
	}
	return memberID
}

func newTestLedger(test *testing.T, db *gorm.DB, now func() time.Time) *credits.Service {
	test.Helper()
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	service, err := credits.NewService(NewCreditStore(db), now)
	if err != nil {
		test.Fatalf("credit service: %v", err)
	}
	return service
}

func mustCreateClass(test *testing.T, catalog *CatalogStore, capacity int, startIn time.Duration) string {
	test.Helper()
	classID, err := catalog.CreateClass(context.Background(), booking.ClassInstance{
		Title:           "Morning Flow",
		Type:            "yoga",
		TrainerID:       "trainer-1",
		ScheduledStart:  time.Now().UTC().Add(startIn),
		DurationMinutes: 60,
		Capacity:        capacity,
	})
	if err != nil {
		test.Fatalf("create class: %v", err)
	}
	return classID
}

func TestConcurrentConsumesNeverOverdraw(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	service := newTestLedger(test, db, nil)
	memberID := mustStoreMemberID(test, "member-1")
	ctx := context.Background()
	if err := service.Grant(ctx, memberID, 1, "membership purchase", "grant:seed"); err != nil {
		test.Fatalf("grant: %v", err)
	}

	const consumers = 10
	results := make(chan error, consumers)
	var wg sync.WaitGroup
	for index := 0; index < consumers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := service.Consume(ctx, memberID, 1,
				"lesson booking: class-1", "class-1",
				fmt.Sprintf("booking:class-1:%d", index))
			results <- err
		}(index)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
			continue
		}
		if !errors.Is(err, credits.ErrInsufficientCredits) {
			test.Fatalf("expected ErrInsufficientCredits for losers, got %v", err)
		}
	}
	if winners != 1 {
		test.Fatalf("expected exactly one winner for the last credit, got %d", winners)
	}
	balance, err := service.Balance(ctx, memberID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.RemainingCredits != 0 {
		test.Fatalf("expected an exhausted balance, got %d", balance.RemainingCredits)
	}
}

func TestConcurrentEnrollsNeverExceedCapacity(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	catalog := NewCatalogStore(db)
	classID := mustCreateClass(test, catalog, 1, 24*time.Hour)
	ctx := context.Background()

	const contenders = 10
	results := make(chan error, contenders)
	var wg sync.WaitGroup
	for index := 0; index < contenders; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results <- catalog.TryEnroll(ctx, classID, fmt.Sprintf("member-%d", index))
		}(index)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
			continue
		}
		if !errors.Is(err, booking.ErrClassFull) {
			test.Fatalf("expected ErrClassFull for losers, got %v", err)
		}
	}
	if winners != 1 {
		test.Fatalf("expected exactly one seat claimed, got %d", winners)
	}
	class, err := catalog.GetClassForBooking(ctx, classID)
	if err != nil {
		test.Fatalf("get class: %v", err)
	}
	if len(class.EnrolledMemberIDs) != 1 {
		test.Fatalf("expected one enrollment, got %d", len(class.EnrolledMemberIDs))
	}
}

func TestDuplicateReferenceLeavesBalanceUntouched(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	service := newTestLedger(test, db, nil)
	memberID := mustStoreMemberID(test, "member-1")
	ctx := context.Background()
	if err := service.Grant(ctx, memberID, 2, "membership purchase", "grant:seed"); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if _, err := service.Consume(ctx, memberID, 1, "lesson booking: class-1", "class-1", "booking:class-1:att"); err != nil {
		test.Fatalf("consume: %v", err)
	}

	_, err := service.Consume(ctx, memberID, 1, "lesson booking: class-1", "class-1", "booking:class-1:att")
	if !errors.Is(err, credits.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	balance, err := service.Balance(ctx, memberID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.RemainingCredits != 1 {
		test.Fatalf("a replayed consume must roll back its debit, got %d remaining", balance.RemainingCredits)
	}
	transactions, err := service.ListTransactions(ctx, memberID, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected grant plus one consume, got %d entries", len(transactions))
	}
}

func TestEnrollTwiceReportsAlreadyEnrolled(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	catalog := NewCatalogStore(db)
	classID := mustCreateClass(test, catalog, 2, 24*time.Hour)
	ctx := context.Background()

	if err := catalog.TryEnroll(ctx, classID, "member-1"); err != nil {
		test.Fatalf("enroll: %v", err)
	}
	if err := catalog.TryEnroll(ctx, classID, "member-1"); !errors.Is(err, booking.ErrAlreadyEnrolled) {
		test.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestListOrphanedDebitsFindsLostSeats(test *testing.T) {
	test.Parallel()
	base := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	db := newTestDB(test)
	service := newTestLedger(test, db, func() time.Time { return base })
	catalog := NewCatalogStore(db)
	memberID := mustStoreMemberID(test, "member-1")
	ctx := context.Background()
	if err := service.Grant(ctx, memberID, 3, "membership purchase", "grant:seed"); err != nil {
		test.Fatalf("grant: %v", err)
	}

	heldClassID := mustCreateClass(test, catalog, 1, 24*time.Hour)
	if _, err := service.Consume(ctx, memberID, 1, "lesson booking: "+heldClassID, heldClassID, "booking:"+heldClassID+":1"); err != nil {
		test.Fatalf("consume held: %v", err)
	}
	if err := catalog.TryEnroll(ctx, heldClassID, memberID.String()); err != nil {
		test.Fatalf("enroll held: %v", err)
	}
	if _, err := service.Consume(ctx, memberID, 1, "lesson booking: class-lost", "class-lost", "booking:class-lost:1"); err != nil {
		test.Fatalf("consume lost: %v", err)
	}

	store := NewCreditStore(db)
	orphans, err := store.ListOrphanedDebits(ctx, base.Add(time.Minute))
	if err != nil {
		test.Fatalf("orphan scan: %v", err)
	}
	if len(orphans) != 1 || orphans[0].RelatedClassID != "class-lost" {
		test.Fatalf("expected the seatless debit only, got %+v", orphans)
	}

	referenceKey := "reconcile:" + orphans[0].TransactionID
	if _, err := service.Refund(ctx, memberID, 1, "reconciliation refund", "class-lost", referenceKey); err != nil {
		test.Fatalf("refund: %v", err)
	}
	orphans, err = store.ListOrphanedDebits(ctx, base.Add(time.Minute))
	if err != nil {
		test.Fatalf("orphan rescan: %v", err)
	}
	if len(orphans) != 0 {
		test.Fatalf("a refunded debit must leave the scan, got %+v", orphans)
	}
}
