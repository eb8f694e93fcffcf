// Package history records booking audit entries off the request path.
// Recording is best effort: a full queue or a failing store never blocks
// or fails a booking.
package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lotusloft/studio/pkg/booking"
)

const (
	defaultQueueSize     = 256
	defaultInsertRetries = 3
	defaultRetryBackoff  = 200 * time.Millisecond
)

// Store persists history records.
type Store interface {
	InsertHistory(ctx context.Context, record booking.HistoryRecord) error
}

// RecorderOption adjusts recorder behavior.
type RecorderOption func(*Recorder)

// WithQueueSize sets the pending-record buffer size.
func WithQueueSize(size int) RecorderOption {
	return func(recorder *Recorder) {
		if size > 0 {
			recorder.queueSize = size
		}
	}
}

// WithInsertRetry sets how many times a failed insert is retried and the
// base backoff between attempts.
func WithInsertRetry(attempts int, backoff time.Duration) RecorderOption {
	return func(recorder *Recorder) {
		if attempts > 0 {
			recorder.insertRetries = attempts
		}
		if backoff > 0 {
			recorder.retryBackoff = backoff
		}
	}
}

// Recorder implements booking.HistoryRecorder with a buffered worker.
type Recorder struct {
	store         Store
	logger        *zap.Logger
	queueSize     int
	insertRetries int
	retryBackoff  time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan booking.HistoryRecord
	done   chan struct{}
}

// NewRecorder starts a recorder draining into store. Call Close to flush
// and stop the worker.
func NewRecorder(store Store, logger *zap.Logger, options ...RecorderOption) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := &Recorder{
		store:         store,
		logger:        logger,
		queueSize:     defaultQueueSize,
		insertRetries: defaultInsertRetries,
		retryBackoff:  defaultRetryBackoff,
	}
	for _, option := range options {
		option(recorder)
	}
	recorder.queue = make(chan booking.HistoryRecord, recorder.queueSize)
	recorder.done = make(chan struct{})
	go recorder.drain()
	return recorder
}

// Record enqueues the record without blocking. When the queue is
// saturated or the recorder is already closed the record is dropped and
// logged; a booking in flight during shutdown must not panic here.
func (recorder *Recorder) Record(_ context.Context, record booking.HistoryRecord) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.closed {
		recorder.drop(record, "recorder closed")
		return
	}
	select {
	case recorder.queue <- record:
	default:
		recorder.drop(record, "queue full")
	}
}

// Close stops accepting records, flushes the queue, and waits for the
// worker to finish. Safe to call more than once.
func (recorder *Recorder) Close() {
	recorder.mu.Lock()
	if !recorder.closed {
		recorder.closed = true
		close(recorder.queue)
	}
	recorder.mu.Unlock()
	<-recorder.done
}

func (recorder *Recorder) drop(record booking.HistoryRecord, reason string) {
	recorder.logger.Warn("booking history dropped",
		zap.String("member_id", record.MemberID),
		zap.String("class_id", record.ClassID),
		zap.String("action", string(record.Action)),
		zap.String("reason", reason),
	)
}

func (recorder *Recorder) drain() {
	defer close(recorder.done)
	for record := range recorder.queue {
		recorder.insert(record)
	}
}

func (recorder *Recorder) insert(record booking.HistoryRecord) {
	var lastErr error
	for attempt := 0; attempt < recorder.insertRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(recorder.retryBackoff << (attempt - 1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = recorder.store.InsertHistory(ctx, record)
		cancel()
		if lastErr == nil {
			return
		}
	}
	recorder.logger.Error("booking history insert failed",
		zap.String("member_id", record.MemberID),
		zap.String("class_id", record.ClassID),
		zap.String("action", string(record.Action)),
		zap.Error(lastErr),
	)
}
