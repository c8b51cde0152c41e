package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	err       error
	delivered []Entry
	block     chan struct{}
}

func (s *flakySink) Deliver(ctx context.Context, entry Entry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failUntil {
		if s.err != nil {
			return s.err
		}
		return errors.New("transient")
	}
	s.delivered = append(s.delivered, entry)
	return nil
}

func (s *flakySink) snapshot() (int, []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]Entry(nil), s.delivered...)
}

type dropCounter struct {
	mu      sync.Mutex
	reasons map[string]int
}

func (d *dropCounter) AuditDropped(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reasons == nil {
		d.reasons = map[string]int{}
	}
	d.reasons[reason]++
}

func (d *dropCounter) AuditQueueDepth(int) {}

func (d *dropCounter) count(reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reasons[reason]
}

func TestLoggerRetriesTransientFailures(t *testing.T) {
	sink := &flakySink{failUntil: 2}
	drops := &dropCounter{}
	logger := NewLogger(sink, LoggerConfig{Attempts: 3, Backoff: time.Millisecond}, nil, drops)
	logger.Start()

	logger.Record(Entry{Principal: "u-1", Action: ActionCheck})
	require.NoError(t, logger.Close(context.Background()))

	calls, delivered := sink.snapshot()
	assert.Equal(t, 3, calls)
	require.Len(t, delivered, 1)
	assert.NotEqual(t, uuid.Nil, delivered[0].ID)
	assert.False(t, delivered[0].OccurredAt.IsZero())
	assert.Zero(t, drops.count(DropExhausted))
}

func TestLoggerDropsAfterExhaustingRetries(t *testing.T) {
	sink := &flakySink{failUntil: 100}
	drops := &dropCounter{}
	logger := NewLogger(sink, LoggerConfig{Attempts: 2, Backoff: time.Millisecond}, nil, drops)
	logger.Start()

	logger.Record(Entry{Principal: "u-1", Action: ActionGrant})
	require.NoError(t, logger.Close(context.Background()))

	calls, delivered := sink.snapshot()
	assert.Equal(t, 2, calls)
	assert.Empty(t, delivered)
	assert.Equal(t, 1, drops.count(DropExhausted))
}

func TestLoggerDoesNotRetryPermanentFailures(t *testing.T) {
	sink := &flakySink{failUntil: 100, err: Permanent(errors.New("bad document"))}
	drops := &dropCounter{}
	logger := NewLogger(sink, LoggerConfig{Attempts: 5, Backoff: time.Millisecond}, nil, drops)
	logger.Start()

	logger.Record(Entry{Principal: "u-1", Action: ActionRevoke})
	require.NoError(t, logger.Close(context.Background()))

	calls, _ := sink.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, drops.count(DropPermanent))
}

func TestLoggerRecordNeverBlocksWhenQueueFull(t *testing.T) {
	sink := &flakySink{block: make(chan struct{})}
	drops := &dropCounter{}
	logger := NewLogger(sink, LoggerConfig{QueueSize: 1, Attempts: 1}, nil, drops)

	// Without Start nothing drains the queue.
	logger.Record(Entry{Principal: "u-1", Action: ActionCheck})
	logger.Record(Entry{Principal: "u-1", Action: ActionCheck})
	logger.Record(Entry{Principal: "u-1", Action: ActionCheck})
	assert.Equal(t, 2, drops.count(DropQueueFull))

	close(sink.block)
	require.NoError(t, logger.Close(context.Background()))
	_, delivered := sink.snapshot()
	assert.Len(t, delivered, 1)
}

func TestLoggerRecordAfterClose(t *testing.T) {
	drops := &dropCounter{}
	logger := NewLogger(&flakySink{}, LoggerConfig{}, nil, drops)
	logger.Start()
	require.NoError(t, logger.Close(context.Background()))
	require.ErrorIs(t, logger.Close(context.Background()), ErrClosed)

	logger.Record(Entry{Principal: "u-1", Action: ActionCheck})
	assert.Equal(t, 1, drops.count(DropClosed))
}

func TestLoggerCloseHonoursDeadline(t *testing.T) {
	sink := &flakySink{block: make(chan struct{})}
	drops := &dropCounter{}
	logger := NewLogger(sink, LoggerConfig{Attempts: 1, DeliveryTimeout: time.Minute}, nil, drops)
	logger.Start()
	logger.Record(Entry{Principal: "u-1", Action: ActionCheck})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := logger.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, delivered := sink.snapshot()
	assert.Empty(t, delivered)
}

func TestRepositorySinkRejectsUnknownAction(t *testing.T) {
	repo := NewMemoryRepository()
	sink := NewRepositorySink(repo)
	err := sink.Deliver(context.Background(), Entry{ID: uuid.New(), Action: "delete"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	require.NoError(t, sink.Deliver(context.Background(), Entry{ID: uuid.New(), Action: ActionCheck}))
	assert.Equal(t, 1, repo.Len())
}
