package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestFlushReplaysOfflineRecordsInOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	mutations := []Mutation{
		fuelUpsert("r1", 10),
		ConditionalUpdate{
			Target: "stoppages",
			Patch:  protocol.Row{"ended_at": "2024-06-01T10:00:00Z"},
			Match:  protocol.Predicate{Equals: map[string]any{"equipment_id": "eq-1"}, IsNull: []string{"ended_at"}},
		},
		ConditionalDelete{Target: "fuel_records", Match: protocol.MatchID("r0"), DeletedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, mutation := range mutations {
		require.True(t, h.gate.Dispatch(ctx, mutation, DispatchOptions{}).Queued)
	}
	count, err := h.log.Len()
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Empty(t, h.backend.recorded())

	var refreshedWithUsers []bool
	flusher := h.newFlusher(t, FlusherConfig{
		Refresher: RefresherFunc(func(_ context.Context, includeUsers bool) error {
			refreshedWithUsers = append(refreshedWithUsers, includeUsers)
			return nil
		}),
		ManagesUsers: func() bool { return true },
	})
	h.connectivity.Set(true)

	report := flusher.Flush(ctx)

	require.NoError(t, report.Err)
	require.Equal(t, 3, report.Flushed)
	require.Zero(t, report.Pending)
	require.True(t, report.Refreshed)
	require.Equal(t, []bool{true}, refreshedWithUsers)
	require.Empty(t, pendingIDs(t, h.log))

	calls := h.backend.recorded()
	require.Len(t, calls, 3)
	require.Equal(t, "upsert", calls[0].Op)
	require.Equal(t, "stoppages", calls[1].Table)
	require.Equal(t, "fuel_records", calls[2].Table)
	require.Equal(t, protocol.Row{"deleted_at": "2024-06-01T09:00:00Z"}, calls[2].Row)
	require.Equal(t, []NoticeKind{NoticeQueuedOffline, NoticeSyncSucceeded}, h.notifier.kinds())
}

func TestFlushKeepsOnlyFailedRecordsInOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, h.gate.Dispatch(ctx, fuelUpsert(id, 1), DispatchOptions{}).Queued)
	}
	before, err := h.log.Pending()
	require.NoError(t, err)

	h.backend.failWith(func(call backendCall) error {
		if call.Row[protocol.FieldID] == "b" {
			return errors.New("timeout")
		}
		return nil
	})
	refreshes := 0
	flusher := h.newFlusher(t, FlusherConfig{
		Refresher: RefresherFunc(func(context.Context, bool) error { refreshes++; return nil }),
	})

	report := flusher.Flush(ctx)

	require.Equal(t, 2, report.Flushed)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Pending)
	require.Equal(t, 1, refreshes)
	require.Equal(t, []string{"a", "b", "c"}, upsertedIDs(h.backend.recorded()))

	after, err := h.log.Pending()
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, before[1].Record, after[0].Record)
	require.Zero(t, after[0].Rejections)
	require.Contains(t, after[0].LastError, "timeout")
}

func TestFlushPreservesRecordsQueuedDuringFlush(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.True(t, h.gate.Dispatch(ctx, fuelUpsert("a", 1), DispatchOptions{}).Queued)

	h.backend.failWith(func(call backendCall) error {
		// A user edit lands while the flush is replaying.
		require.True(t, h.gate.Dispatch(ctx, fuelUpsert("late", 2), DispatchOptions{}).Queued)
		return errors.New("connection refused")
	})
	flusher := h.newFlusher(t, FlusherConfig{})

	report := flusher.Flush(ctx)

	require.Zero(t, report.Flushed)
	require.Equal(t, 2, report.Pending)
	require.Equal(t, []string{"rec-001", "rec-002"}, pendingIDs(t, h.log))
}

func TestFlushIsSingleFlight(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.True(t, h.gate.Dispatch(ctx, fuelUpsert(id, 1), DispatchOptions{}).Queued)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.backend.failWith(func(backendCall) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	})
	flusher := h.newFlusher(t, FlusherConfig{})

	done := make(chan FlushReport)
	go func() { done <- flusher.Flush(ctx) }()
	<-started

	require.True(t, flusher.Flushing())
	require.True(t, flusher.Flush(ctx).Skipped)
	close(release)

	report := <-done
	require.Equal(t, 2, report.Flushed)
	require.False(t, flusher.Flushing())
	require.Equal(t, []string{"a", "b"}, upsertedIDs(h.backend.recorded()))
}

func TestFlushRunsToCompletionAfterCancellation(t *testing.T) {
	h := newHarness(t, false)
	require.True(t, h.gate.Dispatch(context.Background(), fuelUpsert("a", 1), DispatchOptions{}).Queued)
	flusher := h.newFlusher(t, FlusherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := flusher.Flush(ctx)

	require.Equal(t, 1, report.Flushed)
}

func TestFlushDeadLettersRepeatedlyRejectedRecords(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.True(t, h.gate.Dispatch(ctx, fuelUpsert("bad", 1), DispatchOptions{}).Queued)
	h.backend.failWith(func(backendCall) error {
		return fmt.Errorf("%w: unknown column", protocol.ErrRejected)
	})
	flusher := h.newFlusher(t, FlusherConfig{MaxRejections: 2})

	first := flusher.Flush(ctx)
	require.Equal(t, 1, first.Pending)
	pending, err := h.log.Pending()
	require.NoError(t, err)
	require.Equal(t, 1, pending[0].Rejections)

	second := flusher.Flush(ctx)
	require.Equal(t, 1, second.DeadLettered)
	require.Zero(t, second.Pending)

	dead, err := h.log.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 2, dead[0].Rejections)

	h.backend.failWith(nil)
	moved, err := h.log.Requeue()
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	require.Equal(t, 1, flusher.Flush(ctx).Flushed)
}

func TestFlushNeverDeadLettersNetworkFailures(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.True(t, h.gate.Dispatch(ctx, fuelUpsert("a", 1), DispatchOptions{}).Queued)
	h.backend.failWith(func(backendCall) error {
		return fmt.Errorf("%w: dial tcp", protocol.ErrUnavailable)
	})
	flusher := h.newFlusher(t, FlusherConfig{MaxRejections: 1})

	for attempt := 0; attempt < 3; attempt++ {
		report := flusher.Flush(ctx)
		require.Zero(t, report.DeadLettered)
		require.Equal(t, 1, report.Pending)
	}
	dead, err := h.log.DeadLetters()
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestFlushAnnouncesPendingCountOnlyWhenItChanges(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.True(t, h.gate.Dispatch(ctx, fuelUpsert(id, 1), DispatchOptions{Silent: true}).Queued)
	}
	h.backend.failWith(func(backendCall) error { return errors.New("offline") })
	notifier := &recordingNotifier{}
	flusher := h.newFlusher(t, FlusherConfig{Notifier: notifier})

	flusher.Flush(ctx)
	flusher.Flush(ctx)
	require.Equal(t, []NoticeKind{NoticeStillPending}, notifier.kinds())

	h.backend.failWith(func(call backendCall) error {
		if call.Row[protocol.FieldID] == "b" {
			return errors.New("offline")
		}
		return nil
	})
	flusher.Flush(ctx)

	require.Equal(t, []NoticeKind{NoticeStillPending, NoticeSyncSucceeded, NoticeStillPending}, notifier.kinds())
	require.Equal(t, 1, notifier.notices[2].Count)
}

func TestFlushInterruptedMidwayNeverReplaysARecordTwice(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, h.gate.Dispatch(ctx, fuelUpsert(id, 1), DispatchOptions{}).Queued)
	}
	h.backend.failWith(func(call backendCall) error {
		if call.Row[protocol.FieldID] == "b" {
			panic("process killed")
		}
		return nil
	})

	func() {
		defer func() { require.NotNil(t, recover()) }()
		h.newFlusher(t, FlusherConfig{}).Flush(ctx)
	}()

	h.backend.failWith(nil)
	h.newFlusher(t, FlusherConfig{}).Flush(ctx)
	h.newFlusher(t, FlusherConfig{}).Flush(ctx)

	seen := make(map[string]int)
	for _, id := range upsertedIDs(h.backend.recorded()) {
		seen[id]++
		require.LessOrEqual(t, seen[id], 1, "record %s replayed twice", id)
	}
}

func TestFlushOfEmptyLogIsQuiet(t *testing.T) {
	h := newHarness(t, true)
	refreshes := 0
	flusher := h.newFlusher(t, FlusherConfig{
		Refresher: RefresherFunc(func(context.Context, bool) error { refreshes++; return nil }),
	})

	report := flusher.Flush(context.Background())

	require.Zero(t, report.Flushed)
	require.Zero(t, refreshes)
	require.Empty(t, h.notifier.kinds())
}

func TestFlusherRunStopsWithContext(t *testing.T) {
	h := newHarness(t, false)
	require.True(t, h.gate.Dispatch(context.Background(), fuelUpsert("a", 1), DispatchOptions{}).Queued)
	flusher := h.newFlusher(t, FlusherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		flusher.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		count, err := h.log.Len()
		return err == nil && count == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flusher did not stop")
	}
}
