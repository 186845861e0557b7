package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestGateExecutesImmediatelyWhileOnline(t *testing.T) {
	h := newHarness(t, true)

	result := h.gate.Dispatch(context.Background(), fuelUpsert("r1", 10), DispatchOptions{})

	require.NoError(t, result.Err)
	require.False(t, result.Queued)
	require.Equal(t, []string{"r1"}, upsertedIDs(h.backend.recorded()))
	require.Empty(t, pendingIDs(t, h.log))
	require.Empty(t, h.notifier.kinds())
}

func TestGateQueuesWhileOfflineAndNotifiesOncePerStretch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	for index := 1; index <= 3; index++ {
		result := h.gate.Dispatch(ctx, fuelUpsert(fmt.Sprintf("r%d", index), float64(index)), DispatchOptions{})
		require.NoError(t, result.Err)
		require.True(t, result.Queued)
	}

	require.Empty(t, h.backend.recorded())
	require.Equal(t, []string{"rec-001", "rec-002", "rec-003"}, pendingIDs(t, h.log))
	require.Equal(t, []NoticeKind{NoticeQueuedOffline}, h.notifier.kinds())

	h.connectivity.Set(true)
	require.False(t, h.gate.Dispatch(ctx, fuelUpsert("r4", 4), DispatchOptions{}).Queued)
	h.connectivity.Set(false)
	require.True(t, h.gate.Dispatch(ctx, fuelUpsert("r5", 5), DispatchOptions{}).Queued)

	require.Equal(t, []NoticeKind{NoticeQueuedOffline, NoticeQueuedOffline}, h.notifier.kinds())
}

func TestGateQueuesAfterBackendFailure(t *testing.T) {
	h := newHarness(t, true)
	h.backend.failWith(func(backendCall) error {
		return fmt.Errorf("%w: 422", protocol.ErrRejected)
	})

	result := h.gate.Dispatch(context.Background(), fuelUpsert("r1", 10), DispatchOptions{})

	require.True(t, result.Queued)
	require.ErrorIs(t, result.Err, ErrBackendRejected)
	require.ErrorIs(t, result.Err, protocol.ErrRejected)
	require.Equal(t, []string{"rec-001"}, pendingIDs(t, h.log))
	require.Equal(t, []NoticeKind{NoticeQueuedAfterFailure}, h.notifier.kinds())
}

func TestGateSilentDispatchEmitsNoNotice(t *testing.T) {
	h := newHarness(t, true)
	h.backend.failWith(func(backendCall) error { return errors.New("connection reset") })

	result := h.gate.Dispatch(context.Background(), fuelUpsert("r1", 10), DispatchOptions{Silent: true})

	require.True(t, result.Queued)
	require.ErrorIs(t, result.Err, ErrNetworkUnavailable)
	require.Empty(t, h.notifier.kinds())

	h.connectivity.Set(false)
	require.True(t, h.gate.Dispatch(context.Background(), fuelUpsert("r2", 1), DispatchOptions{Silent: true}).Queued)
	require.Empty(t, h.notifier.kinds())
}

func TestGateRejectsInvalidMutationWithoutQueueing(t *testing.T) {
	h := newHarness(t, false)

	cases := []Mutation{
		nil,
		Upsert{Target: "fuel_records"},
		ConditionalUpdate{Target: "stoppages", Patch: protocol.Row{"ended_at": "x"}},
		ConditionalDelete{Target: "fuel_records", Match: protocol.MatchID("r1")},
	}
	for _, mutation := range cases {
		result := h.gate.Dispatch(context.Background(), mutation, DispatchOptions{})
		require.ErrorIs(t, result.Err, ErrInvalidMutation)
		require.False(t, result.Queued)
	}
	require.Empty(t, pendingIDs(t, h.log))
}

func TestExecutorTranslatesConditionalDelete(t *testing.T) {
	h := newHarness(t, true)
	deletedAt := time.Date(2024, 6, 2, 9, 30, 0, 0, time.UTC)

	err := h.executor.Execute(context.Background(), Record{
		ID:       "rec-1",
		Mutation: ConditionalDelete{Target: "fuel_records", Match: protocol.MatchID("r1"), DeletedAt: deletedAt},
	})

	require.NoError(t, err)
	calls := h.backend.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "update", calls[0].Op)
	require.Equal(t, protocol.Row{"deleted_at": "2024-06-02T09:30:00Z"}, calls[0].Row)
	require.Equal(t, protocol.MatchID("r1"), calls[0].Match)
}
