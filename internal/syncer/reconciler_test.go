package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string
	Value string
}

func (i item) EntityID() string { return i.ID }

func itemPayload(i item) protocol.Row {
	return protocol.Row{"id": i.ID, "v": i.Value}
}

type fuelRecord struct {
	ID     string
	Diesel float64
}

func (r fuelRecord) EntityID() string { return r.ID }

func newTestReconciler(t *testing.T, gate *Gate, maxConcurrency int64) *Reconciler {
	t.Helper()
	reconciler, err := NewReconciler(ReconcilerConfig{
		Gate:           gate,
		MaxConcurrency: maxConcurrency,
		Clock:          func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return reconciler
}

func TestReconcileDispatchesOnlyChangedEntities(t *testing.T) {
	h := newHarness(t, true)
	reconciler := newTestReconciler(t, h.gate, 0)

	previous := []item{{ID: "1", Value: "x"}, {ID: "2", Value: "y"}}
	next := []item{{ID: "1", Value: "x"}, {ID: "3", Value: "z"}}
	result := Reconcile(context.Background(), reconciler, "items", previous, next, itemPayload).Wait()

	require.NoError(t, result.Err)
	require.Equal(t, 1, result.Upserts)
	require.Equal(t, 1, result.Deletes)
	require.Zero(t, result.Queued)

	calls := h.backend.recorded()
	require.Len(t, calls, 2)
	var upserts, updates []backendCall
	for _, call := range calls {
		switch call.Op {
		case "upsert":
			upserts = append(upserts, call)
		case "update":
			updates = append(updates, call)
		}
	}
	require.Len(t, upserts, 1)
	require.Equal(t, protocol.Row{"id": "3", "v": "z"}, upserts[0].Row)
	require.Len(t, updates, 1)
	require.Equal(t, protocol.MatchID("2"), updates[0].Match)
	require.Equal(t, protocol.Row{"deleted_at": "2024-06-01T12:00:00Z"}, updates[0].Row)
	require.Empty(t, h.notifier.kinds())
}

func TestReconcileSkipsEntitiesWithoutPayload(t *testing.T) {
	h := newHarness(t, true)
	reconciler := newTestReconciler(t, h.gate, 0)
	unresolved := func(item) protocol.Row { return nil }

	first := Reconcile(context.Background(), reconciler, "items", nil, []item{{ID: "1", Value: "x"}}, unresolved).Wait()
	require.Equal(t, 1, first.Skipped)
	require.Zero(t, first.Upserts)

	second := Reconcile(context.Background(), reconciler, "items",
		[]item{{ID: "1", Value: "x"}}, []item{{ID: "1", Value: "x2"}}, unresolved).Wait()
	require.Equal(t, 1, second.Skipped)
	require.Zero(t, second.Deletes)
	require.Empty(t, h.backend.recorded())
}

func TestReconcileQueuesFuelEditsWhileOffline(t *testing.T) {
	h := newHarness(t, false)
	reconciler := newTestReconciler(t, h.gate, 0)
	toPayload := func(r fuelRecord) protocol.Row {
		return protocol.Row{"id": r.ID, "diesel": r.Diesel}
	}

	previous := []fuelRecord{{ID: "r1", Diesel: 10}}
	next := []fuelRecord{{ID: "r1", Diesel: 15}, {ID: "r2", Diesel: 5}}
	result := Reconcile(context.Background(), reconciler, "fuel_records", previous, next, toPayload).Wait()

	require.NoError(t, result.Err)
	require.Equal(t, 2, result.Upserts)
	require.Zero(t, result.Deletes)
	require.Equal(t, 2, result.Queued)
	require.Empty(t, h.backend.recorded())
	require.Empty(t, h.notifier.kinds())

	pending, err := h.log.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for index, want := range []string{"r1", "r2"} {
		upsert, ok := pending[index].Record.Mutation.(Upsert)
		require.True(t, ok)
		require.Equal(t, want, upsert.Payload[protocol.FieldID])
	}

	h.connectivity.Set(true)
	report := h.newFlusher(t, FlusherConfig{}).Flush(context.Background())

	require.Equal(t, 2, report.Flushed)
	require.Empty(t, pendingIDs(t, h.log))
	require.Equal(t, []string{"r1", "r2"}, upsertedIDs(h.backend.recorded()))
	require.Equal(t, 15.0, h.backend.row("fuel_records", "r1")["diesel"])
}

func TestReconcileCollectsFailuresWithoutAbortingOthers(t *testing.T) {
	h := newHarness(t, true)
	h.backend.failWith(func(call backendCall) error {
		if call.Row[protocol.FieldID] == "2" {
			return fmt.Errorf("%w: bad row", protocol.ErrRejected)
		}
		return nil
	})
	reconciler := newTestReconciler(t, h.gate, 0)

	next := []item{{ID: "1", Value: "a"}, {ID: "2", Value: "b"}, {ID: "3", Value: "c"}}
	result := Reconcile(context.Background(), reconciler, "items", nil, next, itemPayload).Wait()

	require.ErrorIs(t, result.Err, ErrBackendRejected)
	require.Equal(t, 1, result.Queued)
	require.ElementsMatch(t, []string{"1", "2", "3"}, upsertedIDs(h.backend.recorded()))
	require.Len(t, pendingIDs(t, h.log), 1)
}

func TestReconcileCapsConcurrentDispatches(t *testing.T) {
	h := newHarness(t, true)
	var active, peak atomic.Int32
	h.backend.failWith(func(backendCall) error {
		current := active.Add(1)
		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	reconciler := newTestReconciler(t, h.gate, 2)

	var next []item
	for index := 0; index < 10; index++ {
		next = append(next, item{ID: fmt.Sprint(index), Value: "v"})
	}
	result := Reconcile(context.Background(), reconciler, "items", nil, next, itemPayload).Wait()

	require.NoError(t, result.Err)
	require.Len(t, h.backend.recorded(), 10)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestReconcileDeduplicatesIdenticalInFlightDispatches(t *testing.T) {
	h := newHarness(t, true)
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	var first sync.Once
	h.backend.failWith(func(backendCall) error {
		first.Do(func() {
			calls.Done()
			<-release
		})
		return nil
	})
	reconciler := newTestReconciler(t, h.gate, 0)
	next := []item{{ID: "1", Value: "x"}}

	batch := Reconcile(context.Background(), reconciler, "items", nil, next, itemPayload)
	calls.Wait()
	duplicate := Reconcile(context.Background(), reconciler, "items", nil, next, itemPayload).Wait()
	close(release)
	original := batch.Wait()

	require.Equal(t, 1, duplicate.Deduplicated)
	require.Zero(t, duplicate.Upserts)
	require.Zero(t, original.Deduplicated)
	require.Equal(t, 1, original.Upserts)
	require.Len(t, h.backend.recorded(), 1)

	again := Reconcile(context.Background(), reconciler, "items", nil, next, itemPayload).Wait()
	require.Zero(t, again.Deduplicated)
	require.Equal(t, 1, again.Upserts)
	require.Len(t, h.backend.recorded(), 2)
}

type stockLine struct {
	Site    string
	Product string
	Amount  float64
}

func (s stockLine) EntityID() string { return s.Site + "/" + s.Product }

func (s stockLine) NaturalKey() map[string]any {
	return map[string]any{"obra_id": s.Site, "product": s.Product}
}

func TestReconcileAddressesNaturallyKeyedEntities(t *testing.T) {
	h := newHarness(t, false)
	reconciler := newTestReconciler(t, h.gate, 0)
	toPayload := func(s stockLine) protocol.Row {
		return protocol.Row{"obra_id": s.Site, "product": s.Product, "amount": s.Amount}
	}

	previous := []stockLine{{Site: "o1", Product: "diesel", Amount: 100}}
	next := []stockLine{{Site: "o1", Product: "cement", Amount: 40}}
	result := Reconcile(context.Background(), reconciler, "site_stock", previous, next, toPayload).Wait()
	require.NoError(t, result.Err)

	pending, err := h.log.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	upsert, ok := pending[0].Record.Mutation.(Upsert)
	require.True(t, ok)
	require.Equal(t, []string{"obra_id", "product"}, upsert.ConflictKey)

	deletion, ok := pending[1].Record.Mutation.(ConditionalDelete)
	require.True(t, ok)
	require.Equal(t, map[string]any{"obra_id": "o1", "product": "diesel"}, deletion.Match.Equals)
}
