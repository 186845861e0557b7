package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:syncer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&localstore.Entry{}))
	store, err := localstore.New(db)
	require.NoError(t, err)
	return store
}

type backendCall struct {
	Op    string
	Table string
	Row   protocol.Row
	Match protocol.Predicate
}

// fakeBackend records calls in order and keeps rows by id.
type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
	state map[string]map[string]protocol.Row
	fail  func(call backendCall) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{state: make(map[string]map[string]protocol.Row)}
}

func (b *fakeBackend) failWith(fail func(call backendCall) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *fakeBackend) check(call backendCall) error {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		return fail(call)
	}
	return nil
}

func (b *fakeBackend) Upsert(_ context.Context, table string, rows []protocol.Row, _ []string) error {
	for _, row := range rows {
		if err := b.check(backendCall{Op: "upsert", Table: table, Row: row}); err != nil {
			return err
		}
		b.mu.Lock()
		if b.state[table] == nil {
			b.state[table] = make(map[string]protocol.Row)
		}
		id := fmt.Sprint(row[protocol.FieldID])
		b.state[table][id] = row.Clone()
		b.mu.Unlock()
	}
	return nil
}

func (b *fakeBackend) Update(_ context.Context, table string, patch protocol.Row, match protocol.Predicate) error {
	if err := b.check(backendCall{Op: "update", Table: table, Row: patch, Match: match}); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, row := range b.state[table] {
		if !fakeMatches(row, match) {
			continue
		}
		updated := row.Clone()
		for key, value := range patch {
			updated[key] = value
		}
		b.state[table][id] = updated
	}
	return nil
}

func (b *fakeBackend) Select(_ context.Context, query protocol.Query) ([]protocol.Row, error) {
	if err := b.check(backendCall{Op: "select", Table: query.Table}); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []protocol.Row
	for _, row := range b.state[query.Table] {
		result = append(result, row.Clone())
	}
	return result, nil
}

func (b *fakeBackend) recorded() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendCall(nil), b.calls...)
}

func (b *fakeBackend) row(table, id string) protocol.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[table][id].Clone()
}

func fakeMatches(row protocol.Row, match protocol.Predicate) bool {
	for field, want := range match.Equals {
		if fmt.Sprint(row[field]) != fmt.Sprint(want) {
			return false
		}
	}
	for _, field := range match.IsNull {
		if value, ok := row[field]; ok && value != nil {
			return false
		}
	}
	return true
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]NoticeKind, 0, len(n.notices))
	for _, notice := range n.notices {
		kinds = append(kinds, notice.Kind)
	}
	return kinds
}

type sequentialIDs struct {
	mu    sync.Mutex
	index int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index++
	return fmt.Sprintf("rec-%03d", s.index), nil
}

type harness struct {
	store        *localstore.Store
	backend      *fakeBackend
	log          *ActionLog
	executor     *Executor
	connectivity *ManualConnectivity
	notifier     *recordingNotifier
	gate         *Gate
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		store:        newTestStore(t),
		backend:      newFakeBackend(),
		connectivity: NewManualConnectivity(online),
		notifier:     &recordingNotifier{},
	}
	var err error
	h.log, err = NewActionLog(h.store, nil)
	require.NoError(t, err)
	h.executor, err = NewExecutor(h.backend, nil)
	require.NoError(t, err)
	h.gate, err = NewGate(GateConfig{
		Log:          h.log,
		Executor:     h.executor,
		Connectivity: h.connectivity,
		Notifier:     h.notifier,
		Clock:        func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) },
		IDProvider:   &sequentialIDs{},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) newFlusher(t *testing.T, cfg FlusherConfig) *Flusher {
	t.Helper()
	cfg.Log = h.log
	cfg.Executor = h.executor
	if cfg.Notifier == nil {
		cfg.Notifier = h.notifier
	}
	flusher, err := NewFlusher(cfg)
	require.NoError(t, err)
	return flusher
}

func fuelUpsert(id string, diesel float64) Upsert {
	return Upsert{Target: "fuel_records", Payload: protocol.Row{"id": id, "diesel": diesel}}
}

func pendingIDs(t *testing.T, log *ActionLog) []string {
	t.Helper()
	entries, err := log.Pending()
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Record.ID)
	}
	return ids
}

func upsertedIDs(calls []backendCall) []string {
	var ids []string
	for _, call := range calls {
		if call.Op == "upsert" {
			ids = append(ids, fmt.Sprint(call.Row[protocol.FieldID]))
		}
	}
	return ids
}
