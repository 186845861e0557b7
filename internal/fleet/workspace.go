package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/syncer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMissingBackend    = errors.New("fleet: backend is required")
	ErrMissingGate       = errors.New("fleet: gate is required")
	ErrMissingReconciler = errors.New("fleet: reconciler is required")
	ErrMissingCache      = errors.New("fleet: snapshot cache is required")
	ErrUnknownEquipment  = errors.New("fleet: unknown equipment")
	ErrInvalidStatus     = errors.New("fleet: invalid equipment status")
)

// Config wires a workspace to the sync core.
type Config struct {
	Backend    syncer.Backend
	Gate       *syncer.Gate
	Reconciler *syncer.Reconciler
	Cache      *syncer.SnapshotCache
	// UserID scopes the snapshot cache.
	UserID string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Workspace holds the dashboard collections. Collection setters take an updater,
// swap the collection in memory and reconcile the difference to the backend.
type Workspace struct {
	backend    syncer.Backend
	gate       *syncer.Gate
	reconciler *syncer.Reconciler
	cache      *syncer.SnapshotCache
	scope      string
	clock      func() time.Time
	logger     *zap.Logger

	mu    sync.Mutex
	state Snapshot
}

func NewWorkspace(cfg Config) (*Workspace, error) {
	if cfg.Backend == nil {
		return nil, ErrMissingBackend
	}
	if cfg.Gate == nil {
		return nil, ErrMissingGate
	}
	if cfg.Reconciler == nil {
		return nil, ErrMissingReconciler
	}
	if cfg.Cache == nil {
		return nil, ErrMissingCache
	}
	workspace := &Workspace{
		backend:    cfg.Backend,
		gate:       cfg.Gate,
		reconciler: cfg.Reconciler,
		cache:      cfg.Cache,
		scope:      syncer.ScopeKey(cfg.UserID),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if workspace.clock == nil {
		workspace.clock = time.Now
	}
	if workspace.logger == nil {
		workspace.logger = zap.NewNop()
	}
	return workspace, nil
}

// Snapshot returns a copy of the current state.
func (w *Workspace) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cloneSnapshot(w.state)
}

// LoadCached pre-populates the workspace from the snapshot cache.
func (w *Workspace) LoadCached() (bool, error) {
	var cached Snapshot
	found, err := w.cache.Load(w.scope, &cached)
	if err != nil || !found {
		return false, err
	}
	w.mu.Lock()
	w.state = cached
	w.mu.Unlock()
	return true, nil
}

func (w *Workspace) SetFuelRecords(ctx context.Context, updater func([]FuelRecord) []FuelRecord) *syncer.Batch {
	return setCollection(ctx, w, TableFuelRecords, func(s *Snapshot) *[]FuelRecord { return &s.FuelRecords }, updater,
		func(record FuelRecord) protocol.Row { return toRow(record) })
}

// SetDailyLogEquipment resolves each line's obra by name. Lines whose obra is
// unknown are kept in memory but not written.
func (w *Workspace) SetDailyLogEquipment(ctx context.Context, updater func([]DailyLogEquipment) []DailyLogEquipment) *syncer.Batch {
	w.mu.Lock()
	obraIDs := make(map[string]string, len(w.state.Obras))
	for _, obra := range w.state.Obras {
		obraIDs[normalizeName(obra.Name)] = obra.ID
	}
	w.mu.Unlock()

	return setCollection(ctx, w, TableDailyLogEquipment, func(s *Snapshot) *[]DailyLogEquipment { return &s.DailyLogEquipment }, updater,
		func(line DailyLogEquipment) protocol.Row {
			obraID, ok := obraIDs[normalizeName(line.ObraName)]
			if !ok {
				return nil
			}
			line.ObraID = obraID
			return toRow(line)
		})
}

func (w *Workspace) SetSiteStock(ctx context.Context, updater func([]SiteStock) []SiteStock) *syncer.Batch {
	return setCollection(ctx, w, TableSiteStock, func(s *Snapshot) *[]SiteStock { return &s.SiteStock }, updater,
		func(stock SiteStock) protocol.Row { return toRow(stock) })
}

// SetEquipmentStatus changes the status of one machine.
func (w *Workspace) SetEquipmentStatus(ctx context.Context, equipmentID, status string) syncer.DispatchResult {
	switch status {
	case StatusOperating, StatusStopped, StatusMaintenance:
	default:
		return syncer.DispatchResult{Err: fmt.Errorf("%w: %q", ErrInvalidStatus, status)}
	}

	w.mu.Lock()
	index := slices.IndexFunc(w.state.Equipment, func(e Equipment) bool { return e.ID == equipmentID })
	if index < 0 {
		w.mu.Unlock()
		return syncer.DispatchResult{Err: fmt.Errorf("%w: %s", ErrUnknownEquipment, equipmentID)}
	}
	w.state.Equipment = slices.Clone(w.state.Equipment)
	w.state.Equipment[index].Status = status
	w.mu.Unlock()

	result := w.gate.Dispatch(ctx, syncer.ConditionalUpdate{
		Target: TableEquipment,
		Patch:  protocol.Row{"status": status},
		Match:  protocol.MatchID(equipmentID),
	}, syncer.DispatchOptions{})
	w.persist()
	return result
}

// OpenStoppage records that equipmentID stopped at the given time.
func (w *Workspace) OpenStoppage(ctx context.Context, equipmentID, reason string, at time.Time) (Stoppage, syncer.DispatchResult) {
	id, err := NewEntityID()
	if err != nil {
		return Stoppage{}, syncer.DispatchResult{Err: err}
	}
	stoppage := Stoppage{
		ID:          id,
		EquipmentID: equipmentID,
		Reason:      strings.TrimSpace(reason),
		StartedAt:   at.UTC(),
	}

	w.mu.Lock()
	w.state.Stoppages = append(slices.Clone(w.state.Stoppages), stoppage)
	w.mu.Unlock()

	result := w.gate.Dispatch(ctx, syncer.Upsert{Target: TableStoppages, Payload: toRow(stoppage)}, syncer.DispatchOptions{})
	w.persist()
	return stoppage, result
}

// CloseStoppage ends every open stoppage of equipmentID. The write only touches
// rows that are still open, so replaying it never moves an existing end time.
func (w *Workspace) CloseStoppage(ctx context.Context, equipmentID string, at time.Time) syncer.DispatchResult {
	endedAt := at.UTC()

	w.mu.Lock()
	stoppages := slices.Clone(w.state.Stoppages)
	for index := range stoppages {
		if stoppages[index].EquipmentID == equipmentID && stoppages[index].EndedAt == nil {
			stoppages[index].EndedAt = &endedAt
		}
	}
	w.state.Stoppages = stoppages
	w.mu.Unlock()

	result := w.gate.Dispatch(ctx, syncer.ConditionalUpdate{
		Target: TableStoppages,
		Patch:  protocol.Row{"ended_at": endedAt.Format(time.RFC3339Nano)},
		Match: protocol.Predicate{
			Equals: map[string]any{"equipment_id": equipmentID},
			IsNull: []string{"ended_at"},
		},
	}, syncer.DispatchOptions{})
	w.persist()
	return result
}

// Refresh re-fetches every table and replaces the in-memory state and the
// cached snapshot. Nothing is replaced unless every select succeeds.
func (w *Workspace) Refresh(ctx context.Context, includeUsers bool) error {
	var fetched Snapshot
	group, groupCtx := errgroup.WithContext(ctx)
	fetch(groupCtx, group, w.backend, TableObras, &fetched.Obras)
	fetch(groupCtx, group, w.backend, TableEquipment, &fetched.Equipment)
	fetch(groupCtx, group, w.backend, TableFuelRecords, &fetched.FuelRecords)
	fetch(groupCtx, group, w.backend, TableStoppages, &fetched.Stoppages)
	fetch(groupCtx, group, w.backend, TableDailyLogEquipment, &fetched.DailyLogEquipment)
	fetch(groupCtx, group, w.backend, TableSiteStock, &fetched.SiteStock)
	if includeUsers {
		fetch(groupCtx, group, w.backend, TableUsers, &fetched.Users)
		fetch(groupCtx, group, w.backend, TablePermissions, &fetched.Permissions)
	}
	if err := group.Wait(); err != nil {
		w.logger.Warn("workspace refresh failed", zap.Error(err))
		return err
	}
	fetched.FetchedAt = w.clock().UTC()

	w.mu.Lock()
	w.state = fetched
	w.mu.Unlock()

	if err := w.cache.Save(w.scope, fetched); err != nil {
		w.logger.Warn("snapshot cache write failed", zap.String("scope", w.scope), zap.Error(err))
	}
	w.logger.Debug("workspace refreshed", zap.Bool("include_users", includeUsers))
	return nil
}

func fetch[E any](ctx context.Context, group *errgroup.Group, backend syncer.Backend, table string, target *[]E) {
	group.Go(func() error {
		rows, err := backend.Select(ctx, protocol.Query{Table: table})
		if err != nil {
			return fmt.Errorf("fleet: select %s: %w", table, err)
		}
		entities, err := fromRows[E](table, rows)
		if err != nil {
			return err
		}
		*target = entities
		return nil
	})
}

func setCollection[E syncer.Entity](
	ctx context.Context,
	w *Workspace,
	table string,
	field func(*Snapshot) *[]E,
	updater func([]E) []E,
	toPayload func(E) protocol.Row,
) *syncer.Batch {
	w.mu.Lock()
	slot := field(&w.state)
	previous := *slot
	next := updater(slices.Clone(previous))
	*slot = next
	w.mu.Unlock()

	batch := syncer.Reconcile(ctx, w.reconciler, table, previous, next, toPayload)
	w.persist()
	return batch
}

// persist keeps local edits visible across restarts until the next refresh.
func (w *Workspace) persist() {
	snapshot := w.Snapshot()
	if err := w.cache.Save(w.scope, snapshot); err != nil {
		w.logger.Warn("snapshot cache write failed", zap.String("scope", w.scope), zap.Error(err))
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	return Snapshot{
		Obras:             slices.Clone(s.Obras),
		Equipment:         slices.Clone(s.Equipment),
		FuelRecords:       slices.Clone(s.FuelRecords),
		Stoppages:         slices.Clone(s.Stoppages),
		DailyLogEquipment: slices.Clone(s.DailyLogEquipment),
		SiteStock:         slices.Clone(s.SiteStock),
		Users:             slices.Clone(s.Users),
		Permissions:       slices.Clone(s.Permissions),
		FetchedAt:         s.FetchedAt,
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
