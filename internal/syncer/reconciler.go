package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency caps in-flight reconciler dispatches.
const DefaultMaxConcurrency = 8

// ErrMissingGate indicates that a reconciler was built without a gate.
var ErrMissingGate = errors.New("syncer: gate is required")

// Entity is an element of a reconciled collection.
type Entity interface {
	EntityID() string
}

// NaturallyKeyed is implemented by entities whose rows are addressed by a
// composite natural key instead of the id column.
type NaturallyKeyed interface {
	NaturalKey() map[string]any
}

// address returns the conflict key and match predicate that identify entity's row.
func address(entity Entity) ([]string, protocol.Predicate) {
	keyed, ok := entity.(NaturallyKeyed)
	if !ok {
		return []string{protocol.FieldID}, protocol.MatchID(entity.EntityID())
	}
	natural := keyed.NaturalKey()
	fields := make([]string, 0, len(natural))
	equals := make(map[string]any, len(natural))
	for field, value := range natural {
		fields = append(fields, field)
		equals[field] = value
	}
	sort.Strings(fields)
	return fields, protocol.Predicate{Equals: equals}
}

// ReconcilerConfig wires the reconciler.
type ReconcilerConfig struct {
	Gate           *Gate
	MaxConcurrency int64
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Reconciler turns collection transitions into per-row dispatches.
type Reconciler struct {
	gate      *Gate
	semaphore *semaphore.Weighted
	clock     func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewReconciler validates the configuration and builds a reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Gate == nil {
		return nil, ErrMissingGate
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	reconciler := &Reconciler{
		gate:      cfg.Gate,
		semaphore: semaphore.NewWeighted(maxConcurrency),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		inFlight:  make(map[string]struct{}),
	}
	if reconciler.clock == nil {
		reconciler.clock = time.Now
	}
	if reconciler.logger == nil {
		reconciler.logger = zap.NewNop()
	}
	return reconciler, nil
}

// BatchResult summarizes one reconciliation. Upserts and Deletes count the
// dispatches actually started; identical in-flight ones land in Deduplicated.
type BatchResult struct {
	Upserts      int
	Deletes      int
	Skipped      int
	Deduplicated int
	Queued       int
	Err          error
}

// Batch joins the dispatches started by Reconcile. Waiting is optional.
type Batch struct {
	group  errgroup.Group
	mu     sync.Mutex
	result BatchResult
}

// Wait blocks until every dispatch of the batch completed.
func (b *Batch) Wait() BatchResult {
	_ = b.group.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

func (b *Batch) record(result DispatchResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if result.Queued {
		b.result.Queued++
	}
	if result.Err != nil {
		b.result.Err = multierr.Append(b.result.Err, result.Err)
	}
}

type plannedDispatch struct {
	key      string
	mutation Mutation
}

// Reconcile dispatches the minimal set of writes that moves the backend from
// previous to next: an upsert for every new or changed entity and a soft delete
// for every entity that disappeared. Entities whose payload is nil are skipped.
// Dispatches are silent and never cancelled by ctx.
func Reconcile[E Entity](ctx context.Context, r *Reconciler, target string, previous, next []E, toPayload func(E) protocol.Row) *Batch {
	batch := &Batch{}
	ctx = context.WithoutCancel(ctx)

	previousByID := make(map[string]E, len(previous))
	for _, entity := range previous {
		previousByID[entity.EntityID()] = entity
	}
	nextIDs := make(map[string]struct{}, len(next))

	var plan []plannedDispatch
	for _, entity := range next {
		id := entity.EntityID()
		nextIDs[id] = struct{}{}
		if prior, ok := previousByID[id]; ok && reflect.DeepEqual(prior, entity) {
			continue
		}
		payload := toPayload(entity)
		if payload == nil {
			batch.result.Skipped++
			continue
		}
		conflictKey, _ := address(entity)
		plan = append(plan, plannedDispatch{
			key:      dispatchKey(target, id, KindUpsert, payload),
			mutation: Upsert{Target: target, Payload: payload, ConflictKey: conflictKey},
		})
	}
	for _, entity := range previous {
		id := entity.EntityID()
		if _, ok := nextIDs[id]; ok {
			continue
		}
		_, match := address(entity)
		plan = append(plan, plannedDispatch{
			key: dispatchKey(target, id, KindConditionalDelete, nil),
			mutation: ConditionalDelete{
				Target:    target,
				Match:     match,
				DeletedAt: r.clock().UTC(),
			},
		})
	}

	for _, planned := range plan {
		if !r.claim(planned.key) {
			batch.mu.Lock()
			batch.result.Deduplicated++
			batch.mu.Unlock()
			continue
		}
		batch.mu.Lock()
		switch planned.mutation.Kind() {
		case KindUpsert:
			batch.result.Upserts++
		case KindConditionalDelete:
			batch.result.Deletes++
		}
		batch.mu.Unlock()
		// Offline dispatches only append to the log; keep them in collection order.
		if !r.gate.Online() {
			r.dispatch(ctx, batch, planned)
			continue
		}
		batch.group.Go(func() error {
			if err := r.semaphore.Acquire(ctx, 1); err != nil {
				r.release(planned.key)
				return err
			}
			defer r.semaphore.Release(1)
			r.dispatch(ctx, batch, planned)
			return nil
		})
	}
	return batch
}

func (r *Reconciler) dispatch(ctx context.Context, batch *Batch, planned plannedDispatch) {
	defer r.release(planned.key)
	result := r.gate.Dispatch(ctx, planned.mutation, DispatchOptions{Silent: true})
	if result.Err != nil {
		r.logger.Debug(
			"reconciled dispatch did not complete online",
			zap.String("table", planned.mutation.Table()),
			zap.Bool("queued", result.Queued),
			zap.Error(result.Err),
		)
	}
	batch.record(result)
}

func (r *Reconciler) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[key]; busy {
		return false
	}
	r.inFlight[key] = struct{}{}
	return true
}

func (r *Reconciler) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, key)
}

func dispatchKey(target, id string, kind Kind, payload protocol.Row) string {
	hash := sha256.New()
	hash.Write([]byte(target))
	hash.Write([]byte{0})
	hash.Write([]byte(id))
	hash.Write([]byte{0})
	hash.Write([]byte(kind))
	if payload != nil {
		// encoding/json sorts map keys, so equal payloads hash equally.
		encoded, err := json.Marshal(payload)
		if err == nil {
			hash.Write([]byte{0})
			hash.Write(encoded)
		}
	}
	return hex.EncodeToString(hash.Sum(nil))
}
