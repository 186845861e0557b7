package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrMissingActionLog indicates that a gate or flusher was built without an action log.
	ErrMissingActionLog = errors.New("syncer: action log is required")
	// ErrMissingExecutor indicates that a gate or flusher was built without an executor.
	ErrMissingExecutor = errors.New("syncer: executor is required")
	// ErrMissingConnectivity indicates that a gate was built without a connectivity signal.
	ErrMissingConnectivity = errors.New("syncer: connectivity signal is required")
)

// RecordIDProvider issues record identifiers.
type RecordIDProvider interface {
	NewID() (string, error)
}

type uuidRecordIDProvider struct{}

func (uuidRecordIDProvider) NewID() (string, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return identifier.String(), nil
}

// GateConfig wires the dispatch gate.
type GateConfig struct {
	Log          *ActionLog
	Executor     *Executor
	Connectivity Connectivity
	Notifier     Notifier
	Logger       *zap.Logger
	Metrics      *metrics.SyncMetrics
	Clock        func() time.Time
	IDProvider   RecordIDProvider
}

// DispatchOptions tunes a single dispatch.
type DispatchOptions struct {
	// Silent suppresses user notices.
	Silent bool
}

// DispatchResult reports what happened to a mutation.
// Queued is true when the mutation now sits in the action log; Err carries the
// execution or persistence failure, if any.
type DispatchResult struct {
	Queued bool
	Record Record
	Err    error
}

// Gate routes mutations to the executor while online and to the action log otherwise.
type Gate struct {
	log           *ActionLog
	executor      *Executor
	connectivity  Connectivity
	notifier      Notifier
	logger        *zap.Logger
	metrics       *metrics.SyncMetrics
	clock         func() time.Time
	ids           RecordIDProvider
	offlineNotice atomic.Bool
}

// NewGate validates the configuration and builds a gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Log == nil {
		return nil, ErrMissingActionLog
	}
	if cfg.Executor == nil {
		return nil, ErrMissingExecutor
	}
	if cfg.Connectivity == nil {
		return nil, ErrMissingConnectivity
	}
	gate := &Gate{
		log:          cfg.Log,
		executor:     cfg.Executor,
		connectivity: cfg.Connectivity,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		ids:          cfg.IDProvider,
	}
	if gate.notifier == nil {
		gate.notifier = noOpNotifier{}
	}
	if gate.logger == nil {
		gate.logger = zap.NewNop()
	}
	if gate.clock == nil {
		gate.clock = time.Now
	}
	if gate.ids == nil {
		gate.ids = uuidRecordIDProvider{}
	}
	return gate, nil
}

// Online reports the gate's current view of connectivity.
func (g *Gate) Online() bool {
	return g.connectivity.Online()
}

// Dispatch executes or queues mutation. It never panics on backend failure and
// never drops a valid mutation unless the action log itself cannot be written.
func (g *Gate) Dispatch(ctx context.Context, mutation Mutation, options DispatchOptions) DispatchResult {
	if mutation == nil {
		g.metrics.ObserveDispatch(metrics.OutcomeInvalid)
		return DispatchResult{Err: ErrInvalidMutation}
	}
	if err := mutation.validate(); err != nil {
		g.metrics.ObserveDispatch(metrics.OutcomeInvalid)
		return DispatchResult{Err: err}
	}
	record, err := g.newRecord(mutation)
	if err != nil {
		return DispatchResult{Err: err}
	}

	if !g.connectivity.Online() {
		if err := g.log.Append(record); err != nil {
			g.logger.Error("failed to queue offline mutation", zap.String("record_id", record.ID), zap.Error(err))
			return DispatchResult{Record: record, Err: err}
		}
		g.metrics.ObserveDispatch(metrics.OutcomeQueuedOffline)
		if !options.Silent && g.offlineNotice.CompareAndSwap(false, true) {
			g.notifier.Notify(Notice{Kind: NoticeQueuedOffline})
		}
		return DispatchResult{Queued: true, Record: record}
	}

	execErr := g.executor.Execute(ctx, record)
	if execErr == nil {
		g.offlineNotice.Store(false)
		g.metrics.ObserveDispatch(metrics.OutcomeExecuted)
		return DispatchResult{Record: record}
	}

	g.logger.Warn(
		"mutation failed; queueing for retry",
		zap.String("record_id", record.ID),
		zap.String("table", mutation.Table()),
		zap.Error(execErr),
	)
	if err := g.log.Append(record); err != nil {
		g.logger.Error("failed to queue failed mutation", zap.String("record_id", record.ID), zap.Error(err))
		return DispatchResult{Record: record, Err: multierr.Append(execErr, err)}
	}
	g.metrics.ObserveDispatch(metrics.OutcomeQueuedFailure)
	if !options.Silent {
		g.notifier.Notify(Notice{Kind: NoticeQueuedAfterFailure})
	}
	return DispatchResult{Queued: true, Record: record, Err: execErr}
}

func (g *Gate) newRecord(mutation Mutation) (Record, error) {
	id, err := g.ids.NewID()
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, QueuedAt: g.clock().UTC(), Mutation: mutation}, nil
}
