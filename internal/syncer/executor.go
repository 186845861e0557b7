package syncer

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"go.uber.org/zap"
)

// Backend is the remote row store.
type Backend interface {
	Upsert(ctx context.Context, table string, rows []protocol.Row, conflictKeys []string) error
	Update(ctx context.Context, table string, patch protocol.Row, match protocol.Predicate) error
	Select(ctx context.Context, query protocol.Query) ([]protocol.Row, error)
}

// Executor performs one record against the backend.
type Executor struct {
	backend Backend
	logger  *zap.Logger
}

// NewExecutor builds an executor over backend.
func NewExecutor(backend Backend, logger *zap.Logger) (*Executor, error) {
	if backend == nil {
		return nil, ErrMissingBackend
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{backend: backend, logger: logger}, nil
}

// Execute sends the record's mutation. Every failure is an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, record Record) error {
	var err error
	switch m := record.Mutation.(type) {
	case Upsert:
		err = e.backend.Upsert(ctx, m.Target, []protocol.Row{m.Payload}, m.conflictKey())
	case ConditionalUpdate:
		err = e.backend.Update(ctx, m.Target, m.Patch, m.Match)
	case ConditionalDelete:
		err = e.backend.Update(ctx, m.Target, m.patch(), m.Match)
	default:
		err = fmt.Errorf("%w: %T", ErrInvalidMutation, record.Mutation)
	}
	if err == nil {
		return nil
	}
	classified := classify(err)
	e.logger.Debug(
		"mutation execution failed",
		zap.String("record_id", record.ID),
		zap.String("failure", classified.Failure.String()),
		zap.Error(err),
	)
	return classified
}
