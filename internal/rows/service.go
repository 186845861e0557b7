// Package rows implements the backend row store: per-row upsert, conditional update and select
// over logical tables persisted in a single relational table.
package rows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "rows.service.new"
	opUpsert     = "rows.upsert"
	opUpdate     = "rows.update"
	opSelect     = "rows.select"

	fieldTable  = "table"
	fieldRowKey = "row_key"

	queryTable           = "table_name = ?"
	queryTableRowKey     = "table_name = ? AND row_key = ?"
	queryLiveRows        = "deleted_at_s IS NULL"
	orderRowKeyAsc       = "row_key ASC"
	conflictKeySeparator = ","

	queryRowKeyOrOtherKeys = "(row_key = ? OR conflict_keys <> ?)"

	reasonMissingDatabase   = "missing_database"
	reasonInvalidRequest    = "invalid_request"
	reasonRowSelectFailed   = "row_select_failed"
	reasonRowSaveFailed     = "row_save_failed"
	reasonPayloadInvalid    = "payload_invalid"
	reasonIDGenerationFail  = "id_generation_failed"
	reasonAuditInsertFailed = "audit_insert_failed"
	reasonQueryFailed       = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues audit change identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ChangePublisher receives a notification after every committed write that changed rows.
type ChangePublisher interface {
	PublishChange(event protocol.ChangeEvent)
}

// ServiceConfig describes the dependencies of the row store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Publisher  ChangePublisher
}

// Service applies row writes with last-writer-wins semantics at row granularity.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	publisher  ChangePublisher
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		publisher:  cfg.Publisher,
	}, nil
}

// Upsert inserts each row or replaces the payload of the row sharing the same conflict key.
// Fields absent from the incoming row are dropped, and a row without deleted_at is live again.
// Replaying an identical upsert leaves the stored row, its version and the audit trail untouched.
func (s *Service) Upsert(ctx context.Context, table LogicalTable, incoming []protocol.Row, conflictKeys []string) (WriteOutcome, error) {
	if s.db == nil {
		s.logError(opUpsert, reasonMissingDatabase, errMissingDatabase)
		return WriteOutcome{}, newServiceError(opUpsert, reasonMissingDatabase, errMissingDatabase)
	}
	if len(incoming) == 0 {
		return WriteOutcome{}, newServiceError(opUpsert, reasonInvalidRequest, ErrEmptyRows)
	}
	keys := normalizeConflictKeys(conflictKeys)

	outcome := WriteOutcome{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, raw := range incoming {
			payload, err := normalizeRow(raw)
			if err != nil {
				return newServiceError(opUpsert, reasonPayloadInvalid, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			}
			rowKey, err := buildRowKey(payload, keys)
			if err != nil {
				return newServiceError(opUpsert, reasonInvalidRequest, err)
			}

			var existing Row
			var existingPtr *Row
			err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where(queryTableRowKey, table.String(), rowKey).
				Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				existingPtr = nil
			} else if err != nil {
				s.logError(opUpsert, reasonRowSelectFailed, err,
					zap.String(fieldTable, table.String()),
					zap.String(fieldRowKey, rowKey))
				return newServiceError(opUpsert, reasonRowSelectFailed, err)
			} else {
				existingPtr = &existing
			}

			changed, err := s.writeRow(tx, opUpsert, table, rowKey, strings.Join(keys, conflictKeySeparator), existingPtr, payload, true)
			if err != nil {
				return err
			}
			if changed {
				outcome.Affected++
				outcome.RowKeys = append(outcome.RowKeys, rowKey)
			}
		}
		return nil
	})
	if txErr != nil {
		return WriteOutcome{}, txErr
	}

	s.publish(table, protocol.EventUpsert, outcome)
	return outcome, nil
}

// Update merges patch into every row of the table matching predicate.
// Zero matching rows is a successful no-op.
func (s *Service) Update(ctx context.Context, table LogicalTable, patch protocol.Row, predicate protocol.Predicate) (WriteOutcome, error) {
	if s.db == nil {
		s.logError(opUpdate, reasonMissingDatabase, errMissingDatabase)
		return WriteOutcome{}, newServiceError(opUpdate, reasonMissingDatabase, errMissingDatabase)
	}
	if len(patch) == 0 {
		return WriteOutcome{}, newServiceError(opUpdate, reasonInvalidRequest, ErrEmptyPatch)
	}
	if predicate.IsEmpty() {
		return WriteOutcome{}, newServiceError(opUpdate, reasonInvalidRequest, ErrEmptyPredicate)
	}
	normalizedPatch, err := normalizeRow(patch)
	if err != nil {
		return WriteOutcome{}, newServiceError(opUpdate, reasonPayloadInvalid, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}

	outcome := WriteOutcome{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Row
		statement := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryTable, table.String())
		if rowKey, ok := idRowKey(predicate); ok {
			// Rows keyed by id can only match through their row key; other rows still need the scan.
			statement = statement.Where(queryRowKeyOrOtherKeys, rowKey, protocol.FieldID)
		}
		if err := statement.
			Order(orderRowKeyAsc).
			Find(&candidates).Error; err != nil {
			s.logError(opUpdate, reasonRowSelectFailed, err, zap.String(fieldTable, table.String()))
			return newServiceError(opUpdate, reasonRowSelectFailed, err)
		}

		for index := range candidates {
			candidate := candidates[index]
			stored, err := decodePayload(candidate.PayloadJSON)
			if err != nil {
				s.logError(opUpdate, reasonPayloadInvalid, err,
					zap.String(fieldTable, table.String()),
					zap.String(fieldRowKey, candidate.RowKey))
				continue
			}
			if !matchesPredicate(stored, predicate) {
				continue
			}
			for _, key := range strings.Split(candidate.ConflictKeys, conflictKeySeparator) {
				if value, ok := normalizedPatch[key]; ok && !rowsEqual(protocol.Row{key: value}, protocol.Row{key: stored[key]}) {
					return newServiceError(opUpdate, reasonInvalidRequest, fmt.Errorf("%w: %s", ErrConflictKeyPatch, key))
				}
			}

			changed, err := s.writeRow(tx, opUpdate, table, candidate.RowKey, candidate.ConflictKeys, &candidate, normalizedPatch, false)
			if err != nil {
				return err
			}
			if changed {
				outcome.Affected++
				outcome.RowKeys = append(outcome.RowKeys, candidate.RowKey)
			}
		}
		return nil
	})
	if txErr != nil {
		return WriteOutcome{}, txErr
	}

	s.publish(table, protocol.EventUpdate, outcome)
	return outcome, nil
}

// Select returns the payloads of a table filtered, ordered, limited and projected per query.
// Soft-deleted rows are excluded unless the query asks for them.
func (s *Service) Select(ctx context.Context, table LogicalTable, query protocol.SelectRequest) ([]protocol.Row, error) {
	if s.db == nil {
		s.logError(opSelect, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opSelect, reasonMissingDatabase, errMissingDatabase)
	}

	statement := s.db.WithContext(ctx).Where(queryTable, table.String())
	if !query.IncludeDeleted {
		statement = statement.Where(queryLiveRows)
	}
	var stored []Row
	if err := statement.Order(orderRowKeyAsc).Find(&stored).Error; err != nil {
		s.logError(opSelect, reasonQueryFailed, err, zap.String(fieldTable, table.String()))
		return nil, newServiceError(opSelect, reasonQueryFailed, err)
	}

	payloads := make([]protocol.Row, 0, len(stored))
	for _, row := range stored {
		payload, err := decodePayload(row.PayloadJSON)
		if err != nil {
			s.logError(opSelect, reasonPayloadInvalid, err,
				zap.String(fieldTable, table.String()),
				zap.String(fieldRowKey, row.RowKey))
			return nil, newServiceError(opSelect, reasonPayloadInvalid, err)
		}
		if !matchesPredicate(payload, query.Filter) {
			continue
		}
		payloads = append(payloads, payload)
	}

	sortRows(payloads, query.Order)
	if query.Limit > 0 && len(payloads) > query.Limit {
		payloads = payloads[:query.Limit]
	}
	for index := range payloads {
		payloads[index] = projectColumns(payloads[index], query.Columns)
	}
	return payloads, nil
}

// writeRow replaces or merges incoming into existing (or creates the row) and records the audit entry.
// It reports false when the resulting payload equals the stored one.
func (s *Service) writeRow(tx *gorm.DB, operation string, table LogicalTable, rowKey, conflictKeys string, existing *Row, incoming protocol.Row, replace bool) (bool, error) {
	fields := []zap.Field{zap.String(fieldTable, table.String()), zap.String(fieldRowKey, rowKey)}
	appliedAt := s.clock().UTC().Unix()

	stored := Row{
		Table:            table.String(),
		RowKey:           rowKey,
		ConflictKeys:     conflictKeys,
		CreatedAtSeconds: appliedAt,
		Version:          0,
	}
	storedPayload := protocol.Row{}
	if existing != nil {
		stored = *existing
		decoded, err := decodePayload(existing.PayloadJSON)
		if err != nil {
			s.logError(operation, reasonPayloadInvalid, err, fields...)
			return false, newServiceError(operation, reasonPayloadInvalid, err)
		}
		storedPayload = decoded
	}

	next := incoming
	if !replace {
		next = mergeRow(storedPayload, incoming)
	}
	if existing != nil && rowsEqual(next, storedPayload) {
		return false, nil
	}

	deletedAt, err := parseDeletedAt(next)
	if err != nil {
		return false, newServiceError(operation, reasonInvalidRequest, err)
	}
	payloadJSON, err := encodePayload(next)
	if err != nil {
		return false, newServiceError(operation, reasonPayloadInvalid, err)
	}

	updated := stored
	updated.PayloadJSON = payloadJSON
	updated.DeletedAtSeconds = deletedAt
	updated.UpdatedAtSeconds = appliedAt
	updated.Version = stored.Version + 1
	if err := tx.Save(&updated).Error; err != nil {
		s.logError(operation, reasonRowSaveFailed, err, fields...)
		return false, newServiceError(operation, reasonRowSaveFailed, err)
	}

	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGenerationFail, err, fields...)
		return false, newServiceError(operation, reasonIDGenerationFail, err)
	}
	audit := RowChange{
		ChangeID:         changeID,
		Table:            table.String(),
		RowKey:           rowKey,
		Operation:        strings.TrimPrefix(operation, "rows."),
		PayloadJSON:      payloadJSON,
		AppliedAtSeconds: appliedAt,
		NewVersion:       updated.Version,
	}
	if err := tx.Create(&audit).Error; err != nil {
		s.logError(operation, reasonAuditInsertFailed, err, fields...)
		return false, newServiceError(operation, reasonAuditInsertFailed, err)
	}
	return true, nil
}

func (s *Service) publish(table LogicalTable, event string, outcome WriteOutcome) {
	if s.publisher == nil || outcome.Affected == 0 {
		return
	}
	s.publisher.PublishChange(protocol.ChangeEvent{
		Table:   table.String(),
		Event:   event,
		RowKeys: outcome.RowKeys,
		AtUnix:  s.clock().UTC().Unix(),
	})
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("rows service error", attrs...)
}
