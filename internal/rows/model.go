package rows

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
)

const maxTableNameLength = 64

var (
	// ErrInvalidRequest is the root of every validation failure caused by client input.
	ErrInvalidRequest = errors.New("rows: invalid request")
	// ErrInvalidTable indicates that a logical table name is empty or malformed.
	ErrInvalidTable = fmt.Errorf("%w: invalid table", ErrInvalidRequest)
	// ErrEmptyRows indicates an upsert without rows.
	ErrEmptyRows = fmt.Errorf("%w: no rows", ErrInvalidRequest)
	// ErrMissingConflictKey indicates a row lacking one of its conflict key fields.
	ErrMissingConflictKey = fmt.Errorf("%w: missing conflict key", ErrInvalidRequest)
	// ErrEmptyPatch indicates a conditional update without fields.
	ErrEmptyPatch = fmt.Errorf("%w: empty patch", ErrInvalidRequest)
	// ErrEmptyPredicate indicates a conditional update that would match every row.
	ErrEmptyPredicate = fmt.Errorf("%w: empty predicate", ErrInvalidRequest)
	// ErrConflictKeyPatch indicates a patch that would rewrite a row's natural key.
	ErrConflictKeyPatch = fmt.Errorf("%w: patch modifies conflict key", ErrInvalidRequest)
	// ErrInvalidDeletedAt indicates a soft-deletion marker that is not an RFC3339 timestamp.
	ErrInvalidDeletedAt = fmt.Errorf("%w: invalid deleted_at", ErrInvalidRequest)
)

// LogicalTable represents a validated logical table name.
type LogicalTable string

// NewLogicalTable validates raw input and returns a LogicalTable.
func NewLogicalTable(rawInput string) (LogicalTable, error) {
	normalized := protocol.NormalizeTable(rawInput)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTable)
	}
	if len(normalized) > maxTableNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTable, maxTableNameLength)
	}
	for _, r := range normalized {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidTable, r)
		}
	}
	return LogicalTable(normalized), nil
}

// String returns the underlying table name.
func (table LogicalTable) String() string {
	return string(table)
}

// Row models one persisted logical row with last-writer-wins metadata.
type Row struct {
	Table            string `gorm:"column:table_name;primaryKey;size:64;not null;index:idx_rows_table_deleted,priority:1"`
	RowKey           string `gorm:"column:row_key;primaryKey;size:512;not null"`
	ConflictKeys     string `gorm:"column:conflict_keys;size:255;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s;index:idx_rows_table_deleted,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "logical_rows"
}

// RowChange captures an append-only audit trail for accepted writes.
type RowChange struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	Table            string `gorm:"column:table_name;size:64;not null;index:idx_row_changes_table_time,priority:1"`
	RowKey           string `gorm:"column:row_key;size:512;not null"`
	Operation        string `gorm:"column:op;size:16;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;index:idx_row_changes_table_time,priority:2"`
	NewVersion       int64  `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RowChange) TableName() string {
	return "logical_row_changes"
}

// WriteOutcome reports the rows changed by a write.
type WriteOutcome struct {
	Affected int
	RowKeys  []string
}

func normalizeConflictKeys(conflictKeys []string) []string {
	seen := make(map[string]struct{}, len(conflictKeys))
	keys := make([]string, 0, len(conflictKeys))
	for _, key := range conflictKeys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		keys = append(keys, trimmed)
	}
	if len(keys) == 0 {
		return []string{protocol.FieldID}
	}
	sort.Strings(keys)
	return keys
}

// buildRowKey renders the sorted conflict-key field/value pairs as canonical JSON.
func buildRowKey(row protocol.Row, conflictKeys []string) (string, error) {
	pairs := make([][2]any, 0, len(conflictKeys))
	for _, key := range conflictKeys {
		value, ok := row[key]
		if !ok || value == nil {
			return "", fmt.Errorf("%w: %s", ErrMissingConflictKey, key)
		}
		pairs = append(pairs, [2]any{key, value})
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// idRowKey returns the row key of the id-keyed row a predicate pins with an id equality.
func idRowKey(predicate protocol.Predicate) (string, bool) {
	id, ok := predicate.Equals[protocol.FieldID]
	if !ok || id == nil {
		return "", false
	}
	rowKey, err := buildRowKey(protocol.Row{protocol.FieldID: normalizeValue(id)}, []string{protocol.FieldID})
	if err != nil {
		return "", false
	}
	return rowKey, true
}

func parseDeletedAt(payload protocol.Row) (*int64, error) {
	raw, ok := payload[protocol.FieldDeletedAt]
	if !ok || raw == nil {
		return nil, nil
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeletedAt, raw)
	}
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDeletedAt, text)
	}
	seconds := parsed.UTC().Unix()
	return &seconds, nil
}
