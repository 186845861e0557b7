// Package protocol holds the wire types shared by the row store backend and its clients.
package protocol

import (
	"errors"
	"strings"
)

const (
	// FieldID is the default natural key of every logical table.
	FieldID = "id"
	// FieldDeletedAt carries the soft-deletion marker of a row.
	FieldDeletedAt = "deleted_at"
)

var (
	// ErrRejected indicates the backend completed the request but refused it.
	ErrRejected = errors.New("protocol: request rejected by backend")
	// ErrUnavailable indicates the request did not complete.
	ErrUnavailable = errors.New("protocol: backend unavailable")
)

// Row is a single logical table row (or a partial patch of one).
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	clone := make(Row, len(r))
	for key, value := range r {
		clone[key] = value
	}
	return clone
}

// Predicate is an AND of field-equality and field-is-null constraints.
type Predicate struct {
	Equals map[string]any `json:"equals,omitempty"`
	IsNull []string       `json:"is_null,omitempty"`
}

// MatchID builds the predicate selecting a single row by identifier.
func MatchID(id string) Predicate {
	return Predicate{Equals: map[string]any{FieldID: id}}
}

// IsEmpty reports whether the predicate constrains nothing.
func (p Predicate) IsEmpty() bool {
	return len(p.Equals) == 0 && len(p.IsNull) == 0
}

// Order sorts select results by a single field.
type Order struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// UpsertRequest is the body of POST /v1/tables/:table/upsert.
type UpsertRequest struct {
	Rows         []Row    `json:"rows"`
	ConflictKeys []string `json:"conflict_keys,omitempty"`
}

// UpdateRequest is the body of POST /v1/tables/:table/update.
type UpdateRequest struct {
	Patch Row       `json:"patch"`
	Match Predicate `json:"match"`
}

// SelectRequest is the body of POST /v1/tables/:table/select.
type SelectRequest struct {
	Columns        []string  `json:"columns,omitempty"`
	Filter         Predicate `json:"filter"`
	Order          *Order    `json:"order,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	IncludeDeleted bool      `json:"include_deleted,omitempty"`
}

// Query is a select over one table.
type Query struct {
	Table string
	SelectRequest
}

// WriteResponse reports the rows touched by an upsert or update.
type WriteResponse struct {
	Affected int `json:"affected"`
}

// SelectResponse carries select results.
type SelectResponse struct {
	Rows []Row `json:"rows"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ChangeEvent is pushed on the change feed after an accepted write.
type ChangeEvent struct {
	Table   string   `json:"table"`
	Event   string   `json:"event"`
	RowKeys []string `json:"row_keys"`
	AtUnix  int64    `json:"at_s"`
}

const (
	// EventUpsert marks change events produced by upserts.
	EventUpsert = "upsert"
	// EventUpdate marks change events produced by conditional updates.
	EventUpdate = "update"
)

// NormalizeTable canonicalizes a logical table name.
func NormalizeTable(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
