package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
)

// Kind discriminates the mutation variants in the persisted log.
type Kind string

const (
	KindUpsert            Kind = "upsert"
	KindConditionalUpdate Kind = "conditional_update"
	KindConditionalDelete Kind = "conditional_delete"
)

// ErrInvalidMutation indicates a mutation that can never be executed.
var ErrInvalidMutation = errors.New("syncer: invalid mutation")

// Mutation is one of Upsert, ConditionalUpdate or ConditionalDelete.
type Mutation interface {
	Kind() Kind
	Table() string
	validate() error
}

// Upsert inserts or replaces the row identified by ConflictKey.
type Upsert struct {
	Target      string
	Payload     protocol.Row
	ConflictKey []string
}

func (Upsert) Kind() Kind { return KindUpsert }

func (m Upsert) Table() string { return m.Target }

func (m Upsert) validate() error {
	if strings.TrimSpace(m.Target) == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidMutation)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMutation)
	}
	return nil
}

// conflictKey returns the conflict key, defaulting to the row identifier.
func (m Upsert) conflictKey() []string {
	if len(m.ConflictKey) == 0 {
		return []string{protocol.FieldID}
	}
	return m.ConflictKey
}

// ConditionalUpdate applies Patch to every row matching Match.
type ConditionalUpdate struct {
	Target string
	Patch  protocol.Row
	Match  protocol.Predicate
}

func (ConditionalUpdate) Kind() Kind { return KindConditionalUpdate }

func (m ConditionalUpdate) Table() string { return m.Target }

func (m ConditionalUpdate) validate() error {
	if strings.TrimSpace(m.Target) == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidMutation)
	}
	if len(m.Patch) == 0 {
		return fmt.Errorf("%w: empty patch", ErrInvalidMutation)
	}
	if m.Match.IsEmpty() {
		return fmt.Errorf("%w: empty match", ErrInvalidMutation)
	}
	return nil
}

// ConditionalDelete soft-deletes every row matching Match by stamping deleted_at.
type ConditionalDelete struct {
	Target    string
	Match     protocol.Predicate
	DeletedAt time.Time
}

func (ConditionalDelete) Kind() Kind { return KindConditionalDelete }

func (m ConditionalDelete) Table() string { return m.Target }

func (m ConditionalDelete) validate() error {
	if strings.TrimSpace(m.Target) == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidMutation)
	}
	if m.Match.IsEmpty() {
		return fmt.Errorf("%w: empty match", ErrInvalidMutation)
	}
	if m.DeletedAt.IsZero() {
		return fmt.Errorf("%w: missing deletion timestamp", ErrInvalidMutation)
	}
	return nil
}

// patch is the update a soft delete sends to the backend.
func (m ConditionalDelete) patch() protocol.Row {
	return protocol.Row{protocol.FieldDeletedAt: m.DeletedAt.UTC().Format(time.RFC3339Nano)}
}

// Record is a queued mutation. Records are never modified after creation;
// a replay sends exactly what was queued.
type Record struct {
	ID       string
	QueuedAt time.Time
	Mutation Mutation
}

type wireRecord struct {
	ID          string              `json:"id"`
	Kind        Kind                `json:"kind"`
	Target      string              `json:"target"`
	Payload     protocol.Row        `json:"payload,omitempty"`
	Match       *protocol.Predicate `json:"match,omitempty"`
	ConflictKey []string            `json:"conflict_key,omitempty"`
	DeletedAt   *time.Time          `json:"deleted_at,omitempty"`
	QueuedAt    time.Time           `json:"queued_at"`
}

// MarshalJSON encodes the record with a kind discriminator.
func (r Record) MarshalJSON() ([]byte, error) {
	wire := wireRecord{ID: r.ID, QueuedAt: r.QueuedAt}
	switch m := r.Mutation.(type) {
	case Upsert:
		wire.Kind = KindUpsert
		wire.Target = m.Target
		wire.Payload = m.Payload
		wire.ConflictKey = m.ConflictKey
	case ConditionalUpdate:
		match := m.Match
		wire.Kind = KindConditionalUpdate
		wire.Target = m.Target
		wire.Payload = m.Patch
		wire.Match = &match
	case ConditionalDelete:
		match := m.Match
		deletedAt := m.DeletedAt.UTC()
		wire.Kind = KindConditionalDelete
		wire.Target = m.Target
		wire.Match = &match
		wire.DeletedAt = &deletedAt
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMutation, r.Mutation)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a record written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var match protocol.Predicate
	if wire.Match != nil {
		match = *wire.Match
	}
	switch wire.Kind {
	case KindUpsert:
		r.Mutation = Upsert{Target: wire.Target, Payload: wire.Payload, ConflictKey: wire.ConflictKey}
	case KindConditionalUpdate:
		r.Mutation = ConditionalUpdate{Target: wire.Target, Patch: wire.Payload, Match: match}
	case KindConditionalDelete:
		var deletedAt time.Time
		if wire.DeletedAt != nil {
			deletedAt = *wire.DeletedAt
		}
		r.Mutation = ConditionalDelete{Target: wire.Target, Match: match, DeletedAt: deletedAt}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, wire.Kind)
	}
	r.ID = wire.ID
	r.QueuedAt = wire.QueuedAt
	return nil
}

// LogEntry is a record plus its retry bookkeeping.
type LogEntry struct {
	Record     Record `json:"record"`
	Rejections int    `json:"rejections,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}
