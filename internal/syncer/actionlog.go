// Package syncer keeps dashboard writes flowing to the remote row store while connectivity
// comes and goes: it executes or queues mutations, replays the queue and reconciles
// collection edits into per-row writes.
package syncer

import (
	"encoding/json"

	"go.uber.org/zap"
)

const (
	actionLogKey     = "action_log"
	deadLetterLogKey = "action_log:dead"
)

// KeyValueStore is the synchronous device-local store behind the action log and the snapshot cache.
// Update must apply mutation to the current value of key as one uninterrupted step.
type KeyValueStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Update(key string, mutation func(current string, found bool) (next string, remove bool, err error)) error
}

// ActionLog is the persistent FIFO of records waiting for replay.
// Each operation is a single read-modify-write of the store, so records
// appended by a dispatch are never lost to a concurrent drain or restore.
type ActionLog struct {
	store  KeyValueStore
	logger *zap.Logger
}

// NewActionLog wraps store.
func NewActionLog(store KeyValueStore, logger *zap.Logger) (*ActionLog, error) {
	if store == nil {
		return nil, ErrMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionLog{store: store, logger: logger}, nil
}

// Append adds record at the tail of the log.
func (l *ActionLog) Append(record Record) error {
	return l.appendEntries(actionLogKey, []LogEntry{{Record: record}})
}

// Drain returns every queued entry and clears the log.
func (l *ActionLog) Drain() ([]LogEntry, error) {
	var drained []LogEntry
	err := l.store.Update(actionLogKey, func(current string, found bool) (string, bool, error) {
		drained = l.decode(actionLogKey, current, found)
		return "", true, nil
	})
	if err != nil {
		return nil, err
	}
	return drained, nil
}

// Restore puts failed entries back ahead of anything appended since the last drain.
func (l *ActionLog) Restore(failed []LogEntry) error {
	if len(failed) == 0 {
		return nil
	}
	return l.store.Update(actionLogKey, func(current string, found bool) (string, bool, error) {
		queued := l.decode(actionLogKey, current, found)
		combined := make([]LogEntry, 0, len(failed)+len(queued))
		combined = append(combined, failed...)
		combined = append(combined, queued...)
		return encodeEntries(combined)
	})
}

// Pending lists queued entries without removing them.
func (l *ActionLog) Pending() ([]LogEntry, error) {
	return l.read(actionLogKey)
}

// Len returns the number of queued entries.
func (l *ActionLog) Len() (int, error) {
	entries, err := l.read(actionLogKey)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DeadLetters lists entries removed from the queue after repeated rejections.
func (l *ActionLog) DeadLetters() ([]LogEntry, error) {
	return l.read(deadLetterLogKey)
}

func (l *ActionLog) appendDeadLetters(entries []LogEntry) error {
	return l.appendEntries(deadLetterLogKey, entries)
}

// Requeue moves dead letters back to the tail of the queue with their rejection count reset.
// Without ids every dead letter is requeued. It returns the number of entries moved.
func (l *ActionLog) Requeue(ids ...string) (int, error) {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var moved []LogEntry
	err := l.store.Update(deadLetterLogKey, func(current string, found bool) (string, bool, error) {
		dead := l.decode(deadLetterLogKey, current, found)
		kept := make([]LogEntry, 0, len(dead))
		for _, entry := range dead {
			if _, ok := wanted[entry.Record.ID]; len(wanted) == 0 || ok {
				moved = append(moved, LogEntry{Record: entry.Record})
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			return "", true, nil
		}
		return encodeEntries(kept)
	})
	if err != nil {
		return 0, err
	}
	if len(moved) == 0 {
		return 0, nil
	}
	if err := l.appendEntries(actionLogKey, moved); err != nil {
		// The entries are already out of the dead-letter list; put them back.
		if restoreErr := l.appendDeadLetters(moved); restoreErr != nil {
			l.logger.Error("dead letters lost during requeue", zap.Int("count", len(moved)), zap.Error(restoreErr))
		}
		return 0, err
	}
	return len(moved), nil
}

func (l *ActionLog) appendEntries(key string, entries []LogEntry) error {
	return l.store.Update(key, func(current string, found bool) (string, bool, error) {
		existing := l.decode(key, current, found)
		return encodeEntries(append(existing, entries...))
	})
}

func (l *ActionLog) read(key string) ([]LogEntry, error) {
	current, found, err := l.store.Get(key)
	if err != nil {
		return nil, err
	}
	return l.decode(key, current, found), nil
}

// decode treats an unreadable log as empty; the next write overwrites it.
func (l *ActionLog) decode(key, raw string, found bool) []LogEntry {
	if !found || raw == "" {
		return nil
	}
	var entries []LogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		l.logger.Error("action log corrupted; treating as empty", zap.String("key", key), zap.Error(err))
		return nil
	}
	return entries
}

func encodeEntries(entries []LogEntry) (string, bool, error) {
	if len(entries) == 0 {
		return "", true, nil
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", false, err
	}
	return string(encoded), false, nil
}
