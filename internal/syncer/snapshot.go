package syncer

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

const (
	snapshotKeyPrefix = "snapshot:"
	anonymousScope    = "anonymous"
)

// ScopeKey derives the snapshot scope of a user.
func ScopeKey(userID string) string {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return anonymousScope
	}
	return "user:" + trimmed
}

// SnapshotCache keeps the last fetched remote state on the device.
type SnapshotCache struct {
	store  KeyValueStore
	logger *zap.Logger
}

// NewSnapshotCache wraps store.
func NewSnapshotCache(store KeyValueStore, logger *zap.Logger) (*SnapshotCache, error) {
	if store == nil {
		return nil, ErrMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotCache{store: store, logger: logger}, nil
}

// Save replaces the snapshot stored for scope.
func (c *SnapshotCache) Save(scope string, snapshot any) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.store.Set(snapshotKeyPrefix+scope, string(encoded))
}

// Load decodes the snapshot stored for scope into target.
// A missing or unreadable snapshot reports false.
func (c *SnapshotCache) Load(scope string, target any) (bool, error) {
	raw, found, err := c.store.Get(snapshotKeyPrefix + scope)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		c.logger.Warn("snapshot cache unreadable; ignoring", zap.String("scope", scope), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// Clear removes the snapshot stored for scope.
func (c *SnapshotCache) Clear(scope string) error {
	return c.store.Delete(snapshotKeyPrefix + scope)
}
