// Package localstore provides the device-local key to JSON-string store.
package localstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrMissingDatabase indicates that the store was built without a database handle.
	ErrMissingDatabase = errors.New("localstore: database handle is required")
	// ErrEmptyKey indicates an empty key.
	ErrEmptyKey = errors.New("localstore: empty key")
)

const queryKey = "entry_key = ?"

// Entry is one persisted key/value pair.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:entry_value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "local_kv"
}

// Store is a synchronous key/value store. Every operation runs as one critical section,
// so a read-modify-write through Update is never interleaved with another writer.
type Store struct {
	mu    sync.Mutex
	db    *gorm.DB
	clock func() time.Time
}

// New wraps a migrated database handle.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.db, key)
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	return s.Update(key, func(string, bool) (string, bool, error) {
		return value, false, nil
	})
}

// Delete removes key; deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.Update(key, func(string, bool) (string, bool, error) {
		return "", true, nil
	})
}

// Update reads key, applies mutation and writes the result in one transaction.
// A mutation returning remove=true deletes the key.
func (s *Store) Update(key string, mutation func(current string, found bool) (next string, remove bool, err error)) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(context.Background()).Transaction(func(tx *gorm.DB) error {
		current, found, err := s.get(tx, key)
		if err != nil {
			return err
		}
		next, remove, err := mutation(current, found)
		if err != nil {
			return err
		}
		if remove {
			if !found {
				return nil
			}
			return tx.Where(queryKey, key).Delete(&Entry{}).Error
		}
		return tx.Save(&Entry{
			Key:              key,
			Value:            next,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}).Error
	})
}

func (s *Store) get(db *gorm.DB, key string) (string, bool, error) {
	var entry Entry
	err := db.Where(queryKey, key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}
