// Package store persists the per-profile plugin enablement set.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/boltdb/bolt"

	"github.com/goatkit/walletplug/internal/plugin"
)

var bucketEnablement = []byte("enablement")

// BoltStore keeps one JSON encoded enablement list per profile key.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEnablement)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %q: %w", bucketEnablement, err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Enabled returns the profile's enablements sorted by plugin name.
func (s *BoltStore) Enabled(_ context.Context, profileID string) ([]plugin.Enablement, error) {
	var out []plugin.Enablement
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = readSet(tx.Bucket(bucketEnablement), profileID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetEnabled adds or replaces the enablement for e.Plugin.
func (s *BoltStore) SetEnabled(_ context.Context, profileID string, e plugin.Enablement) error {
	return s.update(profileID, func(set []plugin.Enablement) []plugin.Enablement {
		for i := range set {
			if set[i].Plugin == e.Plugin {
				set[i] = e
				return set
			}
		}
		return append(set, e)
	})
}

// SetDisabled drops pluginName from the profile's set.
func (s *BoltStore) SetDisabled(_ context.Context, profileID, pluginName string) error {
	return s.update(profileID, func(set []plugin.Enablement) []plugin.Enablement {
		out := set[:0]
		for _, e := range set {
			if e.Plugin != pluginName {
				out = append(out, e)
			}
		}
		return out
	})
}

func (s *BoltStore) update(profileID string, fn func([]plugin.Enablement) []plugin.Enablement) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnablement)
		set, err := readSet(b, profileID)
		if err != nil {
			return err
		}
		set = fn(set)
		if len(set) == 0 {
			return b.Delete([]byte(profileID))
		}
		sort.Slice(set, func(i, j int) bool { return set[i].Plugin < set[j].Plugin })
		data, err := json.Marshal(set)
		if err != nil {
			return fmt.Errorf("failed to marshal enablement: %w", err)
		}
		return b.Put([]byte(profileID), data)
	})
}

func readSet(b *bolt.Bucket, profileID string) ([]plugin.Enablement, error) {
	data := b.Get([]byte(profileID))
	if data == nil {
		return nil, nil
	}
	var set []plugin.Enablement
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal enablement for %q: %w", profileID, err)
	}
	return set, nil
}
