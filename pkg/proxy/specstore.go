package proxy

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/runtime"
)

var specBucket = []byte("deploy_specs")

var specJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// SpecStore persists deploy specs in a local bbolt file keyed by agent id.
// RESTART_AGENT re-derives the prior container config from it, and a
// restarted proxy can redeploy agents it was managing before.
type SpecStore struct {
	db *bolt.DB
}

// OpenSpecStore opens (or creates) the spec database at path.
func OpenSpecStore(path string) (*SpecStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open spec store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(specBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spec bucket: %w", err)
	}

	return &SpecStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SpecStore) Close() error {
	return s.db.Close()
}

// Put stores the deploy spec for its agent id, replacing any prior one.
func (s *SpecStore) Put(spec runtime.Spec) error {
	data, err := specJSON.Marshal(&spec)
	if err != nil {
		return fmt.Errorf("failed to encode spec: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(specBucket).Put([]byte(spec.AgentID), data)
	})
}

// Get returns the stored spec for an agent, if any.
func (s *SpecStore) Get(agentID string) (*runtime.Spec, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(specBucket).Get([]byte(agentID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}

	spec := new(runtime.Spec)
	if err := specJSON.Unmarshal(data, spec); err != nil {
		return nil, false, fmt.Errorf("failed to decode spec for %s: %w", agentID, err)
	}
	return spec, true, nil
}

// Delete removes the stored spec for an agent.
func (s *SpecStore) Delete(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(specBucket).Delete([]byte(agentID))
	})
}
