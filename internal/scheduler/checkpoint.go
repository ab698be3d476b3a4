package scheduler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var checkpointBucket = []byte("pending_tasks")

// Checkpoint persists the scheduler's pending task set to a local bbolt
// file, keyed by VCS system. A killed run resumes from the saved set instead
// of rescanning the graph for path heads; correctness never depends on it,
// since the merger's idempotence probe makes any re-walk a no-op.
type Checkpoint struct {
	db *bolt.DB
}

// OpenCheckpoint opens (or creates) the checkpoint file.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint bucket: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Save overwrites the pending task set for a VCS system.
func (c *Checkpoint) Save(vcsSystemID int64, tasks []Task) error {
	payload, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put(vcsKey(vcsSystemID), payload)
	})
}

// Load returns the saved task set for a VCS system, found=false when no
// checkpoint exists for it.
func (c *Checkpoint) Load(vcsSystemID int64) ([]Task, bool, error) {
	var tasks []Task
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		payload := tx.Bucket(checkpointBucket).Get(vcsKey(vcsSystemID))
		if payload == nil {
			return nil
		}
		found = true
		return json.Unmarshal(payload, &tasks)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return tasks, found, nil
}

// Clear removes the checkpoint for a VCS system after a completed run.
func (c *Checkpoint) Clear(vcsSystemID int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Delete(vcsKey(vcsSystemID))
	})
}

// Close closes the underlying file.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}

func vcsKey(vcsSystemID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(vcsSystemID))
	return key
}
