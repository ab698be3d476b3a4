// Package cache provides a short-lived in-process lookup cache the Path
// Merger workers share to avoid re-fetching a commit's CES set when the
// scheduler's idempotence probe rereads a commit it has already pulled
// during the same run.
package cache

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/srknzl/ces-compact/internal/models"
)

// Manager caches CES slices keyed by commit ID. A short TTL bounds memory
// use across a long run while still absorbing the re-reads the idempotence
// probe and branch seeding produce for the same commit.
type Manager struct {
	ces *cache.Cache
}

// NewManager creates a cache with the given TTL; expired entries are purged
// every 2*ttl.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{ces: cache.New(ttl, 2*ttl)}
}

func cesKey(commitID string) string {
	return fmt.Sprintf("ces:%s", commitID)
}

// GetCES returns the cached CES slice for a commit, if present.
func (m *Manager) GetCES(commitID string) ([]models.CES, bool) {
	v, found := m.ces.Get(cesKey(commitID))
	if !found {
		return nil, false
	}
	return v.([]models.CES), true
}

// SetCES caches the CES slice for a commit.
func (m *Manager) SetCES(commitID string, records []models.CES) {
	m.ces.SetDefault(cesKey(commitID), records)
}

// Invalidate drops any cached entry for a commit. Called after the merger
// mutates a commit's CES set so a subsequent reread sees fresh data.
func (m *Manager) Invalidate(commitID string) {
	m.ces.Delete(cesKey(commitID))
}
