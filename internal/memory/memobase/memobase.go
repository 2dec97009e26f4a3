// Package memobase stores structured per-user context facts: dotted-path
// key to value, gated by an importance comparison on every write. Grounded
// on the teacher's in-memory session store for its locking shape (an
// RWMutex-guarded map plus per-entity invariants maintained under the
// write lock), adapted to the spec's (user_id, key) composite identity
// and importance-gated overwrite rule.
package memobase

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/pkg/models"
)

// ErrSkipped signals a put was rejected because the existing entry
// already wins the importance gate — not a hard failure.
var ErrSkipped = errors.New("memobase: skipped, existing entry wins importance gate")

// Store holds every user's context facts in memory, keyed by
// (user_id, key). A single store-wide mutex linearizes every put, so the
// importance gate race described in the spec's testable properties
// cannot be violated by concurrent writers; puts to different users or
// keys are serialized by the same mutex.
type Store struct {
	mu    sync.RWMutex
	users map[int64]map[string]models.UserContextEntry
}

func New() *Store {
	return &Store{users: make(map[int64]map[string]models.UserContextEntry)}
}

// Put upserts (user_id, key) subject to the importance gate: the new
// write wins if new.importance >= existing.importance, with manual source
// beating extraction source on an exact tie. A rejected write returns
// ErrSkipped, not a hard error.
func (s *Store) Put(userID int64, key string, value any, importance float64, source models.ContextSource) error {
	if userID == models.AnonymousUser {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.users[userID]
	if !ok {
		bucket = make(map[string]models.UserContextEntry)
		s.users[userID] = bucket
	}

	existing, exists := bucket[key]
	if exists {
		switch {
		case importance < existing.Importance:
			return ErrSkipped
		case importance == existing.Importance:
			// tie: manual beats extraction; extraction never beats manual
			if existing.Source == models.SourceManual && source != models.SourceManual {
				return ErrSkipped
			}
		}
	}

	bucket[key] = models.UserContextEntry{
		UserID:     userID,
		Key:        key,
		Value:      value,
		Importance: importance,
		Source:     source,
		UpdatedAt:  time.Now(),
	}
	return nil
}

// Get returns every fact for a user, sorted by importance descending —
// the order the Agent's prompt composer renders them in.
func (s *Store) Get(userID int64) []models.UserContextEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.users[userID]
	entries := make([]models.UserContextEntry, 0, len(bucket))
	for _, e := range bucket {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Importance > entries[j].Importance })
	return entries
}

// Update changes an entry's value in place without touching importance
// or source.
func (s *Store) Update(userID int64, key string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.users[userID]
	if !ok {
		return false
	}
	entry, ok := bucket[key]
	if !ok {
		return false
	}
	entry.Value = value
	entry.UpdatedAt = time.Now()
	bucket[key] = entry
	return true
}

// Delete removes one key, or every key for a user if key is empty.
func (s *Store) Delete(userID int64, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		delete(s.users, userID)
		return
	}
	if bucket, ok := s.users[userID]; ok {
		delete(bucket, key)
	}
}
