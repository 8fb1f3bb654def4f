package state

import (
	"context"
	"sync"
	"time"

	"grouping/internal/domain"
)

// MemoryStore keeps groups, timers, and leases in process memory.
// Params: in-memory maps and injected clock.
// Returns: store implementation for single-instance mode and failover fallback.
type MemoryStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	groups map[string]memoryGroup
	timers map[string]domain.TimerRecord
	leases map[string]memoryLease
}

type memoryGroup struct {
	group    domain.AlertGroup
	revision uint64
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates in-memory store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		groups: make(map[string]memoryGroup),
		timers: make(map[string]domain.TimerRecord),
		leases: make(map[string]memoryLease),
	}
}

// PutGroup writes group payload unconditionally.
// Params: group key and payload.
// Returns: new revision.
func (s *MemoryStore) PutGroup(_ context.Context, key string, group domain.AlertGroup) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.groups[key].revision + 1
	s.groups[key] = memoryGroup{group: *group.Clone(), revision: rev}
	return rev, nil
}

// UpdateGroup updates group payload using expected revision CAS.
// Params: group key, expected revision (0 = create-only), and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) UpdateGroup(_ context.Context, key string, expectedRevision uint64, group domain.AlertGroup) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.groups[key]
	if !ok {
		if expectedRevision != 0 {
			return 0, ErrNotFound
		}
		s.groups[key] = memoryGroup{group: *group.Clone(), revision: 1}
		return 1, nil
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.groups[key] = memoryGroup{group: *group.Clone(), revision: rev}
	return rev, nil
}

// GetGroup returns group payload copy and revision.
// Params: group key.
// Returns: stored group, revision, or ErrNotFound.
func (s *MemoryStore) GetGroup(_ context.Context, key string) (domain.AlertGroup, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.groups[key]
	if !ok {
		return domain.AlertGroup{}, 0, ErrNotFound
	}
	return *entry.group.Clone(), entry.revision, nil
}

// DeleteGroup deletes group entry.
// Params: group key.
// Returns: nil (absent key is not an error).
func (s *MemoryStore) DeleteGroup(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, key)
	return nil
}

// ListGroupKeys lists persisted group keys.
// Params: none.
// Returns: key slice in map order.
func (s *MemoryStore) ListGroupKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.groups))
	for key := range s.groups {
		keys = append(keys, key)
	}
	return keys, nil
}

// Size reports persisted group count.
// Params: none.
// Returns: group count.
func (s *MemoryStore) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups), nil
}

// PutTimer upserts one timer record by ID.
// Params: timer record.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutTimer(_ context.Context, record domain.TimerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[record.ID()] = record
	return nil
}

// GetTimer loads one timer record by ID.
// Params: timer ID.
// Returns: record or ErrNotFound.
func (s *MemoryStore) GetTimer(_ context.Context, id string) (domain.TimerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.timers[id]
	if !ok {
		return domain.TimerRecord{}, ErrNotFound
	}
	return record, nil
}

// DeleteTimer deletes one timer record.
// Params: timer ID.
// Returns: nil (absent ID is not an error).
func (s *MemoryStore) DeleteTimer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	return nil
}

// ListTimers lists outstanding timer records.
// Params: none.
// Returns: record slice in map order.
func (s *MemoryStore) ListTimers(_ context.Context) ([]domain.TimerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.TimerRecord, 0, len(s.timers))
	for _, record := range s.timers {
		records = append(records, record)
	}
	return records, nil
}

// AcquireLease claims lease key for owner unless an unexpired lease exists.
// Params: lease key, owner id, and TTL.
// Returns: true when lease was acquired or refreshed by the same owner.
func (s *MemoryStore) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[key]
	if ok && lease.owner != owner && now.Before(lease.expiresAt) {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease drops lease held by owner.
// Params: lease key and owner id.
// Returns: nil (foreign or absent leases are left untouched).
func (s *MemoryStore) ReleaseLease(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[key]; ok && lease.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// Ping reports memory store health.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// Reset drops all stored state. Test and reconciliation helper.
// Params: none.
// Returns: empty store.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = make(map[string]memoryGroup)
	s.timers = make(map[string]domain.TimerRecord)
	s.leases = make(map[string]memoryLease)
}
