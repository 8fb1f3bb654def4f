// Package group owns the live set of alert groups and their persistence.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"grouping/internal/clock"
	"grouping/internal/domain"
	"grouping/internal/metrics"
	"grouping/internal/state"
)

// GroupNotFoundError reports a lookup for an unknown group key or fingerprint.
// Params: group key or fingerprint that missed.
// Returns: typed error matched via errors.As.
type GroupNotFoundError struct {
	Key string
}

// Error renders group-not-found message.
// Params: none.
// Returns: human-readable error string.
func (e *GroupNotFoundError) Error() string {
	return fmt.Sprintf("alert group not found: %s", e.Key)
}

// IsGroupNotFound reports whether err wraps GroupNotFoundError.
// Params: error candidate.
// Returns: true for group-not-found errors.
func IsGroupNotFound(err error) bool {
	var notFound *GroupNotFoundError
	return errors.As(err, &notFound)
}

// ListFilter narrows and pages ListGroups output.
// Params: optional status/receiver/label predicates and pagination window.
// Returns: filter applied against a snapshot of the group set.
type ListFilter struct {
	Status   domain.GroupStatus
	Receiver string
	Labels   map[string]string
	Offset   int
	Limit    int
}

// Stats summarizes the live group set.
// Params: none.
// Returns: aggregate counters for the stats endpoint.
type Stats struct {
	Groups         int            `json:"groups"`
	Alerts         int            `json:"alerts"`
	GroupsByStatus map[string]int `json:"groups_by_status"`
}

// persistAttempts bounds conflict-merge retries for one group write.
const persistAttempts = 3

// Manager is the single owner of all alert groups.
// Params: backing store, clock, logger, and metrics handle.
// Returns: thread-safe group lifecycle manager.
//
// Mutations are memory-first: the in-memory map is updated before the store
// and stays authoritative for reads even when the write fails, but the
// persistence error is surfaced to the caller. Revision conflicts against
// peers sharing the store are resolved by merging the stored members and
// retrying with the fresh revision.
type Manager struct {
	store   state.Store
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	groups    map[string]*domain.AlertGroup
	revisions map[string]uint64
	byFinger  map[string]string

	// persistMu serializes store writes so CAS conflicts can only come
	// from peer instances, never from this manager racing itself.
	persistMu sync.Mutex
}

// NewManager creates an empty group manager.
// Params: store, clock, logger, and metrics handle.
// Returns: initialized manager.
func NewManager(store state.Store, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:     store,
		clk:       clk,
		logger:    logger,
		metrics:   m,
		groups:    make(map[string]*domain.AlertGroup),
		revisions: make(map[string]uint64),
		byFinger:  make(map[string]string),
	}
}

// AddAlertToGroup upserts an alert into the group addressed by key.
// Params: context, group key, receiver, grouping labels, route snapshot, alert.
// Returns: post-update group copy, whether the group was created, and error.
//
// Re-adding an existing fingerprint replaces the member in place, so resolve
// updates and repeated deliveries are idempotent at the membership level.
// A persistence error comes back with a non-nil group copy: the memory
// update already happened and stays authoritative.
func (m *Manager) AddAlertToGroup(ctx context.Context, key, receiver string, groupLabels map[string]string, route domain.RouteSnapshot, alert domain.Alert) (*domain.AlertGroup, bool, error) {
	if err := alert.Validate(); err != nil {
		return nil, false, err
	}
	now := m.clk.Now()

	m.mu.Lock()
	grp, ok := m.groups[key]
	created := !ok
	if created {
		grp = &domain.AlertGroup{
			Key:       key,
			Receiver:  receiver,
			Labels:    copyLabels(groupLabels),
			Alerts:    make(map[string]domain.Alert),
			CreatedAt: now,
			Route:     route,
		}
		m.groups[key] = grp
	}
	grp.Alerts[alert.Fingerprint] = alert.Clone()
	grp.UpdatedAt = now
	grp.RecomputeStatus(now)
	m.byFinger[alert.Fingerprint] = key
	snapshot := grp.Clone()
	m.mu.Unlock()

	if created && m.metrics != nil {
		m.metrics.GroupsCreatedTotal.Inc()
	}
	m.updateGauges()
	return snapshot, created, m.persist(ctx, key, snapshot)
}

// RemoveAlertFromGroup removes one alert from a group.
// Params: context, group key, and alert fingerprint.
// Returns: whether the now-empty group was deleted, and error.
//
// An unknown group key or a fingerprint the group does not hold yields
// GroupNotFoundError. Persistence errors come back after the memory update.
func (m *Manager) RemoveAlertFromGroup(ctx context.Context, key, fingerprint string) (bool, error) {
	now := m.clk.Now()

	m.mu.Lock()
	grp, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return false, &GroupNotFoundError{Key: key}
	}
	if _, member := grp.Alerts[fingerprint]; !member {
		m.mu.Unlock()
		return false, &GroupNotFoundError{Key: key + "/" + fingerprint}
	}
	delete(grp.Alerts, fingerprint)
	if m.byFinger[fingerprint] == key {
		delete(m.byFinger, fingerprint)
	}
	if len(grp.Alerts) == 0 {
		delete(m.groups, key)
		delete(m.revisions, key)
		m.mu.Unlock()
		m.updateGauges()
		return true, m.deleteStored(ctx, key)
	}
	grp.UpdatedAt = now
	grp.RecomputeStatus(now)
	snapshot := grp.Clone()
	m.mu.Unlock()

	m.updateGauges()
	return false, m.persist(ctx, key, snapshot)
}

// GetGroup loads one group by key.
// Params: group key.
// Returns: deep copy of the group or GroupNotFoundError.
func (m *Manager) GetGroup(key string) (*domain.AlertGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grp, ok := m.groups[key]
	if !ok {
		return nil, &GroupNotFoundError{Key: key}
	}
	return grp.Clone(), nil
}

// GetGroupByFingerprint finds the group holding an alert fingerprint.
// Params: alert fingerprint.
// Returns: deep copy of the containing group or GroupNotFoundError.
func (m *Manager) GetGroupByFingerprint(fingerprint string) (*domain.AlertGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byFinger[fingerprint]
	if !ok {
		return nil, &GroupNotFoundError{Key: fingerprint}
	}
	grp, ok := m.groups[key]
	if !ok {
		return nil, &GroupNotFoundError{Key: key}
	}
	return grp.Clone(), nil
}

// ListGroups returns groups matching the filter, ordered by key.
// Params: filter with optional predicates and pagination.
// Returns: matching group copies and the total match count before paging.
//
// The snapshot is taken under the read lock, filtering and paging run after
// release so slow consumers never block alert processing.
func (m *Manager) ListGroups(filter ListFilter) ([]*domain.AlertGroup, int, error) {
	switch filter.Status {
	case "", domain.GroupStatusFiring, domain.GroupStatusResolved, domain.GroupStatusMixed:
	default:
		return nil, 0, fmt.Errorf("unknown status filter %q", filter.Status)
	}

	m.mu.RLock()
	snapshot := make([]*domain.AlertGroup, 0, len(m.groups))
	for _, grp := range m.groups {
		snapshot = append(snapshot, grp.Clone())
	}
	m.mu.RUnlock()

	matched := snapshot[:0]
	for _, grp := range snapshot {
		if !matchesFilter(grp, filter) {
			continue
		}
		matched = append(matched, grp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	total := len(matched)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*domain.AlertGroup{}, total, nil
	}
	page := matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(page) {
		page = page[:filter.Limit]
	}
	return page, total, nil
}

// CleanupExpiredGroups removes resolved groups older than maxAge and any
// group untouched longer than staleAfter.
// Params: context, resolved-age threshold, and staleness threshold (0 disables).
// Returns: keys of removed groups.
//
// A resolved group qualifies once ResolvedAt is at least maxAge in the
// past; a firing group is only removed by the staleness threshold, which
// guards against groups abandoned by a dead upstream.
func (m *Manager) CleanupExpiredGroups(ctx context.Context, maxAge, staleAfter time.Duration) []string {
	now := m.clk.Now()

	m.mu.Lock()
	var removed []string
	for key, grp := range m.groups {
		expired := grp.Status == domain.GroupStatusResolved && grp.ResolvedAt != nil &&
			now.Sub(*grp.ResolvedAt) >= maxAge
		stale := staleAfter > 0 && now.Sub(grp.UpdatedAt) >= staleAfter
		if !expired && !stale {
			continue
		}
		for fingerprint := range grp.Alerts {
			if m.byFinger[fingerprint] == key {
				delete(m.byFinger, fingerprint)
			}
		}
		delete(m.groups, key)
		delete(m.revisions, key)
		removed = append(removed, key)
	}
	m.mu.Unlock()

	for _, key := range removed {
		// Best-effort sweep; deleteStored logs its own failures.
		_ = m.deleteStored(ctx, key)
		if m.metrics != nil {
			m.metrics.GroupsExpiredTotal.Inc()
		}
	}
	if len(removed) > 0 {
		m.updateGauges()
		m.logger.Info("expired groups removed", "count", len(removed))
	}
	return removed
}

// Restore rebuilds the in-memory group set from persisted storage.
// Params: context for storage calls.
// Returns: load error; runs before ingest starts accepting alerts.
func (m *Manager) Restore(ctx context.Context) error {
	keys, err := m.store.ListGroupKeys(ctx)
	if err != nil {
		return fmt.Errorf("list persisted groups: %w", err)
	}

	m.mu.Lock()
	m.groups = make(map[string]*domain.AlertGroup, len(keys))
	m.revisions = make(map[string]uint64, len(keys))
	m.byFinger = make(map[string]string)
	for _, key := range keys {
		grp, rev, getErr := m.store.GetGroup(ctx, key)
		if getErr != nil {
			if errors.Is(getErr, state.ErrNotFound) {
				continue
			}
			m.mu.Unlock()
			return fmt.Errorf("load group %q: %w", key, getErr)
		}
		stored := grp.Clone()
		m.groups[key] = stored
		m.revisions[key] = rev
		for fingerprint := range stored.Alerts {
			m.byFinger[fingerprint] = key
		}
	}
	restored := len(m.groups)
	m.mu.Unlock()

	m.updateGauges()
	m.logger.Info("alert groups restored from storage", "groups", restored)
	return nil
}

// Stats reports aggregate counts over the live group set.
// Params: none.
// Returns: group/alert totals and per-status breakdown.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Groups:         len(m.groups),
		GroupsByStatus: make(map[string]int),
	}
	for _, grp := range m.groups {
		stats.Alerts += len(grp.Alerts)
		stats.GroupsByStatus[string(grp.Status)]++
	}
	return stats
}

// MarkNotified records a delivered notification on a group.
// Params: context, group key, delivery time, and membership hash at delivery.
// Returns: GroupNotFoundError when the group no longer exists, or the
// persistence error after the memory update.
func (m *Manager) MarkNotified(ctx context.Context, key string, at time.Time, hash uint64) error {
	m.mu.Lock()
	grp, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return &GroupNotFoundError{Key: key}
	}
	grp.LastNotifiedAt = at
	grp.LastNotifiedHash = hash
	snapshot := grp.Clone()
	m.mu.Unlock()

	return m.persist(ctx, key, snapshot)
}

// persist writes one group to storage with revision CAS and conflict merge.
// Params: context, group key, and group snapshot.
// Returns: persistence error after retries; memory stays authoritative.
//
// Expected revision 0 is a create-only write, so a peer instance creating
// the same key first surfaces as ErrConflict instead of being clobbered.
// On conflict the stored members are merged into the live group and the
// write is retried with the fresh revision.
func (m *Manager) persist(ctx context.Context, key string, grp *domain.AlertGroup) error {
	start := time.Now()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	rev := m.revisions[key]
	live, tracked := m.groups[key]
	if tracked {
		// Write the freshest memory state; a mutation racing the caller's
		// snapshot is folded into this write instead of clobbered by it.
		grp = live.Clone()
	}
	m.mu.RUnlock()
	if !tracked {
		// Removed while this write was queued; nothing left to persist.
		return nil
	}

	var (
		newRev uint64
		err    error
	)
	for attempt := 0; attempt < persistAttempts; attempt++ {
		newRev, err = m.store.UpdateGroup(ctx, key, rev, *grp)
		if err == nil {
			break
		}
		if errors.Is(err, state.ErrNotFound) {
			// The stored entry vanished under us; recreate it.
			rev = 0
			continue
		}
		if !errors.Is(err, state.ErrConflict) {
			break
		}
		stored, storedRev, getErr := m.store.GetGroup(ctx, key)
		if getErr != nil {
			if errors.Is(getErr, state.ErrNotFound) {
				rev = 0
				continue
			}
			err = getErr
			break
		}
		grp = m.mergeStored(key, grp, &stored)
		rev = storedRev
	}
	if m.metrics != nil {
		m.metrics.ObserveStoreOp("put_group", err, time.Since(start))
	}
	if err != nil {
		m.logger.Error("persist group failed", "group_key", key, "error", err.Error())
		return fmt.Errorf("persist group %q: %w", key, err)
	}

	m.mu.Lock()
	if _, stillTracked := m.groups[key]; stillTracked {
		m.revisions[key] = newRev
	}
	m.mu.Unlock()
	return nil
}

// mergeStored unions peer-persisted members into the live group.
// Params: group key, local snapshot, and the stored peer copy.
// Returns: merged snapshot for the write retry; the in-memory group and
// fingerprint index absorb the peer members so later fires see them too.
//
// A member removed locally while a peer re-adds it converges toward keeping
// the member; the next resolve or cleanup settles it.
func (m *Manager) mergeStored(key string, grp, stored *domain.AlertGroup) *domain.AlertGroup {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.groups[key]
	if !ok {
		// The group was removed locally mid-persist; merge into the snapshot
		// without resurrecting it in memory.
		merged := grp.Clone()
		for fingerprint, alert := range stored.Alerts {
			if _, held := merged.Alerts[fingerprint]; !held {
				merged.Alerts[fingerprint] = alert.Clone()
			}
		}
		merged.RecomputeStatus(now)
		return merged
	}
	for fingerprint, alert := range stored.Alerts {
		if _, held := live.Alerts[fingerprint]; !held {
			live.Alerts[fingerprint] = alert.Clone()
			m.byFinger[fingerprint] = key
		}
	}
	if stored.LastNotifiedAt.After(live.LastNotifiedAt) {
		live.LastNotifiedAt = stored.LastNotifiedAt
		live.LastNotifiedHash = stored.LastNotifiedHash
	}
	live.RecomputeStatus(now)
	return live.Clone()
}

// SyncGroup refreshes one group from storage and returns the merged copy.
// Params: context and group key.
// Returns: group copy holding the union of local and peer members, or
// GroupNotFoundError when the group exists in neither place.
//
// Timer fires use this instead of GetGroup so the lease winner reports
// members added by peer instances sharing the store.
func (m *Manager) SyncGroup(ctx context.Context, key string) (*domain.AlertGroup, error) {
	stored, rev, err := m.store.GetGroup(ctx, key)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			m.logger.Warn("refresh group from storage failed", "group_key", key, "error", err.Error())
		}
		return m.GetGroup(key)
	}

	m.mu.Lock()
	live, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return nil, &GroupNotFoundError{Key: key}
	}
	for fingerprint, alert := range stored.Alerts {
		if _, held := live.Alerts[fingerprint]; !held {
			live.Alerts[fingerprint] = alert.Clone()
			m.byFinger[fingerprint] = key
		}
	}
	if stored.LastNotifiedAt.After(live.LastNotifiedAt) {
		live.LastNotifiedAt = stored.LastNotifiedAt
		live.LastNotifiedHash = stored.LastNotifiedHash
	}
	live.RecomputeStatus(m.clk.Now())
	m.revisions[key] = rev
	snapshot := live.Clone()
	m.mu.Unlock()
	return snapshot, nil
}

// deleteStored removes one group key from storage.
// Params: context and group key.
// Returns: delete error; the in-memory removal already happened.
func (m *Manager) deleteStored(ctx context.Context, key string) error {
	start := time.Now()
	err := m.store.DeleteGroup(ctx, key)
	if m.metrics != nil {
		m.metrics.ObserveStoreOp("delete_group", err, time.Since(start))
	}
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		m.logger.Error("delete group from storage failed", "group_key", key, "error", err.Error())
		return fmt.Errorf("delete group %q: %w", key, err)
	}
	return nil
}

// updateGauges refreshes active group/alert gauges.
// Params: none.
// Returns: metrics gauges synchronized with the live set.
func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	groups := len(m.groups)
	alerts := 0
	for _, grp := range m.groups {
		alerts += len(grp.Alerts)
	}
	m.mu.RUnlock()
	m.metrics.ActiveGroups.Set(float64(groups))
	m.metrics.ActiveAlerts.Set(float64(alerts))
}

// matchesFilter applies list predicates to one group.
// Params: group copy and filter.
// Returns: true when every set predicate matches.
func matchesFilter(grp *domain.AlertGroup, filter ListFilter) bool {
	if filter.Receiver != "" && grp.Receiver != filter.Receiver {
		return false
	}
	switch filter.Status {
	case "":
	case domain.GroupStatusMixed:
		if !grp.HasMixedMembers() {
			return false
		}
	default:
		if grp.Status != filter.Status {
			return false
		}
	}
	for name, value := range filter.Labels {
		if grp.Labels[name] != value {
			return false
		}
	}
	return true
}

// copyLabels duplicates a label map.
// Params: source label map.
// Returns: independent copy, never nil.
func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for name, value := range labels {
		out[name] = value
	}
	return out
}
