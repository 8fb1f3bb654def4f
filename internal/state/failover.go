package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"grouping/internal/domain"
)

// FailoverHooks notifies observers about backend switching.
// Params: failover/failback callbacks (nil members are skipped).
// Returns: metrics and readiness wiring points.
type FailoverHooks struct {
	OnFailover func()
	OnFailback func()
}

// FailoverStore unifies a primary backend with a process-local memory fallback.
// Params: primary store, fallback memory store, health polling interval, and hooks.
// Returns: store that degrades transparently on primary failure and reconciles on recovery.
//
// While degraded, leases are process-local: cross-instance duplicate
// suppression narrows to this instance until the primary returns.
type FailoverStore struct {
	primary        Store
	fallback       *MemoryStore
	logger         *slog.Logger
	hooks          FailoverHooks
	healthInterval time.Duration

	degraded    atomic.Bool
	reconcileMu sync.Mutex
	restoreHook func(ctx context.Context) error
}

// NewFailoverStore creates failover composite over primary and fallback.
// Params: primary backend, memory fallback, health interval, logger, and hooks.
// Returns: initialized composite store.
func NewFailoverStore(primary Store, fallback *MemoryStore, healthInterval time.Duration, logger *slog.Logger, hooks FailoverHooks) *FailoverStore {
	return &FailoverStore{
		primary:        primary,
		fallback:       fallback,
		logger:         logger,
		hooks:          hooks,
		healthInterval: healthInterval,
	}
}

// SetRestoreHook registers the one-time reconciliation callback run on fail-back.
// Params: hook reloading authoritative state from the recovered primary.
// Returns: hook stored for the next recovery.
func (s *FailoverStore) SetRestoreHook(hook func(ctx context.Context) error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	s.restoreHook = hook
}

// Degraded reports whether operations are served by the fallback.
// Params: none.
// Returns: true while the primary is considered unreachable.
func (s *FailoverStore) Degraded() bool {
	return s.degraded.Load()
}

// Run polls primary health until context cancellation.
// Params: long-lived context.
// Returns: when ctx is done; never blocks alert-processing paths.
func (s *FailoverStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth probes the primary and drives degrade/recover transitions.
// Params: loop context.
// Returns: state transitions applied with logging and hooks.
func (s *FailoverStore) checkHealth(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.healthInterval/2)
	defer cancel()
	err := s.primary.Ping(probeCtx)

	if !s.degraded.Load() {
		if err != nil && !errors.Is(err, context.Canceled) {
			s.degrade("health probe", err)
		}
		return
	}
	if err != nil {
		return
	}

	if reconcileErr := s.reconcile(ctx); reconcileErr != nil {
		s.logger.Error("primary reconciliation failed, staying on fallback", "error", reconcileErr.Error())
		return
	}
	s.degraded.Store(false)
	s.logger.Info("primary storage recovered, failed back")
	if s.hooks.OnFailback != nil {
		s.hooks.OnFailback()
	}
}

// reconcile pushes fallback-only state to the recovered primary and reloads.
// Params: context for storage calls.
// Returns: first reconciliation error.
//
// The primary stays authoritative: keys it already holds are not overwritten,
// fallback-only keys written during the outage are pushed up, then the restore
// hook rehydrates in-memory state from the primary.
func (s *FailoverStore) reconcile(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	keys, err := s.fallback.ListGroupKeys(ctx)
	if err != nil {
		return fmt.Errorf("list fallback groups: %w", err)
	}
	for _, key := range keys {
		group, _, getErr := s.fallback.GetGroup(ctx, key)
		if getErr != nil {
			continue
		}
		if _, _, primaryErr := s.primary.GetGroup(ctx, key); primaryErr == nil {
			continue
		} else if !errors.Is(primaryErr, ErrNotFound) {
			return fmt.Errorf("probe primary group %q: %w", key, primaryErr)
		}
		if _, putErr := s.primary.PutGroup(ctx, key, group); putErr != nil {
			return fmt.Errorf("push group %q: %w", key, putErr)
		}
	}

	records, err := s.fallback.ListTimers(ctx)
	if err != nil {
		return fmt.Errorf("list fallback timers: %w", err)
	}
	for _, record := range records {
		if _, getErr := s.primary.GetTimer(ctx, record.ID()); getErr == nil {
			continue
		} else if !errors.Is(getErr, ErrNotFound) {
			return fmt.Errorf("probe primary timer %q: %w", record.ID(), getErr)
		}
		if putErr := s.primary.PutTimer(ctx, record); putErr != nil {
			return fmt.Errorf("push timer %q: %w", record.ID(), putErr)
		}
	}

	s.fallback.Reset()

	hook := s.restoreHook
	if hook != nil {
		if hookErr := hook(ctx); hookErr != nil {
			return fmt.Errorf("restore hook: %w", hookErr)
		}
	}
	return nil
}

// degrade switches operations to the fallback store.
// Params: failing operation name and root cause.
// Returns: degraded flag set with logging and hook side effects.
func (s *FailoverStore) degrade(op string, err error) {
	if s.degraded.Swap(true) {
		return
	}
	s.logger.Error("primary storage failed, switching to memory fallback", "op", op, "error", err.Error())
	if s.hooks.OnFailover != nil {
		s.hooks.OnFailover()
	}
}

// isBackendFailure classifies errors that must trigger failover.
// Params: primary operation error.
// Returns: false for nil, domain sentinels, and caller cancellation.
func isBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// PutGroup writes through active backend with failover.
// Params: group key and payload.
// Returns: revision from the backend that served the write.
func (s *FailoverStore) PutGroup(ctx context.Context, key string, group domain.AlertGroup) (uint64, error) {
	if s.degraded.Load() {
		return s.fallback.PutGroup(ctx, key, group)
	}
	rev, err := s.primary.PutGroup(ctx, key, group)
	if isBackendFailure(err) {
		s.degrade("put group", err)
		return s.fallback.PutGroup(ctx, key, group)
	}
	return rev, err
}

// UpdateGroup updates through active backend with failover.
// Params: group key, expected revision, and payload.
// Returns: revision, ErrConflict, or fallback write result.
func (s *FailoverStore) UpdateGroup(ctx context.Context, key string, expectedRevision uint64, group domain.AlertGroup) (uint64, error) {
	if s.degraded.Load() {
		return s.fallback.PutGroup(ctx, key, group)
	}
	rev, err := s.primary.UpdateGroup(ctx, key, expectedRevision, group)
	if isBackendFailure(err) {
		s.degrade("update group", err)
		// Fallback revisions restart from scratch; unconditional write keeps
		// at-least-once semantics during the outage.
		return s.fallback.PutGroup(ctx, key, group)
	}
	return rev, err
}

// GetGroup reads through active backend with failover.
// Params: group key.
// Returns: group payload and revision.
func (s *FailoverStore) GetGroup(ctx context.Context, key string) (domain.AlertGroup, uint64, error) {
	if s.degraded.Load() {
		return s.fallback.GetGroup(ctx, key)
	}
	group, rev, err := s.primary.GetGroup(ctx, key)
	if isBackendFailure(err) {
		s.degrade("get group", err)
		return s.fallback.GetGroup(ctx, key)
	}
	return group, rev, err
}

// DeleteGroup deletes through active backend with failover.
// Params: group key.
// Returns: delete result from the serving backend.
func (s *FailoverStore) DeleteGroup(ctx context.Context, key string) error {
	if s.degraded.Load() {
		return s.fallback.DeleteGroup(ctx, key)
	}
	err := s.primary.DeleteGroup(ctx, key)
	if isBackendFailure(err) {
		s.degrade("delete group", err)
		return s.fallback.DeleteGroup(ctx, key)
	}
	return err
}

// ListGroupKeys lists through active backend with failover.
// Params: none.
// Returns: key slice from the serving backend.
func (s *FailoverStore) ListGroupKeys(ctx context.Context) ([]string, error) {
	if s.degraded.Load() {
		return s.fallback.ListGroupKeys(ctx)
	}
	keys, err := s.primary.ListGroupKeys(ctx)
	if isBackendFailure(err) {
		s.degrade("list group keys", err)
		return s.fallback.ListGroupKeys(ctx)
	}
	return keys, err
}

// Size reports group count through active backend with failover.
// Params: none.
// Returns: count from the serving backend.
func (s *FailoverStore) Size(ctx context.Context) (int, error) {
	if s.degraded.Load() {
		return s.fallback.Size(ctx)
	}
	size, err := s.primary.Size(ctx)
	if isBackendFailure(err) {
		s.degrade("size", err)
		return s.fallback.Size(ctx)
	}
	return size, err
}

// PutTimer upserts timer through active backend with failover.
// Params: timer record.
// Returns: put result from the serving backend.
func (s *FailoverStore) PutTimer(ctx context.Context, record domain.TimerRecord) error {
	if s.degraded.Load() {
		return s.fallback.PutTimer(ctx, record)
	}
	err := s.primary.PutTimer(ctx, record)
	if isBackendFailure(err) {
		s.degrade("put timer", err)
		return s.fallback.PutTimer(ctx, record)
	}
	return err
}

// GetTimer reads timer through active backend with failover.
// Params: timer ID.
// Returns: record or ErrNotFound.
func (s *FailoverStore) GetTimer(ctx context.Context, id string) (domain.TimerRecord, error) {
	if s.degraded.Load() {
		return s.fallback.GetTimer(ctx, id)
	}
	record, err := s.primary.GetTimer(ctx, id)
	if isBackendFailure(err) {
		s.degrade("get timer", err)
		return s.fallback.GetTimer(ctx, id)
	}
	return record, err
}

// DeleteTimer deletes timer through active backend with failover.
// Params: timer ID.
// Returns: delete result from the serving backend.
func (s *FailoverStore) DeleteTimer(ctx context.Context, id string) error {
	if s.degraded.Load() {
		return s.fallback.DeleteTimer(ctx, id)
	}
	err := s.primary.DeleteTimer(ctx, id)
	if isBackendFailure(err) {
		s.degrade("delete timer", err)
		return s.fallback.DeleteTimer(ctx, id)
	}
	return err
}

// ListTimers lists timers through active backend with failover.
// Params: none.
// Returns: record slice from the serving backend.
func (s *FailoverStore) ListTimers(ctx context.Context) ([]domain.TimerRecord, error) {
	if s.degraded.Load() {
		return s.fallback.ListTimers(ctx)
	}
	records, err := s.primary.ListTimers(ctx)
	if isBackendFailure(err) {
		s.degrade("list timers", err)
		return s.fallback.ListTimers(ctx)
	}
	return records, err
}

// AcquireLease acquires through active backend with failover.
// Params: lease key, owner, and TTL.
// Returns: acquisition result from the serving backend.
func (s *FailoverStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if s.degraded.Load() {
		return s.fallback.AcquireLease(ctx, key, owner, ttl)
	}
	ok, err := s.primary.AcquireLease(ctx, key, owner, ttl)
	if isBackendFailure(err) {
		s.degrade("acquire lease", err)
		return s.fallback.AcquireLease(ctx, key, owner, ttl)
	}
	return ok, err
}

// ReleaseLease releases through active backend with failover.
// Params: lease key and owner.
// Returns: release result from the serving backend.
func (s *FailoverStore) ReleaseLease(ctx context.Context, key, owner string) error {
	if s.degraded.Load() {
		return s.fallback.ReleaseLease(ctx, key, owner)
	}
	err := s.primary.ReleaseLease(ctx, key, owner)
	if isBackendFailure(err) {
		s.degrade("release lease", err)
		return s.fallback.ReleaseLease(ctx, key, owner)
	}
	return err
}

// Ping probes the active backend.
// Params: context bounds the probe.
// Returns: nil while the fallback serves operations.
func (s *FailoverStore) Ping(ctx context.Context) error {
	if s.degraded.Load() {
		return s.fallback.Ping(ctx)
	}
	return s.primary.Ping(ctx)
}

// Close closes primary and fallback stores.
// Params: none.
// Returns: first close error.
func (s *FailoverStore) Close() error {
	err := s.primary.Close()
	if closeErr := s.fallback.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
