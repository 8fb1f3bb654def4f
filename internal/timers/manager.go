// Package timers schedules group-wait, group-interval, and repeat-interval
// firings with cross-instance duplicate suppression.
package timers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"grouping/internal/clock"
	"grouping/internal/domain"
	"grouping/internal/metrics"
	"grouping/internal/permanent"
	"grouping/internal/state"
)

// FireFunc handles one timer firing that won the dedup lease.
// Params: context and the fired record.
// Returns: error triggers the retry path.
type FireFunc func(ctx context.Context, record domain.TimerRecord) error

const (
	defaultFireRetries   = 3
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultFailureRedeal = time.Minute
)

// Manager runs all outstanding timers on one earliest-deadline loop.
// Params: shared store, clock, owner identity, lease TTL, callback, logger, metrics.
// Returns: scheduler with at most one outstanding timer per (group, kind).
//
// Every fire races an acquire on `timer/<kind>/<groupKey>` against peer
// instances sharing the store; losers drop the fire silently.
type Manager struct {
	store    state.Store
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	owner    string
	leaseTTL time.Duration
	fire     FireFunc

	fireRetries   int
	retryBackoff  time.Duration
	failureRedeal time.Duration

	mu      sync.Mutex
	pending map[string]domain.TimerRecord
	wake    chan struct{}

	inFlight sync.WaitGroup
}

// NewManager creates a timer manager; Run must be started separately.
// Params: store, clock, instance owner id, lease TTL, fire callback, logger, metrics.
// Returns: initialized manager with an empty schedule.
func NewManager(store state.Store, clk clock.Clock, owner string, leaseTTL time.Duration, fire FireFunc, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:         store,
		clk:           clk,
		logger:        logger,
		metrics:       m,
		owner:         owner,
		leaseTTL:      leaseTTL,
		fire:          fire,
		fireRetries:   defaultFireRetries,
		retryBackoff:  defaultRetryBackoff,
		failureRedeal: defaultFailureRedeal,
		pending:       make(map[string]domain.TimerRecord),
		wake:          make(chan struct{}, 1),
	}
}

// Schedule arms one timer, replacing any outstanding timer of the same kind.
// Params: context, timer kind, group key, and absolute fire time.
// Returns: persistence error; the in-memory schedule is updated regardless.
func (m *Manager) Schedule(ctx context.Context, kind domain.TimerKind, groupKey string, fireAt time.Time) error {
	record := domain.TimerRecord{Kind: kind, GroupKey: groupKey, FireAt: fireAt.UTC(), Owner: m.owner}

	m.mu.Lock()
	m.pending[record.ID()] = record
	m.mu.Unlock()
	m.poke()

	if err := m.store.PutTimer(ctx, record); err != nil {
		m.logger.Error("persist timer failed", "timer", record.ID(), "error", err.Error())
		return fmt.Errorf("persist timer %s: %w", record.ID(), err)
	}
	return nil
}

// Cancel disarms one timer kind for a group.
// Params: context, timer kind, and group key.
// Returns: persistence error; unknown timers are a no-op.
func (m *Manager) Cancel(ctx context.Context, kind domain.TimerKind, groupKey string) error {
	id := domain.TimerID(kind, groupKey)

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	m.poke()

	if err := m.store.DeleteTimer(ctx, id); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("delete timer %s: %w", id, err)
	}
	return nil
}

// CancelGroup disarms every timer kind for a group.
// Params: context and group key.
// Returns: first persistence error.
func (m *Manager) CancelGroup(ctx context.Context, groupKey string) error {
	var firstErr error
	for _, kind := range []domain.TimerKind{domain.TimerKindWait, domain.TimerKindInterval, domain.TimerKindRepeat} {
		if err := m.Cancel(ctx, kind, groupKey); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestoreTimers reloads persisted timer records into the schedule.
// Params: context for storage calls.
// Returns: load error; past-due records fire almost immediately.
func (m *Manager) RestoreTimers(ctx context.Context) error {
	records, err := m.store.ListTimers(ctx)
	if err != nil {
		return fmt.Errorf("list persisted timers: %w", err)
	}

	m.mu.Lock()
	for _, record := range records {
		m.pending[record.ID()] = record
	}
	restored := len(m.pending)
	m.mu.Unlock()
	m.poke()

	m.logger.Info("timers restored from storage", "timers", restored)
	return nil
}

// PendingCount reports the number of armed timers.
// Params: none.
// Returns: outstanding timer count.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run drives the earliest-deadline loop until ctx is cancelled.
// Params: long-lived context.
// Returns: after in-flight fires complete.
func (m *Manager) Run(ctx context.Context) {
	for {
		var timerC <-chan time.Time
		var wait *time.Timer
		if next, ok := m.nextDeadline(); ok {
			delay := next.Sub(m.clk.Now())
			if delay < 0 {
				delay = 0
			}
			wait = time.NewTimer(delay)
			timerC = wait.C
		}

		select {
		case <-ctx.Done():
			if wait != nil {
				wait.Stop()
			}
			m.inFlight.Wait()
			return
		case <-m.wake:
			if wait != nil {
				wait.Stop()
			}
		case <-timerC:
			m.dispatchDue(ctx)
		}
	}
}

// Tick dispatches every past-due timer and waits for the fires to finish.
// Params: context for the fire callbacks.
// Returns: after all due callbacks and reschedules completed.
func (m *Manager) Tick(ctx context.Context) {
	m.dispatchDue(ctx)
	m.inFlight.Wait()
}

// Flush force-fires every pending timer regardless of its deadline.
// Params: context for the fire callbacks.
// Returns: after all forced fires completed; used on flush-on-shutdown.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	pending := make([]domain.TimerRecord, 0, len(m.pending))
	for id, record := range m.pending {
		pending = append(pending, record)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	for _, record := range pending {
		m.inFlight.Add(1)
		go func(record domain.TimerRecord) {
			defer m.inFlight.Done()
			m.fireOne(ctx, record)
		}(record)
	}
	m.inFlight.Wait()
}

// nextDeadline finds the earliest armed fire time.
// Params: none.
// Returns: earliest deadline and whether any timer is armed.
func (m *Manager) nextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	found := false
	for _, record := range m.pending {
		if !found || record.FireAt.Before(earliest) {
			earliest = record.FireAt
			found = true
		}
	}
	return earliest, found
}

// dispatchDue launches fire attempts for every past-due timer.
// Params: loop context.
// Returns: due records removed from the schedule, fires run concurrently.
func (m *Manager) dispatchDue(ctx context.Context) {
	now := m.clk.Now()

	m.mu.Lock()
	var due []domain.TimerRecord
	for id, record := range m.pending {
		if record.FireAt.After(now) {
			continue
		}
		due = append(due, record)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	for _, record := range due {
		m.inFlight.Add(1)
		go func(record domain.TimerRecord) {
			defer m.inFlight.Done()
			m.fireOne(ctx, record)
		}(record)
	}
}

// fireOne races the dedup lease and runs the callback on a win.
// Params: context and due record.
// Returns: callback executed at most once across instances per fire.
func (m *Manager) fireOne(ctx context.Context, record domain.TimerRecord) {
	leaseKey := "timer/" + string(record.Kind) + "/" + record.GroupKey
	won, err := m.store.AcquireLease(ctx, leaseKey, m.owner, m.leaseTTL)
	if err != nil {
		m.logger.Error("timer lease acquisition failed", "timer", record.ID(), "error", err.Error())
		m.recordSkip(record.Kind, "lease_error")
		m.rearm(ctx, record, m.clk.Now().Add(m.failureRedeal))
		return
	}
	if !won {
		// A peer instance owns this fire.
		m.logger.Debug("timer fire suppressed by peer lease", "timer", record.ID())
		m.recordSkip(record.Kind, "lease_lost")
		return
	}

	if delErr := m.store.DeleteTimer(ctx, record.ID()); delErr != nil && !errors.Is(delErr, state.ErrNotFound) {
		m.logger.Warn("delete fired timer record failed", "timer", record.ID(), "error", delErr.Error())
	}

	if m.metrics != nil {
		m.metrics.TimerFiresTotal.WithLabelValues(string(record.Kind)).Inc()
	}

	var fireErr error
	for attempt := 1; attempt <= m.fireRetries; attempt++ {
		fireErr = m.fire(ctx, record)
		if fireErr == nil {
			return
		}
		if permanent.Is(fireErr) {
			m.logger.Error("timer callback failed permanently, dropping fire",
				"timer", record.ID(), "error", fireErr.Error())
			m.recordSkip(record.Kind, "permanent_error")
			return
		}
		if attempt == m.fireRetries || ctx.Err() != nil {
			break
		}
		backoff := m.retryBackoff * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}

	m.logger.Error("timer callback failed after retries",
		"timer", record.ID(), "attempts", m.fireRetries, "error", fireErr.Error())
	// Degrade to periodic re-attempts so the group does not lose its
	// cadence on a sink outage.
	m.rearm(ctx, record, m.clk.Now().Add(m.failureRedeal))
}

// rearm re-schedules a record at a new fire time after a failed attempt.
// Params: context, original record, and new fire time.
// Returns: record back in the schedule and storage.
func (m *Manager) rearm(ctx context.Context, record domain.TimerRecord, fireAt time.Time) {
	record.FireAt = fireAt.UTC()
	record.Owner = m.owner

	m.mu.Lock()
	if _, replaced := m.pending[record.ID()]; replaced {
		// A newer schedule for this (group, kind) already exists.
		m.mu.Unlock()
		return
	}
	m.pending[record.ID()] = record
	m.mu.Unlock()
	m.poke()

	if err := m.store.PutTimer(ctx, record); err != nil {
		m.logger.Error("persist rearmed timer failed", "timer", record.ID(), "error", err.Error())
	}
}

// recordSkip counts one suppressed fire.
// Params: timer kind and skip reason.
// Returns: skip counter updated.
func (m *Manager) recordSkip(kind domain.TimerKind, reason string) {
	if m.metrics != nil {
		m.metrics.TimerSkipsTotal.WithLabelValues(string(kind), reason).Inc()
	}
}

// poke wakes the run loop after a schedule change.
// Params: none.
// Returns: non-blocking signal sent.
func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
