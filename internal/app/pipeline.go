package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"grouping/internal/clock"
	"grouping/internal/config"
	"grouping/internal/domain"
	"grouping/internal/engine"
	"grouping/internal/group"
	"grouping/internal/metrics"
	"grouping/internal/sink"
	"grouping/internal/timers"
)

// Pipeline routes alerts into groups and drives notification timers.
// Params: route tree, key generator, managers, egress sink, clock, logging.
// Returns: the alert-processing core shared by every ingest surface.
type Pipeline struct {
	route   *config.Route
	keys    engine.KeyGenerator
	groups  *group.Manager
	timers  *timers.Manager
	egress  sink.Sink
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates the alert-processing pipeline.
// Params: root route, key generator, group/timer managers, sink, clock, logger, metrics.
// Returns: initialized pipeline.
func NewPipeline(route *config.Route, keys engine.KeyGenerator, groups *group.Manager, tm *timers.Manager, egress sink.Sink, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		route:   route,
		keys:    keys,
		groups:  groups,
		timers:  tm,
		egress:  egress,
		clk:     clk,
		logger:  logger,
		metrics: m,
	}
}

// HandleAlert processes one validated alert end to end.
// Params: context and decoded alert.
// Returns: whether a new group was created, and processing error.
func (p *Pipeline) HandleAlert(ctx context.Context, alert domain.Alert) (bool, error) {
	if err := alert.Validate(); err != nil {
		p.countRejected("invalid")
		return false, err
	}

	route := engine.ResolveRoute(p.route, alert.Labels)
	key, err := p.keys.GenerateKey(route, &alert)
	if err != nil {
		p.countRejected("key")
		return false, fmt.Errorf("build group key: %w", err)
	}
	groupLabels, err := engine.GroupingLabels(route, &alert)
	if err != nil {
		p.countRejected("key")
		return false, fmt.Errorf("grouping labels: %w", err)
	}

	snapshot, created, addErr := p.groups.AddAlertToGroup(ctx, key, route.Receiver, groupLabels, snapshotRoute(route), alert)
	if snapshot == nil {
		p.countRejected("group")
		return false, addErr
	}
	if p.metrics != nil {
		p.metrics.AlertsIngestedTotal.WithLabelValues(string(alert.Status)).Inc()
	}

	if created {
		fireAt := p.clk.Now().Add(snapshot.Route.GroupWait)
		if scheduleErr := p.timers.Schedule(ctx, domain.TimerKindWait, key, fireAt); scheduleErr != nil {
			// The group is live; the persisted record is lost until the next
			// successful schedule, which failover keeps rare.
			p.logger.Error("schedule group-wait failed", "group_key", key, "error", scheduleErr.Error())
		}
		p.logger.Info("alert group created",
			"group_key", key, "receiver", route.Receiver, "group_wait", snapshot.Route.GroupWait.String())
	}
	p.logger.Debug("alert routed",
		"fingerprint", alert.Fingerprint, "group_key", key, "status", string(alert.Status), "created", created)
	// The in-memory group holds the alert even when persistence failed;
	// surface the error so the delivery can be retried idempotently.
	return created, addErr
}

// OnTimerFire handles one won timer firing.
// Params: context and fired record.
// Returns: error requests a retry from the timer manager.
func (p *Pipeline) OnTimerFire(ctx context.Context, record domain.TimerRecord) error {
	// Sync from the shared store first so the lease winner's snapshot holds
	// members added through peer instances.
	grp, err := p.groups.SyncGroup(ctx, record.GroupKey)
	if err != nil {
		if group.IsGroupNotFound(err) {
			// Group removed between scheduling and firing.
			if cancelErr := p.timers.CancelGroup(ctx, record.GroupKey); cancelErr != nil {
				p.logger.Warn("cancel timers of removed group failed", "group_key", record.GroupKey, "error", cancelErr.Error())
			}
			return nil
		}
		return err
	}

	now := p.clk.Now()
	hash := grp.MembersHash()
	changed := hash != grp.LastNotifiedHash

	switch record.Kind {
	case domain.TimerKindWait:
		if err := p.notify(ctx, grp, record.Kind, hash, now); err != nil {
			return err
		}
		if err := p.timers.Schedule(ctx, domain.TimerKindInterval, grp.Key, now.Add(grp.Route.GroupInterval)); err != nil {
			return err
		}
		return p.timers.Schedule(ctx, domain.TimerKindRepeat, grp.Key, now.Add(grp.Route.RepeatInterval))

	case domain.TimerKindInterval:
		if changed {
			if err := p.notify(ctx, grp, record.Kind, hash, now); err != nil {
				return err
			}
		} else {
			p.skip(record.Kind, "unchanged")
		}
		return p.timers.Schedule(ctx, domain.TimerKindInterval, grp.Key, now.Add(grp.Route.GroupInterval))

	case domain.TimerKindRepeat:
		due := now.Sub(grp.LastNotifiedAt) >= grp.Route.RepeatInterval
		if !changed && grp.Status == domain.GroupStatusFiring && due {
			if err := p.notify(ctx, grp, record.Kind, hash, now); err != nil {
				return err
			}
		} else {
			p.skip(record.Kind, repeatSkipReason(changed, grp.Status, due))
		}
		if grp.Status == domain.GroupStatusFiring {
			return p.timers.Schedule(ctx, domain.TimerKindRepeat, grp.Key, now.Add(grp.Route.RepeatInterval))
		}
		return nil

	default:
		p.logger.Warn("unknown timer kind fired", "timer", record.ID())
		return nil
	}
}

// Cleanup removes expired and stale groups together with their timers.
// Params: context, resolved-group retention, and staleness threshold.
// Returns: removed group count.
func (p *Pipeline) Cleanup(ctx context.Context, maxAge, staleAfter time.Duration) int {
	removed := p.groups.CleanupExpiredGroups(ctx, maxAge, staleAfter)
	for _, key := range removed {
		if err := p.timers.CancelGroup(ctx, key); err != nil {
			p.logger.Warn("cancel timers of expired group failed", "group_key", key, "error", err.Error())
		}
	}
	return len(removed)
}

// Restore rebuilds groups and timers from storage before ingest starts.
// Params: context for storage calls.
// Returns: first restore error.
func (p *Pipeline) Restore(ctx context.Context) error {
	if err := p.groups.Restore(ctx); err != nil {
		return err
	}
	return p.timers.RestoreTimers(ctx)
}

// notify hands one group snapshot to the sink and records the delivery.
// Params: context, group copy, trigger kind, membership hash, and fire time.
// Returns: sink error before any bookkeeping is written.
func (p *Pipeline) notify(ctx context.Context, grp *domain.AlertGroup, kind domain.TimerKind, hash uint64, now time.Time) error {
	notification := sink.Notification{
		ID:          sink.BuildNotificationID(grp.Key, kind, hash, now),
		GroupKey:    grp.Key,
		Receiver:    grp.Receiver,
		Status:      grp.Status,
		GroupLabels: grp.Labels,
		Alerts:      sortedAlerts(grp),
		Trigger:     kind,
		FiredAt:     now,
	}
	if err := p.egress.Notify(ctx, notification); err != nil {
		return fmt.Errorf("notify group %s: %w", grp.Key, err)
	}
	if err := p.groups.MarkNotified(ctx, grp.Key, now, hash); err != nil && !group.IsGroupNotFound(err) {
		p.logger.Warn("record notification failed", "group_key", grp.Key, "error", err.Error())
	}
	if p.metrics != nil {
		p.metrics.NotificationsTotal.WithLabelValues(string(kind)).Inc()
		p.metrics.GroupSizeAlerts.Observe(float64(len(notification.Alerts)))
	}
	p.logger.Info("group notification delivered",
		"group_key", grp.Key, "trigger", string(kind), "status", string(grp.Status), "alerts", len(notification.Alerts))
	return nil
}

// skip counts one suppressed notification.
// Params: timer kind and suppression reason.
// Returns: metric updated.
func (p *Pipeline) skip(kind domain.TimerKind, reason string) {
	if p.metrics != nil {
		p.metrics.TimerSkipsTotal.WithLabelValues(string(kind), reason).Inc()
	}
}

// countRejected counts one rejected alert.
// Params: rejection reason.
// Returns: metric updated.
func (p *Pipeline) countRejected(reason string) {
	if p.metrics != nil {
		p.metrics.AlertsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// repeatSkipReason explains one suppressed repeat fire.
// Params: change flag, group status, and repeat-interval due flag.
// Returns: short machine-readable reason.
func repeatSkipReason(changed bool, status domain.GroupStatus, due bool) string {
	switch {
	case changed:
		return "changed"
	case status != domain.GroupStatusFiring:
		return "resolved"
	case !due:
		return "not_due"
	default:
		return "suppressed"
	}
}

// snapshotRoute freezes effective route parameters into the group.
// Params: resolved route with defaulted interval pointers.
// Returns: plain-duration snapshot stored on the group.
func snapshotRoute(route *config.Route) domain.RouteSnapshot {
	snapshot := domain.RouteSnapshot{
		Receiver: route.Receiver,
		GroupBy:  append([]string(nil), route.GroupBy...),
	}
	if route.GroupWait != nil {
		snapshot.GroupWait = route.GroupWait.Std()
	}
	if route.GroupInterval != nil {
		snapshot.GroupInterval = route.GroupInterval.Std()
	}
	if route.RepeatInterval != nil {
		snapshot.RepeatInterval = route.RepeatInterval.Std()
	}
	return snapshot
}

// sortedAlerts orders group members by fingerprint for stable payloads.
// Params: group copy.
// Returns: alert slice sorted by fingerprint.
func sortedAlerts(grp *domain.AlertGroup) []domain.Alert {
	alerts := make([]domain.Alert, 0, len(grp.Alerts))
	for _, alert := range grp.Alerts {
		alerts = append(alerts, alert)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Fingerprint < alerts[j].Fingerprint })
	return alerts
}
