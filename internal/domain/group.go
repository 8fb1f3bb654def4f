package domain

import (
	"hash/fnv"
	"sort"
	"time"
)

// GroupStatus is derived aggregate status of one alert group.
// Params: firing/mixed/resolved constants.
// Returns: status for lifecycle decisions and list filters.
type GroupStatus string

const (
	// GroupStatusFiring indicates at least one member is firing.
	GroupStatusFiring GroupStatus = "firing"
	// GroupStatusResolved indicates every member is resolved.
	GroupStatusResolved GroupStatus = "resolved"
	// GroupStatusMixed is a list-filter term selecting groups that hold both
	// firing and resolved members. Stored group status is always firing or
	// resolved: a group fires while any member fires.
	GroupStatusMixed GroupStatus = "mixed"
)

// RouteSnapshot is the grouping route configuration frozen at group creation.
// Params: receiver, grouping labels, and timer intervals from the matched route.
// Returns: read-only route context carried by the group across restarts.
type RouteSnapshot struct {
	Receiver       string        `json:"receiver"`
	GroupBy        []string      `json:"group_by"`
	GroupWait      time.Duration `json:"group_wait"`
	GroupInterval  time.Duration `json:"group_interval"`
	RepeatInterval time.Duration `json:"repeat_interval"`
}

// AlertGroup is one set of alerts sharing grouping label values under a route.
// Params: deterministic key, common labels, member map by fingerprint, and lifecycle timestamps.
// Returns: unit of batching, persistence, and notification.
type AlertGroup struct {
	Key              string           `json:"key"`
	Receiver         string           `json:"receiver"`
	Labels           map[string]string `json:"labels"`
	Alerts           map[string]Alert `json:"alerts"`
	Status           GroupStatus      `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	LastNotifiedAt   time.Time        `json:"last_notified_at,omitempty"`
	LastNotifiedHash uint64           `json:"last_notified_hash,omitempty"`
	Route            RouteSnapshot    `json:"route"`
}

// RecomputeStatus derives group status from member statuses.
// Params: transition time for ResolvedAt bookkeeping.
// Returns: group fires while any member fires; all-resolved sets ResolvedAt once.
func (g *AlertGroup) RecomputeStatus(now time.Time) {
	for _, alert := range g.Alerts {
		if !alert.Resolved() {
			g.Status = GroupStatusFiring
			g.ResolvedAt = nil
			return
		}
	}
	g.Status = GroupStatusResolved
	if g.ResolvedAt == nil {
		resolvedAt := now
		g.ResolvedAt = &resolvedAt
	}
}

// HasMixedMembers reports whether group holds both firing and resolved members.
// Params: none.
// Returns: true when member statuses disagree.
func (g *AlertGroup) HasMixedMembers() bool {
	firing, resolved := false, false
	for _, alert := range g.Alerts {
		if alert.Resolved() {
			resolved = true
		} else {
			firing = true
		}
		if firing && resolved {
			return true
		}
	}
	return false
}

// MembersHash computes order-insensitive hash of member identities and statuses.
// Params: none.
// Returns: FNV-1a digest used to detect changes between notifications.
func (g *AlertGroup) MembersHash() uint64 {
	fingerprints := make([]string, 0, len(g.Alerts))
	for fingerprint := range g.Alerts {
		fingerprints = append(fingerprints, fingerprint)
	}
	sort.Strings(fingerprints)

	digest := fnv.New64a()
	for _, fingerprint := range fingerprints {
		_, _ = digest.Write([]byte(fingerprint))
		_, _ = digest.Write([]byte{0})
		_, _ = digest.Write([]byte(g.Alerts[fingerprint].Status))
		_, _ = digest.Write([]byte{0})
	}
	return digest.Sum64()
}

// Clone returns a defensive deep copy of the group.
// Params: none.
// Returns: snapshot safe for callers outside the owning manager.
func (g *AlertGroup) Clone() *AlertGroup {
	out := *g
	out.Labels = cloneLabelMap(g.Labels)
	out.Alerts = make(map[string]Alert, len(g.Alerts))
	for fingerprint, alert := range g.Alerts {
		out.Alerts[fingerprint] = alert.Clone()
	}
	if g.ResolvedAt != nil {
		resolvedAt := *g.ResolvedAt
		out.ResolvedAt = &resolvedAt
	}
	if len(g.Route.GroupBy) > 0 {
		out.Route.GroupBy = append([]string(nil), g.Route.GroupBy...)
	}
	return &out
}
