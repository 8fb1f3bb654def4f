package domain

import (
	"fmt"
	"time"
)

// TimerKind selects one of the three per-group notification timers.
// Params: wait/interval/repeat constants.
// Returns: scheduler key component and persisted record discriminator.
type TimerKind string

const (
	// TimerKindWait fires once, group_wait after a group's first alert.
	TimerKindWait TimerKind = "wait"
	// TimerKindInterval fires at group_interval to batch subsequent changes.
	TimerKindInterval TimerKind = "interval"
	// TimerKindRepeat fires at repeat_interval to re-notify unchanged firing groups.
	TimerKindRepeat TimerKind = "repeat"
)

// ParseTimerKind validates one timer kind token.
// Params: raw kind string from a persisted record.
// Returns: typed kind or error for unknown tokens.
func ParseTimerKind(raw string) (TimerKind, error) {
	switch TimerKind(raw) {
	case TimerKindWait, TimerKindInterval, TimerKindRepeat:
		return TimerKind(raw), nil
	default:
		return "", fmt.Errorf("unsupported timer kind %q", raw)
	}
}

// TimerRecord is one outstanding timer persisted for crash recovery.
// Params: kind, owning group key, absolute deadline, and scheduling instance id.
// Returns: durable scheduling state restored on boot.
type TimerRecord struct {
	Kind     TimerKind `json:"kind"`
	GroupKey string    `json:"group_key"`
	FireAt   time.Time `json:"fire_at"`
	Owner    string    `json:"owner"`
}

// ID returns the storage/lease key for this record.
// Params: none.
// Returns: kind-qualified key, at most one per (group, kind).
func (r TimerRecord) ID() string {
	return TimerID(r.Kind, r.GroupKey)
}

// TimerID builds the canonical timer identifier for one (group, kind) pair.
// Params: timer kind and group key.
// Returns: identifier used for persistence and cross-instance fire leases.
func TimerID(kind TimerKind, groupKey string) string {
	return string(kind) + "|" + groupKey
}
